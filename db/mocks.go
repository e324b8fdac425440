package db

import (
	"context"
	"reflect"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/pkg/errors"
	"github.com/sksmith/checkout-reservations/test"
)

// MockConn stands in for the pool. Every call is recorded as (ctx, sql, args) so tests can check
// the statement a repository sent and the arguments bound to it.
type MockConn struct {
	QueryFunc    func(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRowFunc func(ctx context.Context, sql string, args ...interface{}) pgx.Row
	ExecFunc     func(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	BeginFunc    func(ctx context.Context) (pgx.Tx, error)
	*test.CallWatcher
}

func NewMockConn() MockConn {
	return MockConn{
		QueryFunc:    func(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) { return nil, nil },
		QueryRowFunc: func(ctx context.Context, sql string, args ...interface{}) pgx.Row { return MockRow{Err: pgx.ErrNoRows} },
		ExecFunc:     func(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) { return nil, nil },
		BeginFunc:    func(ctx context.Context) (pgx.Tx, error) { return nil, nil },
		CallWatcher:  test.NewCallWatcher(),
	}
}

func (c *MockConn) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	c.AddCall(ctx, sql, args)
	return c.QueryFunc(ctx, sql, args...)
}

func (c *MockConn) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	c.AddCall(ctx, sql, args)
	return c.QueryRowFunc(ctx, sql, args...)
}

func (c *MockConn) Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	c.AddCall(ctx, sql, args)
	return c.ExecFunc(ctx, sql, args...)
}

func (c *MockConn) Begin(ctx context.Context) (pgx.Tx, error) {
	c.AddCall(ctx)
	return c.BeginFunc(ctx)
}

// SQL returns the statement of the n'th call to funcName, or "" if there was no such call.
func (c *MockConn) SQL(funcName string, n int) string {
	call := c.call(funcName, n)
	if len(call) < 2 {
		return ""
	}
	sql, _ := call[1].(string)
	return sql
}

// Args returns the arguments bound to the n'th call to funcName.
func (c *MockConn) Args(funcName string, n int) []interface{} {
	call := c.call(funcName, n)
	if len(call) < 3 {
		return nil
	}
	args, _ := call[2].([]interface{})
	return args
}

func (c *MockConn) call(funcName string, n int) []interface{} {
	calls := c.GetCall(funcName)
	if n < 0 || n >= len(calls) {
		return nil
	}
	return calls[n]
}

// MockRow scans Values, in column order, into the destinations.
type MockRow struct {
	Values []interface{}
	Err    error
}

func NewMockRow(values ...interface{}) MockRow {
	return MockRow{Values: values}
}

func (r MockRow) Scan(dest ...interface{}) error {
	if r.Err != nil {
		return r.Err
	}
	if len(dest) != len(r.Values) {
		return errors.Errorf("mock row has %d columns, scanned into %d", len(r.Values), len(dest))
	}
	for i, d := range dest {
		target := reflect.ValueOf(d).Elem()
		value := reflect.ValueOf(r.Values[i])
		if !value.IsValid() {
			target.Set(reflect.Zero(target.Type()))
			continue
		}
		if !value.Type().AssignableTo(target.Type()) {
			return errors.Errorf("column %d: cannot scan %s into %s", i, value.Type(), target.Type())
		}
		target.Set(value)
	}
	return nil
}

type MockTransaction struct {
	CommitFunc   func(ctx context.Context) error
	RollbackFunc func(ctx context.Context) error

	MockConn
	*test.CallWatcher
}

func NewMockTransaction() *MockTransaction {
	return &MockTransaction{
		MockConn:     NewMockConn(),
		CommitFunc:   func(ctx context.Context) error { return nil },
		RollbackFunc: func(ctx context.Context) error { return nil },
		CallWatcher:  test.NewCallWatcher(),
	}
}

func (t *MockTransaction) Commit(ctx context.Context) error {
	t.AddCall(ctx)
	return t.CommitFunc(ctx)
}

func (t *MockTransaction) Rollback(ctx context.Context) error {
	t.AddCall(ctx)
	return t.RollbackFunc(ctx)
}
