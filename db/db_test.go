package db_test

import (
	"context"
	"testing"

	"github.com/sksmith/checkout-reservations/core"
	"github.com/sksmith/checkout-reservations/db"
)

type otherTx struct{}

func (otherTx) Commit(ctx context.Context) error   { return nil }
func (otherTx) Rollback(ctx context.Context) error { return nil }

func TestGetQueryOptions(t *testing.T) {
	conn := db.NewMockConn()
	tx := db.NewMockTransaction()

	tests := []struct {
		name          string
		options       []core.QueryOptions
		wantConn      core.Conn
		wantForUpdate string
	}{
		{name: "no options", wantConn: &conn},
		{name: "postgres transaction", options: []core.QueryOptions{{Tx: tx}}, wantConn: tx},
		{name: "for update", options: []core.QueryOptions{{Tx: tx, ForUpdate: true}}, wantConn: tx, wantForUpdate: "FOR UPDATE"},
		{name: "foreign transaction is ignored", options: []core.QueryOptions{{Tx: otherTx{}}}, wantConn: &conn},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, forUpdate := db.GetQueryOptions(&conn, test.options...)
			if got != test.wantConn {
				t.Errorf("unexpected conn got=%v want=%v", got, test.wantConn)
			}
			if forUpdate != test.wantForUpdate {
				t.Errorf("unexpected for update got=%s want=%s", forUpdate, test.wantForUpdate)
			}
		})
	}
}

func TestGetUpdateOptions(t *testing.T) {
	conn := db.NewMockConn()
	tx := db.NewMockTransaction()

	if got := db.GetUpdateOptions(&conn); got != core.Conn(&conn) {
		t.Errorf("expected the pool connection")
	}
	if got := db.GetUpdateOptions(&conn, core.UpdateOptions{Tx: tx}); got != core.Conn(tx) {
		t.Errorf("expected the transaction")
	}
	if got := db.GetUpdateOptions(&conn, core.UpdateOptions{Tx: otherTx{}}); got != core.Conn(&conn) {
		t.Errorf("expected the pool connection")
	}
}
