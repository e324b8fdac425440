package resrepo

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sksmith/checkout-reservations/core"
	"github.com/sksmith/checkout-reservations/core/reservation"
	"github.com/sksmith/checkout-reservations/db"
	"github.com/sksmith/checkout-reservations/test"
)

type MockRepo struct {
	BeginTransactionFunc func(ctx context.Context) (core.Transaction, error)

	GetStockFunc     func(ctx context.Context, key reservation.StockKey, options ...core.QueryOptions) (reservation.Stock, error)
	SaveStockFunc    func(ctx context.Context, stock reservation.Stock, options ...core.UpdateOptions) error
	HoldStockFunc    func(ctx context.Context, key reservation.StockKey, qty int64, options ...core.UpdateOptions) (bool, error)
	ReleaseHeldFunc  func(ctx context.Context, key reservation.StockKey, qty int64, options ...core.UpdateOptions) error
	ConsumeStockFunc func(ctx context.Context, key reservation.StockKey, qty int64, options ...core.UpdateOptions) error

	GetReservationFunc        func(ctx context.Context, ID string, options ...core.QueryOptions) (reservation.Reservation, error)
	GetReservationsFunc       func(ctx context.Context, resOptions reservation.ListOptions, limit, offset int, options ...core.QueryOptions) ([]reservation.Reservation, error)
	SumHoldingFunc            func(ctx context.Context, key reservation.StockKey, now time.Time, options ...core.QueryOptions) (int64, error)
	GetExpiredStockKeysFunc   func(ctx context.Context, now time.Time, limit int, options ...core.QueryOptions) ([]reservation.StockKey, error)
	SaveReservationFunc       func(ctx context.Context, r *reservation.Reservation, options ...core.UpdateOptions) error
	TransitionReservationFunc func(ctx context.Context, ID string, from, to reservation.Status, now time.Time, options ...core.UpdateOptions) (bool, error)
	ExpireReservationsFunc    func(ctx context.Context, key reservation.StockKey, now time.Time, options ...core.UpdateOptions) ([]reservation.Reservation, error)
	*test.CallWatcher
}

// NewMockRepo returns a repository where every stock row exists with plenty of stock and no
// reservation exists.
func NewMockRepo() *MockRepo {
	return &MockRepo{
		BeginTransactionFunc: func(ctx context.Context) (core.Transaction, error) { return db.NewMockTransaction(), nil },

		GetStockFunc: func(ctx context.Context, key reservation.StockKey, options ...core.QueryOptions) (reservation.Stock, error) {
			return reservation.Stock{StockKey: key, Total: 100}, nil
		},
		SaveStockFunc: func(ctx context.Context, stock reservation.Stock, options ...core.UpdateOptions) error { return nil },
		HoldStockFunc: func(ctx context.Context, key reservation.StockKey, qty int64, options ...core.UpdateOptions) (bool, error) {
			return true, nil
		},
		ReleaseHeldFunc: func(ctx context.Context, key reservation.StockKey, qty int64, options ...core.UpdateOptions) error {
			return nil
		},
		ConsumeStockFunc: func(ctx context.Context, key reservation.StockKey, qty int64, options ...core.UpdateOptions) error {
			return nil
		},

		GetReservationFunc: func(ctx context.Context, ID string, options ...core.QueryOptions) (reservation.Reservation, error) {
			return reservation.Reservation{}, errors.WithStack(core.ErrNotFound)
		},
		GetReservationsFunc: func(ctx context.Context, resOptions reservation.ListOptions, limit, offset int, options ...core.QueryOptions) ([]reservation.Reservation, error) {
			return []reservation.Reservation{}, nil
		},
		SumHoldingFunc: func(ctx context.Context, key reservation.StockKey, now time.Time, options ...core.QueryOptions) (int64, error) {
			return 0, nil
		},
		GetExpiredStockKeysFunc: func(ctx context.Context, now time.Time, limit int, options ...core.QueryOptions) ([]reservation.StockKey, error) {
			return []reservation.StockKey{}, nil
		},
		SaveReservationFunc: func(ctx context.Context, r *reservation.Reservation, options ...core.UpdateOptions) error { return nil },
		TransitionReservationFunc: func(ctx context.Context, ID string, from, to reservation.Status, now time.Time, options ...core.UpdateOptions) (bool, error) {
			return true, nil
		},
		ExpireReservationsFunc: func(ctx context.Context, key reservation.StockKey, now time.Time, options ...core.UpdateOptions) ([]reservation.Reservation, error) {
			return []reservation.Reservation{}, nil
		},
		CallWatcher: test.NewCallWatcher(),
	}
}

func (r *MockRepo) BeginTransaction(ctx context.Context) (core.Transaction, error) {
	r.AddCall(ctx)
	return r.BeginTransactionFunc(ctx)
}

func (r *MockRepo) GetStock(ctx context.Context, key reservation.StockKey, options ...core.QueryOptions) (reservation.Stock, error) {
	r.AddCall(ctx, key, options)
	return r.GetStockFunc(ctx, key, options...)
}

func (r *MockRepo) SaveStock(ctx context.Context, stock reservation.Stock, options ...core.UpdateOptions) error {
	r.AddCall(ctx, stock, options)
	return r.SaveStockFunc(ctx, stock, options...)
}

func (r *MockRepo) HoldStock(ctx context.Context, key reservation.StockKey, qty int64, options ...core.UpdateOptions) (bool, error) {
	r.AddCall(ctx, key, qty, options)
	return r.HoldStockFunc(ctx, key, qty, options...)
}

func (r *MockRepo) ReleaseHeld(ctx context.Context, key reservation.StockKey, qty int64, options ...core.UpdateOptions) error {
	r.AddCall(ctx, key, qty, options)
	return r.ReleaseHeldFunc(ctx, key, qty, options...)
}

func (r *MockRepo) ConsumeStock(ctx context.Context, key reservation.StockKey, qty int64, options ...core.UpdateOptions) error {
	r.AddCall(ctx, key, qty, options)
	return r.ConsumeStockFunc(ctx, key, qty, options...)
}

func (r *MockRepo) GetReservation(ctx context.Context, ID string, options ...core.QueryOptions) (reservation.Reservation, error) {
	r.AddCall(ctx, ID, options)
	return r.GetReservationFunc(ctx, ID, options...)
}

func (r *MockRepo) GetReservations(ctx context.Context, resOptions reservation.ListOptions, limit, offset int, options ...core.QueryOptions) ([]reservation.Reservation, error) {
	r.AddCall(ctx, resOptions, limit, offset, options)
	return r.GetReservationsFunc(ctx, resOptions, limit, offset, options...)
}

func (r *MockRepo) SumHolding(ctx context.Context, key reservation.StockKey, now time.Time, options ...core.QueryOptions) (int64, error) {
	r.AddCall(ctx, key, now, options)
	return r.SumHoldingFunc(ctx, key, now, options...)
}

func (r *MockRepo) GetExpiredStockKeys(ctx context.Context, now time.Time, limit int, options ...core.QueryOptions) ([]reservation.StockKey, error) {
	r.AddCall(ctx, now, limit, options)
	return r.GetExpiredStockKeysFunc(ctx, now, limit, options...)
}

func (r *MockRepo) SaveReservation(ctx context.Context, res *reservation.Reservation, options ...core.UpdateOptions) error {
	r.AddCall(ctx, res, options)
	return r.SaveReservationFunc(ctx, res, options...)
}

func (r *MockRepo) TransitionReservation(ctx context.Context, ID string, from, to reservation.Status, now time.Time, options ...core.UpdateOptions) (bool, error) {
	r.AddCall(ctx, ID, from, to, now, options)
	return r.TransitionReservationFunc(ctx, ID, from, to, now, options...)
}

func (r *MockRepo) ExpireReservations(ctx context.Context, key reservation.StockKey, now time.Time, options ...core.UpdateOptions) ([]reservation.Reservation, error) {
	r.AddCall(ctx, key, now, options)
	return r.ExpireReservationsFunc(ctx, key, now, options...)
}
