package reservation

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/sksmith/checkout-reservations/core"
)

func rollback(ctx context.Context, tx core.Transaction, err error) {
	if tx == nil {
		return
	}
	e := tx.Rollback(ctx)
	if e != nil {
		log.Warn().Err(e).AnErr("cause", err).Msg("failed to rollback")
	}
}

type Transactional interface {
	BeginTransaction(ctx context.Context) (core.Transaction, error)
}

// withTransaction runs fn inside a transaction, committing when fn succeeds and rolling back otherwise.
func withTransaction(ctx context.Context, t Transactional, fn func(tx core.Transaction) error) (err error) {
	tx, err := t.BeginTransaction(ctx)
	if err != nil {
		return errors.WithStack(err)
	}

	defer func() {
		if err != nil {
			rollback(ctx, tx, err)
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}

	if err = tx.Commit(ctx); err != nil {
		return errors.WithStack(err)
	}

	return nil
}

type Repository interface {
	StockRepository
	ReservationRepository
}

// StockRepository owns the stock counters. The Hold, ReleaseHeld and Consume methods are the only
// mutations of stock quantities, and are only called from this package.
type StockRepository interface {
	Transactional
	GetStock(ctx context.Context, key StockKey, options ...core.QueryOptions) (Stock, error)
	SaveStock(ctx context.Context, stock Stock, options ...core.UpdateOptions) error

	// HoldStock atomically adds qty to the held quantity only if at least qty is still unheld. It
	// returns false, without changing anything, when there is not enough.
	HoldStock(ctx context.Context, key StockKey, qty int64, options ...core.UpdateOptions) (bool, error)
	ReleaseHeld(ctx context.Context, key StockKey, qty int64, options ...core.UpdateOptions) error
	ConsumeStock(ctx context.Context, key StockKey, qty int64, options ...core.UpdateOptions) error
}

type ReservationRepository interface {
	Transactional
	GetReservation(ctx context.Context, ID string, options ...core.QueryOptions) (Reservation, error)
	GetReservations(ctx context.Context, resOptions ListOptions, limit, offset int, options ...core.QueryOptions) ([]Reservation, error)
	SumHolding(ctx context.Context, key StockKey, now time.Time, options ...core.QueryOptions) (int64, error)
	GetExpiredStockKeys(ctx context.Context, now time.Time, limit int, options ...core.QueryOptions) ([]StockKey, error)

	SaveReservation(ctx context.Context, reservation *Reservation, options ...core.UpdateOptions) error

	// TransitionReservation moves a reservation from one status to another, reporting false when the
	// reservation was no longer in the from status.
	TransitionReservation(ctx context.Context, ID string, from, to Status, now time.Time, options ...core.UpdateOptions) (bool, error)

	// ExpireReservations flips every active reservation of key whose expiry is at or before now to
	// expired and returns the rows it flipped.
	ExpireReservations(ctx context.Context, key StockKey, now time.Time, options ...core.UpdateOptions) ([]Reservation, error)
}

type Queue interface {
	PublishReservation(ctx context.Context, event Event) error
	PublishStock(ctx context.Context, availability Availability) error
}

// AvailabilityCache is an optional read cache in front of GetAvailability.
type AvailabilityCache interface {
	Get(ctx context.Context, key StockKey) (Availability, bool, error)
	Set(ctx context.Context, availability Availability) error
	Invalidate(ctx context.Context, keys ...StockKey) error
}
