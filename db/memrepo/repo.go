// Package memrepo is an in-process reservation store. A transaction holds the store's lock from Begin
// until Commit or Rollback, which gives the same serialization per stock row that row locks give in
// postgres, only coarser.
package memrepo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sksmith/checkout-reservations/core"
	"github.com/sksmith/checkout-reservations/core/reservation"
)

var ErrTxClosed = errors.New("memrepo: transaction already closed")

type Repo struct {
	mu           sync.Mutex
	stock        map[reservation.StockKey]reservation.Stock
	reservations map[string]reservation.Reservation
	order        []string
}

func NewRepo() *Repo {
	return &Repo{
		stock:        make(map[reservation.StockKey]reservation.Stock),
		reservations: make(map[string]reservation.Reservation),
	}
}

type transaction struct {
	repo *Repo
	undo []func()
	done bool
}

func (r *Repo) BeginTransaction(ctx context.Context) (core.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.WithStack(err)
	}
	r.mu.Lock()
	return &transaction{repo: r}, nil
}

func (t *transaction) Commit(_ context.Context) error {
	if t.done {
		return ErrTxClosed
	}
	t.done = true
	t.undo = nil
	t.repo.mu.Unlock()
	return nil
}

func (t *transaction) Rollback(_ context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
	t.repo.mu.Unlock()
	return nil
}

// enter takes the store lock unless the caller already holds it through one of this store's
// transactions. The returned journal is nil outside of a transaction.
func (r *Repo) enter(tx core.Transaction) (*transaction, func()) {
	if t, ok := tx.(*transaction); ok && t != nil && t.repo == r && !t.done {
		return t, func() {}
	}
	r.mu.Lock()
	return nil, r.mu.Unlock
}

func queryTx(options []core.QueryOptions) core.Transaction {
	if len(options) > 0 {
		return options[0].Tx
	}
	return nil
}

func updateTx(options []core.UpdateOptions) core.Transaction {
	if len(options) > 0 {
		return options[0].Tx
	}
	return nil
}

func (r *Repo) putStock(t *transaction, s reservation.Stock) {
	prev, existed := r.stock[s.StockKey]
	if t != nil {
		t.undo = append(t.undo, func() {
			if existed {
				r.stock[s.StockKey] = prev
			} else {
				delete(r.stock, s.StockKey)
			}
		})
	}
	r.stock[s.StockKey] = s
}

func (r *Repo) putReservation(t *transaction, res reservation.Reservation) {
	prev, existed := r.reservations[res.ID]
	if t != nil {
		t.undo = append(t.undo, func() {
			if existed {
				r.reservations[res.ID] = prev
			} else {
				delete(r.reservations, res.ID)
				r.order = r.order[:len(r.order)-1]
			}
		})
	}
	if !existed {
		r.order = append(r.order, res.ID)
	}
	r.reservations[res.ID] = res
}

func (r *Repo) GetStock(_ context.Context, key reservation.StockKey, options ...core.QueryOptions) (reservation.Stock, error) {
	_, exit := r.enter(queryTx(options))
	defer exit()

	s, ok := r.stock[key]
	if !ok {
		return reservation.Stock{}, errors.WithStack(core.ErrNotFound)
	}
	return s, nil
}

func (r *Repo) SaveStock(_ context.Context, stock reservation.Stock, options ...core.UpdateOptions) error {
	t, exit := r.enter(updateTx(options))
	defer exit()

	if stock.Updated.IsZero() {
		stock.Updated = time.Now().UTC()
	}
	if cur, ok := r.stock[stock.StockKey]; ok {
		stock.Held = cur.Held
	}
	r.putStock(t, stock)
	return nil
}

func (r *Repo) HoldStock(_ context.Context, key reservation.StockKey, qty int64, options ...core.UpdateOptions) (bool, error) {
	t, exit := r.enter(updateTx(options))
	defer exit()

	s, ok := r.stock[key]
	if !ok || s.Total-s.Held < qty {
		return false, nil
	}
	s.Held += qty
	r.putStock(t, s)
	return true, nil
}

func (r *Repo) ReleaseHeld(_ context.Context, key reservation.StockKey, qty int64, options ...core.UpdateOptions) error {
	t, exit := r.enter(updateTx(options))
	defer exit()

	s, ok := r.stock[key]
	if !ok {
		return errors.WithStack(core.ErrNotFound)
	}
	s.Held -= qty
	r.putStock(t, s)
	return nil
}

func (r *Repo) ConsumeStock(_ context.Context, key reservation.StockKey, qty int64, options ...core.UpdateOptions) error {
	t, exit := r.enter(updateTx(options))
	defer exit()

	s, ok := r.stock[key]
	if !ok {
		return errors.WithStack(core.ErrNotFound)
	}
	s.Total -= qty
	s.Held -= qty
	r.putStock(t, s)
	return nil
}

func (r *Repo) GetReservation(_ context.Context, ID string, options ...core.QueryOptions) (reservation.Reservation, error) {
	_, exit := r.enter(queryTx(options))
	defer exit()

	res, ok := r.reservations[ID]
	if !ok {
		return reservation.Reservation{}, errors.WithStack(core.ErrNotFound)
	}
	return res, nil
}

func (r *Repo) GetReservations(_ context.Context, resOptions reservation.ListOptions, limit, offset int, options ...core.QueryOptions) ([]reservation.Reservation, error) {
	_, exit := r.enter(queryTx(options))
	defer exit()

	rsv := make([]reservation.Reservation, 0)
	skipped := 0
	for _, ID := range r.order {
		res := r.reservations[ID]
		if resOptions.SessionID != "" && res.SessionID != resOptions.SessionID {
			continue
		}
		if resOptions.Status != reservation.None && res.Status != resOptions.Status {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		rsv = append(rsv, res)
		if limit > 0 && len(rsv) == limit {
			break
		}
	}
	return rsv, nil
}

func (r *Repo) SumHolding(_ context.Context, key reservation.StockKey, now time.Time, options ...core.QueryOptions) (int64, error) {
	_, exit := r.enter(queryTx(options))
	defer exit()

	var sum int64
	for _, res := range r.reservations {
		if res.Key() == key && res.Holding(now) {
			sum += res.Quantity
		}
	}
	return sum, nil
}

func (r *Repo) GetExpiredStockKeys(_ context.Context, now time.Time, limit int, options ...core.QueryOptions) ([]reservation.StockKey, error) {
	_, exit := r.enter(queryTx(options))
	defer exit()

	seen := make(map[reservation.StockKey]bool)
	keys := make([]reservation.StockKey, 0)
	for _, res := range r.reservations {
		if res.Status != reservation.Active || now.Before(res.ExpiresAt) || seen[res.Key()] {
			continue
		}
		seen[res.Key()] = true
		keys = append(keys, res.Key())
	}
	reservation.SortKeys(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	return keys, nil
}

func (r *Repo) SaveReservation(_ context.Context, res *reservation.Reservation, options ...core.UpdateOptions) error {
	t, exit := r.enter(updateTx(options))
	defer exit()

	if _, ok := r.reservations[res.ID]; ok {
		return errors.Errorf("memrepo: reservation %s already exists", res.ID)
	}
	if res.Created.IsZero() {
		res.Created = time.Now().UTC()
		res.Updated = res.Created
	}
	r.putReservation(t, *res)
	return nil
}

func (r *Repo) TransitionReservation(_ context.Context, ID string, from, to reservation.Status, now time.Time, options ...core.UpdateOptions) (bool, error) {
	t, exit := r.enter(updateTx(options))
	defer exit()

	res, ok := r.reservations[ID]
	if !ok || res.Status != from {
		return false, nil
	}
	res.Status = to
	res.Updated = now
	r.putReservation(t, res)
	return true, nil
}

func (r *Repo) ExpireReservations(_ context.Context, key reservation.StockKey, now time.Time, options ...core.UpdateOptions) ([]reservation.Reservation, error) {
	t, exit := r.enter(updateTx(options))
	defer exit()

	expired := make([]reservation.Reservation, 0)
	for _, ID := range r.order {
		res := r.reservations[ID]
		if res.Key() != key || res.Status != reservation.Active || now.Before(res.ExpiresAt) {
			continue
		}
		res.Status = reservation.Expired
		res.Updated = now
		r.putReservation(t, res)
		expired = append(expired, res)
	}
	sort.SliceStable(expired, func(i, j int) bool { return expired[i].ID < expired[j].ID })
	return expired, nil
}
