package reservation

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/sksmith/checkout-reservations/core"
	"github.com/sksmith/checkout-reservations/core/clock"
)

const DefaultTTL = 10 * time.Minute

var ErrInvalidStock = errors.New("stock total cannot be negative or below the quantity currently held")

type Option func(s *service)

// WithTTL overrides DefaultTTL for new reservations.
func WithTTL(d time.Duration) Option {
	return func(s *service) {
		if d > 0 {
			s.ttl = d
		}
	}
}

func WithCache(c AvailabilityCache) Option {
	return func(s *service) {
		if c != nil {
			s.cache = c
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(s *service) {
		if c != nil {
			s.clock = c
		}
	}
}

func NewService(repo Repository, q Queue, opts ...Option) *service {
	s := &service{
		repo:      repo,
		queue:     q,
		clock:     clock.NewSystem(),
		ttl:       DefaultTTL,
		cache:     noCache{},
		stockSubs: make(map[StockSubID]chan<- Availability),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type Service interface {
	Reserve(ctx context.Context, rr ReserveRequest) (ReserveResult, error)
	Release(ctx context.Context, IDs []string) ([]ReleaseResult, error)
	Complete(ctx context.Context, IDs []string) error
	SweepExpired(ctx context.Context, limit int) (int, error)

	GetReservation(ctx context.Context, ID string) (Reservation, error)
	GetReservations(ctx context.Context, options ListOptions, limit, offset int) ([]Reservation, error)
	GetAvailability(ctx context.Context, key StockKey) (Availability, error)
	SetStock(ctx context.Context, key StockKey, total int64) (Availability, error)
	TTL() time.Duration

	SubscribeStock(ch chan<- Availability) (id StockSubID)
	UnsubscribeStock(id StockSubID)
}

type StockSubID string

type service struct {
	repo  Repository
	queue Queue
	clock clock.Clock
	ttl   time.Duration
	cache AvailabilityCache

	subMu     sync.RWMutex
	stockSubs map[StockSubID]chan<- Availability
}

func (s *service) TTL() time.Duration {
	return s.ttl
}

func (s *service) Reserve(ctx context.Context, rr ReserveRequest) (res ReserveResult, err error) {
	const funcName = "Reserve"
	defer func() { observe("reserve", err) }()

	log.Info().
		Str("func", funcName).
		Str("sessionId", rr.SessionID).
		Int("lines", len(rr.Items)).
		Msg("reserving stock")

	if rr.SessionID == "" {
		return ReserveResult{}, ErrSessionRequired
	}
	lines, err := mergeLines(rr.Items)
	if err != nil {
		return ReserveResult{}, err
	}

	now := s.clock.Now()
	expiresAt := now.Add(s.ttl)

	keys := make([]StockKey, 0, len(lines))
	for _, l := range lines {
		keys = append(keys, l.Key())
	}
	SortKeys(keys)
	qty := make(map[StockKey]int64, len(lines))
	for _, l := range lines {
		qty[l.Key()] = l.Quantity
	}

	var reaped []Reservation
	reservations := make([]Reservation, 0, len(rr.Items))

	err = withTransaction(ctx, s.repo, func(tx core.Transaction) error {
		failures := make([]LineFailure, 0)

		// Stock rows are locked in key order so overlapping batches cannot deadlock.
		for _, key := range keys {
			stock, err := s.repo.GetStock(ctx, key, core.QueryOptions{Tx: tx, ForUpdate: true})
			if errors.Is(err, core.ErrNotFound) {
				failures = append(failures, LineFailure{StockKey: key, Requested: qty[key], Reason: ErrUnknownProduct.Error()})
				continue
			}
			if err != nil {
				return errors.WithMessage(err, "failed to lock stock")
			}

			expired, reapedQty, err := s.reap(ctx, tx, key, now)
			if err != nil {
				return err
			}
			reaped = append(reaped, expired...)

			ok, err := s.repo.HoldStock(ctx, key, qty[key], core.UpdateOptions{Tx: tx})
			if err != nil {
				return errors.WithMessage(err, "failed to hold stock")
			}
			if !ok {
				available := stock.Total - (stock.Held - reapedQty)
				if available < 0 {
					available = 0
				}
				log.Debug().
					Str("func", funcName).
					Str("stock", key.String()).
					Int64("requested", qty[key]).
					Int64("available", available).
					Msg("insufficient stock")
				failures = append(failures, LineFailure{StockKey: key, Requested: qty[key], Available: available, Reason: ErrInsufficientStock.Error()})
			}
		}

		if len(failures) > 0 {
			return &InsufficientStockError{Failures: failures}
		}

		for _, l := range rr.Items {
			r := Reservation{
				ID:        uuid.NewString(),
				ProductID: l.ProductID,
				VariantID: l.VariantID,
				SessionID: rr.SessionID,
				Quantity:  l.Quantity,
				Status:    Active,
				ExpiresAt: expiresAt,
				Created:   now,
				Updated:   now,
			}
			if err := s.repo.SaveReservation(ctx, &r, core.UpdateOptions{Tx: tx}); err != nil {
				return errors.WithMessage(err, "failed to save reservation")
			}
			reservations = append(reservations, r)
		}

		return nil
	})
	if err != nil {
		return ReserveResult{}, err
	}

	s.changed(ctx, keys, now, append(eventsFor(Expired, reaped, now), eventsFor(Active, reservations, now)...))

	return ReserveResult{Reservations: reservations, ExpiresAt: expiresAt}, nil
}

func (s *service) Release(ctx context.Context, IDs []string) ([]ReleaseResult, error) {
	const funcName = "Release"

	log.Info().
		Str("func", funcName).
		Strs("ids", IDs).
		Msg("releasing reservations")

	if len(IDs) == 0 {
		observe("release", ErrEmptyIDs)
		return nil, ErrEmptyIDs
	}

	results := make([]ReleaseResult, 0, len(IDs))
	for _, ID := range IDs {
		result, err := s.releaseOne(ctx, ID)
		if err != nil {
			if errors.Is(err, core.ErrNotFound) {
				observe("release", ErrReservationNotFound)
				results = append(results, ReleaseResult{ID: ID, Message: ErrReservationNotFound.Error()})
				continue
			}
			observe("release", err)
			log.Error().Err(err).Str("func", funcName).Str("id", ID).Msg("failed to release reservation")
			results = append(results, ReleaseResult{ID: ID, Message: "failed to release reservation"})
			continue
		}
		observe("release", nil)
		results = append(results, result)
	}

	return results, nil
}

func (s *service) releaseOne(ctx context.Context, ID string) (ReleaseResult, error) {
	now := s.clock.Now()

	// Learn the stock row first so it can be locked before the reservation row, matching the
	// lock order used by Reserve.
	current, err := s.repo.GetReservation(ctx, ID)
	if err != nil {
		return ReleaseResult{}, err
	}
	if current.Status.Terminal() {
		return ReleaseResult{ID: ID, Success: true, Message: "already " + string(current.Status)}, nil
	}

	result := ReleaseResult{ID: ID, Success: true}
	var event *Event

	err = withTransaction(ctx, s.repo, func(tx core.Transaction) error {
		if _, err := s.repo.GetStock(ctx, current.Key(), core.QueryOptions{Tx: tx, ForUpdate: true}); err != nil {
			return errors.WithMessage(err, "failed to lock stock")
		}

		r, err := s.repo.GetReservation(ctx, ID, core.QueryOptions{Tx: tx, ForUpdate: true})
		if err != nil {
			return err
		}
		if r.Status.Terminal() {
			result.Message = "already " + string(r.Status)
			return nil
		}

		to := Released
		if !r.Holding(now) {
			to = Expired
		}

		ok, err := s.repo.TransitionReservation(ctx, ID, Active, to, now, core.UpdateOptions{Tx: tx})
		if err != nil {
			return errors.WithMessage(err, "failed to update reservation")
		}
		if !ok {
			result.Message = "already released"
			return nil
		}

		if err := s.repo.ReleaseHeld(ctx, r.Key(), r.Quantity, core.UpdateOptions{Tx: tx}); err != nil {
			return errors.WithMessage(err, "failed to restore held stock")
		}

		r.Status = to
		r.Updated = now
		event = &Event{Type: to, Reservation: r, Occurred: now}
		result.Message = string(to)
		return nil
	})
	if err != nil {
		return ReleaseResult{}, err
	}

	if event != nil {
		s.changed(ctx, []StockKey{current.Key()}, now, []Event{*event})
	}

	return result, nil
}

func (s *service) Complete(ctx context.Context, IDs []string) (err error) {
	const funcName = "Complete"
	defer func() { observe("complete", err) }()

	log.Info().
		Str("func", funcName).
		Strs("ids", IDs).
		Msg("completing reservations")

	ids := uniqueSorted(IDs)
	if len(ids) == 0 {
		return ErrEmptyIDs
	}

	now := s.clock.Now()
	completed := make([]Reservation, 0, len(ids))
	var keys []StockKey

	err = withTransaction(ctx, s.repo, func(tx core.Transaction) error {
		seen := make(map[StockKey]bool)
		for _, ID := range ids {
			r, err := s.repo.GetReservation(ctx, ID, core.QueryOptions{Tx: tx})
			if errors.Is(err, core.ErrNotFound) {
				return &StateConflictError{ID: ID, Err: ErrReservationNotFound}
			}
			if err != nil {
				return errors.WithMessage(err, "failed to get reservation")
			}
			if !seen[r.Key()] {
				seen[r.Key()] = true
				keys = append(keys, r.Key())
			}
		}
		SortKeys(keys)

		for _, key := range keys {
			if _, err := s.repo.GetStock(ctx, key, core.QueryOptions{Tx: tx, ForUpdate: true}); err != nil {
				return errors.WithMessage(err, "failed to lock stock")
			}
		}

		pending := make([]Reservation, 0, len(ids))
		for _, ID := range ids {
			r, err := s.repo.GetReservation(ctx, ID, core.QueryOptions{Tx: tx, ForUpdate: true})
			if err != nil {
				return errors.WithMessage(err, "failed to lock reservation")
			}

			switch {
			case r.Status == Completed:
				log.Debug().Str("func", funcName).Str("id", ID).Msg("reservation already completed")
				continue
			case r.Status == Released:
				return &StateConflictError{ID: ID, Err: ErrReservationReleased}
			case r.Status == Expired || !r.Holding(now):
				return &StateConflictError{ID: ID, Err: ErrReservationExpired}
			}
			pending = append(pending, r)
		}

		for _, r := range pending {
			ok, err := s.repo.TransitionReservation(ctx, r.ID, Active, Completed, now, core.UpdateOptions{Tx: tx})
			if err != nil {
				return errors.WithMessage(err, "failed to complete reservation")
			}
			if !ok {
				return &StateConflictError{ID: r.ID, Err: ErrReservationExpired}
			}
			if err := s.repo.ConsumeStock(ctx, r.Key(), r.Quantity, core.UpdateOptions{Tx: tx}); err != nil {
				return errors.WithMessage(err, "failed to consume stock")
			}
			r.Status = Completed
			r.Updated = now
			completed = append(completed, r)
		}

		return nil
	})
	if err != nil {
		return err
	}

	if len(completed) > 0 {
		s.changed(ctx, keys, now, eventsFor(Completed, completed, now))
	}

	return nil
}

// SweepExpired reaps up to limit stock rows that still carry expired holds. It is the backstop for
// reservations nobody released; correctness does not depend on it running.
func (s *service) SweepExpired(ctx context.Context, limit int) (int, error) {
	const funcName = "SweepExpired"

	now := s.clock.Now()
	keys, err := s.repo.GetExpiredStockKeys(ctx, now, limit)
	if err != nil {
		return 0, errors.WithMessage(err, "failed to find expired reservations")
	}

	total := 0
	for _, key := range keys {
		var expired []Reservation
		err := withTransaction(ctx, s.repo, func(tx core.Transaction) error {
			if _, err := s.repo.GetStock(ctx, key, core.QueryOptions{Tx: tx, ForUpdate: true}); err != nil {
				return errors.WithMessage(err, "failed to lock stock")
			}
			var err error
			expired, _, err = s.reap(ctx, tx, key, now)
			return err
		})
		if err != nil {
			return total, err
		}

		if len(expired) == 0 {
			continue
		}

		total += len(expired)
		swept.Add(float64(len(expired)))
		log.Debug().
			Str("func", funcName).
			Str("stock", key.String()).
			Int("expired", len(expired)).
			Msg("expired stale reservations")

		s.changed(ctx, []StockKey{key}, now, eventsFor(Expired, expired, now))
	}

	return total, nil
}

func (s *service) GetReservation(ctx context.Context, ID string) (Reservation, error) {
	const funcName = "GetReservation"

	log.Info().
		Str("func", funcName).
		Str("id", ID).
		Msg("getting reservation")

	r, err := s.repo.GetReservation(ctx, ID)
	if err != nil {
		return r, errors.WithStack(err)
	}
	return r, nil
}

func (s *service) GetReservations(ctx context.Context, options ListOptions, limit, offset int) ([]Reservation, error) {
	const funcName = "GetReservations"

	log.Info().
		Str("func", funcName).
		Str("sessionId", options.SessionID).
		Str("status", string(options.Status)).
		Msg("getting reservations")

	rsv, err := s.repo.GetReservations(ctx, options, limit, offset)
	if err != nil {
		return rsv, errors.WithStack(err)
	}
	return rsv, nil
}

// GetAvailability reports effective availability. Expired holds are excluded whether or not they have
// been reaped yet.
func (s *service) GetAvailability(ctx context.Context, key StockKey) (Availability, error) {
	if a, ok, err := s.cache.Get(ctx, key); err != nil {
		log.Warn().Err(err).Str("stock", key.String()).Msg("availability cache read failed")
	} else if ok {
		return a, nil
	}

	a, err := s.readAvailability(ctx, key, s.clock.Now())
	if err != nil {
		return a, err
	}

	if err := s.cache.Set(ctx, a); err != nil {
		log.Warn().Err(err).Str("stock", key.String()).Msg("availability cache write failed")
	}
	return a, nil
}

func (s *service) readAvailability(ctx context.Context, key StockKey, now time.Time) (Availability, error) {
	stock, err := s.repo.GetStock(ctx, key)
	if err != nil {
		return Availability{}, errors.WithStack(err)
	}
	holding, err := s.repo.SumHolding(ctx, key, now)
	if err != nil {
		return Availability{}, errors.WithStack(err)
	}
	return newAvailability(stock.StockKey, stock.Total, holding), nil
}

// SetStock replaces the committed total of a stock counter, creating it when needed. This is the
// restock path used by the catalog feed and administrators.
func (s *service) SetStock(ctx context.Context, key StockKey, total int64) (Availability, error) {
	const funcName = "SetStock"

	log.Info().
		Str("func", funcName).
		Str("stock", key.String()).
		Int64("total", total).
		Msg("setting stock")

	if key.ProductID == "" {
		return Availability{}, ErrInvalidItem
	}
	if total < 0 {
		return Availability{}, ErrInvalidStock
	}

	now := s.clock.Now()
	var reaped []Reservation

	err := withTransaction(ctx, s.repo, func(tx core.Transaction) error {
		stock, err := s.repo.GetStock(ctx, key, core.QueryOptions{Tx: tx, ForUpdate: true})
		if errors.Is(err, core.ErrNotFound) {
			stock = Stock{StockKey: key}
		} else if err != nil {
			return errors.WithMessage(err, "failed to lock stock")
		} else {
			var reapedQty int64
			reaped, reapedQty, err = s.reap(ctx, tx, key, now)
			if err != nil {
				return err
			}
			stock.Held -= reapedQty
		}

		if total < stock.Held {
			return ErrInvalidStock
		}

		stock.Total = total
		stock.Updated = now
		if err := s.repo.SaveStock(ctx, stock, core.UpdateOptions{Tx: tx}); err != nil {
			return errors.WithMessage(err, "failed to save stock")
		}
		return nil
	})
	if err != nil {
		return Availability{}, err
	}

	s.changed(ctx, []StockKey{key}, now, eventsFor(Expired, reaped, now))

	return s.readAvailability(ctx, key, now)
}

func (s *service) SubscribeStock(ch chan<- Availability) (id StockSubID) {
	id = StockSubID(uuid.NewString())
	s.subMu.Lock()
	s.stockSubs[id] = ch
	s.subMu.Unlock()
	log.Debug().Interface("clientId", id).Msg("subscribing to stock")
	return id
}

func (s *service) UnsubscribeStock(id StockSubID) {
	log.Debug().Interface("clientId", id).Msg("unsubscribing from stock")
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if ch, ok := s.stockSubs[id]; ok {
		close(ch)
		delete(s.stockSubs, id)
	}
}

// reap expires every stale hold on key and gives its quantity back. The stock row must already be
// locked by tx.
func (s *service) reap(ctx context.Context, tx core.Transaction, key StockKey, now time.Time) ([]Reservation, int64, error) {
	expired, err := s.repo.ExpireReservations(ctx, key, now, core.UpdateOptions{Tx: tx})
	if err != nil {
		return nil, 0, errors.WithMessage(err, "failed to expire reservations")
	}

	var qty int64
	for _, r := range expired {
		qty += r.Quantity
	}
	if qty == 0 {
		return expired, 0, nil
	}

	if err = s.repo.ReleaseHeld(ctx, key, qty, core.UpdateOptions{Tx: tx}); err != nil {
		return nil, 0, errors.WithMessage(err, "failed to restore expired holds")
	}
	return expired, qty, nil
}

// changed runs after a commit. Nothing here can undo the committed change, so failures are logged.
func (s *service) changed(ctx context.Context, keys []StockKey, now time.Time, events []Event) {
	if err := s.cache.Invalidate(ctx, keys...); err != nil {
		log.Warn().Err(err).Msg("failed to invalidate availability cache")
	}

	for _, e := range events {
		if err := s.queue.PublishReservation(ctx, e); err != nil {
			log.Warn().Err(err).Str("id", e.Reservation.ID).Str("type", string(e.Type)).Msg("failed to publish reservation event")
		}
	}

	for _, key := range keys {
		a, err := s.readAvailability(ctx, key, now)
		if err != nil {
			log.Warn().Err(err).Str("stock", key.String()).Msg("failed to read availability for publishing")
			continue
		}
		if err := s.queue.PublishStock(ctx, a); err != nil {
			log.Warn().Err(err).Str("stock", key.String()).Msg("failed to publish stock")
		}
		s.notifyStockSubscribers(a)
	}
}

func (s *service) notifyStockSubscribers(a Availability) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for id, ch := range s.stockSubs {
		select {
		case ch <- a:
			log.Debug().Interface("clientId", id).Interface("availability", a).Msg("notified subscriber of stock update")
		default:
			log.Debug().Interface("clientId", id).Msg("subscriber is behind, dropping stock update")
		}
	}
}

func newAvailability(key StockKey, total, holding int64) Availability {
	available := total - holding
	if available < 0 {
		available = 0
	}
	return Availability{StockKey: key, Total: total, Held: holding, Available: available}
}

// mergeLines validates the request lines and totals the quantity asked of each stock key, keeping
// the order in which keys first appear. Each line still gets its own reservation.
func mergeLines(items []LineItem) ([]LineItem, error) {
	if len(items) == 0 {
		return nil, ErrEmptyItems
	}

	merged := make([]LineItem, 0, len(items))
	index := make(map[StockKey]int, len(items))
	for _, item := range items {
		if item.ProductID == "" {
			return nil, ErrInvalidItem
		}
		if item.Quantity <= 0 {
			return nil, ErrInvalidQuantity
		}
		if i, ok := index[item.Key()]; ok {
			if item.Quantity > math.MaxInt64-merged[i].Quantity {
				return nil, ErrInvalidQuantity
			}
			merged[i].Quantity += item.Quantity
			continue
		}
		index[item.Key()] = len(merged)
		merged = append(merged, item)
	}
	return merged, nil
}

func uniqueSorted(IDs []string) []string {
	seen := make(map[string]bool, len(IDs))
	ids := make([]string, 0, len(IDs))
	for _, ID := range IDs {
		if ID == "" || seen[ID] {
			continue
		}
		seen[ID] = true
		ids = append(ids, ID)
	}
	sort.Strings(ids)
	return ids
}

func eventsFor(t Status, rs []Reservation, now time.Time) []Event {
	events := make([]Event, 0, len(rs))
	for _, r := range rs {
		events = append(events, Event{Type: t, Reservation: r, Occurred: now})
	}
	return events
}

type noCache struct{}

func (noCache) Get(context.Context, StockKey) (Availability, bool, error) {
	return Availability{}, false, nil
}

func (noCache) Set(context.Context, Availability) error { return nil }

func (noCache) Invalidate(context.Context, ...StockKey) error { return nil }
