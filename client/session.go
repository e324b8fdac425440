package client

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/sksmith/checkout-reservations/core/clock"
	"github.com/sksmith/checkout-reservations/core/reservation"
)

type State string

const (
	Idle       State = "idle"
	Reserving  State = "reserving"
	Reserved   State = "reserved"
	Failed     State = "failed"
	Expired    State = "expired"
	Completing State = "completing"
	Completed  State = "completed"
	Released   State = "released"
)

// Reservations is the part of the service a checkout page talks to directly.
type Reservations interface {
	Reserve(ctx context.Context, rr reservation.ReserveRequest) (reservation.ReserveResult, error)
	Complete(ctx context.Context, IDs []string) error
}

// OrderPlacer creates the order once stock has been consumed.
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, sessionID string, reservations []reservation.Reservation) error
}

type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	*time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.Ticker.C
}

func newTimeTicker(d time.Duration) Ticker {
	return timeTicker{Ticker: time.NewTicker(d)}
}

type SessionOption func(s *Session)

func WithTicker(newTicker func(d time.Duration) Ticker) SessionOption {
	return func(s *Session) {
		s.newTicker = newTicker
	}
}

func WithClock(c clock.Clock) SessionOption {
	return func(s *Session) {
		s.clock = c
	}
}

// OnTick is called with the remaining time after every countdown tick.
func OnTick(fn func(remaining time.Duration)) SessionOption {
	return func(s *Session) {
		s.onTick = fn
	}
}

// Session holds one checkout page's reservation of an immutable cart, counts down its expiry
// and gives the stock back when the page goes away.
type Session struct {
	api       Reservations
	beacon    Beacon
	placer    OrderPlacer
	clock     clock.Clock
	newTicker func(d time.Duration) Ticker
	onTick    func(remaining time.Duration)

	request reservation.ReserveRequest

	mu           sync.Mutex
	state        State
	err          error
	started      bool
	tornDown     bool
	reservations []reservation.Reservation
	expiresAt    time.Time
	remaining    time.Duration
	obtained     []string
	stop         chan struct{}
}

func NewSession(api Reservations, beacon Beacon, placer OrderPlacer, rr reservation.ReserveRequest, opts ...SessionOption) *Session {
	items := make([]reservation.LineItem, len(rr.Items))
	copy(items, rr.Items)

	s := &Session{
		api:       api,
		beacon:    beacon,
		placer:    placer,
		clock:     clock.NewSystem(),
		newTicker: newTimeTicker,
		request:   reservation.ReserveRequest{SessionID: rr.SessionID, Items: items},
		state:     Idle,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start reserves the cart. Only the first call does anything.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started || s.tornDown {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.state = Reserving
	s.mu.Unlock()

	return s.reserve(ctx)
}

// Retry reserves the same cart again after a failure or expiry, giving back whatever the
// previous attempt still holds.
func (s *Session) Retry(ctx context.Context) error {
	s.mu.Lock()
	if s.tornDown || (s.state != Failed && s.state != Expired) {
		state := s.state
		s.mu.Unlock()
		return errors.Errorf("cannot retry a %s reservation", state)
	}
	previous := ids(s.reservations)
	s.reservations = nil
	s.stopCountdown()
	s.state = Reserving
	s.err = nil
	s.mu.Unlock()

	if len(previous) > 0 {
		s.beacon.Release(previous)
	}
	return s.reserve(ctx)
}

func (s *Session) reserve(ctx context.Context) error {
	res, err := s.api.Reserve(ctx, s.request)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.fail(err)
		return err
	}

	s.obtained = append(s.obtained, ids(res.Reservations)...)
	if s.tornDown {
		// The page went away while the reserve was in flight.
		s.beacon.Release(ids(res.Reservations))
		return nil
	}

	s.reservations = res.Reservations
	s.expiresAt = res.ExpiresAt
	s.remaining = truncate(res.ExpiresAt.Sub(s.clock.Now()))
	if s.remaining <= 0 {
		s.state = Expired
		return nil
	}
	s.state = Reserved
	s.startCountdown()
	return nil
}

func (s *Session) startCountdown() {
	stop := make(chan struct{})
	s.stop = stop
	ticker := s.newTicker(time.Second)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C():
				if !s.tick(stop) {
					return
				}
			}
		}
	}()
}

func (s *Session) tick(stop chan struct{}) bool {
	s.mu.Lock()
	if s.stop != stop {
		s.mu.Unlock()
		return false
	}

	remaining := s.remaining - time.Second
	if left := truncate(s.expiresAt.Sub(s.clock.Now())); left < remaining {
		remaining = left
	}
	if remaining < 0 {
		remaining = 0
	}
	s.remaining = remaining

	running := true
	if remaining == 0 {
		if s.state == Reserved {
			s.state = Expired
			s.err = ErrExpired
		}
		s.stop = nil
		running = false
	}
	onTick := s.onTick
	s.mu.Unlock()

	if onTick != nil {
		onTick(remaining)
	}
	return running
}

func (s *Session) stopCountdown() {
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
}

// Submit consumes the held stock and then hands off to order creation. A failure to complete
// never reaches the placer.
func (s *Session) Submit(ctx context.Context) error {
	s.mu.Lock()
	if !s.canSubmit() {
		var err error = ErrNotReserved
		if s.state == Expired {
			err = ErrExpired
		}
		s.mu.Unlock()
		return err
	}
	s.state = Completing
	rsv := s.reservations
	s.mu.Unlock()

	if err := s.api.Complete(ctx, ids(rsv)); err != nil {
		s.mu.Lock()
		s.stopCountdown()
		s.fail(err)
		var release []string
		if s.tornDown {
			// The page went away while completing, so nobody is left to retry.
			s.state = Released
			release = append(release, s.obtained...)
		}
		s.mu.Unlock()

		if len(release) > 0 {
			s.beacon.Release(release)
		}
		return err
	}

	s.mu.Lock()
	s.stopCountdown()
	s.state = Completed
	s.mu.Unlock()

	if err := s.placer.PlaceOrder(ctx, s.request.SessionID, rsv); err != nil {
		log.Error().Err(err).Str("sessionId", s.request.SessionID).Msg("stock was consumed but the order was not placed")
		return errors.WithMessage(err, "failed to place order")
	}
	return nil
}

// Teardown releases everything this session ever reserved without waiting for the service,
// unless the reservation was completed. A complete still in flight decides for itself: it
// releases on failure. Safe to call more than once.
func (s *Session) Teardown() {
	s.mu.Lock()
	if s.tornDown {
		s.mu.Unlock()
		return
	}
	s.tornDown = true
	s.stopCountdown()

	if s.state == Completed || s.state == Completing {
		s.mu.Unlock()
		return
	}
	obtained := append([]string(nil), s.obtained...)
	if s.state != Idle {
		s.state = Released
	}
	s.mu.Unlock()

	if len(obtained) > 0 {
		s.beacon.Release(obtained)
	}
}

func (s *Session) fail(err error) {
	switch {
	case errors.Is(err, ErrExpired):
		s.err = ErrExpired
	case errors.Is(err, ErrUnavailable):
		s.err = ErrUnavailable
	case errors.Is(err, ErrTransport):
		s.err = ErrTransport
	default:
		s.err = err
	}
	if !s.tornDown {
		s.state = Failed
	}
}

func (s *Session) canSubmit() bool {
	return s.state == Reserved && s.remaining > 0 && !s.tornDown
}

func (s *Session) CanSubmit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canSubmit()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err is the categorized reason for the last failure or expiry.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) Remaining() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remaining
}

func (s *Session) Reservations() []reservation.Reservation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]reservation.Reservation(nil), s.reservations...)
}

func ids(rsv []reservation.Reservation) []string {
	IDs := make([]string, 0, len(rsv))
	for _, r := range rsv {
		IDs = append(IDs, r.ID)
	}
	return IDs
}

func truncate(d time.Duration) time.Duration {
	return d.Truncate(time.Second)
}
