package reservation_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sksmith/checkout-reservations/core/clock"
	"github.com/sksmith/checkout-reservations/core/reservation"
	"github.com/sksmith/checkout-reservations/db/memrepo"
	"github.com/sksmith/checkout-reservations/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	repo    *memrepo.Repo
	queue   *queue.MockQueue
	clock   *clock.Manual
	service reservation.Service
}

func newFixture(t *testing.T, stock map[reservation.StockKey]int64) *fixture {
	t.Helper()
	f := &fixture{
		repo:  memrepo.NewRepo(),
		queue: queue.NewMockQueue(),
		clock: clock.NewManual(now),
	}
	f.service = reservation.NewService(f.repo, f.queue, reservation.WithClock(f.clock))
	for key, total := range stock {
		_, err := f.service.SetStock(context.Background(), key, total)
		require.NoError(t, err)
	}
	return f
}

func (f *fixture) reserve(session string, items ...reservation.LineItem) (reservation.ReserveResult, error) {
	return f.service.Reserve(context.Background(), reservation.ReserveRequest{SessionID: session, Items: items})
}

func (f *fixture) available(t *testing.T, key reservation.StockKey) int64 {
	t.Helper()
	a, err := f.service.GetAvailability(context.Background(), key)
	require.NoError(t, err)
	return a.Available
}

func (f *fixture) stock(t *testing.T, key reservation.StockKey) reservation.Stock {
	t.Helper()
	s, err := f.repo.GetStock(context.Background(), key)
	require.NoError(t, err)
	return s
}

func ids(res reservation.ReserveResult) []string {
	IDs := make([]string, 0, len(res.Reservations))
	for _, r := range res.Reservations {
		IDs = append(IDs, r.ID)
	}
	return IDs
}

var (
	shirt  = reservation.StockKey{ProductID: "shirt", VariantID: "m"}
	mug    = reservation.StockKey{ProductID: "mug"}
	poster = reservation.StockKey{ProductID: "poster"}
)

func line(key reservation.StockKey, qty int64) reservation.LineItem {
	return reservation.LineItem{ProductID: key.ProductID, VariantID: key.VariantID, Quantity: qty}
}

func TestConcurrentReservesNeverOversell(t *testing.T) {
	const (
		stock    = 10
		shoppers = 50
	)
	f := newFixture(t, map[reservation.StockKey]int64{mug: stock})

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)
	for i := 0; i < shoppers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.reserve("session", line(mug, 1))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, reservation.ErrInsufficientStock):
				rejected++
			default:
				t.Errorf("unexpected error %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, stock, succeeded)
	assert.Equal(t, shoppers-stock, rejected)
	assert.Equal(t, int64(0), f.available(t, mug))
	assert.Equal(t, int64(stock), f.stock(t, mug).Held)
}

func TestConcurrentOverlappingBatches(t *testing.T) {
	f := newFixture(t, map[reservation.StockKey]int64{mug: 20, poster: 20})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			items := []reservation.LineItem{line(mug, 1), line(poster, 1)}
			if i%2 == 0 {
				items = []reservation.LineItem{line(poster, 1), line(mug, 1)}
			}
			_, err := f.reserve("session", items...)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(0), f.available(t, mug))
	assert.Equal(t, int64(0), f.available(t, poster))
}

func TestReserveIsAllOrNothing(t *testing.T) {
	f := newFixture(t, map[reservation.StockKey]int64{mug: 5, poster: 1})

	_, err := f.reserve("session", line(mug, 2), line(poster, 2))

	var stockErr *reservation.InsufficientStockError
	require.True(t, errors.As(err, &stockErr))
	require.Len(t, stockErr.Failures, 1)
	assert.Equal(t, poster, stockErr.Failures[0].StockKey)
	assert.Equal(t, int64(1), stockErr.Failures[0].Available)

	assert.Equal(t, int64(5), f.available(t, mug))
	assert.Equal(t, int64(0), f.stock(t, mug).Held)

	all, err := f.service.GetReservations(context.Background(), reservation.ListOptions{}, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestReserveUnknownProduct(t *testing.T) {
	f := newFixture(t, map[reservation.StockKey]int64{mug: 5})

	_, err := f.reserve("session", line(mug, 1), line(reservation.StockKey{ProductID: "ghost"}, 1))

	var stockErr *reservation.InsufficientStockError
	require.True(t, errors.As(err, &stockErr))
	assert.Equal(t, reservation.ErrUnknownProduct.Error(), stockErr.Failures[0].Reason)
	assert.Equal(t, int64(5), f.available(t, mug))
}

func TestDuplicateLinesAreReservedSeparately(t *testing.T) {
	f := newFixture(t, map[reservation.StockKey]int64{mug: 5})

	res, err := f.reserve("session", line(mug, 1), line(mug, 2))
	require.NoError(t, err)
	require.Len(t, res.Reservations, 2)
	assert.Equal(t, int64(1), res.Reservations[0].Quantity)
	assert.Equal(t, int64(2), res.Reservations[1].Quantity)
	assert.Equal(t, int64(3), f.stock(t, mug).Held)

	_, err = f.service.Release(context.Background(), ids(res)[:1])
	require.NoError(t, err)
	assert.Equal(t, int64(3), f.available(t, mug))
}

func TestOverflowingLinesCannotCorruptStock(t *testing.T) {
	f := newFixture(t, map[reservation.StockKey]int64{mug: 1})

	_, err := f.reserve("session", line(mug, 1<<62), line(mug, 1<<62))
	require.ErrorIs(t, err, reservation.ErrInvalidQuantity)

	assert.Equal(t, int64(0), f.stock(t, mug).Held)
	_, err = f.reserve("other", line(mug, 1))
	require.NoError(t, err)
	assert.Equal(t, int64(0), f.available(t, mug))
}

func TestVariantsAreReservedIndependently(t *testing.T) {
	large := reservation.StockKey{ProductID: "shirt", VariantID: "l"}
	f := newFixture(t, map[reservation.StockKey]int64{shirt: 1, large: 3})

	_, err := f.reserve("session", line(large, 3))
	require.NoError(t, err)

	assert.Equal(t, int64(1), f.available(t, shirt))
	assert.Equal(t, int64(0), f.available(t, large))
}

func TestExpiredHoldsStopCountingWithoutASweep(t *testing.T) {
	f := newFixture(t, map[reservation.StockKey]int64{mug: 1})

	first, err := f.reserve("first", line(mug, 1))
	require.NoError(t, err)
	assert.Equal(t, now.Add(reservation.DefaultTTL), first.ExpiresAt)

	_, err = f.reserve("second", line(mug, 1))
	require.ErrorIs(t, err, reservation.ErrInsufficientStock)

	f.clock.Advance(reservation.DefaultTTL - time.Second)
	assert.Equal(t, int64(0), f.available(t, mug))

	f.clock.Advance(time.Second)
	assert.Equal(t, int64(1), f.available(t, mug))

	second, err := f.reserve("second", line(mug, 1))
	require.NoError(t, err)
	assert.Len(t, second.Reservations, 1)

	old, err := f.service.GetReservation(context.Background(), first.Reservations[0].ID)
	require.NoError(t, err)
	assert.Equal(t, reservation.Expired, old.Status)
	assert.Equal(t, int64(1), f.stock(t, mug).Held)
}

func TestCompleteConsumesStockOnce(t *testing.T) {
	f := newFixture(t, map[reservation.StockKey]int64{mug: 5, poster: 2})

	res, err := f.reserve("session", line(mug, 2), line(poster, 1))
	require.NoError(t, err)

	require.NoError(t, f.service.Complete(context.Background(), ids(res)))
	require.NoError(t, f.service.Complete(context.Background(), ids(res)))

	assert.Equal(t, reservation.Stock{StockKey: mug, Total: 3, Held: 0, Updated: now}, f.stock(t, mug))
	assert.Equal(t, int64(1), f.stock(t, poster).Total)
	assert.Equal(t, int64(3), f.available(t, mug))
	assert.Equal(t, int64(1), f.available(t, poster))

	for _, ID := range ids(res) {
		r, err := f.service.GetReservation(context.Background(), ID)
		require.NoError(t, err)
		assert.Equal(t, reservation.Completed, r.Status)
	}

	f.clock.Advance(time.Hour)
	require.NoError(t, f.service.Complete(context.Background(), ids(res)))
}

func TestCompleteAfterExpiry(t *testing.T) {
	f := newFixture(t, map[reservation.StockKey]int64{mug: 5})

	res, err := f.reserve("session", line(mug, 2))
	require.NoError(t, err)

	f.clock.Advance(reservation.DefaultTTL)

	err = f.service.Complete(context.Background(), ids(res))
	require.ErrorIs(t, err, reservation.ErrReservationExpired)

	var conflict *reservation.StateConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, res.Reservations[0].ID, conflict.ID)

	assert.Equal(t, int64(5), f.stock(t, mug).Total)
	assert.Equal(t, int64(5), f.available(t, mug))
}

func TestCompleteBatchIsAtomic(t *testing.T) {
	f := newFixture(t, map[reservation.StockKey]int64{mug: 5, poster: 5})

	keep, err := f.reserve("session", line(mug, 1))
	require.NoError(t, err)
	gone, err := f.reserve("session", line(poster, 1))
	require.NoError(t, err)

	_, err = f.service.Release(context.Background(), ids(gone))
	require.NoError(t, err)

	err = f.service.Complete(context.Background(), append(ids(keep), ids(gone)...))
	require.ErrorIs(t, err, reservation.ErrReservationReleased)

	r, err := f.service.GetReservation(context.Background(), keep.Reservations[0].ID)
	require.NoError(t, err)
	assert.Equal(t, reservation.Active, r.Status)
	assert.Equal(t, int64(5), f.stock(t, mug).Total)
	assert.Equal(t, int64(1), f.stock(t, mug).Held)
}

func TestReleaseIsIdempotent(t *testing.T) {
	f := newFixture(t, map[reservation.StockKey]int64{mug: 3})

	res, err := f.reserve("session", line(mug, 2))
	require.NoError(t, err)
	assert.Equal(t, int64(1), f.available(t, mug))

	first, err := f.service.Release(context.Background(), ids(res))
	require.NoError(t, err)
	assert.Equal(t, []reservation.ReleaseResult{{ID: res.Reservations[0].ID, Success: true, Message: "released"}}, first)

	second, err := f.service.Release(context.Background(), ids(res))
	require.NoError(t, err)
	assert.Equal(t, []reservation.ReleaseResult{{ID: res.Reservations[0].ID, Success: true, Message: "already released"}}, second)

	assert.Equal(t, int64(3), f.available(t, mug))
	assert.Equal(t, int64(0), f.stock(t, mug).Held)
}

func TestReleaseUnknownAndExpired(t *testing.T) {
	f := newFixture(t, map[reservation.StockKey]int64{mug: 3})

	res, err := f.reserve("session", line(mug, 2))
	require.NoError(t, err)
	f.clock.Advance(reservation.DefaultTTL + time.Minute)

	results, err := f.service.Release(context.Background(), []string{"nope", res.Reservations[0].ID})
	require.NoError(t, err)
	assert.Equal(t, []reservation.ReleaseResult{
		{ID: "nope", Success: false, Message: "reservation not found"},
		{ID: res.Reservations[0].ID, Success: true, Message: "expired"},
	}, results)
	assert.Equal(t, int64(0), f.stock(t, mug).Held)
}

func TestCompletedCannotBeReleased(t *testing.T) {
	f := newFixture(t, map[reservation.StockKey]int64{mug: 3})

	res, err := f.reserve("session", line(mug, 1))
	require.NoError(t, err)
	require.NoError(t, f.service.Complete(context.Background(), ids(res)))

	results, err := f.service.Release(context.Background(), ids(res))
	require.NoError(t, err)
	assert.Equal(t, "already completed", results[0].Message)
	assert.Equal(t, int64(2), f.stock(t, mug).Total)
}

func TestRetryAfterExpiry(t *testing.T) {
	f := newFixture(t, map[reservation.StockKey]int64{mug: 2})

	old, err := f.reserve("session", line(mug, 2))
	require.NoError(t, err)
	f.clock.Advance(reservation.DefaultTTL)

	_, err = f.service.Release(context.Background(), ids(old))
	require.NoError(t, err)

	fresh, err := f.reserve("session", line(mug, 2))
	require.NoError(t, err)
	require.NoError(t, f.service.Complete(context.Background(), ids(fresh)))

	assert.Equal(t, int64(0), f.stock(t, mug).Total)
}

func TestSweepExpired(t *testing.T) {
	f := newFixture(t, map[reservation.StockKey]int64{mug: 5, poster: 5, shirt: 5})

	_, err := f.reserve("a", line(mug, 1), line(poster, 2))
	require.NoError(t, err)
	_, err = f.reserve("b", line(shirt, 3))
	require.NoError(t, err)
	f.clock.Advance(reservation.DefaultTTL)
	fresh, err := f.reserve("c", line(mug, 1))
	require.NoError(t, err)

	f.queue = queue.NewMockQueue()
	service := reservation.NewService(f.repo, f.queue, reservation.WithClock(f.clock))

	n, err := service.SweepExpired(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, int64(1), f.stock(t, mug).Held)
	assert.Equal(t, int64(0), f.stock(t, poster).Held)
	assert.Equal(t, int64(0), f.stock(t, shirt).Held)
	f.queue.VerifyCount("PublishReservation", 2, t)
	f.queue.VerifyCount("PublishStock", 2, t)

	r, err := service.GetReservation(context.Background(), fresh.Reservations[0].ID)
	require.NoError(t, err)
	assert.Equal(t, reservation.Active, r.Status)

	n, err = service.SweepExpired(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSweeper(t *testing.T) {
	f := newFixture(t, map[reservation.StockKey]int64{mug: 5, poster: 5, shirt: 5})

	_, err := f.reserve("a", line(mug, 1), line(poster, 1), line(shirt, 1))
	require.NoError(t, err)
	f.clock.Advance(reservation.DefaultTTL)

	sweeper := reservation.NewSweeper(f.service, time.Minute, 1)
	assert.Equal(t, 3, sweeper.Sweep(context.Background()))
	assert.Equal(t, 0, sweeper.Sweep(context.Background()))

	for _, key := range []reservation.StockKey{mug, poster, shirt} {
		assert.Equal(t, int64(0), f.stock(t, key).Held)
	}
}

func TestDisabledSweeperReturns(t *testing.T) {
	done := make(chan struct{})
	go func() {
		reservation.NewSweeper(reservation.NewMockReservationService(), 0, 0).Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper with no interval did not return")
	}
}

func TestSweeperStopsWithContext(t *testing.T) {
	mock := reservation.NewMockReservationService()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		reservation.NewSweeper(mock, time.Millisecond, 10).Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
	assert.Greater(t, mock.GetCallCount("SweepExpired"), 0)
}

func TestSetStockBelowHeld(t *testing.T) {
	f := newFixture(t, map[reservation.StockKey]int64{mug: 5})

	_, err := f.reserve("session", line(mug, 3))
	require.NoError(t, err)

	_, err = f.service.SetStock(context.Background(), mug, 2)
	require.ErrorIs(t, err, reservation.ErrInvalidStock)

	a, err := f.service.SetStock(context.Background(), mug, 10)
	require.NoError(t, err)
	assert.Equal(t, reservation.Availability{StockKey: mug, Total: 10, Held: 3, Available: 7}, a)

	f.clock.Advance(reservation.DefaultTTL)
	a, err = f.service.SetStock(context.Background(), mug, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), a.Available)
}

func TestGetReservationsBySession(t *testing.T) {
	f := newFixture(t, map[reservation.StockKey]int64{mug: 5, poster: 5})

	a, err := f.reserve("a", line(mug, 1), line(poster, 1))
	require.NoError(t, err)
	_, err = f.reserve("b", line(mug, 1))
	require.NoError(t, err)
	require.NoError(t, f.service.Complete(context.Background(), ids(a)[:1]))

	got, err := f.service.GetReservations(context.Background(), reservation.ListOptions{SessionID: "a"}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, ids(a), []string{got[0].ID, got[1].ID})

	got, err = f.service.GetReservations(context.Background(), reservation.ListOptions{SessionID: "a", Status: reservation.Active}, 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, a.Reservations[1].ID, got[0].ID)

	got, err = f.service.GetReservations(context.Background(), reservation.ListOptions{}, 2, 1)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestStockSubscribers(t *testing.T) {
	f := newFixture(t, map[reservation.StockKey]int64{mug: 5})

	ch := make(chan reservation.Availability, 1)
	id := f.service.SubscribeStock(ch)

	_, err := f.reserve("session", line(mug, 2))
	require.NoError(t, err)

	select {
	case a := <-ch:
		assert.Equal(t, reservation.Availability{StockKey: mug, Total: 5, Held: 2, Available: 3}, a)
	case <-time.After(time.Second):
		t.Fatal("no stock update received")
	}

	f.service.UnsubscribeStock(id)
	_, ok := <-ch
	assert.False(t, ok)

	_, err = f.reserve("session", line(mug, 1))
	require.NoError(t, err)
}

func TestEventsArePublished(t *testing.T) {
	f := newFixture(t, map[reservation.StockKey]int64{mug: 5})

	var (
		mu     sync.Mutex
		events []reservation.Status
	)
	f.queue.PublishReservationFunc = func(ctx context.Context, event reservation.Event) error {
		mu.Lock()
		events = append(events, event.Type)
		mu.Unlock()
		return nil
	}

	a, err := f.reserve("session", line(mug, 1))
	require.NoError(t, err)
	b, err := f.reserve("session", line(mug, 1))
	require.NoError(t, err)
	require.NoError(t, f.service.Complete(context.Background(), ids(a)))
	_, err = f.service.Release(context.Background(), ids(b))
	require.NoError(t, err)

	assert.Equal(t, []reservation.Status{reservation.Active, reservation.Active, reservation.Completed, reservation.Released}, events)
}
