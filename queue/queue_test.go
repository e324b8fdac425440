package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sksmith/checkout-reservations/core/reservation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	exchange string
	body     []byte
}

type recorder struct {
	msgs []published
	err  error
}

func (r *recorder) publish(ctx context.Context, exchange string, body []byte) error {
	r.msgs = append(r.msgs, published{exchange: exchange, body: body})
	return r.err
}

func TestPublishReservation(t *testing.T) {
	rec := &recorder{}
	q := newReservationQueue(rec.publish, "reservation.exchange", "stock.exchange")

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	event := reservation.Event{
		Type:        reservation.Active,
		Reservation: reservation.Reservation{ID: "r1", ProductID: "sku-1", Quantity: 2, Status: reservation.Active},
		Occurred:    now,
	}
	require.NoError(t, q.PublishReservation(context.Background(), event))

	require.Len(t, rec.msgs, 1)
	assert.Equal(t, "reservation.exchange", rec.msgs[0].exchange)

	got := reservation.Event{}
	require.NoError(t, json.Unmarshal(rec.msgs[0].body, &got))
	assert.Equal(t, "r1", got.Reservation.ID)
	assert.Equal(t, reservation.Active, got.Type)
}

func TestPublishStock(t *testing.T) {
	rec := &recorder{}
	q := newReservationQueue(rec.publish, "reservation.exchange", "stock.exchange")

	a := reservation.Availability{StockKey: reservation.StockKey{ProductID: "sku-1"}, Total: 5, Held: 2, Available: 3}
	require.NoError(t, q.PublishStock(context.Background(), a))

	require.Len(t, rec.msgs, 1)
	assert.Equal(t, "stock.exchange", rec.msgs[0].exchange)
	assert.JSONEq(t, `{"product_id":"sku-1","total":5,"held":2,"available":3}`, string(rec.msgs[0].body))
}

func TestPublishFailureIsReturned(t *testing.T) {
	rec := &recorder{err: errors.New("channel closed")}
	q := newReservationQueue(rec.publish, "reservation.exchange", "stock.exchange")

	assert.Error(t, q.PublishStock(context.Background(), reservation.Availability{}))
	assert.Error(t, q.PublishReservation(context.Background(), reservation.Event{}))
}

type stockHandler struct {
	calls []reservation.StockKey
	total int64
	err   error
}

func (h *stockHandler) SetStock(ctx context.Context, key reservation.StockKey, total int64) (reservation.Availability, error) {
	h.calls = append(h.calls, key)
	h.total = total
	return reservation.Availability{StockKey: key, Total: total, Available: total}, h.err
}

func TestStockFeed(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		handleErr error

		wantCalls int
		wantTotal int64
		wantDlt   bool
	}{
		{
			name:      "stock level is applied",
			body:      `{"product_id":"sku-1","variant_id":"red","quantity_total":12}`,
			wantCalls: 1,
			wantTotal: 12,
		},
		{
			name:    "malformed message goes to the dlt",
			body:    `{"product_id":`,
			wantDlt: true,
		},
		{
			name:      "rejected stock level goes to the dlt",
			body:      `{"product_id":"sku-1","quantity_total":-1}`,
			handleErr: reservation.ErrInvalidStock,
			wantCalls: 1,
			wantTotal: -1,
			wantDlt:   true,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			rec := &recorder{}
			feed := &StockFeedQueue{feedQueue: "stock.feed", dltExchange: "stock.feed.dlt", publish: rec.publish}
			handler := &stockHandler{err: test.handleErr}

			feed.handle(context.Background(), handler, []byte(test.body))

			assert.Len(t, handler.calls, test.wantCalls)
			if test.wantCalls > 0 {
				assert.Equal(t, test.wantTotal, handler.total)
			}
			if test.wantDlt {
				require.Len(t, rec.msgs, 1)
				assert.Equal(t, "stock.feed.dlt", rec.msgs[0].exchange)
				assert.Equal(t, test.body, string(rec.msgs[0].body))
			} else {
				assert.Empty(t, rec.msgs)
			}
		})
	}
}

type releaseHandler struct {
	ids []string
	err error
}

func (h *releaseHandler) Release(ctx context.Context, IDs []string) ([]reservation.ReleaseResult, error) {
	h.ids = append(h.ids, IDs...)
	results := make([]reservation.ReleaseResult, 0, len(IDs))
	for _, ID := range IDs {
		results = append(results, reservation.ReleaseResult{ID: ID, Success: ID != "missing", Message: "released"})
	}
	return results, h.err
}

func TestHandleRelease(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		handleErr error

		wantIDs []string
		wantErr error
	}{
		{
			name:    "reservations are released",
			body:    `{"reservation_ids":["a","missing"]}`,
			wantIDs: []string{"a", "missing"},
		},
		{
			name:    "empty request is rejected",
			body:    `{"reservation_ids":[]}`,
			wantErr: reservation.ErrEmptyIDs,
		},
		{
			name:      "handler error is returned",
			body:      `{"reservation_ids":["a"]}`,
			handleErr: errors.New("database down"),
			wantIDs:   []string{"a"},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			handler := &releaseHandler{err: test.handleErr}

			err := handleRelease(context.Background(), handler, []byte(test.body))

			switch {
			case test.wantErr != nil:
				assert.ErrorIs(t, err, test.wantErr)
			case test.handleErr != nil:
				assert.Error(t, err)
			default:
				assert.NoError(t, err)
			}
			assert.Equal(t, test.wantIDs, handler.ids)
		})
	}

	t.Run("malformed request is an error", func(t *testing.T) {
		assert.Error(t, handleRelease(context.Background(), &releaseHandler{}, []byte("nope")))
	})
}

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return w.err
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaQueue(t *testing.T) {
	w := &fakeWriter{}
	k := &KafkaQueue{writer: w}
	ctx := context.Background()

	event := reservation.Event{
		Type:        reservation.Completed,
		Reservation: reservation.Reservation{ID: "r1", ProductID: "sku-1", VariantID: "red", Quantity: 1},
	}
	require.NoError(t, k.PublishReservation(ctx, event))
	require.NoError(t, k.PublishStock(ctx, reservation.Availability{StockKey: reservation.StockKey{ProductID: "sku-2"}}))

	require.Len(t, w.msgs, 2)
	assert.Equal(t, "sku-1/red", string(w.msgs[0].Key))
	assert.Equal(t, []kafka.Header{{Key: headerType, Value: []byte(typeReservation)}}, w.msgs[0].Headers)
	assert.Equal(t, "sku-2", string(w.msgs[1].Key))
	assert.Equal(t, []kafka.Header{{Key: headerType, Value: []byte(typeStock)}}, w.msgs[1].Headers)

	require.NoError(t, k.Close())
	assert.True(t, w.closed)
}

func TestKafkaWriteFailure(t *testing.T) {
	k := &KafkaQueue{writer: &fakeWriter{err: errors.New("leader not available")}}
	assert.Error(t, k.PublishStock(context.Background(), reservation.Availability{}))
}
