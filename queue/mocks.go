package queue

import (
	"context"

	"github.com/sksmith/checkout-reservations/core/reservation"
	"github.com/sksmith/checkout-reservations/test"
)

type MockQueue struct {
	PublishReservationFunc func(ctx context.Context, event reservation.Event) error
	PublishStockFunc       func(ctx context.Context, availability reservation.Availability) error
	*test.CallWatcher
}

func NewMockQueue() *MockQueue {
	return &MockQueue{
		PublishReservationFunc: func(ctx context.Context, event reservation.Event) error {
			return nil
		},
		PublishStockFunc: func(ctx context.Context, availability reservation.Availability) error {
			return nil
		},
		CallWatcher: test.NewCallWatcher(),
	}
}

func (m *MockQueue) PublishReservation(ctx context.Context, event reservation.Event) error {
	m.AddCall(ctx, event)
	return m.PublishReservationFunc(ctx, event)
}

func (m *MockQueue) PublishStock(ctx context.Context, availability reservation.Availability) error {
	m.AddCall(ctx, availability)
	return m.PublishStockFunc(ctx, availability)
}
