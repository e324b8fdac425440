package queue

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/sksmith/bunnyq"
	"github.com/sksmith/checkout-reservations/core/reservation"
)

type publishFunc func(ctx context.Context, exchange string, body []byte) error

type reservationQueue struct {
	publish             publishFunc
	reservationExchange string
	stockExchange       string
}

func New(bq *bunnyq.BunnyQ, reservationExchange, stockExchange string) reservation.Queue {
	return newReservationQueue(func(ctx context.Context, exchange string, body []byte) error {
		return bq.Publish(ctx, exchange, body)
	}, reservationExchange, stockExchange)
}

func newReservationQueue(publish publishFunc, reservationExchange, stockExchange string) *reservationQueue {
	return &reservationQueue{publish: publish, reservationExchange: reservationExchange, stockExchange: stockExchange}
}

func (q *reservationQueue) PublishReservation(ctx context.Context, event reservation.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return errors.WithMessage(err, "error marshalling reservation event to send to queue")
	}
	if err = q.publish(ctx, q.reservationExchange, body); err != nil {
		return errors.WithMessage(err, "error publishing reservation event")
	}
	return nil
}

func (q *reservationQueue) PublishStock(ctx context.Context, availability reservation.Availability) error {
	body, err := json.Marshal(availability)
	if err != nil {
		return errors.WithMessage(err, "failed to serialize message for queue")
	}
	if err = q.publish(ctx, q.stockExchange, body); err != nil {
		return errors.WithMessage(err, "failed to send stock update to queue")
	}
	return nil
}
