package queue

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/sksmith/bunnyq"
	"github.com/sksmith/checkout-reservations/core/reservation"
	"github.com/streadway/amqp"
)

// StockLevel is the message the catalog pushes when the stock on hand for a product changes.
type StockLevel struct {
	ProductID     string `json:"product_id"`
	VariantID     string `json:"variant_id,omitempty"`
	QuantityTotal int64  `json:"quantity_total"`
}

type StockHandler interface {
	SetStock(ctx context.Context, key reservation.StockKey, total int64) (reservation.Availability, error)
}

type StockFeedQueue struct {
	queue       *bunnyq.BunnyQ
	feedQueue   string
	dltExchange string
	publish     publishFunc
}

func NewStockFeedQueue(bq *bunnyq.BunnyQ, feedQueue, dltExchange string) *StockFeedQueue {
	return &StockFeedQueue{
		queue:       bq,
		feedQueue:   feedQueue,
		dltExchange: dltExchange,
		publish: func(ctx context.Context, exchange string, body []byte) error {
			return bq.Publish(ctx, exchange, body)
		},
	}
}

func (s *StockFeedQueue) ConsumeStock(ctx context.Context, handler StockHandler) {
	s.queue.Stream(ctx, s.feedQueue, func(delivery amqp.Delivery) {
		s.handle(ctx, handler, delivery.Body)
	}, bunnyq.StreamOpAutoAck)
}

func (s *StockFeedQueue) handle(ctx context.Context, handler StockHandler, body []byte) {
	level := StockLevel{}
	if err := json.Unmarshal(body, &level); err != nil {
		log.Error().Err(err).Msg("error unmarshalling stock level, writing to dlt")
		sendToDlt(ctx, s.publish, s.dltExchange, body)
		return
	}

	key := reservation.StockKey{ProductID: level.ProductID, VariantID: level.VariantID}
	if _, err := handler.SetStock(ctx, key, level.QuantityTotal); err != nil {
		log.Error().Err(err).Str("stock", key.String()).Msg("error applying stock level, writing to dlt")
		sendToDlt(ctx, s.publish, s.dltExchange, body)
	}
}

// ReleaseRequest lets other services, such as order cancellation, give reservations back.
type ReleaseRequest struct {
	ReservationIDs []string `json:"reservation_ids"`
}

type ReleaseHandler interface {
	Release(ctx context.Context, IDs []string) ([]reservation.ReleaseResult, error)
}

type ReleaseQueue struct {
	queue        *bunnyq.BunnyQ
	releaseQueue string
}

func NewReleaseQueue(bq *bunnyq.BunnyQ, releaseQueue string) *ReleaseQueue {
	return &ReleaseQueue{queue: bq, releaseQueue: releaseQueue}
}

func (r *ReleaseQueue) ConsumeReleases(ctx context.Context, handler ReleaseHandler) {
	r.queue.Stream(ctx, r.releaseQueue, func(delivery amqp.Delivery) {
		if err := handleRelease(ctx, handler, delivery.Body); err != nil {
			log.Error().Err(err).Msg("failed to release reservations from queue")
		}
	}, bunnyq.StreamOpAutoAck)
}

func handleRelease(ctx context.Context, handler ReleaseHandler, body []byte) error {
	req := ReleaseRequest{}
	if err := json.Unmarshal(body, &req); err != nil {
		return errors.WithMessage(err, "error unmarshalling release request")
	}
	if len(req.ReservationIDs) == 0 {
		return reservation.ErrEmptyIDs
	}

	results, err := handler.Release(ctx, req.ReservationIDs)
	if err != nil {
		return err
	}
	for _, res := range results {
		if !res.Success {
			log.Warn().Str("id", res.ID).Str("message", res.Message).Msg("reservation could not be released")
		}
	}
	return nil
}

func sendToDlt(ctx context.Context, publish publishFunc, exchange string, data []byte) {
	if err := publish(ctx, exchange, data); err != nil {
		log.Error().Err(err).Msg("error writing to dlt")
	}
}
