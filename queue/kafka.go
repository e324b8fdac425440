package queue

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"github.com/sksmith/checkout-reservations/core/reservation"
)

const (
	headerType = "type"

	typeReservation = "reservation"
	typeStock       = "stock"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaQueue publishes reservation events and stock updates to a single topic. Messages are keyed
// by stock key so every update for one product lands on the same partition in order.
type KafkaQueue struct {
	writer messageWriter
}

func NewKafkaQueue(brokers []string, topic string) *KafkaQueue {
	return &KafkaQueue{writer: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}}
}

func (k *KafkaQueue) PublishReservation(ctx context.Context, event reservation.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return errors.WithMessage(err, "error marshalling reservation event to send to kafka")
	}
	return k.write(ctx, typeReservation, event.Reservation.Key(), body)
}

func (k *KafkaQueue) PublishStock(ctx context.Context, availability reservation.Availability) error {
	body, err := json.Marshal(availability)
	if err != nil {
		return errors.WithMessage(err, "error marshalling stock to send to kafka")
	}
	return k.write(ctx, typeStock, availability.StockKey, body)
}

func (k *KafkaQueue) write(ctx context.Context, msgType string, key reservation.StockKey, body []byte) error {
	err := k.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(key.String()),
		Value:   body,
		Headers: []kafka.Header{{Key: headerType, Value: []byte(msgType)}},
	})
	if err != nil {
		return errors.WithMessage(err, "failed to write message to kafka")
	}
	return nil
}

func (k *KafkaQueue) Close() error {
	return k.writer.Close()
}
