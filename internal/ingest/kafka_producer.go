// Package ingest publishes trip events and driver locations to Kafka.
package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-realtime/internal/models"
)

const writeTimeout = 2 * time.Second

// MessageWriter is the subset of *kafka.Writer the producer needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaProducer struct {
	writer MessageWriter
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
	return &KafkaProducer{writer: w}
}

// NewProducerWithWriter wraps an existing writer.
func NewProducerWithWriter(w MessageWriter) *KafkaProducer {
	return &KafkaProducer{writer: w}
}

// PublishLocation keys by driver id so a driver's updates stay ordered.
func (k *KafkaProducer) PublishLocation(ctx context.Context, u models.LocationUpdate) error {
	return k.publish(ctx, u.DriverID, u)
}

// PublishTripEvent keys by trip id so a trip's transitions stay ordered.
func (k *KafkaProducer) PublishTripEvent(ctx context.Context, e models.TripEvent) error {
	return k.publish(ctx, e.TripID, e)
}

func (k *KafkaProducer) publish(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
