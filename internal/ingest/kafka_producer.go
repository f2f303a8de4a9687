// Package ingest forwards driver telemetry to the location topic read by the
// consumer process.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/speedyvan/dispatch/internal/models"
)

const publishTimeout = 2 * time.Second

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaProducer struct {
	writer messageWriter
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
	}
	return &KafkaProducer{writer: w}
}

// PublishLocation writes one update keyed by driver id so a driver's updates
// stay ordered within a partition.
func (k *KafkaProducer) PublishLocation(ctx context.Context, loc models.DriverLocation) error {
	if loc.Updated.IsZero() {
		loc.Updated = time.Now().UTC()
	}
	b, err := json.Marshal(loc)
	if err != nil {
		return fmt.Errorf("encode location: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(loc.DriverID), Value: b, Time: loc.Updated})
}

func (k *KafkaProducer) Close() error {
	if k == nil || k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
