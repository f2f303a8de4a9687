package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher appends every dispatch event to a topic for downstream
// consumers such as analytics and the customer notification service.
type KafkaPublisher struct {
	writer messageWriter
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
	return &KafkaPublisher{writer: w}
}

func (k *KafkaPublisher) Name() string { return "kafka" }

func (k *KafkaPublisher) Publish(ctx context.Context, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	out := make([]kafka.Message, 0, len(msgs))
	for _, m := range msgs {
		b, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("encode %s: %w", m.Event, err)
		}
		out = append(out, kafka.Message{
			Key:     []byte(m.Channel),
			Value:   b,
			Headers: []kafka.Header{{Key: "event", Value: []byte(m.Event)}},
			Time:    m.At,
		})
	}
	return k.writer.WriteMessages(ctx, out...)
}

func (k *KafkaPublisher) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
