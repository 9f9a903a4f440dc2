package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/example/home-services-matching/internal/models"
)

type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes notifications to a topic keyed by user id, so one
// user's notifications land on one partition in order.
type KafkaSink struct {
	writer MessageWriter
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaSink{writer: w}
}

func NewKafkaSinkWithWriter(w MessageWriter) *KafkaSink { return &KafkaSink{writer: w} }

func (k *KafkaSink) Name() string { return "kafka" }

func (k *KafkaSink) Deliver(ctx context.Context, n models.Notification) error {
	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrUndeliverable, err)
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(n.UserID),
		Value:   b,
		Headers: []kafka.Header{{Key: "type", Value: []byte(n.Type)}},
	})
}

func (k *KafkaSink) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
