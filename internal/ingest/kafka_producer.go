package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/home-services-matching/internal/models"
)

const EventRequestCreated = "service_request.created"

// RequestEvent is the message published when a customer creates a request.
type RequestEvent struct {
	Type       string         `json:"type"`
	RequestID  string         `json:"request_id"`
	CustomerID string         `json:"customer_id"`
	CategoryID int64          `json:"category_id"`
	TierID     int64          `json:"tier_id"`
	Urgency    models.Urgency `json:"urgency"`
	OccurredAt time.Time      `json:"occurred_at"`
}

func DecodeRequestEvent(b []byte) (RequestEvent, error) {
	var ev RequestEvent
	if err := json.Unmarshal(b, &ev); err != nil {
		return ev, fmt.Errorf("decode request event: %w", err)
	}
	if ev.Type != EventRequestCreated {
		return ev, fmt.Errorf("unexpected event type %q", ev.Type)
	}
	if ev.RequestID == "" {
		return ev, fmt.Errorf("request event without request_id")
	}
	return ev, nil
}

type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer hands new requests to the matching consumer.
type KafkaProducer struct {
	writer  MessageWriter
	timeout time.Duration
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return NewKafkaProducerWithWriter(w)
}

func NewKafkaProducerWithWriter(w MessageWriter) *KafkaProducer {
	return &KafkaProducer{writer: w, timeout: 2 * time.Second}
}

// RequestCreated publishes the creation event keyed by request id.
func (k *KafkaProducer) RequestCreated(ctx context.Context, r *models.ServiceRequest) error {
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	b, err := json.Marshal(RequestEvent{
		Type:       EventRequestCreated,
		RequestID:  r.ID,
		CustomerID: r.CustomerID,
		CategoryID: r.CategoryID,
		TierID:     r.TierID,
		Urgency:    r.Urgency,
		OccurredAt: r.CreatedAt,
	})
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(r.ID), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
