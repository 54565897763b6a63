// Package events publishes accrual, lifecycle and transfer events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/yieldsim/backend/internal/idgen"
)

// Event types.
const (
	TypeProfitCredited = "accrual.credited"
	TypeTickCompleted  = "accrual.tick_completed"
	TypePositionClosed = "position.closed"

	TypeTransferRequested = "transfer.requested"
	TypeTransferDecided   = "transfer.decided"
)

// Event is the JSON envelope written to the topic.
type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    any       `json:"payload"`
}

// New wraps payload in an envelope with a fresh id.
func New(eventType string, payload any) Event {
	return Event{ID: idgen.NewKey(), Type: eventType, OccurredAt: time.Now().UTC(), Payload: payload}
}

type Publisher interface {
	// Publish writes e keyed by key. Messages with the same key keep their order.
	Publish(ctx context.Context, key string, e Event) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events to a single topic.
type KafkaPublisher struct {
	writer messageWriter
	Topic  string
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		RequiredAcks:           kafka.RequireAll,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		BatchTimeout:           50 * time.Millisecond,
	}
	return &KafkaPublisher{writer: w, Topic: topic}
}

func (p *KafkaPublisher) Publish(ctx context.Context, key string, e Event) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", e.Type, err)
	}
	msg := kafka.Message{
		Key:   []byte(key),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(e.Type)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// NopPublisher drops every event. Used when no brokers are configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, Event) error { return nil }
func (NopPublisher) Close() error                                 { return nil }
