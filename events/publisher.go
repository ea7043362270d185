/*
Package events connects the lifecycle engine to the message bus.

PURPOSE:
  Outbound: every lifecycle event the engine emits is published to Kafka so
  payout, notification and analytics services can follow commissions
  without polling the database.

  Inbound: booking cancellations and payment refunds arrive as Kafka
  messages and are dispatched to Engine.HandleBookingCancellation and
  Engine.HandleBookingRefund.

KEY TYPES:
  KafkaPublisher: commission.EventSink writing to one topic
  MemorySink:     commission.EventSink collecting events for tests and dev
  KafkaConsumer:  Polls booking.cancelled / payment.refunded
  Dispatcher:     Decodes a message and calls the engine
  Worker:         Poll → dispatch loop

SEE ALSO:
  - commission/events.go: Event and EventSink
  - cmd/server/main.go: Wiring
*/
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/warp/commission-engine/commission"
)

// DefaultLifecycleTopic receives every lifecycle event.
const DefaultLifecycleTopic = "commission.lifecycle"

// messageWriter is the subset of *kafka.Writer the publisher needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher publishes lifecycle events as JSON, keyed by commission id
// so every event for one commission lands on the same partition in order.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
}

func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher requires at least one broker")
	}
	if topic == "" {
		topic = DefaultLifecycleTopic
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
		},
		topic: topic,
	}, nil
}

func (p *KafkaPublisher) Emit(ctx context.Context, e commission.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", e.Type, err)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic: p.topic,
		Key:   []byte(partitionKey(e)),
		Value: payload,
		Time:  time.Now().UTC(),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(e.Type)},
		},
	})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// partitionKey falls back to the affiliate for trust events and to the
// event type for run summaries.
func partitionKey(e commission.Event) string {
	switch {
	case e.CommissionID != "":
		return e.CommissionID
	case e.AffiliateID != "":
		return e.AffiliateID
	}
	return string(e.Type)
}

var _ commission.EventSink = (*KafkaPublisher)(nil)
