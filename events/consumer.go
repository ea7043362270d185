package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	TopicBookingCancelled = "booking.cancelled"
	TopicPaymentRefunded  = "payment.refunded"
)

type Message struct {
	Topic   string
	Key     string
	Payload []byte

	raw *kafka.Message
}

// Consumer delivers messages at least once. A polled message is delivered
// again (after a restart or rebalance) until it is committed.
type Consumer interface {
	Poll(ctx context.Context, max int) ([]Message, error)
	Commit(ctx context.Context, msgs ...Message) error
}

type KafkaConsumer struct {
	reader *kafka.Reader
}

func NewKafkaConsumer(brokers []string, groupID string, topics []string) (*KafkaConsumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka consumer requires at least one broker")
	}
	if groupID == "" {
		return nil, fmt.Errorf("kafka consumer requires group id")
	}
	if len(topics) == 0 {
		topics = []string{TopicBookingCancelled, TopicPaymentRefunded}
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		GroupID:     groupID,
		GroupTopics: topics,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     500 * time.Millisecond,
	})
	return &KafkaConsumer{reader: reader}, nil
}

// Poll fetches up to max messages without committing them. A short read
// deadline ends the batch early when the topic is idle; that is not an error.
func (c *KafkaConsumer) Poll(ctx context.Context, max int) ([]Message, error) {
	if max <= 0 {
		max = 1
	}
	out := make([]Message, 0, max)
	for i := 0; i < max; i++ {
		readCtx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
		msg, err := c.reader.FetchMessage(readCtx)
		cancel()
		if err != nil {
			switch {
			case errors.Is(err, context.DeadlineExceeded):
				return out, nil
			case errors.Is(err, context.Canceled):
				return out, ctx.Err()
			default:
				return out, err
			}
		}
		out = append(out, Message{
			Topic:   msg.Topic,
			Key:     string(msg.Key),
			Payload: msg.Value,
			raw:     &msg,
		})
	}
	return out, nil
}

// Commit marks msgs consumed for the group. Offsets are per partition, so
// committing a message also commits everything before it on that partition.
func (c *KafkaConsumer) Commit(ctx context.Context, msgs ...Message) error {
	raw := make([]kafka.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.raw != nil {
			raw = append(raw, *m.raw)
		}
	}
	if len(raw) == 0 {
		return nil
	}
	if err := c.reader.CommitMessages(ctx, raw...); err != nil {
		return fmt.Errorf("commit %d messages: %w", len(raw), err)
	}
	return nil
}

func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}

// NoopConsumer never returns messages. Used when no brokers are configured.
type NoopConsumer struct{}

func (NoopConsumer) Poll(context.Context, int) ([]Message, error) { return nil, nil }

func (NoopConsumer) Commit(context.Context, ...Message) error { return nil }
