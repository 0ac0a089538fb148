package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// Message is a fetched record.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   []kafka.Header
	Time      time.Time
}

// Header returns the first header named key, or "".
func (m Message) Header(key string) string { return HeaderValue(m.Headers, key) }

// HandlerFunc processes one message. A nil return commits its offset; an
// error leaves it uncommitted so a restarted group member sees it again.
type HandlerFunc func(ctx context.Context, msg Message) error

// Consumer reads one topic as a member of a consumer group.
type Consumer interface {
	Subscribe(ctx context.Context, handler HandlerFunc) error
	Close() error
}

type consumer struct {
	reader *kafka.Reader
	logger *slog.Logger
}

// ConsumerOption adjusts the reader configuration.
type ConsumerOption func(*kafka.ReaderConfig)

// FromLatest makes a new consumer group start at the end of the topic.
// Board hubs use it with a per-instance group: they only care about changes
// committed after they started and refetch everything else.
func FromLatest() ConsumerOption {
	return func(c *kafka.ReaderConfig) { c.StartOffset = kafka.LastOffset }
}

// WithMaxWait overrides how long a fetch waits for new data.
func WithMaxWait(d time.Duration) ConsumerOption {
	return func(c *kafka.ReaderConfig) { c.MaxWait = d }
}

// NewConsumer returns a group consumer on topic. Offsets are committed
// explicitly, one message at a time.
func NewConsumer(brokers []string, topic, groupID string, logger *slog.Logger, opts ...ConsumerOption) Consumer {
	cfg := kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        500 * time.Millisecond,
		CommitInterval: 0,
		StartOffset:    kafka.FirstOffset,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &consumer{
		reader: kafka.NewReader(cfg),
		logger: logger.With(slog.String("topic", topic), slog.String("group_id", groupID)),
	}
}

// Subscribe hands each message to handler until ctx is cancelled, which is
// a clean stop. The handler runs with the producer's trace context.
func (c *consumer) Subscribe(ctx context.Context, handler HandlerFunc) error {
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka fetch: %w", err)
		}
		c.deliver(ctx, m, handler)
	}
}

func (c *consumer) deliver(ctx context.Context, m kafka.Message, handler HandlerFunc) {
	logger := c.logger.With(slog.Int("partition", m.Partition), slog.Int64("offset", m.Offset))

	msg := Message{
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
		Key:       m.Key,
		Value:     m.Value,
		Headers:   m.Headers,
		Time:      m.Time,
	}
	if err := handler(extractTrace(ctx, m.Headers), msg); err != nil {
		logger.Error("message handler failed, offset not committed", slog.String("error", err.Error()))
		return
	}
	if err := c.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
		logger.Error("commit offset", slog.String("error", err.Error()))
	}
}

func (c *consumer) Close() error {
	return c.reader.Close()
}
