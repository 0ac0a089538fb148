package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// DefaultBatchTimeout keeps change events flowing to boards within a few
// milliseconds. kafka-go's own default holds partial batches for a second.
const DefaultBatchTimeout = 10 * time.Millisecond

// Producer publishes messages to a Kafka topic.
type Producer interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
	Close() error
}

type producer struct {
	writer *kafka.Writer
	source string
}

// ProducerOption adjusts the writer.
type ProducerOption func(*producer)

// WithBatchTimeout overrides DefaultBatchTimeout.
func WithBatchTimeout(d time.Duration) ProducerOption {
	return func(p *producer) { p.writer.BatchTimeout = d }
}

// WithSource names the publishing service in the produced-by header.
func WithSource(name string) ProducerOption {
	return func(p *producer) { p.source = name }
}

// NewProducer returns a Producer for brokers. Messages are partitioned by
// key, so every change of one project lands on one partition in order.
func NewProducer(brokers []string, opts ...ProducerOption) Producer {
	p := &producer{writer: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            3,
		BatchTimeout:           DefaultBatchTimeout,
		WriteTimeout:           10 * time.Second,
		ReadTimeout:            10 * time.Second,
		AllowAutoTopicCreation: true,
	}}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *producer) Publish(ctx context.Context, topic, key string, value []byte) error {
	headers := []kafka.Header{{Key: HeaderContentType, Value: []byte("application/json")}}
	if p.source != "" {
		headers = append(headers, kafka.Header{Key: HeaderProducedBy, Value: []byte(p.source)})
	}

	err := p.writer.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     []byte(key),
		Value:   value,
		Headers: injectTrace(ctx, headers),
		Time:    time.Now(),
	})
	if err != nil {
		return fmt.Errorf("kafka publish to %s key %s: %w", topic, key, err)
	}
	return nil
}

func (p *producer) Close() error {
	return p.writer.Close()
}
