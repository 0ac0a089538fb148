// Package feed turns committed project changes into fresh, classified boards
// for every connected viewer.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/domain"
	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/kafka"
	"github.com/akashpixels/clientbridge-tasksphere-sub000/pkg/telemetry"
)

// DefaultSubscriberBuffer is the per-subscriber channel capacity.
const DefaultSubscriberBuffer = 64

// Source delivers a project's changes. The returned cancel func unsubscribes
// and closes the channel.
type Source interface {
	Subscribe(projectID string) (<-chan domain.Change, func())
}

// Hub fans changes out to per-project subscribers. Delivery never blocks the
// publisher: a subscriber that falls behind has its backlog replaced by a
// single Resync change.
type Hub struct {
	buffer int
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string]map[*subscriber]struct{}
}

type subscriber struct {
	ch     chan domain.Change
	closed bool
}

// NewHub returns a Hub whose subscriber channels hold buffer changes.
func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &Hub{buffer: buffer, logger: logger, subs: make(map[string]map[*subscriber]struct{})}
}

func (h *Hub) Subscribe(projectID string) (<-chan domain.Change, func()) {
	s := &subscriber{ch: make(chan domain.Change, h.buffer)}

	h.mu.Lock()
	if h.subs[projectID] == nil {
		h.subs[projectID] = make(map[*subscriber]struct{})
	}
	h.subs[projectID][s] = struct{}{}
	h.mu.Unlock()
	telemetry.FeedSubscribers.Inc()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[projectID], s)
			if len(h.subs[projectID]) == 0 {
				delete(h.subs, projectID)
			}
			s.closed = true
			close(s.ch)
			telemetry.FeedSubscribers.Dec()
		})
	}
}

// Publish delivers c to the project's subscribers. It satisfies the
// allocator's Notifier so a single process can run without a broker.
func (h *Hub) Publish(_ context.Context, c domain.Change) error {
	h.dispatch(c)
	return nil
}

func (h *Hub) dispatch(c domain.Change) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs[c.ProjectID] {
		if s.closed {
			continue
		}
		select {
		case s.ch <- c:
			continue
		default:
		}
		// Full: drop the backlog and ask the subscriber to refetch.
		dropped := 0
	drain:
		for {
			select {
			case <-s.ch:
				dropped++
			default:
				break drain
			}
		}
		s.ch <- domain.Change{ProjectID: c.ProjectID, Seq: c.Seq, Resync: true, OccurredAt: c.OccurredAt}
		h.logger.Warn("feed subscriber overflow, resync sent",
			slog.String("project_id", c.ProjectID),
			slog.Int64("seq", c.Seq),
			slog.Int("dropped", dropped+1),
		)
	}
}

// Consume feeds the hub from a Kafka consumer until ctx is cancelled.
// Undecodable messages are logged and skipped.
func (h *Hub) Consume(ctx context.Context, consumer kafka.Consumer) error {
	return consumer.Subscribe(ctx, func(_ context.Context, msg kafka.Message) error {
		var c domain.Change
		if err := json.Unmarshal(msg.Value, &c); err != nil {
			h.logger.Error("malformed change event",
				slog.Int64("offset", msg.Offset),
				slog.String("produced_by", msg.Header(kafka.HeaderProducedBy)),
				slog.String("error", err.Error()),
			)
			return nil
		}
		h.dispatch(c)
		return nil
	})
}

// Publisher writes committed changes to a Kafka topic keyed by project ID so
// each project's changes share a partition.
type Publisher struct {
	producer kafka.Producer
	topic    string
}

// NewPublisher returns a Publisher writing to topic.
func NewPublisher(producer kafka.Producer, topic string) *Publisher {
	return &Publisher{producer: producer, topic: topic}
}

func (p *Publisher) Publish(ctx context.Context, c domain.Change) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal change: %w", err)
	}
	return p.producer.Publish(ctx, p.topic, c.ProjectID, data)
}
