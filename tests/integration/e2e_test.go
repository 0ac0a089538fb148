//go:build integration

// Package integration contains end-to-end tests that require real
// infrastructure (Kafka, Redis, PostgreSQL) provided by testcontainers-go.
//
// Run with: go test -tags=integration -v ./tests/integration/
package integration

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/board"
	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/feed"
	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/kafka"
	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/queue"
	redisstore "github.com/akashpixels/clientbridge-tasksphere-sub000/internal/redis"
)

// TestE2E_AllocationReachesBoard runs the full change path against real
// infrastructure.
//
// Flow: allocate (Postgres tx under a Redis project lock) → Kafka publish →
//
//	hub consume → coordinator refresh (Redis-cached fetch) → board update.
func TestE2E_AllocationReachesBoard(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	// ── Infrastructure setup ─────────────────────────────────────────────────
	pgStore, _ := newStore(t, 2*time.Second)
	redisClient := newRedisClient(t)

	topic := uniqueTopic("e2e-changes")
	createTopic(t, topic)

	producer := kafka.NewProducer(testKafkaBrokers)
	t.Cleanup(func() { producer.Close() }) //nolint:errcheck

	consumer := kafka.NewConsumer(testKafkaBrokers, topic, fmt.Sprintf("e2e-%d", time.Now().UnixNano()), slog.Default(),
		kafka.WithMaxWait(100*time.Millisecond))
	t.Cleanup(func() { consumer.Close() }) //nolint:errcheck

	hub := feed.NewHub(0, slog.Default())
	go hub.Consume(ctx, consumer) //nolint:errcheck

	alloc := queue.NewAllocator(pgStore,
		redisstore.NewProjectLock(redisClient, 5*time.Second, 2*time.Second, slog.Default()),
		queue.WithClock(func() time.Time { return monday09 }),
		queue.WithQueueJumpThreshold(critical),
		queue.WithNotifier(feed.NewPublisher(producer, topic)),
	)

	fetcher := feed.NewCachedFetcher(
		feed.StoreFetcher{Store: pgStore},
		redisstore.NewTaskSetCache(redisClient, time.Minute),
		slog.Default(),
	)
	coord := feed.NewCoordinator(officeProject.ID, hub, fetcher, critical,
		feed.WithCoalesceWindow(50*time.Millisecond))
	go coord.Run(ctx) //nolint:errcheck

	// ── Initial board ────────────────────────────────────────────────────────
	initial := nextUpdate(ctx, t, coord)
	assert.Equal(t, int64(0), initial.Seq)
	assert.Zero(t, initial.Board.Len())

	// ── Allocate and wait for the change to arrive via Kafka ────────────────
	urgent, err := alloc.Allocate(ctx, officeRequest(critical))
	require.NoError(t, err)
	assert.Equal(t, int64(1), urgent.Seq)

	update := nextUpdate(ctx, t, coord)
	assert.Equal(t, int64(1), update.Seq)
	require.Len(t, update.Board[board.GroupCritical], 1)
	assert.Equal(t, urgent.Task.ID, update.Board[board.GroupCritical][0].ID)

	// A second burst lands on the scheduled group once capacity runs out.
	for i := 0; i < 2; i++ {
		_, err := alloc.Allocate(ctx, officeRequest(normal))
		require.NoError(t, err)
	}
	var last feed.Update
	for last.Seq < 3 {
		last = nextUpdate(ctx, t, coord)
	}
	assert.Equal(t, 3, last.Board.Len())
	require.Len(t, last.Board[board.GroupScheduled], 1)
	require.NotNil(t, last.Board[board.GroupScheduled][0].QueuePosition)
	assert.Equal(t, 1, *last.Board[board.GroupScheduled][0].QueuePosition)
}

func nextUpdate(ctx context.Context, t *testing.T, c *feed.Coordinator) feed.Update {
	t.Helper()
	select {
	case u, ok := <-c.Updates():
		require.True(t, ok, "coordinator stopped")
		return u
	case <-ctx.Done():
		t.Fatal("timed out waiting for board update")
		return feed.Update{}
	}
}
