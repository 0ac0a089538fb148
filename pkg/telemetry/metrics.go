package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Allocator ───────────────────────────────────────────────────────────────

	AllocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tasksphere",
		Subsystem: "allocator",
		Name:      "allocations_total",
		Help:      "Allocation attempts, labelled by outcome (active, queued, contended, invalid, not_found, cannot_schedule, error).",
	}, []string{"outcome"})

	AllocationDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tasksphere",
		Subsystem: "allocator",
		Name:      "operation_duration_seconds",
		Help:      "Allocator operation latency including lock wait.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5},
	}, []string{"operation"})

	LockWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tasksphere",
		Subsystem: "allocator",
		Name:      "lock_wait_seconds",
		Help:      "Time spent waiting for the per-project lock.",
		Buckets:   []float64{0.0001, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	ContentionTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tasksphere",
		Subsystem: "allocator",
		Name:      "contention_total",
		Help:      "Operations rejected because the project lock was not acquired in time.",
	})

	PromotionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tasksphere",
		Subsystem: "allocator",
		Name:      "promotions_total",
		Help:      "Queued tasks promoted to active when a slot freed.",
	})

	PreviewRateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tasksphere",
		Subsystem: "allocator",
		Name:      "preview_rate_limited_total",
		Help:      "Preview requests rejected by the rate limiter.",
	})

	// ─── Capacity ────────────────────────────────────────────────────────────────

	QueueRenumberTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tasksphere",
		Subsystem: "capacity",
		Name:      "queue_renumber_total",
		Help:      "Queue integrity repairs, labelled by the kind of violation found.",
	}, []string{"kind"})

	// ─── Feed ────────────────────────────────────────────────────────────────────

	FeedRefreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tasksphere",
		Subsystem: "feed",
		Name:      "refreshes_total",
		Help:      "Board refreshes, labelled by mode (incremental or refetch).",
	}, []string{"mode"})

	FeedEventsCoalescedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tasksphere",
		Subsystem: "feed",
		Name:      "events_coalesced_total",
		Help:      "Change events absorbed into an already pending refresh.",
	})

	FeedDuplicatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tasksphere",
		Subsystem: "feed",
		Name:      "duplicates_total",
		Help:      "Change events dropped because their sequence was already applied.",
	})

	FeedSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tasksphere",
		Subsystem: "feed",
		Name:      "subscribers",
		Help:      "Board stream sessions currently subscribed to the hub.",
	})

	// ─── Scheduler ───────────────────────────────────────────────────────────────

	ReconcileRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tasksphere",
		Subsystem: "scheduler",
		Name:      "reconcile_runs_total",
		Help:      "Per-project reconcile runs, labelled by result.",
	}, []string{"result"})
)
