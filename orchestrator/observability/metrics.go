package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectedWorkers tracks the number of open worker sessions.
	ConnectedWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orbiter_connected_workers",
		Help: "Current number of connected worker sessions",
	})

	// BusyWorkers tracks workers currently holding a job.
	BusyWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orbiter_busy_workers",
		Help: "Current number of busy workers",
	})

	// QueueDepth tracks the size of the scheduling index.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orbiter_queue_depth",
		Help: "Current number of planets in the scheduling index",
	})

	// Assignments counts assignment outcomes per tick and per ready event.
	Assignments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orbiter_assignments_total",
		Help: "Assignment attempts by result",
	}, []string{"result"}) // assigned, skipped, delivery_failed

	// Completions counts successfully finished rounds.
	Completions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orbiter_completions_total",
		Help: "Total successfully completed planet rounds",
	})

	// Failures counts worker-reported job errors.
	Failures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orbiter_failures_total",
		Help: "Total worker-reported job failures",
	})

	// Retries counts requeues after a failure below the retry budget.
	Retries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orbiter_retries_total",
		Help: "Total immediate retries scheduled after a failure",
	})

	// Cooldowns counts cooldown resets after retry budget exhaustion.
	Cooldowns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orbiter_cooldowns_total",
		Help: "Total cooldown resets after exhausting the retry budget",
	})

	// Recoveries counts orphaned-job recoveries by trigger.
	Recoveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orbiter_recoveries_total",
		Help: "Orphaned job recoveries by trigger",
	}, []string{"trigger"}) // disconnect, heartbeat_timeout, startup, delivery_failed, reconnect

	// InboundMessages counts worker frames by type.
	InboundMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orbiter_inbound_messages_total",
		Help: "Inbound worker messages by type",
	}, []string{"type"})

	// TickDuration tracks one iteration of the dispatch tick loop.
	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "orbiter_tick_duration_seconds",
		Help:    "Duration of one dispatch tick",
		Buckets: prometheus.DefBuckets,
	})

	// JobDuration tracks completed attempt durations.
	JobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "orbiter_job_duration_seconds",
		Help:    "Duration of completed planet rounds",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s to ~17min
	})

	// IndexLatency tracks scheduling index roundtrips.
	IndexLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "orbiter_index_roundtrip_latency_seconds",
		Help:    "Scheduling index operation latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to ~1s
	})

	// Reconciliations counts reconciler repairs by kind.
	Reconciliations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orbiter_reconciliations_total",
		Help: "Planets repaired by the reconciler",
	}, []string{"kind"}) // missed_schedule, error_reset
)
