package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SchedulerTickDuration tracks the duration of one scheduler tick.
	SchedulerTickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleetward_scheduler_tick_duration_seconds",
		Help:    "Duration of one scheduled-task runner tick",
		Buckets: prometheus.DefBuckets,
	})

	// SchedulerTicksSkipped counts ticks skipped because the named lock was held.
	SchedulerTicksSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetward_scheduler_ticks_skipped_total",
		Help: "Scheduler ticks skipped due to lock contention",
	})

	// TasksDue counts (task, agent) pairs that matched their recurrence.
	TasksDue = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetward_tasks_due_total",
		Help: "Due (task, agent) matches found by the evaluator",
	})

	// ClaimsWon / ClaimsLost count the outcome of dispatch-claim attempts.
	ClaimsWon = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetward_dispatch_claims_won_total",
		Help: "Dispatch claims won via conditional update",
	})
	ClaimsLost = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetward_dispatch_claims_lost_total",
		Help: "Dispatch claims lost to a concurrent holder",
	})

	// Dispatches counts commands published to the bus, by kind and outcome.
	Dispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetward_dispatches_total",
		Help: "Commands dispatched to agents",
	}, []string{"kind", "outcome"})

	// BusBatchFailures counts whole-batch dispatch failures (bus unreachable).
	BusBatchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetward_bus_batch_failures_total",
		Help: "Dispatch batches failed atomically because the bus was unreachable",
	})

	// EvaluationErrors counts per-item evaluation failures (misconfigured
	// tasks and store errors) that were isolated and skipped.
	EvaluationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetward_evaluation_errors_total",
		Help: "Per-item evaluation failures isolated during a tick",
	}, []string{"reason"})

	// AgentsByStatus gauges the fleet by derived status.
	AgentsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleetward_agents",
		Help: "Agents by derived status",
	}, []string{"status"})

	// StatusTransitions counts classifier transitions (e.g. online→overdue).
	StatusTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetward_agent_status_transitions_total",
		Help: "Agent status transitions observed by the monitor",
	}, []string{"from", "to"})

	// TaskTimeouts counts running task results swept to failing.
	TaskTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetward_task_timeouts_total",
		Help: "Task results marked failing after their execution timeout elapsed",
	})

	// RedisLatency tracks lock/bus operation roundtrip latency.
	RedisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleetward_redis_roundtrip_latency_seconds",
		Help:    "Redis operation latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
	})
)
