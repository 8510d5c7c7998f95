// Package metrics exposes Prometheus instrumentation for the cadre server
// and workers, plus a JSON snapshot used by the platform metrics endpoint.
package metrics

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cadre",
		Name:      "jobs_created_total",
		Help:      "Number of jobs accepted by the intake endpoint.",
	})

	JobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cadre",
		Name:      "jobs_finished_total",
		Help:      "Number of jobs reaching a terminal state, by outcome.",
	}, []string{"outcome"})

	TasksExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cadre",
		Name:      "tasks_executed_total",
		Help:      "Number of task executions, by role and result.",
	}, []string{"role", "result"})

	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cadre",
		Name:      "task_duration_seconds",
		Help:      "Wall-clock duration of task handler executions, by role.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"role"})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cadre",
		Name:      "queue_depth",
		Help:      "Current entries in each role queue.",
	}, []string{"role"})

	LeasesRecovered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cadre",
		Name:      "leases_recovered_total",
		Help:      "Expired leases handled by the sweeper, by outcome (requeued or failed).",
	}, []string{"outcome"})

	TaskRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cadre",
		Name:      "task_retries_total",
		Help:      "Task retry attempts scheduled through the delayed set, by role.",
	}, []string{"role"})

	EventsAppended = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cadre",
		Name:      "events_appended_total",
		Help:      "Events durably appended to job logs.",
	})

	SubscribersDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cadre",
		Name:      "subscriber_drops_total",
		Help:      "Events dropped due to slow event-stream subscribers.",
	})

	ApprovalWaits = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "cadre",
		Name:      "approval_wait_seconds",
		Help:      "Time jobs spend at the human approval gate.",
		Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
	})
)

// Snapshot is the JSON shape served by GET /v1/metrics: rough platform usage
// counters, cheaper to consume from a dashboard than the full Prometheus
// exposition.
type Snapshot struct {
	JobsCreated      int64            `json:"jobs_created"`
	JobsCompleted    int64            `json:"jobs_completed"`
	JobsFailed       int64            `json:"jobs_failed"`
	TasksSucceeded   int64            `json:"tasks_succeeded"`
	TasksFailed      int64            `json:"tasks_failed"`
	TasksRetried     int64            `json:"tasks_retried"`
	QueueDepths      map[string]int64 `json:"queue_depths"`
	ActiveWorkers    int              `json:"active_workers"`
	EventsAppended   int64            `json:"events_appended"`
	SubscriberDrops  int64            `json:"subscriber_drops"`
	ApprovalsPending int              `json:"approvals_pending"`
	ApprovalsGranted int64            `json:"approvals_granted"`
	ChangesRequested int64            `json:"changes_requested"`
}

// Usage accumulates the counters behind Snapshot. Prometheus counters are
// write-only, so the platform endpoint keeps its own cheap tallies.
type Usage struct {
	jobsCreated      atomic.Int64
	jobsCompleted    atomic.Int64
	jobsFailed       atomic.Int64
	tasksSucceeded   atomic.Int64
	tasksFailed      atomic.Int64
	tasksRetried     atomic.Int64
	eventsAppended   atomic.Int64
	subscriberDrops  atomic.Int64
	approvalsGranted atomic.Int64
	changesRequested atomic.Int64

	mu          sync.Mutex
	queueDepths map[string]int64
}

// NewUsage creates an empty usage tally.
func NewUsage() *Usage {
	return &Usage{queueDepths: make(map[string]int64)}
}

func (u *Usage) JobCreated() {
	u.jobsCreated.Add(1)
	JobsCreated.Inc()
}

func (u *Usage) JobFinished(outcome string) {
	switch outcome {
	case "completed":
		u.jobsCompleted.Add(1)
	case "failed":
		u.jobsFailed.Add(1)
	}
	JobsCompleted.WithLabelValues(outcome).Inc()
}

func (u *Usage) TaskFinished(role, result string, seconds float64) {
	switch result {
	case "succeeded":
		u.tasksSucceeded.Add(1)
	case "failed":
		u.tasksFailed.Add(1)
	}
	TasksExecuted.WithLabelValues(role, result).Inc()
	TaskDuration.WithLabelValues(role).Observe(seconds)
}

func (u *Usage) TaskRetried(role string) {
	u.tasksRetried.Add(1)
	TaskRetries.WithLabelValues(role).Inc()
}

func (u *Usage) EventAppended() {
	u.eventsAppended.Add(1)
	EventsAppended.Inc()
}

func (u *Usage) SubscriberDropped() {
	u.subscriberDrops.Add(1)
	SubscribersDropped.Inc()
}

func (u *Usage) ApprovalGranted(waitSeconds float64) {
	u.approvalsGranted.Add(1)
	ApprovalWaits.Observe(waitSeconds)
}

func (u *Usage) ChangesRequested() {
	u.changesRequested.Add(1)
}

// SetQueueDepth records the observed depth of one role queue.
func (u *Usage) SetQueueDepth(role string, depth int64) {
	u.mu.Lock()
	u.queueDepths[role] = depth
	u.mu.Unlock()
	QueueDepth.WithLabelValues(role).Set(float64(depth))
}

// Snapshot returns a point-in-time copy of the usage counters. ActiveWorkers
// and ApprovalsPending are supplied by the caller, which reads them from the
// board.
func (u *Usage) Snapshot(activeWorkers, approvalsPending int) *Snapshot {
	u.mu.Lock()
	depths := make(map[string]int64, len(u.queueDepths))
	for role, depth := range u.queueDepths {
		depths[role] = depth
	}
	u.mu.Unlock()

	return &Snapshot{
		JobsCreated:      u.jobsCreated.Load(),
		JobsCompleted:    u.jobsCompleted.Load(),
		JobsFailed:       u.jobsFailed.Load(),
		TasksSucceeded:   u.tasksSucceeded.Load(),
		TasksFailed:      u.tasksFailed.Load(),
		TasksRetried:     u.tasksRetried.Load(),
		QueueDepths:      depths,
		ActiveWorkers:    activeWorkers,
		ApprovalsPending: approvalsPending,
		EventsAppended:   u.eventsAppended.Load(),
		SubscriberDrops:  u.subscriberDrops.Load(),
		ApprovalsGranted: u.approvalsGranted.Load(),
		ChangesRequested: u.changesRequested.Load(),
	}
}
