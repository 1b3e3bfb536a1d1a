package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "leaderdrip"

var (
	EmailsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emails_sent_total",
			Help:      "Total emails sent",
		},
	)

	EmailFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "email_failures_total",
			Help:      "Total failed email transmissions",
		},
	)

	DuplicatesSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_sends_skipped_total",
			Help:      "Jobs skipped because the week was already delivered or in flight",
		},
	)

	JobsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_enqueued_total",
			Help:      "Jobs accepted by the queue",
		},
		[]string{"kind"},
	)

	JobRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_retries_total",
			Help:      "Failed job executions scheduled for another attempt",
		},
		[]string{"kind"},
	)

	JobsDeadLettered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_dead_lettered_total",
			Help:      "Jobs moved to the failed set after exhausting retries",
		},
		[]string{"kind"},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Time spent executing a single job attempt",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"kind", "outcome"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_jobs",
			Help:      "Jobs in the queue by state",
		},
		[]string{"state"},
	)

	BatchRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_runs_total",
			Help:      "Scheduler batch runs by outcome",
		},
		[]string{"outcome"},
	)

	UsersSelected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "users_selected_total",
			Help:      "Users found due for their weekly email",
		},
	)

	GenerationFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_fallbacks_total",
			Help:      "Content generations served from the template fallback",
		},
	)
)

func Init() {
	prometheus.MustRegister(EmailsSent)
	prometheus.MustRegister(EmailFailures)
	prometheus.MustRegister(DuplicatesSkipped)
	prometheus.MustRegister(JobsEnqueued)
	prometheus.MustRegister(JobRetries)
	prometheus.MustRegister(JobsDeadLettered)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(BatchRuns)
	prometheus.MustRegister(UsersSelected)
	prometheus.MustRegister(GenerationFallbacks)
}
