// Package metrics exposes Prometheus counters and histograms for the
// queue, ingestion, recap, and dedup subsystems, registered on the
// default registry and served by cmd/news-recap's admin HTTP surface
// via promhttp.Handler(), the same pattern the pack's ingestion
// pipelines use for their own metrics endpoints.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	once sync.Once

	// Queue / llm_tasks.
	tasksEnqueued   *prometheus.CounterVec
	attemptsStarted *prometheus.CounterVec
	attemptOutcomes *prometheus.CounterVec
	taskDuration    *prometheus.HistogramVec
	queueDepth      prometheus.Gauge

	// Ingestion.
	ingestionRuns        *prometheus.CounterVec
	articlesIngested     *prometheus.CounterVec
	ingestionRunDuration *prometheus.HistogramVec

	// Dedup.
	dedupClustersFormed prometheus.Counter
	dedupArticlesMarked prometheus.Counter

	// Recap.
	recapRunOutcomes  *prometheus.CounterVec
	recapStepDuration *prometheus.HistogramVec

	// Notifications.
	slackNotificationsSent *prometheus.CounterVec
}

var m metrics

func init() {
	m.init()
}

var defaultDurationBuckets = []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300}

func (m *metrics) init() {
	m.once.Do(func() {
		m.tasksEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "news_recap_tasks_enqueued_total",
			Help: "LLM tasks enqueued, by task type.",
		}, []string{"task_type"})

		m.attemptsStarted = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "news_recap_task_attempts_started_total",
			Help: "LLM task attempts started, by task type.",
		}, []string{"task_type"})

		m.attemptOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "news_recap_task_attempt_outcomes_total",
			Help: "LLM task attempt outcomes, by task type, terminal status, and failure class (empty for success).",
		}, []string{"task_type", "status", "failure_class"})

		m.taskDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "news_recap_task_attempt_seconds",
			Help:    "Duration of a single LLM task attempt, by task type.",
			Buckets: defaultDurationBuckets,
		}, []string{"task_type"})

		m.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "news_recap_queue_depth",
			Help: "Queued llm_tasks rows observed at the last poll.",
		})

		m.ingestionRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "news_recap_ingestion_runs_total",
			Help: "Ingestion runs completed, by source and terminal status.",
		}, []string{"source", "status"})

		m.articlesIngested = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "news_recap_articles_ingested_total",
			Help: "Articles persisted during ingestion, by source.",
		}, []string{"source"})

		m.ingestionRunDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "news_recap_ingestion_run_seconds",
			Help:    "Duration of an ingestion run, by source.",
			Buckets: defaultDurationBuckets,
		}, []string{"source"})

		m.dedupClustersFormed = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "news_recap_dedup_clusters_formed_total",
			Help: "Dedup clusters formed across all dedup passes.",
		})

		m.dedupArticlesMarked = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "news_recap_dedup_articles_marked_total",
			Help: "Articles marked as non-representative duplicates.",
		})

		m.recapRunOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "news_recap_recap_run_outcomes_total",
			Help: "Recap pipeline runs, by terminal status.",
		}, []string{"status"})

		m.recapStepDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "news_recap_recap_step_seconds",
			Help:    "Duration of a single recap pipeline step, by step name.",
			Buckets: defaultDurationBuckets,
		}, []string{"step"})

		m.slackNotificationsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "news_recap_slack_notifications_sent_total",
			Help: "Slack notifications sent, by kind and outcome.",
		}, []string{"kind", "outcome"})

		prometheus.MustRegister(
			m.tasksEnqueued, m.attemptsStarted, m.attemptOutcomes, m.taskDuration, m.queueDepth,
			m.ingestionRuns, m.articlesIngested, m.ingestionRunDuration,
			m.dedupClustersFormed, m.dedupArticlesMarked,
			m.recapRunOutcomes, m.recapStepDuration,
			m.slackNotificationsSent,
		)
	})
}

// TaskEnqueued records a new llm_tasks row for taskType.
func TaskEnqueued(taskType string) {
	m.init()
	m.tasksEnqueued.WithLabelValues(taskType).Inc()
}

// AttemptStarted records a worker picking up an attempt for taskType.
func AttemptStarted(taskType string) {
	m.init()
	m.attemptsStarted.WithLabelValues(taskType).Inc()
}

// AttemptFinished records a terminal attempt outcome and its duration.
// failureClass is empty for a succeeded attempt.
func AttemptFinished(taskType, status, failureClass string, durationSeconds float64) {
	m.init()
	m.attemptOutcomes.WithLabelValues(taskType, status, failureClass).Inc()
	m.taskDuration.WithLabelValues(taskType).Observe(durationSeconds)
}

// SetQueueDepth records the number of queued llm_tasks rows observed
// at a poll. Safe to call from multiple goroutines/workers.
func SetQueueDepth(depth int) {
	m.init()
	m.queueDepth.Set(float64(depth))
}

// IngestionRunFinished records an ingestion run's terminal status,
// articles persisted, and wall-clock duration.
func IngestionRunFinished(source, status string, articlesPersisted int, durationSeconds float64) {
	m.init()
	m.ingestionRuns.WithLabelValues(source, status).Inc()
	m.articlesIngested.WithLabelValues(source).Add(float64(articlesPersisted))
	m.ingestionRunDuration.WithLabelValues(source).Observe(durationSeconds)
}

// DedupClusterFormed records one dedup cluster formed, with memberCount
// non-representative members marked within it.
func DedupClusterFormed(memberCount int) {
	m.init()
	m.dedupClustersFormed.Inc()
	m.dedupArticlesMarked.Add(float64(memberCount))
}

// RecapStepFinished records one recap pipeline step's duration.
func RecapStepFinished(step string, durationSeconds float64) {
	m.init()
	m.recapStepDuration.WithLabelValues(step).Observe(durationSeconds)
}

// RecapRunFinished records a recap pipeline run's terminal status.
func RecapRunFinished(status string) {
	m.init()
	m.recapRunOutcomes.WithLabelValues(status).Inc()
}

// SlackNotificationSent records a Slack send attempt's outcome
// ("sent" or "error") for a notification kind.
func SlackNotificationSent(kind, outcome string) {
	m.init()
	m.slackNotificationsSent.WithLabelValues(kind, outcome).Inc()
}
