package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue metrics
	JobsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudpods_jobs_enqueued_total",
			Help: "Total number of jobs enqueued by queue",
		},
		[]string{"queue"},
	)

	JobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudpods_jobs_processed_total",
			Help: "Total number of job attempts by queue and result (completed, retried, failed)",
		},
		[]string{"queue", "result"},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cloudpods_job_duration_seconds",
			Help:    "Job attempt duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"queue"},
	)

	QueueJobs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cloudpods_queue_jobs",
			Help: "Number of jobs by queue and state",
		},
		[]string{"queue", "state"},
	)

	// Quota metrics
	QuotaDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudpods_quota_decisions_total",
			Help: "Total number of admission decisions by operation and result",
		},
		[]string{"operation", "result"},
	)

	QuotaUsed = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cloudpods_quota_used",
			Help: "Committed resources per tenant and dimension",
		},
		[]string{"tenant", "resource"},
	)

	QuotaLimit = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cloudpods_quota_limit",
			Help: "Resource limits per tenant and dimension",
		},
		[]string{"tenant", "resource"},
	)

	// Backup metrics
	BackupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudpods_backups_total",
			Help: "Total number of backups by type and result",
		},
		[]string{"type", "result"},
	)

	BackupDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cloudpods_backup_duration_seconds",
			Help:    "Backup duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600},
		},
		[]string{"type"},
	)

	RetentionDeleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cloudpods_retention_deleted_total",
			Help: "Total number of backups pruned by retention",
		},
	)

	BackupsScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cloudpods_backups_scheduled_total",
			Help: "Total number of backup jobs enqueued by the scheduler",
		},
	)

	// Reconciler metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cloudpods_reconciliation_duration_seconds",
			Help:    "Quota reconciliation cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cloudpods_reconciliation_cycles_total",
			Help: "Total number of quota reconciliation cycles",
		},
	)

	// Health metrics
	PodsUnhealthy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cloudpods_pods_unhealthy",
			Help: "Number of pods currently marked unhealthy",
		},
	)
)

func init() {
	prometheus.MustRegister(JobsEnqueued)
	prometheus.MustRegister(JobsProcessed)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(QueueJobs)
	prometheus.MustRegister(QuotaDecisions)
	prometheus.MustRegister(QuotaUsed)
	prometheus.MustRegister(QuotaLimit)
	prometheus.MustRegister(BackupsTotal)
	prometheus.MustRegister(BackupDuration)
	prometheus.MustRegister(RetentionDeleted)
	prometheus.MustRegister(BackupsScheduled)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(PodsUnhealthy)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
