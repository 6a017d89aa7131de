package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunegate_job_transitions_total",
			Help: "Job status transitions written by the orchestrator",
		},
		[]string{"status"},
	)

	ActiveJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tunegate_active_jobs",
			Help: "Jobs currently held by an orchestrator task in this process",
		},
	)

	JobProgress = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tunegate_job_progress_percent",
			Help: "Last reported tuning progress for jobs being polled",
		},
		[]string{"job_id"},
	)

	PollErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunegate_poll_errors_total",
			Help: "Errors while polling tuning operations",
		},
		[]string{"kind"},
	)

	InferenceRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunegate_inference_requests_total",
			Help: "Inference requests by outcome",
		},
		[]string{"backend", "status"},
	)

	InferenceDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tunegate_inference_duration_seconds",
			Help:    "Time spent in the inference backend",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"backend"},
	)

	UsageIncrements = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tunegate_usage_increments_total",
			Help: "Usage counter increments",
		},
	)

	QuotaRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tunegate_quota_rejections_total",
			Help: "Requests rejected because the daily quota was exceeded",
		},
	)

	QuotaAlerts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunegate_quota_alerts_total",
			Help: "Quota threshold alerts dispatched",
		},
		[]string{"level"},
	)

	ModelCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunegate_model_cache_lookups_total",
			Help: "Model cache lookups by result",
		},
		[]string{"result"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tunegate_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"backend"},
	)
)

func RecordTransition(status string) {
	JobTransitions.WithLabelValues(status).Inc()
}

func SetJobProgress(jobID string, percent float64) {
	JobProgress.WithLabelValues(jobID).Set(percent)
}

// ClearJobProgress drops the series once a job stops being polled.
func ClearJobProgress(jobID string) {
	JobProgress.DeleteLabelValues(jobID)
}

func RecordPollError(kind string) {
	PollErrors.WithLabelValues(kind).Inc()
}

func RecordInference(backend, status string, durationSec float64) {
	InferenceRequests.WithLabelValues(backend, status).Inc()
	InferenceDuration.WithLabelValues(backend).Observe(durationSec)
}

func RecordQuotaAlert(level string) {
	QuotaAlerts.WithLabelValues(level).Inc()
}

func RecordCacheLookup(hit bool) {
	if hit {
		ModelCacheLookups.WithLabelValues("hit").Inc()
		return
	}
	ModelCacheLookups.WithLabelValues("miss").Inc()
}

func SetCircuitBreakerState(backend string, state int) {
	CircuitBreakerState.WithLabelValues(backend).Set(float64(state))
}
