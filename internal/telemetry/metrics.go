package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	ReportsCreated   = prometheus.NewCounter(prometheus.CounterOpts{Name: "reports_created_total", Help: "Reports accepted by the API and enqueued"})
	EnqueueFailures  = prometheus.NewCounter(prometheus.CounterOpts{Name: "reports_enqueue_failures_total", Help: "Report creations rolled back because the queue rejected the job"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "reports_rate_limit_rejects_total", Help: "Create requests rejected by the rate limiter"})

	ReportsCompleted = prometheus.NewCounter(prometheus.CounterOpts{Name: "reports_completed_total", Help: "Reports generated successfully"})
	ReportsRetried   = prometheus.NewCounter(prometheus.CounterOpts{Name: "reports_retried_total", Help: "Failed attempts that were rescheduled"})
	ReportsFailed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "reports_failed_total", Help: "Reports that exhausted their retries"})
	JobsDiscarded    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "report_jobs_discarded_total", Help: "Deliveries dropped without an attempt"}, []string{"reason"})
	InfraErrors      = prometheus.NewCounter(prometheus.CounterOpts{Name: "report_worker_infra_errors_total", Help: "Deliveries left for redelivery after store or queue errors"})

	GenerationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "report_generation_duration_seconds",
		Help:    "Duration of one generation attempt.",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"outcome"})

	QueueDepthGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "reports_queue_depth", Help: "Ready queue depth"})
	InFlightGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "reports_inflight", Help: "Report jobs currently leased"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reports_http_request_duration_seconds",
		Help:    "HTTP request latency.",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"method", "path", "status"})
)

// Register adds every collector to the default registry exactly once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			ReportsCreated,
			EnqueueFailures,
			RateLimitRejects,
			ReportsCompleted,
			ReportsRetried,
			ReportsFailed,
			JobsDiscarded,
			InfraErrors,
			GenerationDuration,
			QueueDepthGauge,
			InFlightGauge,
			HTTPRequestDuration,
		)
	})
}

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}
