package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskledger",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{"route", "method", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "taskledger",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	TasksStartedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskledger",
			Name:      "tasks_started_total",
			Help:      "Tasks claimed and started by workers.",
		},
		[]string{"type"},
	)

	TasksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskledger",
			Name:      "tasks_completed_total",
			Help:      "Tasks completed successfully.",
		},
		[]string{"type"},
	)

	TasksFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskledger",
			Name:      "tasks_failed_total",
			Help:      "Tasks failed.",
		},
		[]string{"type", "reason"},
	)

	TasksRetriedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskledger",
			Name:      "tasks_retried_total",
			Help:      "Task attempts that were scheduled for retry.",
		},
		[]string{"type"},
	)

	TasksDeadLetteredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskledger",
			Name:      "tasks_dead_lettered_total",
			Help:      "Tasks moved to the dead-letter state.",
		},
		[]string{"type"},
	)

	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "taskledger",
			Name:      "task_duration_seconds",
			Help:      "Task execution duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskledger",
			Name:      "events_published_total",
			Help:      "Task lifecycle events delivered to subscribers.",
		},
		[]string{"type"},
	)

	EventsDedupedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskledger",
			Name:      "events_deduped_total",
			Help:      "Events suppressed by the de-duplication window.",
		},
		[]string{"type"},
	)

	LedgerOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskledger",
			Name:      "ledger_ops_total",
			Help:      "Credit ledger operations by kind and outcome.",
		},
		[]string{"op", "outcome"},
	)

	SettlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskledger",
			Name:      "settlements_total",
			Help:      "Deferred settlement attempts.",
		},
		[]string{"outcome"},
	)
)

func RegisterMetrics() {
	// MustRegister is safe to call once; if tests call multiple times, use Register and ignore errors.
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		TasksStartedTotal,
		TasksCompletedTotal,
		TasksFailedTotal,
		TasksRetriedTotal,
		TasksDeadLetteredTotal,
		TaskDuration,
		EventsPublishedTotal,
		EventsDedupedTotal,
		LedgerOpsTotal,
		SettlementsTotal,
	)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps the recorder usable for streaming responses (SSE).
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// HTTPMetricsMiddleware records basic HTTP request metrics.
func HTTPMetricsMiddleware(routeName func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: 200}
			next.ServeHTTP(rec, r)

			route := routeName(r)
			method := r.Method
			status := strconv.Itoa(rec.status)

			HTTPRequestsTotal.WithLabelValues(route, method, status).Inc()
			HTTPRequestDuration.WithLabelValues(route, method).Observe(time.Since(start).Seconds())
		})
	}
}
