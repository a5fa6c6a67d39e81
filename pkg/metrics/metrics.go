// Package metrics exposes the orchestration engine's Prometheus collectors:
// dispatcher throughput, analyzer client latency/outcome, breaker state,
// and aggregator finding counts.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the application-specific Prometheus collectors, kept
// private so every emission goes through this package's recorder functions
// rather than ad hoc collector access elsewhere.
var Registry = prometheus.NewRegistry()

var (
	tasksDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orchestrator",
			Subsystem: "dispatcher",
			Name:      "tasks_dispatched_total",
			Help:      "Total number of tasks leased and submitted for execution.",
		},
		[]string{"analysis_type"},
	)

	tasksCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orchestrator",
			Subsystem: "dispatcher",
			Name:      "tasks_completed_total",
			Help:      "Total number of tasks that reached a terminal status.",
		},
		[]string{"analysis_type", "status"},
	)

	taskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "orchestrator",
			Subsystem: "dispatcher",
			Name:      "task_duration_seconds",
			Help:      "Wall-clock duration of a task from dispatch to terminal status.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~34min
		},
		[]string{"analysis_type", "status"},
	)

	analyzerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orchestrator",
			Subsystem: "analyzer",
			Name:      "requests_total",
			Help:      "Total analyze() calls issued to analyzer services, grouped by outcome.",
		},
		[]string{"service", "outcome"},
	)

	analyzerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "orchestrator",
			Subsystem: "analyzer",
			Name:      "request_duration_seconds",
			Help:      "Duration of analyze() calls to analyzer services.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14), // 100ms to ~14min
		},
		[]string{"service"},
	)

	breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "orchestrator",
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Current circuit breaker state per service (0=closed, 1=half_open, 2=open).",
		},
		[]string{"service"},
	)

	findingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orchestrator",
			Subsystem: "aggregator",
			Name:      "findings_total",
			Help:      "Total findings recorded in aggregated results, grouped by severity.",
		},
		[]string{"severity"},
	)
)

func init() {
	Registry.MustRegister(
		tasksDispatched,
		tasksCompleted,
		taskDuration,
		analyzerRequests,
		analyzerDuration,
		breakerState,
		findingsTotal,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus
// metrics, mounted by cmd/orchestratord at /metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordTaskDispatched increments the dispatch counter for analysisType.
func RecordTaskDispatched(analysisType string) {
	tasksDispatched.WithLabelValues(analysisType).Inc()
}

// RecordTaskCompleted records a task's terminal status and total duration.
func RecordTaskCompleted(analysisType, status string, duration time.Duration) {
	tasksCompleted.WithLabelValues(analysisType, status).Inc()
	taskDuration.WithLabelValues(analysisType, status).Observe(duration.Seconds())
}

// RecordAnalyzerRequest records one analyze() call's outcome and duration.
func RecordAnalyzerRequest(service, outcome string, duration time.Duration) {
	analyzerRequests.WithLabelValues(service, outcome).Inc()
	analyzerDuration.WithLabelValues(service).Observe(duration.Seconds())
}

// RecordBreakerState publishes a service's current breaker state as a gauge
// (0=closed, 1=half_open, 2=open) so alerting can key off sustained opens.
func RecordBreakerState(service string, stateValue float64) {
	breakerState.WithLabelValues(service).Set(stateValue)
}

// RecordFindings increments the findings counter by severity for one
// aggregated result.
func RecordFindings(bySeverity map[string]int) {
	for severity, count := range bySeverity {
		if count <= 0 {
			continue
		}
		findingsTotal.WithLabelValues(severity).Add(float64(count))
	}
}
