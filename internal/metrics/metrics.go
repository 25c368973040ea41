// Package metrics exposes Prometheus collectors for the controller and worker processes.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	resultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "followers_results_total",
			Help: "Total number of crawl results recorded by the controller, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	followersDiscoveredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "followers_discovered_total",
			Help: "Total number of follower ids carried by successful results.",
		},
	)

	sessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "followers_sessions_active",
			Help: "Number of live worker sessions attached to the controller.",
		},
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "followers_queue_depth",
			Help: "Number of identifiers waiting in the durable queue.",
		},
	)

	pendingIDs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "followers_pending_ids",
			Help: "Number of identifiers assigned to workers without a recorded result.",
		},
	)

	assignedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "followers_assigned_ids_total",
			Help: "Total number of identifiers handed to worker sessions.",
		},
	)

	rollbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "followers_rolled_back_ids_total",
			Help: "Total number of identifiers returned to the queue after a worker dropped out.",
		},
	)

	segmentsRotatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "followers_segments_rotated_total",
			Help: "Total number of result log segments closed, labeled by category.",
		},
		[]string{"category"},
	)

	protocolViolationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "followers_protocol_violations_total",
			Help: "Total number of connections dropped for protocol violations, labeled by side.",
		},
		[]string{"side"},
	)

	activeTasks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "followers_active_tasks",
			Help: "Number of crawl tasks currently running in this worker.",
		},
	)

	pageRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "followers_page_requests_total",
			Help: "Total number of follower page requests, labeled by HTTP status code.",
		},
		[]string{"code"},
	)

	pacingDelaySeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "followers_pacing_delay_seconds",
			Help:    "Histogram of time spent waiting for the request pacing limiter.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.2, 0.5, 1, 5},
		},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveResult counts one recorded result and its follower payload.
func ObserveResult(outcome string, followers int) {
	resultsTotal.WithLabelValues(outcome).Inc()
	if followers > 0 {
		followersDiscoveredTotal.Add(float64(followers))
	}
}

// SetSessions reports the number of live sessions.
func SetSessions(n int) {
	sessionsActive.Set(float64(n))
}

// SetQueueDepth reports the durable queue length.
func SetQueueDepth(n int64) {
	queueDepth.Set(float64(n))
}

// SetPending reports the size of the pending set.
func SetPending(n int) {
	pendingIDs.Set(float64(n))
}

// ObserveAssignment counts identifiers handed to a session.
func ObserveAssignment(n int) {
	assignedTotal.Add(float64(n))
}

// ObserveRollback counts identifiers re-enqueued after a session failure.
func ObserveRollback(n int) {
	rollbacksTotal.Add(float64(n))
}

// ObserveSegmentRotated counts a closed result log segment.
func ObserveSegmentRotated(category string) {
	segmentsRotatedTotal.WithLabelValues(category).Inc()
}

// ObserveProtocolViolation counts a connection dropped by the given side
// ("controller" or "worker").
func ObserveProtocolViolation(side string) {
	protocolViolationsTotal.WithLabelValues(side).Inc()
}

// IncActiveTasks increments the active tasks gauge.
func IncActiveTasks() {
	activeTasks.Inc()
}

// DecActiveTasks decrements the active tasks gauge.
func DecActiveTasks() {
	activeTasks.Dec()
}

// ObservePageRequest counts one follower page response by status code.
// Transport failures are reported with code 0.
func ObservePageRequest(code int) {
	pageRequestsTotal.WithLabelValues(strconv.Itoa(code)).Inc()
}

// ObservePacingDelay records how long a task waited on the pacing limiter.
func ObservePacingDelay(duration time.Duration) {
	pacingDelaySeconds.Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
