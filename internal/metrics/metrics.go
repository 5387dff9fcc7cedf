// Package metrics holds the Prometheus collectors shared by topicfeed components.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Advance outcomes.
const (
	OutcomeEmitted   = "emitted"
	OutcomeDuplicate = "duplicate"
	OutcomeRetired   = "retired"
	OutcomeFinished  = "finished"
	OutcomeError     = "error"
	OutcomeMalformed = "malformed"
)

var (
	AdvanceTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "topicfeed_advance_total", Help: "Merge steps by outcome"},
		[]string{"outcome"},
	)
	ResolveDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "topicfeed_resolve_duration_seconds", Help: "Record resolution latency", Buckets: prometheus.DefBuckets},
		[]string{"status"},
	)
	CacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "topicfeed_cache_lookups_total", Help: "Record cache lookups"},
		[]string{"result"},
	)
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "topicfeed_active_sessions", Help: "Traversal sessions held by the server"},
	)
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "HTTP requests"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "Request latency", Buckets: prometheus.DefBuckets},
		[]string{"method", "path"},
	)
)

func init() {
	prometheus.MustRegister(AdvanceTotal, ResolveDuration, CacheLookups, ActiveSessions, HTTPRequestsTotal, HTTPRequestDuration)
}

// StatusLabel buckets an HTTP status code for labeling.
func StatusLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	case code >= 200:
		return "2xx"
	default:
		return "unknown"
	}
}
