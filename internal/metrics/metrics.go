// Package metrics provides Prometheus instrumentation for the drift
// coordinator: session and search gauges, match counters labeled by tier,
// and message throughput.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ActiveSessions tracks the number of sessions currently in a room.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "drift_active_sessions",
		Help: "Current number of active chat sessions",
	})

	// SearchesStarted counts startSearching calls.
	SearchesStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "drift_searches_started_total",
		Help: "Total number of partner searches started",
	})

	// MatchesFound counts produced room assignments, labeled by the tier
	// that produced them ("interest+gender", "interest", "gender", "any")
	// or "invitation" for the callee side.
	MatchesFound = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "drift_matches_found_total",
		Help: "Total number of matches found",
	}, []string{"tier"})

	// MessagesTotal counts messages, labeled "sent" or "blocked".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "drift_messages_total",
		Help: "Total number of messages processed",
	}, []string{"type"})

	// ReportsFiled counts abuse reports.
	ReportsFiled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "drift_reports_filed_total",
		Help: "Total number of abuse reports filed",
	})

	// MatchDuration records the time from search start to room assignment.
	MatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "drift_match_duration_seconds",
		Help:    "Time from search start to room assignment",
		Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60, 120},
	})
)

func init() {
	prometheus.MustRegister(
		ActiveSessions,
		SearchesStarted,
		MatchesFound,
		MessagesTotal,
		ReportsFiled,
		MatchDuration,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
