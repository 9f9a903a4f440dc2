package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/example/home-services-matching/internal/apperr"
)

const namespace = "home_services"

var (
	MatchRuns       = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "match_runs_total", Help: "Matching runs by outcome"}, []string{"kind", "outcome"})
	MatchLatency    = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "match_latency_seconds", Help: "Match latency seconds"})
	MatchCandidates = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "match_candidates",
		Help:      "Eligible providers found per matching run",
		Buckets:   []float64{0, 1, 2, 5, 10, 20, 50, 100},
	})
	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "assignment_transitions_total", Help: "Assignment actions by outcome"},
		[]string{"action", "outcome"},
	)
	StaleRematches = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "stale_rematches_total", Help: "Requests rematched after their response window lapsed"})

	NotificationsQueued    = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "notifications_queued_total", Help: "Notifications accepted by the dispatcher"})
	NotificationsDropped   = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "notifications_dropped_total", Help: "Notifications dropped before delivery"}, []string{"reason"})
	NotificationsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "notifications_delivered_total", Help: "Notifications delivered per sink"}, []string{"sink"})
	NotificationsFailed    = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "notifications_failed_total", Help: "Notifications that exhausted retries per sink"}, []string{"sink"})
	WSSessions             = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "ws_sessions", Help: "Open websocket sessions"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// ObserveTransition records an assignment action as "ok" or by error kind.
func ObserveTransition(action string, err error) {
	Transitions.WithLabelValues(action, apperr.KindName(err)).Inc()
}
