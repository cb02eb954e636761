// Package metrics exposes Prometheus counters for the client core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "familytree_client"

var (
	// HTTPRequestsTotal counts completed HTTP exchanges by method and
	// status class ("2xx", "4xx", "error", ...).
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests issued by the transport.",
		},
		[]string{"method", "status"},
	)

	// HTTPRetriesTotal counts requests re-issued after a token refresh.
	HTTPRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_auth_retries_total",
			Help:      "Requests retried once after a 401 and a successful refresh.",
		},
	)

	// RefreshTotal counts refresh network calls by result.
	RefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refresh_total",
			Help:      "Token refresh calls by result.",
		},
		[]string{"result"},
	)

	// RealtimeConnectsTotal counts dial attempts by result.
	RealtimeConnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_connects_total",
			Help:      "Realtime channel dial attempts by result.",
		},
		[]string{"result"},
	)

	// RealtimeEventsTotal counts decoded push events by type.
	RealtimeEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_events_total",
			Help:      "Push events received by event name.",
		},
		[]string{"event"},
	)

	// NotificationRollbacksTotal counts optimistic mutations reverted
	// after a server failure.
	NotificationRollbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_rollbacks_total",
			Help:      "Optimistic notification mutations rolled back.",
		},
		[]string{"op"},
	)
)

// StatusClass buckets an HTTP status code for labels.
func StatusClass(code int) string {
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
		return "error"
	}
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
