package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StatusPollsTotal   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ev_charging", Name: "status_polls_total", Help: "Total vehicle status polls"})
	NotificationsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ev_charging", Name: "low_battery_notifications_total", Help: "Low-battery notifications gated through"})
	NotifyFailures     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ev_charging", Name: "notification_dispatch_failures_total", Help: "Push dispatch failures (non-fatal, logged)"})
	ArrivalsTotal      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ev_charging", Name: "arrivals_total", Help: "Arrival events detected"})
	DepletionsTotal    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ev_charging", Name: "depletions_total", Help: "Runs ended by battery depletion"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ev_charging", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ev_charging",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
