package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics
var (
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_api_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_api_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	APIRateLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_api_rate_limited_total",
			Help: "Total number of requests rejected by the per-client rate limiter",
		},
	)
)

// Form metrics
var (
	FormSubmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_form_submissions_total",
			Help: "Total number of form submissions by kind and result",
		},
		[]string{"kind", "result"}, // accepted, invalid, unconfigured
	)
)

// Delivery metrics
var (
	DeliveryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_delivery_attempts_total",
			Help: "Total number of transport delivery attempts by outcome state",
		},
		[]string{"transport", "state"}, // delivered, transient_failure, permanent_failure
	)

	DeliveryAttemptDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_delivery_attempt_duration_seconds",
			Help:    "Duration of single transport delivery attempts",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15, 30},
		},
		[]string{"transport"},
	)

	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_deliveries_total",
			Help: "Total number of messages by final delivery result",
		},
		[]string{"result"}, // delivered, failed
	)

	DeadLettersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_dead_letters_total",
			Help: "Total number of undeliverable messages recorded, by sink and write result",
		},
		[]string{"sink", "result"},
	)
)

// Relay metrics
var (
	RelayQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_queue_depth",
			Help: "Number of delivery jobs waiting for a worker",
		},
	)

	RelayJobsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_jobs_dropped_total",
			Help: "Total number of jobs refused because the queue was full or stopped",
		},
	)
)
