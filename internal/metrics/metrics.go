package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersPlacedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_orders_placed_total",
		Help: "Total number of orders accepted for restaurant confirmation.",
	})

	ConfirmationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_confirmations_total",
		Help: "Restaurant decisions by outcome (confirmed, rejected, timeout).",
	},
		[]string{"outcome"},
	)

	OffersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_offers_total",
		Help: "Courier offers by outcome (created, accepted, declined, expired).",
	},
		[]string{"outcome"},
	)

	DispatchRoundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_rounds_total",
		Help: "Matching rounds by result (offered, unmatched, skipped).",
	},
		[]string{"result"},
	)

	DeliveriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_deliveries_total",
		Help: "Total number of orders moved to the completed partition.",
	})

	LocationSamplesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_location_samples_total",
		Help: "Courier position samples by result (committed, stale, superseded).",
	},
		[]string{"result"},
	)

	TrackingSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dispatch_tracking_sessions",
		Help: "Current number of open courier tracking sessions.",
	})

	OperationErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_operation_errors_total",
		Help: "Errors by operation and error kind.",
	},
		[]string{"operation", "kind"},
	)
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_http_requests_total",
		Help: "HTTP requests by method, route template and status code.",
	},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dispatch_http_request_duration_seconds",
		Help:    "HTTP request latency by method and route template.",
		Buckets: prometheus.DefBuckets,
	},
		[]string{"method", "route"},
	)

	RateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_rate_limited_requests_total",
		Help: "Requests rejected by the rate limiter.",
	})
)
