package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RidesRequested = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "rides_requested_total", Help: "Total ride requests accepted for dispatch"})
	RidesCancelled = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "rides_cancelled_total", Help: "Total rides cancelled, by actor"},
		[]string{"cancelled_by"},
	)
	OffersSubmitted = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offers_submitted_total", Help: "Total driver offers submitted"})
	OffersAccepted  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offers_accepted_total", Help: "Total offers accepted by riders"})

	LocatorFallbacks = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "locator_fallbacks_total", Help: "Nearby queries answered by the durable-store fallback"})
	DriversTracked   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "drivers_tracked", Help: "Drivers currently reporting positions"})
	StaleEvictions   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "stale_evictions_total", Help: "Drivers force-stopped by the staleness sweep"})

	EventsPushed = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "events_pushed_total", Help: "Realtime events pushed, by type and outcome"},
		[]string{"event", "outcome"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
