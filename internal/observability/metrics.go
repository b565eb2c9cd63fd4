package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MatchesTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "matches_total", Help: "Total number of rides matched to a driver"})
	MatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ride_dispatch", Name: "match_latency_seconds", Help: "Time from session start to driver acceptance"})

	DriversOnline       = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "drivers_online", Help: "Number of online drivers"})
	DriversBusy         = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "drivers_busy", Help: "Number of reserved drivers"})
	DriversDispatchable = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "drivers_dispatchable", Help: "Number of drivers eligible for a new offer"})
	ActiveSessions      = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "sessions_active", Help: "Number of dispatch sessions not yet terminal"})

	OffersMade       = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offers_made_total", Help: "Total offers opened to drivers"})
	OffersResolved   = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offers_resolved_total", Help: "Offers closed, by final state"}, []string{"state"})
	ReserveConflicts = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "reserve_conflicts_total", Help: "Candidates skipped because they could not be reserved"})
	SessionOutcomes  = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "session_outcomes_total", Help: "Terminal dispatch session outcomes"}, []string{"status"})
	SweepDuration    = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ride_dispatch", Name: "sweep_duration_seconds", Help: "Duration of one offer timeout sweep", Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8)})

	LocationUpdatesDiscarded = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "location_updates_discarded_total", Help: "Location updates older than the stored one"})
	LocationEventsConsumed   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "location_events_consumed_total", Help: "Location events read from the ingestion topic"})
	LocationEventsInvalid    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "location_events_invalid_total", Help: "Location events that could not be applied"})

	NotificationsDropped = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "notifications_dropped_total", Help: "Notifications dropped because the queue was full or delivery failed"}, []string{"kind"})
	PersistDropped       = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "persist_dropped_total", Help: "Ride records dropped because the write-behind queue was full"})
	PersistErrors        = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "persist_errors_total", Help: "Failed write-behind flushes"})

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
