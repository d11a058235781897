package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "booking_engine"

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status.",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	bookingTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "booking_transitions_total",
			Help:      "Booking status transitions by target status.",
		},
		[]string{"status"},
	)

	slotConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slot_conflicts_total",
			Help:      "Booking attempts rejected with a slot conflict.",
		},
	)

	processorCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_processor_calls_total",
			Help:      "Payment processor calls by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)

	eventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "booking_events_total",
			Help:      "Domain events emitted by type.",
		},
		[]string{"type"},
	)

	sweeperResolved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeper_resolved_total",
			Help:      "Bookings resolved by the reconciliation sweeper by outcome.",
		},
		[]string{"outcome"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			bookingTransitions,
			slotConflicts,
			processorCalls,
			eventsPublished,
			sweeperResolved,
		)
	})
}

// ObserveHTTP records one served request
func ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// IncTransition counts a booking reaching status
func IncTransition(status string) {
	bookingTransitions.WithLabelValues(status).Inc()
}

// IncSlotConflict counts a rejected acquisition
func IncSlotConflict() {
	slotConflicts.Inc()
}

// IncProcessorCall counts a processor call outcome (ok, retry, declined, ambiguous)
func IncProcessorCall(operation, outcome string) {
	processorCalls.WithLabelValues(operation, outcome).Inc()
}

// IncEvent counts an emitted domain event
func IncEvent(eventType string) {
	eventsPublished.WithLabelValues(eventType).Inc()
}

// IncSweeperResolved counts a sweeper outcome (confirmed, failed, expired)
func IncSweeperResolved(outcome string) {
	sweeperResolved.WithLabelValues(outcome).Inc()
}
