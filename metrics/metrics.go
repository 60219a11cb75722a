// Package metrics exposes storelink's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "storelink"

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	storesConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "stores_connected",
			Help:      "Stores with an active session on this node.",
		},
	)

	observersConnected = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "observers",
			Help:      "Dashboards subscribed to registry snapshots.",
		},
		[]string{"transport"},
	)

	registrations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "registrations_total",
			Help:      "Store registrations by outcome.",
		},
		[]string{"result"},
	)

	statusUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "presence",
			Name:      "status_updates_total",
			Help:      "Store status updates by outcome.",
		},
		[]string{"result"},
	)

	commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "commands_total",
			Help:      "Commands dispatched to stores by command and outcome.",
		},
		[]string{"command", "result"},
	)

	broadcasts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "snapshots_total",
			Help:      "Registry snapshots published to observers.",
		},
	)

	broadcastFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "send_failures_total",
			Help:      "Snapshot deliveries rejected by an observer transport.",
		},
	)

	evictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "evictions_total",
			Help:      "Observers removed after repeated delivery failures.",
		},
	)

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)
)

func init() {
	Registry.MustRegister(
		storesConnected,
		observersConnected,
		registrations,
		statusUpdates,
		commands,
		broadcasts,
		broadcastFailures,
		evictions,
		httpInFlight,
		httpRequests,
		httpDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetStoresConnected records the current registry size.
func SetStoresConnected(n int) {
	storesConnected.Set(float64(n))
}

// ObserverAdded and ObserverRemoved track subscribed dashboards per transport.
func ObserverAdded(transport string) {
	observersConnected.WithLabelValues(transport).Inc()
}

func ObserverRemoved(transport string) {
	observersConnected.WithLabelValues(transport).Dec()
}

// RecordRegistration counts a registration outcome: "new", "superseded",
// "rejected" or "rate_limited".
func RecordRegistration(result string) {
	registrations.WithLabelValues(result).Inc()
}

// RecordStatusUpdate counts a status update outcome: "applied", "stale" or
// "malformed".
func RecordStatusUpdate(result string) {
	statusUpdates.WithLabelValues(result).Inc()
}

// RecordCommand counts a dispatch outcome.
func RecordCommand(command, result string) {
	commands.WithLabelValues(command, result).Inc()
}

// RecordBroadcast counts a published snapshot.
func RecordBroadcast() {
	broadcasts.Inc()
}

// RecordBroadcastFailure counts a rejected delivery, and an eviction when
// the observer was dropped for it.
func RecordBroadcastFailure(evicted bool) {
	broadcastFailures.Inc()
	if evicted {
		evictions.Inc()
	}
}

// RecordHTTPRequest records a finished HTTP request.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RequestStarted increments the in-flight gauge and returns its release.
func RequestStarted() func() {
	httpInFlight.Inc()
	return httpInFlight.Dec
}
