package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry encapsulates all metrics and provides a clean interface
// for recording metrics without global state
type Registry struct {
	registry *prometheus.Registry

	// Engine metrics
	resolveTotal      *prometheus.CounterVec
	resolveDuration   *prometheus.HistogramVec
	registrationTotal *prometheus.CounterVec

	// Bus metrics
	publishTotal        *prometheus.CounterVec
	publishDuration     *prometheus.HistogramVec
	subscriptionsActive *prometheus.GaugeVec
	subscribeTotal      *prometheus.CounterVec
	eventsReceived      *prometheus.CounterVec

	// Transport metrics
	connectionsActive *prometheus.GaugeVec
	requestsTotal     *prometheus.CounterVec

	// System health metrics
	systemInfo *prometheus.GaugeVec
	startTime  prometheus.Gauge
}

// NewRegistry creates a new metrics registry with all metrics initialized
func NewRegistry() *Registry {
	registry := prometheus.NewRegistry()

	r := &Registry{
		registry: registry,

		resolveTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_engine_resolve_total",
				Help: "Total number of resolve operations",
			},
			[]string{"operation", "status", "code"}, // status: success, error
		),

		resolveDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_engine_resolve_duration_seconds",
				Help:    "Time spent resolving operations",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"operation"},
		),

		registrationTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_engine_registration_total",
				Help: "Total number of handler registrations",
			},
			[]string{"status"}, // status: success, duplicate, invalid
		),

		publishTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_bus_publish_total",
				Help: "Total number of publish operations",
			},
			[]string{"topic", "status"},
		),

		publishDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_bus_publish_duration_seconds",
				Help:    "Time spent fanning out published events",
				Buckets: []float64{0.00001, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
			},
			[]string{"topic"},
		),

		subscriptionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_bus_subscriptions_active",
				Help: "Current number of live subscription handles",
			},
			[]string{"topic"},
		),

		subscribeTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_bus_subscribe_total",
				Help: "Total number of subscribe operations",
			},
			[]string{"topic", "status"},
		),

		eventsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_bus_events_received_total",
				Help: "Total number of events pulled by subscribers",
			},
			[]string{"topic"},
		),

		connectionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_transport_connections_active",
				Help: "Number of open subscription connections",
			},
			[]string{"protocol"},
		),

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_transport_requests_total",
				Help: "Total number of GraphQL requests",
			},
			[]string{"transport", "operation_type", "status"},
		),

		systemInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_system_info",
				Help: "System information (value is always 1, labels contain info)",
			},
			[]string{"version", "build_time"},
		),

		startTime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_start_time_seconds",
				Help: "Unix timestamp when the application started",
			},
		),
	}

	// add default Go metrics (memory, GC, goroutines, etc.)
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	registry.MustRegister(
		r.resolveTotal,
		r.resolveDuration,
		r.registrationTotal,
		r.publishTotal,
		r.publishDuration,
		r.subscriptionsActive,
		r.subscribeTotal,
		r.eventsReceived,
		r.connectionsActive,
		r.requestsTotal,
		r.systemInfo,
		r.startTime,
	)

	r.startTime.SetToCurrentTime()

	return r
}

// Handler returns an HTTP handler for the Prometheus metrics endpoint
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		Registry:          r.registry,
	})
}

// Gatherer exposes the underlying registry, mostly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

// RecordResolve records an engine resolve operation. code is the error
// extension code, empty on success.
func (r *Registry) RecordResolve(operation string, duration time.Duration, code string, err error) {
	r.resolveTotal.WithLabelValues(operation, status(err), code).Inc()
	r.resolveDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordRegistration records a handler registration attempt.
func (r *Registry) RecordRegistration(outcome string) {
	r.registrationTotal.WithLabelValues(outcome).Inc()
}

// RecordPublish records a bus publish operation
func (r *Registry) RecordPublish(topic string, duration time.Duration, err error) {
	r.publishTotal.WithLabelValues(topic, status(err)).Inc()
	if err == nil {
		r.publishDuration.WithLabelValues(topic).Observe(duration.Seconds())
	}
}

// RecordSubscribe records a bus subscribe operation
func (r *Registry) RecordSubscribe(topic string, err error) {
	r.subscribeTotal.WithLabelValues(topic, status(err)).Inc()
	if err == nil {
		r.subscriptionsActive.WithLabelValues(topic).Inc()
	}
}

// RecordUnsubscribe decrements the live handle gauge for topic.
func (r *Registry) RecordUnsubscribe(topic string) {
	r.subscriptionsActive.WithLabelValues(topic).Dec()
}

// RecordEventReceived counts one event pulled by a subscriber.
func (r *Registry) RecordEventReceived(topic string) {
	r.eventsReceived.WithLabelValues(topic).Inc()
}

// UpdateConnections adjusts the open connection gauge by delta.
func (r *Registry) UpdateConnections(protocol string, delta float64) {
	r.connectionsActive.WithLabelValues(protocol).Add(delta)
}

// RecordRequest records a transport-level GraphQL request.
func (r *Registry) RecordRequest(transport, operationType string, hasErrors bool) {
	s := "success"
	if hasErrors {
		s = "error"
	}
	r.requestsTotal.WithLabelValues(transport, operationType, s).Inc()
}

// SetSystemInfo sets system information metrics
func (r *Registry) SetSystemInfo(version, buildTime string) {
	r.systemInfo.WithLabelValues(version, buildTime).Set(1)
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
