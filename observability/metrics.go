package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Event outcomes recorded by the registration pipeline.
const (
	OutcomeRegistered    = "registered"
	OutcomeIgnored       = "ignored"
	OutcomeMalformed     = "malformed"
	OutcomeInspectFailed = "inspect_failed"
	OutcomeNoAddress     = "no_address"
	OutcomeNoPort        = "no_port"
)

// Metrics holds the Prometheus collectors for the proxy.
type Metrics struct {
	eventsTotal       *prometheus.CounterVec
	routes            prometheus.Gauge
	proxyRequests     *prometheus.CounterVec
	proxyDuration     prometheus.Histogram
	containersCreated *prometheus.CounterVec
	registry          *prometheus.Registry
}

// NewMetrics creates a Metrics instance backed by its own registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "subroute"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Lifecycle events handled by the registration pipeline, by outcome",
		},
		[]string{"outcome"},
	)

	m.routes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "routes",
			Help:      "Number of service names in the routing registry",
		},
	)

	m.proxyRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_requests_total",
			Help:      "Requests handled by the router, by response status",
		},
		[]string{"status"},
	)

	m.proxyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "proxy_request_duration_seconds",
			Help:      "Time spent routing and forwarding a request",
			Buckets: []float64{
				.001, .005, .01, .025, .05,
				.1, .25, .5, 1, 2.5, 5, 10, 30,
			},
		},
	)

	m.containersCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "containers_created_total",
			Help:      "Container creation requests from the management API, by result",
		},
		[]string{"result"},
	)

	m.registry.MustRegister(
		m.eventsTotal,
		m.routes,
		m.proxyRequests,
		m.proxyDuration,
		m.containersCreated,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// RecordEvent counts one pipeline outcome.
func (m *Metrics) RecordEvent(outcome string) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(outcome).Inc()
}

// SetRoutes sets the current routing table size.
func (m *Metrics) SetRoutes(n int) {
	if m == nil {
		return
	}
	m.routes.Set(float64(n))
}

// RecordProxyRequest counts a routed request and its duration.
func (m *Metrics) RecordProxyRequest(status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.proxyRequests.WithLabelValues(strconv.Itoa(status)).Inc()
	m.proxyDuration.Observe(duration.Seconds())
}

// RecordContainerCreate counts a management API create request.
func (m *Metrics) RecordContainerCreate(success bool) {
	if m == nil {
		return
	}
	result := "error"
	if success {
		result = "success"
	}
	m.containersCreated.WithLabelValues(result).Inc()
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
