// Package metrics exposes Prometheus collectors for the security layer.
// Every method is safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cafeguard"

// Metrics holds the collectors, registered on their own registry.
type Metrics struct {
	registry *prometheus.Registry

	rateLimitRejections *prometheus.CounterVec
	rateLimitWindows    prometheus.Gauge
	blockedClients      prometheus.Gauge
	csrfIssued          prometheus.Counter
	apiKeyValidations   *prometheus.CounterVec
	auditEntries        *prometheus.CounterVec
	auditStoreSize      prometheus.Gauge
	auditSinkDropped    prometheus.Counter
	authzRejections     *prometheus.CounterVec
	httpRequests        *prometheus.CounterVec
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		rateLimitRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "rejections_total",
			Help:      "Requests rejected by the rate limiter, by reason.",
		}, []string{"reason"}),
		rateLimitWindows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "windows",
			Help:      "Tracked (client, endpoint) sliding windows.",
		}),
		blockedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "blocked_clients",
			Help:      "Clients with a block state.",
		}),
		csrfIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "csrf",
			Name:      "tokens_issued_total",
			Help:      "CSRF tokens issued.",
		}),
		apiKeyValidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "apikey",
			Name:      "validations_total",
			Help:      "API key validations, by result.",
		}, []string{"result"}),
		auditEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "entries_total",
			Help:      "Audit entries written, by category.",
		}, []string{"category"}),
		auditStoreSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "store_size",
			Help:      "Entries currently held by the audit store.",
		}),
		auditSinkDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "sink_dropped_total",
			Help:      "Audit entries dropped because the sink queue was full.",
		}),
		authzRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "authz",
			Name:      "rejections_total",
			Help:      "Authorization rejections, by error kind.",
		}, []string{"kind"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests served, by method and status.",
		}, []string{"method", "status"}),
	}

	m.registry.MustRegister(
		m.rateLimitRejections,
		m.rateLimitWindows,
		m.blockedClients,
		m.csrfIssued,
		m.apiKeyValidations,
		m.auditEntries,
		m.auditStoreSize,
		m.auditSinkDropped,
		m.authzRejections,
		m.httpRequests,
	)
	return m
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RateLimitRejected(reason string) {
	if m == nil {
		return
	}
	m.rateLimitRejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetRateLimitState(windows, blocked int) {
	if m == nil {
		return
	}
	m.rateLimitWindows.Set(float64(windows))
	m.blockedClients.Set(float64(blocked))
}

func (m *Metrics) CSRFIssued() {
	if m == nil {
		return
	}
	m.csrfIssued.Inc()
}

func (m *Metrics) APIKeyValidated(valid bool) {
	if m == nil {
		return
	}
	result := "invalid"
	if valid {
		result = "valid"
	}
	m.apiKeyValidations.WithLabelValues(result).Inc()
}

func (m *Metrics) AuditWritten(category string, storeSize int) {
	if m == nil {
		return
	}
	m.auditEntries.WithLabelValues(category).Inc()
	m.auditStoreSize.Set(float64(storeSize))
}

func (m *Metrics) AuditSinkDropped() {
	if m == nil {
		return
	}
	m.auditSinkDropped.Inc()
}

func (m *Metrics) AuthzRejected(kind string) {
	if m == nil {
		return
	}
	m.authzRejections.WithLabelValues(kind).Inc()
}

func (m *Metrics) HTTPRequest(method string, status int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
}
