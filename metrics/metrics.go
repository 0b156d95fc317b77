// Package metrics exposes the provisioning service's Prometheus metrics.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service collectors. All methods are safe on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	sessionsActive   prometheus.Gauge
	messagesTotal    *prometheus.CounterVec
	workflowOutcomes *prometheus.CounterVec
	adminRequests    *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors under namespace.
func NewMetrics(namespace string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Device connections with an open provisioning session.",
		}),
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_messages_total",
			Help:      "Device messages processed, by method.",
		}, []string{"method"}),
		workflowOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_outcomes_total",
			Help:      "Terminal workflow responses, by workflow kind and status.",
		}, []string{"kind", "status"}),
		adminRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admin_requests_total",
			Help:      "Admin API requests, by resource and response code.",
		}, []string{"resource", "code"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sessionsActive,
		m.messagesTotal,
		m.workflowOutcomes,
		m.adminRequests,
	)
	return m
}

// SessionOpened increments the active session gauge.
func (m *Metrics) SessionOpened() {
	if m != nil {
		m.sessionsActive.Inc()
	}
}

// SessionClosed decrements the active session gauge.
func (m *Metrics) SessionClosed() {
	if m != nil {
		m.sessionsActive.Dec()
	}
}

// MessageReceived counts one device message.
func (m *Metrics) MessageReceived(method string) {
	if m != nil {
		m.messagesTotal.WithLabelValues(method).Inc()
	}
}

// WorkflowFinished counts one terminal workflow response.
func (m *Metrics) WorkflowFinished(kind, status string) {
	if m != nil {
		m.workflowOutcomes.WithLabelValues(kind, status).Inc()
	}
}

// AdminRequest counts one admin API request.
func (m *Metrics) AdminRequest(resource string, code int) {
	if m != nil {
		m.adminRequests.WithLabelValues(resource, http.StatusText(code)).Inc()
	}
}

// Gatherer returns the registry backing the collectors.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// MetricsServer serves the collectors in the Prometheus text format.
type MetricsServer struct {
	metrics *Metrics
	srv     *http.Server
}

// New creates a metrics server for namespace listening on addr.
func New(namespace, addr string) (*MetricsServer, error) {
	m := NewMetrics(namespace)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	return &MetricsServer{
		metrics: m,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

// Metrics returns the collectors served by the server.
func (s *MetricsServer) Metrics() *Metrics {
	return s.metrics
}

func (s *MetricsServer) ListenAndServe() error {
	return s.srv.ListenAndServe()
}

func (s *MetricsServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
