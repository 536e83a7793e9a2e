// Package metrics exposes the control server's Prometheus metrics on a
// dedicated HTTP listener.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors updated by the management server.
type Metrics struct {
	InflightRequests      prometheus.Gauge
	RequestsTotal         *prometheus.CounterVec
	RejectedRequests      prometheus.Counter
	ControllersRegistered prometheus.Gauge
	LoopEventsDispatched  prometheus.Counter
	LoopEventsDropped     prometheus.Counter
	ShuttingDown          prometheus.Gauge
	BoundListeners        *prometheus.GaugeVec
}

// NewMetrics registers the server collectors with reg.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		InflightRequests: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inflight_requests",
			Help:      "Requests currently being served",
		}),
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Completed requests by status code",
		}, []string{"code"}),
		RejectedRequests: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_requests_total",
			Help:      "Requests refused because the server was shutting down",
		}),
		ControllersRegistered: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "controllers_registered",
			Help:      "Controllers attached to the server",
		}),
		LoopEventsDispatched: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loop_events_dispatched_total",
			Help:      "Callbacks run by the event loop",
		}),
		LoopEventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loop_events_dropped_total",
			Help:      "Queued callbacks discarded by a forced loop exit",
		}),
		ShuttingDown: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "shutting_down",
			Help:      "1 once a graceful shutdown has been requested",
		}),
		BoundListeners: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bound_listeners",
			Help:      "Listeners with an open socket by address family",
		}, []string{"family"}),
	}
}

type MetricsServer struct {
	*Metrics

	registry *prometheus.Registry
	srv      *http.Server
}

// New creates a metrics server with its own registry. The server is only
// bound by ListenAndServe, so an empty addr is valid for a server that is
// never started.
func New(namespace, addr string) (*MetricsServer, error) {
	registry := prometheus.NewRegistry()
	if err := registry.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}
	if err := registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, err
	}

	return NewWithRegistry(namespace, addr, registry)
}

// NewWithRegistry is New with a caller supplied registry. It fails when the
// registry already holds collectors with the same names.
func NewWithRegistry(namespace, addr string, registry *prometheus.Registry) (m *MetricsServer, err error) {
	// promauto reports registration conflicts by panicking.
	defer func() {
		if r := recover(); r != nil {
			m, err = nil, fmt.Errorf("could not register metrics: %v", r)
		}
	}()

	m = &MetricsServer{
		Metrics:  NewMetrics(namespace, registry),
		registry: registry,
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	m.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return m, nil
}

func (m *MetricsServer) Registry() *prometheus.Registry {
	return m.registry
}

func (m *MetricsServer) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *MetricsServer) ListenAndServe() error {
	if m.srv.Addr == "" {
		return errors.New("metrics server has no listen address")
	}
	return m.srv.ListenAndServe()
}

func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
