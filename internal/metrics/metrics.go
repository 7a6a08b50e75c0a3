package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the server
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	PathRewrites    prometheus.Counter
	NotFound        prometheus.Counter
	PageViews       *prometheus.CounterVec
	ReloadClients   prometheus.Gauge
}

// New creates a metrics collector backed by its own registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "funnel_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "funnel_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"method", "route"},
		),
		PathRewrites: factory.NewCounter(prometheus.CounterOpts{
			Name: "funnel_path_rewrites_total",
			Help: "Requests whose percent-encoded path was rewritten to an existing file",
		}),
		NotFound: factory.NewCounter(prometheus.CounterOpts{
			Name: "funnel_not_found_total",
			Help: "Requests answered with the 404 page",
		}),
		PageViews: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "funnel_page_views_total",
				Help: "Funnel page views by route",
			},
			[]string{"route"},
		),
		ReloadClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "funnel_livereload_clients",
			Help: "Connected live-reload websocket clients",
		}),
	}
}

// RecordHTTPRequest records a completed request
func (m *Metrics) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Handler exposes the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
