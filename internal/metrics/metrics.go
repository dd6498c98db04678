// Package metrics holds the Prometheus collectors exposed at /metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "datareceiver"

// Registry owns a private Prometheus registry and the service's collectors.
type Registry struct {
	reg *prometheus.Registry

	requests       *prometheus.CounterVec
	duration       *prometheus.HistogramVec
	recordsWritten prometheus.Counter
	writeErrors    *prometheus.CounterVec
	openStores     prometheus.Gauge
}

// New registers the service collectors plus Go runtime and process metrics.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		recordsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_written_total",
			Help:      "Documents successfully stored.",
		}),
		writeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "write_errors_total",
			Help:      "Rejected or failed writes by kind.",
		}, []string{"kind"}),
		openStores: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_stores",
			Help:      "Store files currently held open by the handle pool.",
		}),
	}

	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.requests,
		r.duration,
		r.recordsWritten,
		r.writeErrors,
		r.openStores,
	)
	return r
}

// Handler serves the text exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Gatherer exposes the underlying registry for tests and embedding.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// ObserveRequest records one finished HTTP request.
func (r *Registry) ObserveRequest(method, route string, code int, elapsed time.Duration) {
	r.requests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	r.duration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// RecordWritten counts a stored document.
func (r *Registry) RecordWritten() {
	r.recordsWritten.Inc()
}

// WriteFailed counts a failed write of the given kind.
func (r *Registry) WriteFailed(kind string) {
	r.writeErrors.WithLabelValues(kind).Inc()
}

// SetOpenStores reports the pool size; it matches store.PoolConfig.OnCount.
func (r *Registry) SetOpenStores(n int) {
	r.openStores.Set(float64(n))
}
