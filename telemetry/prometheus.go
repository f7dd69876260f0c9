package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusExporter exposes fabric-level snapshot metrics (registry
// counters, bus queue depths) as pull-based Prometheus gauges, alongside the
// push-based OTLP pipeline OTelProvider already drives. Scrape targets that
// prefer polling over an OTLP collector register their metrics here instead.
//
// Each exporter owns its own prometheus.Registry rather than the global
// default registerer, so more than one fabric instance can run in the same
// process without name collisions.
type PrometheusExporter struct {
	registry *prometheus.Registry
}

// NewPrometheusExporter builds an exporter with a fresh, process-local
// registry.
func NewPrometheusExporter() *PrometheusExporter {
	return &PrometheusExporter{registry: prometheus.NewRegistry()}
}

// RegisterGaugeFunc exposes a single named gauge computed by fn at scrape
// time. This suits snapshot-style sources — registry.Registry.Metrics(),
// bus.BusManager.GetStats() — that report a point-in-time value rather than
// one this exporter could Set/Add on every state change.
func (e *PrometheusExporter) RegisterGaugeFunc(name, help string, labels prometheus.Labels, fn func() float64) error {
	gauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        name,
		Help:        help,
		ConstLabels: labels,
	}, fn)
	return e.registry.Register(gauge)
}

// Handler returns an http.Handler serving this exporter's registry in the
// standard Prometheus exposition format.
func (e *PrometheusExporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}
