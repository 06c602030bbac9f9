// Package obsmetrics is a minimal Provider holding the Prometheus counters
// and gauge this core's components update, backed directly by
// github.com/prometheus/client_golang and exposed over /metrics via
// promhttp: no histograms, no cardinality tracking, no OTEL-metrics dual
// backend.
package obsmetrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Provider owns a Prometheus registry and the named instruments this
// runtime exposes.
type Provider struct {
	reg *prometheus.Registry

	FramesDecoded    *prometheus.CounterVec
	FramesDropped    *prometheus.CounterVec
	TriggerFirings   prometheus.Counter
	SignedCommands   *prometheus.CounterVec
	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter
	GatewayReconnects prometheus.Counter
	GatewayState     prometheus.Gauge
}

// New constructs a Provider with its own registry and registers every
// instrument this runtime exposes.
func New() *Provider {
	reg := prometheus.NewRegistry()
	p := &Provider{
		reg: reg,
		FramesDecoded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vinbridge", Name: "frames_decoded_total", Help: "Telemetry frames decoded per wire format.",
		}, []string{"format"}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vinbridge", Name: "frames_dropped_total", Help: "Telemetry frames dropped per sink due to back-pressure.",
		}, []string{"sink"}),
		TriggerFirings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vinbridge", Name: "trigger_firings_total", Help: "Trigger notifications emitted.",
		}),
		SignedCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vinbridge", Name: "signed_commands_total", Help: "Signed commands issued, by outcome.",
		}, []string{"outcome"}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vinbridge", Name: "cache_hits_total", Help: "Response cache hits.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vinbridge", Name: "cache_misses_total", Help: "Response cache misses.",
		}),
		GatewayReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vinbridge", Name: "gateway_reconnects_total", Help: "Gateway client reconnect attempts.",
		}),
		GatewayState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vinbridge", Name: "gateway_state", Help: "Current gateway connection state (0=idle..5=backoff).",
		}),
	}
	reg.MustRegister(p.FramesDecoded, p.FramesDropped, p.TriggerFirings, p.SignedCommands,
		p.CacheHits, p.CacheMisses, p.GatewayReconnects, p.GatewayState)
	return p
}

// Handler returns the /metrics HTTP handler.
func (p *Provider) Handler() http.Handler {
	return promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{})
}
