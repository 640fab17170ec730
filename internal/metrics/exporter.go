package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "replay"

// Exporter mirrors published stats snapshots into Prometheus gauges.
type Exporter struct {
	registry *prometheus.Registry

	bufferSize    prometheus.Gauge
	minBufferSize prometheus.Gauge
	sourceStat    *prometheus.GaugeVec
	playbackStat  *prometheus.GaugeVec
	sinkMessages  *prometheus.CounterVec
}

// NewExporter creates an exporter backed by its own registry.
func NewExporter() *Exporter {
	e := &Exporter{
		registry: prometheus.NewRegistry(),
		bufferSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffer_size",
			Help:      "Records waiting in the playback buffer.",
		}),
		minBufferSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "min_buffer_size",
			Help:      "Buffer low-water mark that triggers a reload.",
		}),
		sourceStat: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "source_stat",
			Help:      "Numeric counters reported by the event source.",
		}, []string{"name"}),
		playbackStat: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "playback_stat",
			Help:      "Numeric counters reported by the playback session.",
		}, []string{"name"}),
		sinkMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_messages_total",
			Help:      "Messages handed to the sink by kind and result.",
		}, []string{"kind", "result"}),
	}
	e.registry.MustRegister(
		e.bufferSize,
		e.minBufferSize,
		e.sourceStat,
		e.playbackStat,
		e.sinkMessages,
	)
	return e
}

// Observe updates gauges from a session stats snapshot. Non-numeric
// values (dates, uptime strings) are skipped.
func (e *Exporter) Observe(stats map[string]interface{}) {
	if v, ok := toFloat(stats["buffer_size"]); ok {
		e.bufferSize.Set(v)
	}
	if v, ok := toFloat(stats["min_buffer_size"]); ok {
		e.minBufferSize.Set(v)
	}
	if src, ok := stats["source"].(map[string]interface{}); ok {
		setNumeric(e.sourceStat, src)
	}
	if pb, ok := stats["playback"].(map[string]interface{}); ok {
		setNumeric(e.playbackStat, pb)
	}
}

// SinkResult counts one message outcome, e.g. ("event", "ok").
func (e *Exporter) SinkResult(kind, result string) {
	e.sinkMessages.WithLabelValues(kind, result).Inc()
}

// Registry exposes the underlying registry for tests and extra collectors.
func (e *Exporter) Registry() *prometheus.Registry { return e.registry }

// Handler serves the registry in the Prometheus text format.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

func setNumeric(vec *prometheus.GaugeVec, values map[string]interface{}) {
	for name, raw := range values {
		if v, ok := toFloat(raw); ok {
			vec.WithLabelValues(name).Set(v)
		}
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
