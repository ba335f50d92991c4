package pipeline

import "github.com/prometheus/client_golang/prometheus"

// Metrics wires EventPipeline's counters to real Prometheus instruments
// when PipelinePolicy.EnableMetrics is set, registering a fixed set of
// counters/gauges against a *prometheus.Registry.
type Metrics struct {
	Published      prometheus.Counter
	Dropped        prometheus.Counter
	QueueDepth     prometheus.Gauge
	AvgBatchMicros prometheus.Gauge
	HighWater      prometheus.Gauge // 1 when latch is set, 0 otherwise
}

// NewMetrics registers the pipeline's instruments under name (used as a
// label to distinguish multiple pipelines, e.g. "streaming" vs
// "backfill-scratch") against reg. Pass a fresh prometheus.NewRegistry()
// in tests to avoid collisions with the default global registry.
func NewMetrics(reg prometheus.Registerer, name string) *Metrics {
	labels := prometheus.Labels{"pipeline": name}
	m := &Metrics{
		Published: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "marketfeed_pipeline_published_total",
			Help:        "Events accepted by TryPublish/PublishAsync.",
			ConstLabels: labels,
		}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "marketfeed_pipeline_dropped_total",
			Help:        "Events rejected due to backpressure.",
			ConstLabels: labels,
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "marketfeed_pipeline_queue_depth",
			Help:        "Current bounded-channel occupancy.",
			ConstLabels: labels,
		}),
		AvgBatchMicros: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "marketfeed_pipeline_avg_batch_micros",
			Help:        "Amortized microseconds per consumed event.",
			ConstLabels: labels,
		}),
		HighWater: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "marketfeed_pipeline_high_water_latch",
			Help:        "1 while the high-water-mark warning latch is set.",
			ConstLabels: labels,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Published, m.Dropped, m.QueueDepth, m.AvgBatchMicros, m.HighWater)
	}
	return m
}
