package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons used as the "reason" label of RecordsDropped.
const (
	DropForeignSource   = "foreign_source"
	DropUnknownProperty = "unknown_property"
	DropCoercion        = "coercion"
	DropPanic           = "panic"
)

// Metrics holds the ingestion pipeline's Prometheus metrics.
type Metrics struct {
	RecordsReceived   prometheus.Counter
	RecordsDecoded    *prometheus.CounterVec
	RecordsDropped    *prometheus.CounterVec
	SinkWrites        *prometheus.CounterVec
	SinkWriteDuration *prometheus.HistogramVec
	QueueDepth        prometheus.Gauge
	PipelineState     prometheus.Gauge
}

// NewMetrics creates and registers all pipeline metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RecordsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "meterlog_records_received_total",
			Help: "Raw records taken off the ingest queue.",
		}),

		RecordsDecoded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meterlog_records_decoded_total",
			Help: "Raw records decoded into typed values.",
		}, []string{"epc"}),

		RecordsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meterlog_records_dropped_total",
			Help: "Raw records dropped before reaching any sink.",
		}, []string{"reason"}),

		SinkWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meterlog_sink_writes_total",
			Help: "Sink write attempts by outcome.",
		}, []string{"sink", "status"}),

		SinkWriteDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "meterlog_sink_write_duration_seconds",
			Help:    "Time spent in a single sink write.",
			Buckets: prometheus.DefBuckets,
		}, []string{"sink"}),

		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meterlog_queue_depth",
			Help: "Raw records waiting in the ingest queue.",
		}),

		PipelineState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meterlog_pipeline_state",
			Help: "Pipeline state (0 initializing, 1 running, 2 draining, 3 stopped).",
		}),
	}
}
