// Package metrics holds the Prometheus instruments a partition exports.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is a private registry plus the partition's instruments. Each
// partition (and each test) gets its own registry.
type Metrics struct {
	Registry *prometheus.Registry

	CommandsReceived prometheus.Counter
	CommandsExecuted prometheus.Counter
	CommandsFailed   prometheus.Counter
	Rejections       *prometheus.CounterVec

	QueueDepth   prometheus.Gauge
	QueueDropped prometheus.Counter

	Overruns      prometheus.Counter
	BatchDuration prometheus.Histogram
	ExecDuration  prometheus.Histogram

	SafeMode           prometheus.Gauge
	SafeEntries        *prometheus.CounterVec
	BreakerTransitions *prometheus.CounterVec
}

// New creates the instruments, labelled with the partition name.
func New(partition string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	labels := prometheus.Labels{"partition": partition}
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		CommandsReceived: f.NewCounter(prometheus.CounterOpts{
			Name:        "safepart_commands_received_total",
			Help:        "Commands taken off the queue by the validator task.",
			ConstLabels: labels,
		}),
		CommandsExecuted: f.NewCounter(prometheus.CounterOpts{
			Name:        "safepart_commands_executed_total",
			Help:        "Commands executed successfully.",
			ConstLabels: labels,
		}),
		CommandsFailed: f.NewCounter(prometheus.CounterOpts{
			Name:        "safepart_commands_failed_total",
			Help:        "Validated commands whose execution failed.",
			ConstLabels: labels,
		}),
		Rejections: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "safepart_commands_rejected_total",
			Help:        "Commands discarded, by reason.",
			ConstLabels: labels,
		}, []string{"reason"}),

		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name:        "safepart_queue_depth",
			Help:        "Commands waiting in the bounded queue.",
			ConstLabels: labels,
		}),
		QueueDropped: f.NewCounter(prometheus.CounterOpts{
			Name:        "safepart_queue_dropped_total",
			Help:        "Commands dropped because the queue was full.",
			ConstLabels: labels,
		}),

		Overruns: f.NewCounter(prometheus.CounterOpts{
			Name:        "safepart_period_overruns_total",
			Help:        "Task periods missed because a batch ran long.",
			ConstLabels: labels,
		}),
		BatchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:        "safepart_batch_duration_seconds",
			Help:        "Time spent processing one batch.",
			Buckets:     prometheus.ExponentialBuckets(0.0001, 4, 8),
			ConstLabels: labels,
		}),
		ExecDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:        "safepart_exec_duration_seconds",
			Help:        "Executor latency per command.",
			Buckets:     prometheus.ExponentialBuckets(0.00005, 4, 8),
			ConstLabels: labels,
		}),

		SafeMode: f.NewGauge(prometheus.GaugeOpts{
			Name:        "safepart_safe_mode",
			Help:        "1 while the partition is in safe mode.",
			ConstLabels: labels,
		}),
		SafeEntries: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "safepart_safe_mode_entries_total",
			Help:        "Safe mode entries, by trigger.",
			ConstLabels: labels,
		}, []string{"trigger"}),
		BreakerTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "safepart_breaker_transitions_total",
			Help:        "Executor circuit breaker state changes.",
			ConstLabels: labels,
		}, []string{"to"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
