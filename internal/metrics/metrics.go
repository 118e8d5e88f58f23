// Package metrics exposes EpochFlow's Prometheus metrics.
//
// Every collector lives on a dedicated registry (not the global default) so
// several brokers can run in one process, which tests do all the time.
//
// # Metric families
//
//	epochflow_records_processed_total       partition, value_type, intent
//	epochflow_records_written_total         partition, record_type, value_type
//	epochflow_rejections_total              partition, value_type, rejection_type
//	epochflow_processing_duration_seconds   partition
//	epochflow_replay_duration_seconds       partition
//	epochflow_replayed_events_total         partition
//	epochflow_partition_phase               partition
//	epochflow_timer_runs_total              partition, timer
//	epochflow_exported_records_total        exporter, partition
//	epochflow_http_requests_total           method, route, status
//	epochflow_http_request_duration_seconds method, route
//
// A nil *Collector is valid and records nothing, so components can take one
// as an optional dependency.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "epochflow"

// Collector holds all EpochFlow collectors and their registry.
type Collector struct {
	registry *prometheus.Registry

	recordsProcessed *prometheus.CounterVec
	recordsWritten   *prometheus.CounterVec
	rejections       *prometheus.CounterVec
	processing       *prometheus.HistogramVec
	replayDuration   *prometheus.GaugeVec
	replayedEvents   *prometheus.CounterVec
	phase            *prometheus.GaugeVec
	timerRuns        *prometheus.CounterVec
	exported         *prometheus.CounterVec
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

// NewCollector creates and registers all collectors on a fresh registry,
// together with the Go runtime and process collectors.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		recordsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_processed_total",
			Help:      "Commands processed by the stream processor",
		}, []string{"partition", "value_type", "intent"}),
		recordsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_written_total",
			Help:      "Follow-up records appended by the stream processor",
		}, []string{"partition", "record_type", "value_type"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejections_total",
			Help:      "Commands rejected, by rejection type",
		}, []string{"partition", "value_type", "rejection_type"}),
		processing: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "processing_duration_seconds",
			Help:      "Time to process one command including commit",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"partition"}),
		replayDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "replay_duration_seconds",
			Help:      "Duration of the last replay",
		}, []string{"partition"}),
		replayedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replayed_events_total",
			Help:      "Events re-applied during replay",
		}, []string{"partition"}),
		phase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "partition_phase",
			Help:      "Stream processor phase (0=replay, 1=processing, 2=failed, 3=closed)",
		}, []string{"partition"}),
		timerRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timer_runs_total",
			Help:      "Recurring checker runs",
		}, []string{"partition", "timer"}),
		exported: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exported_records_total",
			Help:      "Records handed to exporters",
		}, []string{"exporter", "partition"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status code",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	c.registry.MustRegister(
		c.recordsProcessed,
		c.recordsWritten,
		c.rejections,
		c.processing,
		c.replayDuration,
		c.replayedEvents,
		c.phase,
		c.timerRuns,
		c.exported,
		c.httpRequests,
		c.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the registry holding all collectors.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler renders the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func pid(partition int32) string { return strconv.Itoa(int(partition)) }

// RecordProcessed counts one processed command and its latency.
func (c *Collector) RecordProcessed(partition int32, valueType, intent string, d time.Duration) {
	if c == nil {
		return
	}
	c.recordsProcessed.WithLabelValues(pid(partition), valueType, intent).Inc()
	c.processing.WithLabelValues(pid(partition)).Observe(d.Seconds())
}

// RecordWritten counts one appended follow-up record.
func (c *Collector) RecordWritten(partition int32, recordType, valueType string) {
	if c == nil {
		return
	}
	c.recordsWritten.WithLabelValues(pid(partition), recordType, valueType).Inc()
}

// RecordRejection counts one rejected command.
func (c *Collector) RecordRejection(partition int32, valueType, rejectionType string) {
	if c == nil {
		return
	}
	c.rejections.WithLabelValues(pid(partition), valueType, rejectionType).Inc()
}

// RecordReplay records the outcome of a replay.
func (c *Collector) RecordReplay(partition int32, events int, d time.Duration) {
	if c == nil {
		return
	}
	c.replayDuration.WithLabelValues(pid(partition)).Set(d.Seconds())
	c.replayedEvents.WithLabelValues(pid(partition)).Add(float64(events))
}

// SetPhase publishes the current phase of a partition.
func (c *Collector) SetPhase(partition int32, phase int) {
	if c == nil {
		return
	}
	c.phase.WithLabelValues(pid(partition)).Set(float64(phase))
}

// RecordTimerRun counts one run of a recurring checker.
func (c *Collector) RecordTimerRun(partition int32, timer string) {
	if c == nil {
		return
	}
	c.timerRuns.WithLabelValues(pid(partition), timer).Inc()
}

// RecordExported counts records handed to an exporter.
func (c *Collector) RecordExported(exporter string, partition int32, n int) {
	if c == nil {
		return
	}
	c.exported.WithLabelValues(exporter, pid(partition)).Add(float64(n))
}

// RecordHTTP counts one HTTP request.
func (c *Collector) RecordHTTP(method, route string, status int, d time.Duration) {
	if c == nil {
		return
	}
	c.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
