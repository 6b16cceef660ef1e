// Package metrics holds the Prometheus collectors for the streaming pipeline.
//
// Every component accepts a possibly-nil pointer to its metrics struct; all
// methods are nil-safe so tests can run without a registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "edgewatch"

// Registry owns a Prometheus registry and the collectors of every component.
type Registry struct {
	reg *prometheus.Registry

	Session  *SessionMetrics
	Stream   *StreamMetrics
	Batcher  *BatcherMetrics
	Analysis *AnalysisMetrics
	Archive  *ArchiveMetrics
}

// NewRegistry creates a registry with Go runtime and process collectors plus
// all component collectors registered.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	r := &Registry{
		reg:      reg,
		Session:  newSessionMetrics(),
		Stream:   newStreamMetrics(),
		Batcher:  newBatcherMetrics(),
		Analysis: newAnalysisMetrics(),
		Archive:  newArchiveMetrics(),
	}
	reg.MustRegister(r.Session.collectors()...)
	reg.MustRegister(r.Stream.collectors()...)
	reg.MustRegister(r.Batcher.collectors()...)
	reg.MustRegister(r.Analysis.collectors()...)
	reg.MustRegister(r.Archive.collectors()...)
	return r
}

// Gatherer exposes the underlying registry for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Handler serves the registry in the Prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// SessionMetrics tracks control-API session creation.
type SessionMetrics struct {
	attempts  *prometheus.CounterVec
	created   prometheus.Counter
	conflicts prometheus.Counter
}

func newSessionMetrics() *SessionMetrics {
	return &SessionMetrics{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "create_attempts_total",
			Help:      "Session creation attempts by outcome",
		}, []string{"outcome"}),
		created: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "created_total",
			Help:      "Streaming sessions successfully created",
		}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "conflicts_total",
			Help:      "Creation attempts rejected because a session was already active",
		}),
	}
}

func (m *SessionMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.attempts, m.created, m.conflicts}
}

// Attempt records one creation attempt with its outcome label.
func (m *SessionMetrics) Attempt(outcome string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(outcome).Inc()
	switch outcome {
	case "success":
		m.created.Inc()
	case "conflict":
		m.conflicts.Inc()
	}
}

// StreamMetrics tracks the stream connection.
type StreamMetrics struct {
	connections  *prometheus.CounterVec
	active       prometheus.Gauge
	frames       prometheus.Counter
	records      prometheus.Counter
	parseErrors  prometheus.Counter
	archiveFails prometheus.Counter
}

func newStreamMetrics() *StreamMetrics {
	return &StreamMetrics{
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "connections_total",
			Help:      "Stream connections by exit reason",
		}, []string{"reason"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "connection_active",
			Help:      "1 while a stream connection is open",
		}),
		frames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "frames_received_total",
			Help:      "Frames received from the stream",
		}),
		records: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "records_received_total",
			Help:      "Records parsed from received frames",
		}),
		parseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "parse_errors_total",
			Help:      "Lines that could not be parsed as records",
		}),
		archiveFails: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "archive_errors_total",
			Help:      "Raw record archive writes that failed",
		}),
	}
}

func (m *StreamMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.connections, m.active, m.frames, m.records, m.parseErrors, m.archiveFails}
}

// Connected marks a connection as open.
func (m *StreamMetrics) Connected() {
	if m == nil {
		return
	}
	m.active.Set(1)
}

// Closed marks the connection closed with the given exit reason.
func (m *StreamMetrics) Closed(reason string) {
	if m == nil {
		return
	}
	m.active.Set(0)
	m.connections.WithLabelValues(reason).Inc()
}

// Frame counts one received frame.
func (m *StreamMetrics) Frame() {
	if m == nil {
		return
	}
	m.frames.Inc()
}

// Record counts one parsed record.
func (m *StreamMetrics) Record() {
	if m == nil {
		return
	}
	m.records.Inc()
}

// ParseError counts one malformed line.
func (m *StreamMetrics) ParseError() {
	if m == nil {
		return
	}
	m.parseErrors.Inc()
}

// ArchiveError counts one failed archive write.
func (m *StreamMetrics) ArchiveError() {
	if m == nil {
		return
	}
	m.archiveFails.Inc()
}

// BatcherMetrics tracks batch accumulation and flushes.
type BatcherMetrics struct {
	buffered  prometheus.Gauge
	flushes   *prometheus.CounterVec
	batchSize prometheus.Histogram
	inflight  prometheus.Gauge
}

func newBatcherMetrics() *BatcherMetrics {
	return &BatcherMetrics{
		buffered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "batcher",
			Name:      "buffered_records",
			Help:      "Records waiting in the open batch",
		}),
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batcher",
			Name:      "flushes_total",
			Help:      "Batches flushed by trigger",
		}, []string{"trigger"}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "batcher",
			Name:      "batch_records",
			Help:      "Records per flushed batch",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "batcher",
			Name:      "dispatches_inflight",
			Help:      "Batches currently being dispatched for analysis",
		}),
	}
}

func (m *BatcherMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.buffered, m.flushes, m.batchSize, m.inflight}
}

// Buffered sets the current open-batch length.
func (m *BatcherMetrics) Buffered(n int) {
	if m == nil {
		return
	}
	m.buffered.Set(float64(n))
}

// Flushed records a flush of n records by trigger.
func (m *BatcherMetrics) Flushed(trigger string, n int) {
	if m == nil {
		return
	}
	m.flushes.WithLabelValues(trigger).Inc()
	m.batchSize.Observe(float64(n))
}

// Inflight adjusts the in-flight dispatch gauge by delta.
func (m *BatcherMetrics) Inflight(delta int) {
	if m == nil {
		return
	}
	m.inflight.Add(float64(delta))
}

// AnalysisMetrics tracks analyzer calls and findings.
type AnalysisMetrics struct {
	calls    *prometheus.CounterVec
	duration prometheus.Histogram
	findings *prometheus.CounterVec
}

func newAnalysisMetrics() *AnalysisMetrics {
	return &AnalysisMetrics{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "analysis",
			Name:      "calls_total",
			Help:      "Analyzer calls by outcome",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "analysis",
			Name:      "call_duration_seconds",
			Help:      "Analyzer call latency",
			Buckets:   prometheus.DefBuckets,
		}),
		findings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "analysis",
			Name:      "findings_total",
			Help:      "Findings reported by entity type",
		}, []string{"entity_type"}),
	}
}

func (m *AnalysisMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.calls, m.duration, m.findings}
}

// Call records one analyzer call.
func (m *AnalysisMetrics) Call(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(outcome).Inc()
	m.duration.Observe(seconds)
}

// Finding counts one reported finding.
func (m *AnalysisMetrics) Finding(entityType string) {
	if m == nil {
		return
	}
	m.findings.WithLabelValues(entityType).Inc()
}

// ArchiveMetrics tracks the raw record archive queue.
type ArchiveMetrics struct {
	written prometheus.Counter
	dropped prometheus.Counter
	failed  prometheus.Counter
	queued  prometheus.Gauge
}

func newArchiveMetrics() *ArchiveMetrics {
	return &ArchiveMetrics{
		written: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "records_written_total",
			Help:      "Records written to the archive",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "records_dropped_total",
			Help:      "Records discarded because the archive queue was full",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "write_errors_total",
			Help:      "Archive writes that returned an error",
		}),
		queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "queued_records",
			Help:      "Records waiting to be written",
		}),
	}
}

func (m *ArchiveMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.written, m.dropped, m.failed, m.queued}
}

// Written counts one successful archive write.
func (m *ArchiveMetrics) Written() {
	if m == nil {
		return
	}
	m.written.Inc()
}

// Dropped counts one discarded record.
func (m *ArchiveMetrics) Dropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

// Failed counts one failed archive write.
func (m *ArchiveMetrics) Failed() {
	if m == nil {
		return
	}
	m.failed.Inc()
}

// Queued sets the archive queue depth.
func (m *ArchiveMetrics) Queued(n int) {
	if m == nil {
		return
	}
	m.queued.Set(float64(n))
}
