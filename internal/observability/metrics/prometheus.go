// Package metrics provides Prometheus metrics export for the task execution
// core: task lifecycle, driver scheduling, split routing, and the shared
// output buffer.
package metrics

import (
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusExporter exports task-execution-core metrics in Prometheus
// format.
type PrometheusExporter struct {
	registry *prometheus.Registry

	// Task lifecycle metrics
	taskLifetime *prometheus.HistogramVec
	tasksTotal   *prometheus.CounterVec
	tasksActive  prometheus.Gauge

	// Driver / split metrics
	driversCreated *prometheus.CounterVec
	driverQuantum  *prometheus.HistogramVec
	driverErrors   *prometheus.CounterVec
	splitsRouted   *prometheus.CounterVec

	// Shared output buffer metrics
	bufferPagesAppended *prometheus.CounterVec
	bufferBytesBuffered *prometheus.GaugeVec
	bufferLongPolls     *prometheus.CounterVec

	// HTTP control-surface metrics
	requestLatency *prometheus.HistogramVec
	requestsTotal  *prometheus.CounterVec

	mu       sync.RWMutex
	handlers map[string]http.Handler
}

// Config configures the Prometheus exporter.
type Config struct {
	// Registry to use (if nil, creates a new one)
	Registry *prometheus.Registry

	// Buckets for latency histograms (in seconds)
	LatencyBuckets []float64
}

// DefaultConfig returns default Prometheus configuration.
func DefaultConfig() Config {
	return Config{
		LatencyBuckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
	}
}

// NewPrometheusExporter creates a new task-execution-core metrics exporter.
func NewPrometheusExporter(cfg Config) *PrometheusExporter {
	if len(cfg.LatencyBuckets) == 0 {
		cfg.LatencyBuckets = DefaultConfig().LatencyBuckets
	}

	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	e := &PrometheusExporter{
		registry: registry,
		handlers: make(map[string]http.Handler),
	}

	// Task lifecycle metrics
	e.taskLifetime = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "taskworker",
			Subsystem: "task",
			Name:      "lifetime_seconds",
			Help:      "Task lifetime from RUNNING to a terminal state, in seconds",
			Buckets:   cfg.LatencyBuckets,
		},
		[]string{"final_state"},
	)

	e.tasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskworker",
			Subsystem: "task",
			Name:      "terminal_total",
			Help:      "Total number of tasks reaching a terminal state",
		},
		[]string{"final_state"},
	)

	e.tasksActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "taskworker",
			Subsystem: "task",
			Name:      "active",
			Help:      "Number of tasks currently registered on this worker",
		},
	)

	// Driver / split metrics
	e.driversCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskworker",
			Subsystem: "driver",
			Name:      "created_total",
			Help:      "Total number of drivers created",
		},
		[]string{"kind"}, // "partitioned" or "unpartitioned"
	)

	e.driverQuantum = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "taskworker",
			Subsystem: "driver",
			Name:      "quantum_seconds",
			Help:      "Wall-clock time spent in a single processFor quantum",
			Buckets:   cfg.LatencyBuckets,
		},
		[]string{"handle"},
	)

	e.driverErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskworker",
			Subsystem: "driver",
			Name:      "failures_total",
			Help:      "Total number of drivers that completed with a failure",
		},
		[]string{"handle"},
	)

	e.splitsRouted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskworker",
			Subsystem: "driver",
			Name:      "splits_routed_total",
			Help:      "Total number of splits routed to drivers",
		},
		[]string{"source_kind"}, // "partitioned" or "unpartitioned"
	)

	// Shared output buffer metrics
	e.bufferPagesAppended = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskworker",
			Subsystem: "buffer",
			Name:      "pages_appended_total",
			Help:      "Total number of pages appended to a task's shared output buffer",
		},
		[]string{"task"},
	)

	e.bufferBytesBuffered = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "taskworker",
			Subsystem: "buffer",
			Name:      "bytes_buffered",
			Help:      "Current bytes retained in a task's shared output buffer",
		},
		[]string{"task"},
	)

	e.bufferLongPolls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskworker",
			Subsystem: "buffer",
			Name:      "long_polls_total",
			Help:      "Total number of getResults long-poll calls by outcome",
		},
		[]string{"outcome"}, // "immediate", "woken", "timed_out"
	)

	// HTTP control-surface metrics
	e.requestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "taskworker",
			Subsystem: "http",
			Name:      "request_latency_seconds",
			Help:      "HTTP control-surface request latency in seconds",
			Buckets:   cfg.LatencyBuckets,
		},
		[]string{"route", "method"},
	)

	e.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskworker",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP control-surface requests",
		},
		[]string{"route", "method", "status"},
	)

	registry.MustRegister(
		e.taskLifetime,
		e.tasksTotal,
		e.tasksActive,
		e.driversCreated,
		e.driverQuantum,
		e.driverErrors,
		e.splitsRouted,
		e.bufferPagesAppended,
		e.bufferBytesBuffered,
		e.bufferLongPolls,
		e.requestLatency,
		e.requestsTotal,
	)

	return e
}

// RecordTaskTerminal records a task reaching a terminal state and its
// lifetime from RUNNING to that state.
func (e *PrometheusExporter) RecordTaskTerminal(finalState string, lifetime time.Duration) {
	e.tasksTotal.WithLabelValues(finalState).Inc()
	e.taskLifetime.WithLabelValues(finalState).Observe(lifetime.Seconds())
}

// SetActiveTasks sets the number of tasks currently registered on this
// worker.
func (e *PrometheusExporter) SetActiveTasks(count int) {
	e.tasksActive.Set(float64(count))
}

// RecordDriverCreated records the creation of a driver for a partitioned or
// unpartitioned source.
func (e *PrometheusExporter) RecordDriverCreated(kind string) {
	e.driversCreated.WithLabelValues(kind).Inc()
}

// RecordDriverQuantum records the wall-clock duration of one processFor call.
func (e *PrometheusExporter) RecordDriverQuantum(handle string, d time.Duration) {
	e.driverQuantum.WithLabelValues(handle).Observe(d.Seconds())
}

// RecordDriverFailure records a driver completing with a failure.
func (e *PrometheusExporter) RecordDriverFailure(handle string) {
	e.driverErrors.WithLabelValues(handle).Inc()
}

// RecordSplitRouted records a split being routed to driver(s) for a given
// source kind.
func (e *PrometheusExporter) RecordSplitRouted(sourceKind string) {
	e.splitsRouted.WithLabelValues(sourceKind).Inc()
}

// RecordBufferPageAppended records a page being appended to a task's shared
// output buffer.
func (e *PrometheusExporter) RecordBufferPageAppended(taskID string) {
	e.bufferPagesAppended.WithLabelValues(taskID).Inc()
}

// SetBufferBytesBuffered sets the current retained byte count for a task's
// shared output buffer.
func (e *PrometheusExporter) SetBufferBytesBuffered(taskID string, bytes int64) {
	e.bufferBytesBuffered.WithLabelValues(taskID).Set(float64(bytes))
}

// RecordBufferLongPoll records the outcome of a getResults long-poll call.
func (e *PrometheusExporter) RecordBufferLongPoll(outcome string) {
	e.bufferLongPolls.WithLabelValues(outcome).Inc()
}

// RecordHTTPRequest records an HTTP control-surface request.
func (e *PrometheusExporter) RecordHTTPRequest(route, method, status string, latency time.Duration) {
	e.requestsTotal.WithLabelValues(route, method, status).Inc()
	e.requestLatency.WithLabelValues(route, method).Observe(latency.Seconds())
}

// GetHandler returns the HTTP handler for Prometheus metrics.
func (e *PrometheusExporter) GetHandler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// Handler returns an HTTP handler for the metrics endpoint.
func (e *PrometheusExporter) Handler() http.Handler {
	return e.GetHandler()
}

// RegisterHandler registers a custom handler for a specific path.
func (e *PrometheusExporter) RegisterHandler(path string, handler http.Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[path] = handler
}

// ServeHTTP implements http.Handler for the metrics endpoint.
func (e *PrometheusExporter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e.GetHandler().ServeHTTP(w, r)
}

// GetRegistry returns the Prometheus registry.
func (e *PrometheusExporter) GetRegistry() *prometheus.Registry {
	return e.registry
}

// Snapshot captures a snapshot of all metrics for debugging.
func (e *PrometheusExporter) Snapshot() map[string]interface{} {
	e.mu.RLock()
	defer e.mu.RUnlock()

	snapshot := make(map[string]interface{})
	snapshot["timestamp"] = time.Now().Unix()
	gatherResult, err := e.registry.Gather()
	if err != nil {
		slog.Error("failed to gather metrics", "error", err)
	}
	snapshot["registry"] = gatherResult

	return snapshot
}

// MetricFamily represents a Prometheus metric family for export.
type MetricFamily struct {
	Name    string   `json:"name"`
	Help    string   `json:"help"`
	Type    string   `json:"type"`
	Metrics []Metric `json:"metrics"`
}

// Metric represents a single metric.
type Metric struct {
	Labels    map[string]string `json:"labels,omitempty"`
	Value     float64           `json:"value,omitempty"`
	Histogram *Histogram        `json:"histogram,omitempty"`
}

// Histogram represents histogram data.
type Histogram struct {
	Sum     float64  `json:"sum"`
	Count   int64    `json:"count"`
	Buckets []Bucket `json:"buckets"`
}

// Bucket represents a histogram bucket.
type Bucket struct {
	UpperBound float64 `json:"upper_bound"`
	Count      int64   `json:"count"`
}

// ExportText exports metrics in Prometheus text format.
func (e *PrometheusExporter) ExportText() (string, error) {
	var sb strings.Builder

	metrics, err := e.registry.Gather()
	if err != nil {
		return "", err
	}

	for _, mf := range metrics {
		sb.WriteString("# HELP ")
		sb.WriteString(mf.GetName())
		sb.WriteString(" ")
		sb.WriteString(mf.GetHelp())
		sb.WriteString("\n")

		sb.WriteString("# TYPE ")
		sb.WriteString(mf.GetName())
		sb.WriteString(" ")
		sb.WriteString(mf.GetType().String())
		sb.WriteString("\n")

		for _, m := range mf.GetMetric() {
			sb.WriteString(mf.GetName())

			// Labels
			if len(m.GetLabel()) > 0 {
				sb.WriteString("{")
				labels := make([]string, 0, len(m.GetLabel()))
				for _, label := range m.GetLabel() {
					labels = append(labels, label.GetName()+"=\""+label.GetValue()+"\"")
				}
				sort.Strings(labels)
				sb.WriteString(strings.Join(labels, ","))
				sb.WriteString("}")
			}

			sb.WriteString(" ")

			// Value based on type
			metricType := mf.GetType().String()
			switch metricType {
			case "COUNTER":
				if c := m.GetCounter(); c != nil {
					sb.WriteString(strconv.FormatFloat(c.GetValue(), 'f', -1, 64))
				}
			case "GAUGE":
				if g := m.GetGauge(); g != nil {
					sb.WriteString(strconv.FormatFloat(g.GetValue(), 'f', -1, 64))
				}
			case "HISTOGRAM":
				if h := m.GetHistogram(); h != nil {
					sb.WriteString(strconv.FormatFloat(h.GetSampleSum(), 'f', -1, 64))
					for _, b := range h.GetBucket() {
						sb.WriteString("\n")
						sb.WriteString(mf.GetName())
						sb.WriteString("_bucket{le=\"")
						sb.WriteString(strconv.FormatFloat(b.GetUpperBound(), 'f', -1, 64))
						sb.WriteString("\"}")
						sb.WriteString(strconv.FormatUint(b.GetCumulativeCount(), 10))
					}
				}
			default:
				// Unknown type, skip value
				goto nextMetric
			}

			sb.WriteString(" ")
			sb.WriteString(strconv.FormatInt(m.GetTimestampMs(), 10))
			sb.WriteString("\n")
		nextMetric:
		}
		sb.WriteString("\n")
	}

	return sb.String(), nil
}

// Close cleans up resources.
func (e *PrometheusExporter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	// Clear handlers map
	e.handlers = make(map[string]http.Handler)
	return nil
}
