// Package metrics provides Prometheus metrics for the rolodex import service.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	defaultRefreshInterval = 10 * time.Second
)

// Manager owns every Prometheus collector exported by the service.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	enabled          bool
	refreshInterval  time.Duration
	customLabels     map[string]string
	metricPrefix     string
	registry         prometheus.Registerer

	// Pipeline
	recordsProcessed     prometheus.Counter
	duplicatesFound      prometheus.Counter
	normalizationChanges *prometheus.CounterVec
	batches              *prometheus.CounterVec
	batchDuration        prometheus.Histogram
	pausedRuns           prometheus.Gauge

	// Conflicts and merges
	conflictsDetected prometheus.Counter
	merges            *prometheus.CounterVec

	// Import runs
	importRuns       *prometheus.CounterVec
	importDuration   prometheus.Histogram
	recordsPersisted prometheus.Counter

	// Errors and recovery
	importErrors     *prometheus.CounterVec
	recoveryAttempts *prometheus.CounterVec
	retryAttempts    prometheus.Counter
	reportFailures   *prometheus.CounterVec

	// Store
	storeLatency *prometheus.HistogramVec
	storeRecords prometheus.Gauge

	// Job queue and workers
	queueSize        prometheus.Gauge
	queueCapacity    prometheus.Gauge
	queueUtilization prometheus.Gauge
	queueRejected    *prometheus.CounterVec
	uploadDuplicates prometheus.Counter
	workerActive     prometheus.Gauge
	workerBusy       prometheus.Gauge

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Runtime
	systemMemoryUsage    prometheus.Gauge
	systemGoroutineCount prometheus.Gauge
	systemGCPauseTime    prometheus.Histogram
}

var globalManager *Manager //nolint:gochecknoglobals // process-wide metrics manager

var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // private registry keeps Go runtime collectors out

func init() { //nolint:gochecknoinits // global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a metrics manager and registers its collectors.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "rolodex",
		subsystem:        "import",
		histogramBuckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		enabled:          true,
		refreshInterval:  defaultRefreshInterval,
		customLabels:     make(map[string]string),
		registry:         prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(m)
	}
	if !m.enabled {
		// Collectors still work but nothing scrapes them.
		m.registry = prometheus.NewRegistry()
	}
	m.initializeMetrics()
	return m
}

// RefreshInterval is how often gauges fed by polling should be refreshed.
func (m *Manager) RefreshInterval() time.Duration {
	return m.refreshInterval
}

// Default returns the process-wide manager.
func Default() *Manager {
	return globalManager
}

// Register adds an extra collector to the private registry.
func Register(c prometheus.Collector) error {
	if err := customRegistry.Register(c); err != nil {
		return fmt.Errorf("%w: %w", ErrRegister, err)
	}
	return nil
}

func (m *Manager) name(n string) string {
	if m.metricPrefix == "" {
		return n
	}
	return m.metricPrefix + "_" + n
}

func (m *Manager) counter(name, help string) prometheus.Counter {
	return promauto.With(m.registry).NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: m.name(name), Help: help, ConstLabels: m.customLabels,
	})
}

func (m *Manager) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.With(m.registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: m.name(name), Help: help, ConstLabels: m.customLabels,
	}, labels)
}

func (m *Manager) gauge(name, help string) prometheus.Gauge {
	return promauto.With(m.registry).NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: m.name(name), Help: help, ConstLabels: m.customLabels,
	})
}

func (m *Manager) histogram(name, help string, buckets []float64) prometheus.Histogram {
	return promauto.With(m.registry).NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: m.name(name), Help: help, Buckets: buckets, ConstLabels: m.customLabels,
	})
}

func (m *Manager) histogramVec(name, help string, labels ...string) *prometheus.HistogramVec {
	return promauto.With(m.registry).NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: m.name(name), Help: help, Buckets: m.histogramBuckets, ConstLabels: m.customLabels,
	}, labels)
}

func (m *Manager) initializeMetrics() { //nolint:funlen // one place for every collector
	m.recordsProcessed = m.counter("records_processed_total", "Contact records that went through normalization and grouping")
	m.duplicatesFound = m.counter("duplicates_found_total", "Records judged duplicates of an earlier record in the same run")
	m.normalizationChanges = m.counterVec("normalization_changes_total", "Field values altered by a normalization rule", "field")
	m.batches = m.counterVec("batches_total", "Processed batches by outcome", "status")
	m.batchDuration = m.histogram("batch_duration_milliseconds", "Wall time of a single batch", m.histogramBuckets)
	m.pausedRuns = m.gauge("paused_runs", "Pipeline runs currently paused")

	m.conflictsDetected = m.counter("conflicts_detected_total", "Incoming records matching an already stored contact")
	m.merges = m.counterVec("merges_total", "Conflict resolutions by strategy and outcome", "strategy", "outcome")

	m.importRuns = m.counterVec("runs_total", "Finished import runs by status", "status")
	m.importDuration = m.histogram("run_duration_milliseconds", "Wall time of an import run", m.histogramBuckets)
	m.recordsPersisted = m.counter("records_persisted_total", "Records written to the contact store")

	m.importErrors = m.counterVec("errors_total", "Import errors by kind and recoverability", "kind", "recoverable")
	m.recoveryAttempts = m.counterVec("recovery_attempts_total", "Automatic recovery attempts by kind and outcome", "kind", "outcome")
	m.retryAttempts = m.counter("retry_attempts_total", "Backoff retries performed by retry operations")
	m.reportFailures = m.counterVec("report_failures_total", "Error sink deliveries that failed", "sink")

	m.storeLatency = m.histogramVec("store_latency_milliseconds", "Contact store operation latency", "operation")
	m.storeRecords = m.gauge("store_records", "Contacts held by the store")

	m.queueSize = m.gauge("queue_size", "Import jobs waiting in the queue")
	m.queueCapacity = m.gauge("queue_capacity", "Maximum queued import jobs")
	m.queueUtilization = m.gauge("queue_utilization_ratio", "Queue size divided by capacity")
	m.queueRejected = m.counterVec("queue_rejected_total", "Jobs rejected by the queue", "reason")
	m.uploadDuplicates = m.counter("upload_duplicates_total", "Uploads recognised as already submitted")
	m.workerActive = m.gauge("worker_active_count", "Import workers running")
	m.workerBusy = m.gauge("worker_busy_count", "Import workers currently executing a job")

	m.httpRequests = m.counterVec("http_requests_total", "HTTP requests by endpoint, method and status", "endpoint", "method", "status_code")
	m.httpRequestDuration = m.histogramVec("http_request_duration_milliseconds", "HTTP request duration", "endpoint", "method", "status_code")

	m.systemMemoryUsage = m.gauge("system_memory_usage_bytes", "Heap bytes allocated")
	m.systemGoroutineCount = m.gauge("system_goroutine_count", "Number of goroutines")
	m.systemGCPauseTime = m.histogram("system_gc_pause_time_milliseconds", "Average GC pause time",
		[]float64{0.1, 0.5, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000})
}

// Pipeline.

// RecordRecordsProcessed adds n processed records.
func RecordRecordsProcessed(n int) {
	if n > 0 {
		globalManager.recordsProcessed.Add(float64(n))
	}
}

// RecordDuplicatesFound adds n duplicate records.
func RecordDuplicatesFound(n int) {
	if n > 0 {
		globalManager.duplicatesFound.Add(float64(n))
	}
}

// RecordNormalizationChanges adds n changes for field.
func RecordNormalizationChanges(field string, n int) {
	if n > 0 {
		globalManager.normalizationChanges.WithLabelValues(field).Add(float64(n))
	}
}

// RecordBatch records a batch outcome ("ok" or "failed") and its duration.
func RecordBatch(status string, durationMs float64) {
	globalManager.batches.WithLabelValues(status).Inc()
	globalManager.batchDuration.Observe(durationMs)
}

// IncPausedRuns marks a run as paused.
func IncPausedRuns() { globalManager.pausedRuns.Inc() }

// DecPausedRuns marks a paused run as resumed.
func DecPausedRuns() { globalManager.pausedRuns.Dec() }

// Conflicts and merges.

// RecordConflicts adds n detected conflicts.
func RecordConflicts(n int) {
	if n > 0 {
		globalManager.conflictsDetected.Add(float64(n))
	}
}

// RecordMerge records one conflict resolution.
func RecordMerge(strategy, outcome string) {
	globalManager.merges.WithLabelValues(strategy, outcome).Inc()
}

// Import runs.

// RecordImportRun records a finished run.
func RecordImportRun(status string, durationMs float64) {
	globalManager.importRuns.WithLabelValues(status).Inc()
	globalManager.importDuration.Observe(durationMs)
}

// RecordRecordsPersisted adds n persisted records.
func RecordRecordsPersisted(n int) {
	if n > 0 {
		globalManager.recordsPersisted.Add(float64(n))
	}
}

// Errors and recovery.

// RecordImportError counts a classified error.
func RecordImportError(kind string, recoverable bool) {
	globalManager.importErrors.WithLabelValues(kind, boolLabel(recoverable)).Inc()
}

// RecordRecoveryAttempt counts a recovery attempt ("recovered" or "failed").
func RecordRecoveryAttempt(kind, outcome string) {
	globalManager.recoveryAttempts.WithLabelValues(kind, outcome).Inc()
}

// RecordRetryAttempt counts one backoff retry.
func RecordRetryAttempt() { globalManager.retryAttempts.Inc() }

// RecordReportFailure counts a failed delivery to an error sink.
func RecordReportFailure(sink string) {
	globalManager.reportFailures.WithLabelValues(sink).Inc()
}

// Store.

// RecordStoreLatency observes a store operation latency.
func RecordStoreLatency(operation string, latencyMs float64) {
	globalManager.storeLatency.WithLabelValues(operation).Observe(latencyMs)
}

// UpdateStoreRecords sets the stored contact count.
func UpdateStoreRecords(n int) { globalManager.storeRecords.Set(float64(n)) }

// Queue and workers.

// UpdateQueueSize sets the current queue size.
func UpdateQueueSize(size int) { globalManager.queueSize.Set(float64(size)) }

// UpdateQueueCapacity sets the maximum queue capacity.
func UpdateQueueCapacity(capacity int) { globalManager.queueCapacity.Set(float64(capacity)) }

// UpdateQueueUtilization sets the queue utilization ratio.
func UpdateQueueUtilization(utilization float64) { globalManager.queueUtilization.Set(utilization) }

// RecordQueueRejected counts a rejected enqueue.
func RecordQueueRejected(reason string) {
	globalManager.queueRejected.WithLabelValues(reason).Inc()
}

// RecordUploadDuplicate counts an upload that was already submitted.
func RecordUploadDuplicate() { globalManager.uploadDuplicates.Inc() }

// UpdateWorkerActiveCount sets the number of running workers.
func UpdateWorkerActiveCount(count int) { globalManager.workerActive.Set(float64(count)) }

// IncWorkerBusy marks a worker busy.
func IncWorkerBusy() { globalManager.workerBusy.Inc() }

// DecWorkerBusy marks a worker idle again.
func DecWorkerBusy() { globalManager.workerBusy.Dec() }

// HTTP.

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
}

// Runtime.

// UpdateSystemMemoryUsage sets the heap allocation in bytes.
func UpdateSystemMemoryUsage(bytes uint64) { globalManager.systemMemoryUsage.Set(float64(bytes)) }

// UpdateSystemGoroutineCount sets the number of goroutines.
func UpdateSystemGoroutineCount(count int) { globalManager.systemGoroutineCount.Set(float64(count)) }

// RecordSystemGCPauseTime records GC pause time in milliseconds.
func RecordSystemGCPauseTime(pauseMs float64) { globalManager.systemGCPauseTime.Observe(pauseMs) }

// GetRegistry returns the private Prometheus registry.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
