// Package metrics provides Prometheus metrics for the content store
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the content store. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	// gRPC request metrics
	GrpcRequestsTotal    *prometheus.CounterVec
	GrpcRequestDuration  *prometheus.HistogramVec
	GrpcRequestsInFlight prometheus.Gauge

	// Tree store metrics
	CommitsTotal     *prometheus.CounterVec
	CommitDuration   *prometheus.HistogramVec
	NodesTotal       *prometheus.GaugeVec
	SnapshotsActive  prometheus.Gauge
	BackendOpsTotal  *prometheus.CounterVec
	BackendDuration  *prometheus.HistogramVec
	BlobBytesWritten prometheus.Counter

	// Observation metrics
	EventsDispatchedTotal *prometheus.CounterVec
	ListenerFailuresTotal prometheus.Counter

	// Query metrics
	QueriesTotal   *prometheus.CounterVec
	QueryDuration  prometheus.Histogram
	QueryRowsTotal prometheus.Counter

	// Version metrics
	VersionOpsTotal      *prometheus.CounterVec
	TemporalLookupsTotal prometheus.Counter

	// Lock metrics
	LocksHeld prometheus.Gauge

	// Server metrics
	ServerUptimeSeconds prometheus.GaugeFunc
	ServerStartTime     time.Time
}

// NewMetrics creates all metrics and registers them with reg. A nil reg
// uses the default Prometheus registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	m := &Metrics{
		ServerStartTime: time.Now(),
	}

	// gRPC request metrics
	m.GrpcRequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contentstore_grpc_requests_total",
			Help: "Total number of gRPC requests",
		},
		[]string{"method", "status"},
	)

	m.GrpcRequestDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "contentstore_grpc_request_duration_seconds",
			Help:    "Duration of gRPC requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	m.GrpcRequestsInFlight = f.NewGauge(
		prometheus.GaugeOpts{
			Name: "contentstore_grpc_requests_in_flight",
			Help: "Number of gRPC requests currently being processed",
		},
	)

	// Tree store metrics
	m.CommitsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contentstore_commits_total",
			Help: "Total number of transaction commits",
		},
		[]string{"workspace", "status"},
	)

	m.CommitDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "contentstore_commit_duration_seconds",
			Help:    "Duration of transaction commits in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"workspace"},
	)

	m.NodesTotal = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "contentstore_nodes_total",
			Help: "Number of live nodes per workspace",
		},
		[]string{"workspace"},
	)

	m.SnapshotsActive = f.NewGauge(
		prometheus.GaugeOpts{
			Name: "contentstore_snapshots_active",
			Help: "Number of open read snapshots",
		},
	)

	m.BackendOpsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contentstore_backend_operations_total",
			Help: "Total number of persistence backend operations",
		},
		[]string{"operation", "status"},
	)

	m.BackendDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "contentstore_backend_operation_duration_seconds",
			Help:    "Duration of persistence backend operations in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"operation"},
	)

	m.BlobBytesWritten = f.NewCounter(
		prometheus.CounterOpts{
			Name: "contentstore_blob_bytes_written_total",
			Help: "Compressed bytes written to the blob store",
		},
	)

	// Observation metrics
	m.EventsDispatchedTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contentstore_events_dispatched_total",
			Help: "Total number of observation events dispatched",
		},
		[]string{"type"},
	)

	m.ListenerFailuresTotal = f.NewCounter(
		prometheus.CounterOpts{
			Name: "contentstore_listener_failures_total",
			Help: "Total number of listener invocations that panicked or failed",
		},
	)

	// Query metrics
	m.QueriesTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contentstore_queries_total",
			Help: "Total number of evaluated queries",
		},
		[]string{"status"},
	)

	m.QueryDuration = f.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "contentstore_query_duration_seconds",
			Help:    "Duration of query evaluation in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	m.QueryRowsTotal = f.NewCounter(
		prometheus.CounterOpts{
			Name: "contentstore_query_rows_total",
			Help: "Total number of query rows produced",
		},
	)

	// Version metrics
	m.VersionOpsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contentstore_version_operations_total",
			Help: "Total number of version graph operations",
		},
		[]string{"operation", "status"},
	)

	m.TemporalLookupsTotal = f.NewCounter(
		prometheus.CounterOpts{
			Name: "contentstore_temporal_lookups_total",
			Help: "Total number of version-as-of lookups",
		},
	)

	m.LocksHeld = f.NewGauge(
		prometheus.GaugeOpts{
			Name: "contentstore_locks_held",
			Help: "Number of node locks currently held",
		},
	)

	// Server metrics
	m.ServerUptimeSeconds = f.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "contentstore_server_uptime_seconds",
			Help: "Server uptime in seconds",
		},
		func() float64 { return time.Since(m.ServerStartTime).Seconds() },
	)

	return m
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordGrpcRequest records a gRPC request with its status
func (m *Metrics) RecordGrpcRequest(method string, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.GrpcRequestsTotal.WithLabelValues(method, status).Inc()
	m.GrpcRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordCommit records a commit attempt of a workspace
func (m *Metrics) RecordCommit(workspace string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.CommitsTotal.WithLabelValues(workspace, status(err)).Inc()
	m.CommitDuration.WithLabelValues(workspace).Observe(duration.Seconds())
}

// SetNodeCount updates the live node gauge of a workspace
func (m *Metrics) SetNodeCount(workspace string, n int) {
	if m == nil {
		return
	}
	m.NodesTotal.WithLabelValues(workspace).Set(float64(n))
}

// SnapshotOpened and SnapshotClosed track open read snapshots
func (m *Metrics) SnapshotOpened() {
	if m != nil {
		m.SnapshotsActive.Inc()
	}
}

func (m *Metrics) SnapshotClosed() {
	if m != nil {
		m.SnapshotsActive.Dec()
	}
}

// RecordBackendOperation records a persistence backend operation
func (m *Metrics) RecordBackendOperation(operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.BackendOpsTotal.WithLabelValues(operation, status(err)).Inc()
	m.BackendDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordBlobWrite records compressed blob bytes written
func (m *Metrics) RecordBlobWrite(n int) {
	if m != nil {
		m.BlobBytesWritten.Add(float64(n))
	}
}

// RecordEvent records one dispatched event
func (m *Metrics) RecordEvent(eventType string) {
	if m != nil {
		m.EventsDispatchedTotal.WithLabelValues(eventType).Inc()
	}
}

// RecordListenerFailure records a listener that panicked or returned an error
func (m *Metrics) RecordListenerFailure() {
	if m != nil {
		m.ListenerFailuresTotal.Inc()
	}
}

// RecordQuery records a query evaluation
func (m *Metrics) RecordQuery(duration time.Duration, rows int, err error) {
	if m == nil {
		return
	}
	m.QueriesTotal.WithLabelValues(status(err)).Inc()
	m.QueryDuration.Observe(duration.Seconds())
	m.QueryRowsTotal.Add(float64(rows))
}

// RecordVersionOperation records a checkin, checkout, restore, merge or
// version removal
func (m *Metrics) RecordVersionOperation(operation string, err error) {
	if m == nil {
		return
	}
	m.VersionOpsTotal.WithLabelValues(operation, status(err)).Inc()
}

// RecordTemporalLookup records a version-as-of lookup
func (m *Metrics) RecordTemporalLookup() {
	if m != nil {
		m.TemporalLookupsTotal.Inc()
	}
}

// SetLocksHeld updates the held lock gauge
func (m *Metrics) SetLocksHeld(n int) {
	if m != nil {
		m.LocksHeld.Set(float64(n))
	}
}
