// Package metrics provides Prometheus metrics for timeindex
package metrics

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nicktill/timeindex/pkg/timetree"
)

// Metrics holds all Prometheus metrics for timeindex
type Metrics struct {
	// Store operation metrics
	StoreOperationsTotal   *prometheus.CounterVec
	StoreOperationDuration *prometheus.HistogramVec

	// Query metrics
	QueriesTotal    *prometheus.CounterVec
	QueryDuration   *prometheus.HistogramVec
	QueryResults    *prometheus.HistogramVec
	EntriesIndexed  prometheus.Counter
	IndexesRemoved  prometheus.Counter
	StorageBytes    prometheus.Gauge
	ServerStartTime time.Time

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates all metrics and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{
		ServerStartTime: time.Now(),
	}

	m.StoreOperationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timeindex_store_operations_total",
			Help: "Total number of store operations",
		},
		[]string{"operation", "status"},
	)

	m.StoreOperationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "timeindex_store_operation_duration_seconds",
			Help:    "Duration of store operations in seconds",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)

	m.QueriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timeindex_queries_total",
			Help: "Total number of span queries",
		},
		[]string{"strategy", "status"},
	)

	m.QueryDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "timeindex_query_duration_seconds",
			Help:    "Duration of span queries in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"strategy"},
	)

	m.QueryResults = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "timeindex_query_results",
			Help:    "Number of results returned by span queries",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		},
		[]string{"strategy"},
	)

	m.EntriesIndexed = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "timeindex_entries_indexed_total",
			Help: "Total number of entries indexed",
		},
	)

	m.IndexesRemoved = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "timeindex_indexes_removed_total",
			Help: "Total number of bucket links removed",
		},
	)

	m.StorageBytes = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "timeindex_storage_bytes",
			Help: "Current on-disk storage size in bytes",
		},
	)

	m.HTTPRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timeindex_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	m.HTTPRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "timeindex_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "timeindex_uptime_seconds",
			Help: "Server uptime in seconds",
		},
		func() float64 {
			return time.Since(m.ServerStartTime).Seconds()
		},
	)

	return m
}

// ObserveQuery records the outcome of a span query
func (m *Metrics) ObserveQuery(strategy string, elapsed time.Duration, results int, err error) {
	m.QueriesTotal.WithLabelValues(strategy, queryStatus(err)).Inc()
	if err != nil {
		return
	}
	m.QueryDuration.WithLabelValues(strategy).Observe(elapsed.Seconds())
	m.QueryResults.WithLabelValues(strategy).Observe(float64(results))
}

// RecordStoreOperation records one store call
func (m *Metrics) RecordStoreOperation(operation string, elapsed time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.StoreOperationsTotal.WithLabelValues(operation, status).Inc()
	m.StoreOperationDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// RecordHTTPRequest records one served request. route must be a route
// template, never the raw path, to keep label cardinality bounded.
func (m *Metrics) RecordHTTPRequest(method, route string, status int, elapsed time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// UpdateStorageSize sets the storage size gauge
func (m *Metrics) UpdateStorageSize(bytes int64) {
	m.StorageBytes.Set(float64(bytes))
}

func queryStatus(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, timetree.ErrRequest):
		return "rejected"
	default:
		return "error"
	}
}
