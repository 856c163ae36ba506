// Package metrics provides Prometheus metrics for spatialstore
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for spatialstore
type Metrics struct {
	// HTTP request metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// gRPC request metrics
	GrpcRequestsTotal    *prometheus.CounterVec
	GrpcRequestDuration  *prometheus.HistogramVec
	GrpcRequestsInFlight prometheus.Gauge

	// Query metrics
	QueriesTotal  *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QuerySubBoxes prometheus.Histogram
	QueryResults  prometheus.Histogram

	// Index metrics
	IndexUpdateSeq      *prometheus.GaugeVec
	IndexEntries        *prometheus.GaugeVec
	GenerationsTotal    *prometheus.CounterVec
	NormalizationErrors *prometheus.CounterVec
	RebuildDuration     *prometheus.HistogramVec

	// Document store metrics
	DocumentWritesTotal *prometheus.CounterVec
	StoreSeq            prometheus.Gauge

	// Server metrics
	ServerUptimeSeconds prometheus.Gauge
	ServerStartTime     time.Time

	stop chan struct{}
}

// NewMetrics creates all metrics and registers them with reg. Passing
// prometheus.DefaultRegisterer exposes them on the default /metrics handler.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{
		ServerStartTime: time.Now(),
		stop:            make(chan struct{}),
	}

	m.HTTPRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spatialstore_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "code"},
	)

	m.HTTPRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spatialstore_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	m.HTTPRequestsInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "spatialstore_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	m.GrpcRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spatialstore_grpc_requests_total",
			Help: "Total number of gRPC requests",
		},
		[]string{"method", "status"},
	)

	m.GrpcRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spatialstore_grpc_request_duration_seconds",
			Help:    "Duration of gRPC requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	m.GrpcRequestsInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "spatialstore_grpc_requests_in_flight",
			Help: "Number of gRPC requests currently being processed",
		},
	)

	m.QueriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spatial_queries_total",
			Help: "Total number of spatial queries",
		},
		[]string{"index", "mode"},
	)

	m.QueryDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spatial_query_duration_seconds",
			Help:    "Duration of spatial queries in seconds",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"index"},
	)

	m.QuerySubBoxes = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "spatial_query_subboxes",
			Help:    "Number of non-wrapping sub-boxes a query was split into",
			Buckets: []float64{0, 1, 2, 4},
		},
	)

	m.QueryResults = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "spatial_query_results",
			Help:    "Number of rows or the count returned per query",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		},
	)

	m.IndexUpdateSeq = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spatial_index_update_seq",
			Help: "Latest change sequence incorporated by the index",
		},
		[]string{"index"},
	)

	m.IndexEntries = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spatial_index_entries",
			Help: "Number of entries held by the index",
		},
		[]string{"index"},
	)

	m.GenerationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spatial_generations_total",
			Help: "Total number of document generations applied",
		},
		[]string{"index"},
	)

	m.NormalizationErrors = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spatial_normalization_errors_total",
			Help: "Documents dropped because their emitter or geometry failed",
		},
		[]string{"index"},
	)

	m.RebuildDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spatial_rebuild_duration_seconds",
			Help:    "Duration of index builds in seconds",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300},
		},
		[]string{"index"},
	)

	m.DocumentWritesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spatialstore_document_writes_total",
			Help: "Total number of document writes",
		},
		[]string{"op"},
	)

	m.StoreSeq = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "spatialstore_store_seq",
			Help: "Latest change sequence of the document store",
		},
	)

	m.ServerUptimeSeconds = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "spatialstore_server_uptime_seconds",
			Help: "Server uptime in seconds",
		},
	)

	go m.updateUptime()

	return m
}

// updateUptime periodically updates the server uptime metric
func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.ServerUptimeSeconds.Set(time.Since(m.ServerStartTime).Seconds())
		case <-m.stop:
			return
		}
	}
}

// Close stops the uptime updater
func (m *Metrics) Close() {
	close(m.stop)
}

// RecordHTTPRequest records an HTTP request with its status code
func (m *Metrics) RecordHTTPRequest(route string, code int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.HTTPRequestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordGrpcRequest records a gRPC request with its status
func (m *Metrics) RecordGrpcRequest(method string, status string, duration time.Duration) {
	m.GrpcRequestsTotal.WithLabelValues(method, status).Inc()
	m.GrpcRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordDocumentWrite counts a document write
func (m *Metrics) RecordDocumentWrite(op string, seq uint64) {
	m.DocumentWritesTotal.WithLabelValues(op).Inc()
	m.StoreSeq.Set(float64(seq))
}

// ObserveQuery records a completed spatial query
func (m *Metrics) ObserveQuery(index, mode string, subBoxes, results int, duration time.Duration) {
	m.QueriesTotal.WithLabelValues(index, mode).Inc()
	m.QueryDuration.WithLabelValues(index).Observe(duration.Seconds())
	m.QuerySubBoxes.Observe(float64(subBoxes))
	m.QueryResults.Observe(float64(results))
}

// ObserveGenerations counts applied document generations
func (m *Metrics) ObserveGenerations(index string, docs int) {
	m.GenerationsTotal.WithLabelValues(index).Add(float64(docs))
}

// ObserveNormalizationError counts a dropped document
func (m *Metrics) ObserveNormalizationError(index string) {
	m.NormalizationErrors.WithLabelValues(index).Inc()
}

// ObserveIndexState records the published state of an index
func (m *Metrics) ObserveIndexState(index string, updateSeq uint64, entries int) {
	m.IndexUpdateSeq.WithLabelValues(index).Set(float64(updateSeq))
	m.IndexEntries.WithLabelValues(index).Set(float64(entries))
}

// ObserveRebuild records how long an index build took
func (m *Metrics) ObserveRebuild(index string, d time.Duration) {
	m.RebuildDuration.WithLabelValues(index).Observe(d.Seconds())
}

// ForgetIndex removes the per-index series of a dropped index
func (m *Metrics) ForgetIndex(index string) {
	m.IndexUpdateSeq.DeleteLabelValues(index)
	m.IndexEntries.DeleteLabelValues(index)
	m.GenerationsTotal.DeleteLabelValues(index)
	m.NormalizationErrors.DeleteLabelValues(index)
	m.RebuildDuration.DeleteLabelValues(index)
}
