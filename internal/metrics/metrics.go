package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all the application metrics
type Metrics struct {
	// HTTP request metrics
	HTTPRequestTotal    *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Asset record storage metrics
	StorageOperationTotal    *prometheus.CounterVec
	StorageOperationDuration *prometheus.HistogramVec

	// Event publishing metrics
	EventPublishTotal    *prometheus.CounterVec
	EventPublishDuration *prometheus.HistogramVec

	// Upload queue metrics
	UploadQueueActive  *prometheus.GaugeVec
	UploadQueuePending *prometheus.GaugeVec
	UploadTotal        *prometheus.CounterVec
	UploadDuration     *prometheus.HistogramVec

	// Remote media service calls other than uploads (destroy, rename, folders)
	RemoteOperationTotal *prometheus.CounterVec

	// Signed URL issuance
	SignedURLTotal *prometheus.CounterVec
}

// Global metrics instance with mutex for thread safety
var (
	globalMetrics *Metrics
	metricsMutex  sync.Mutex
)

// NewMetrics creates a new Metrics instance with all required metrics
func NewMetrics() *Metrics {
	metricsMutex.Lock()
	defer metricsMutex.Unlock()

	// Return existing instance if already created
	if globalMetrics != nil {
		return globalMetrics
	}

	m := &Metrics{
		HTTPRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "media_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "media_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),

		StorageOperationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "media_storage_operations_total",
			Help: "Total number of asset record storage operations",
		}, []string{"operation", "status"}),

		StorageOperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "media_storage_operation_duration_seconds",
			Help:    "Asset record storage operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation", "status"}),

		EventPublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "media_event_publish_total",
			Help: "Total number of event publish operations",
		}, []string{"event_type", "status"}),

		EventPublishDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "media_event_publish_duration_seconds",
			Help:    "Event publish duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"event_type", "status"}),

		UploadQueueActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "media_upload_queue_active",
			Help: "Uploads currently transferring, per collection",
		}, []string{"collection"}),

		UploadQueuePending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "media_upload_queue_pending",
			Help: "Uploads waiting for a free slot, per collection",
		}, []string{"collection"}),

		UploadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "media_uploads_total",
			Help: "Total number of uploads by strategy and outcome",
		}, []string{"collection", "strategy", "status"}),

		UploadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "media_upload_duration_seconds",
			Help:    "Time spent transferring an upload to the media service",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"collection", "strategy"}),

		RemoteOperationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "media_remote_operations_total",
			Help: "Total number of non-upload media service calls",
		}, []string{"operation", "status"}),

		SignedURLTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "media_signed_urls_total",
			Help: "Total number of signed URL requests by outcome",
		}, []string{"collection", "status"}),
	}

	registerMetrics(m)

	globalMetrics = m

	return m
}

// registerMetrics registers all metrics with the default registry
func registerMetrics(m *Metrics) {
	registerOrGet(m.HTTPRequestTotal)
	registerOrGet(m.HTTPRequestDuration)
	registerOrGet(m.StorageOperationTotal)
	registerOrGet(m.StorageOperationDuration)
	registerOrGet(m.EventPublishTotal)
	registerOrGet(m.EventPublishDuration)
	registerOrGet(m.UploadQueueActive)
	registerOrGet(m.UploadQueuePending)
	registerOrGet(m.UploadTotal)
	registerOrGet(m.UploadDuration)
	registerOrGet(m.RemoteOperationTotal)
	registerOrGet(m.SignedURLTotal)
}

// registerOrGet tries to register a metric, returns the existing one if already registered
func registerOrGet(c prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
	}
	return c
}

// Status returns the label value for an operation outcome.
func Status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
