package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all the application metrics
type Metrics struct {
	// HTTP request metrics
	HTTPRequestTotal    *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Registry operation metrics
	OperationTotal    *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec

	// Payment metrics
	FeesCollectedTotal *prometheus.CounterVec
	PaymentFailedTotal *prometheus.CounterVec

	// Event publishing metrics
	EventPublishTotal    *prometheus.CounterVec
	EventPublishDuration *prometheus.HistogramVec

	// Schema validation metrics
	SchemaValidationTotal    *prometheus.CounterVec
	SchemaValidationDuration *prometheus.HistogramVec
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
		// HTTP request metrics
		HTTPRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),

		// Registry operation metrics; status is the error code or "ok"
		OperationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "iot_registry_operations_total",
			Help: "Total number of registry operations",
		}, []string{"operation", "status"}),

		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "iot_registry_operation_duration_seconds",
			Help:    "Registry operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation", "status"}),

		// Payment metrics
		FeesCollectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "iot_fees_collected_total",
			Help: "Total fee amount moved by access payments",
		}, []string{"leg"}),

		PaymentFailedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "iot_payment_failed_total",
			Help: "Total number of failed access payments",
		}, []string{"reason"}),

		// Event publishing metrics
		EventPublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "event_publish_total",
			Help: "Total number of event publish operations",
		}, []string{"event_type", "status"}),

		EventPublishDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "event_publish_duration_seconds",
			Help:    "Event publish duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"event_type", "status"}),

		// Schema validation metrics
		SchemaValidationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "schema_validation_total",
			Help: "Total number of schema validation operations",
		}, []string{"schema", "status"}),

		SchemaValidationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "schema_validation_duration_seconds",
			Help:    "Schema validation duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"schema", "status"}),
	}

	// Register metrics with the default registry
	registerMetrics(m)

	// Store as global instance
	globalMetrics = m

	return m
}

// ObserveOperation records one registry operation that started at start.
func (m *Metrics) ObserveOperation(op, status string, start time.Time) {
	if m == nil {
		return
	}
	m.OperationTotal.WithLabelValues(op, status).Inc()
	m.OperationDuration.WithLabelValues(op, status).Observe(time.Since(start).Seconds())
}

// ObservePayment adds a cleared access payment to the per-leg fee totals.
func (m *Metrics) ObservePayment(baseFee, platformFee uint64) {
	if m == nil {
		return
	}
	m.FeesCollectedTotal.WithLabelValues("base").Add(float64(baseFee))
	m.FeesCollectedTotal.WithLabelValues("platform").Add(float64(platformFee))
}

// ObservePaymentFailure counts a rejected access payment.
func (m *Metrics) ObservePaymentFailure(reason string) {
	if m == nil {
		return
	}
	m.PaymentFailedTotal.WithLabelValues(reason).Inc()
}

// ObserveEvent records one event publish attempt.
func (m *Metrics) ObserveEvent(eventType string, err error, start time.Time) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.EventPublishTotal.WithLabelValues(eventType, status).Inc()
	m.EventPublishDuration.WithLabelValues(eventType, status).Observe(time.Since(start).Seconds())
}

// registerMetrics registers all metrics with the default registry
func registerMetrics(m *Metrics) {
	// Try to register each metric, ignore if already registered
	registerOrGet(m.HTTPRequestTotal)
	registerOrGet(m.HTTPRequestDuration)
	registerOrGet(m.OperationTotal)
	registerOrGet(m.OperationDuration)
	registerOrGet(m.FeesCollectedTotal)
	registerOrGet(m.PaymentFailedTotal)
	registerOrGet(m.EventPublishTotal)
	registerOrGet(m.EventPublishDuration)
	registerOrGet(m.SchemaValidationTotal)
	registerOrGet(m.SchemaValidationDuration)
}

// registerOrGet tries to register a metric, returns the existing one if already registered
func registerOrGet(c prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(c); err != nil {
		// If already registered, return the existing collector
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
	}
	return c
}
