package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type WorkerMetrics struct {
	registry *prometheus.Registry

	validationTotal    *prometheus.CounterVec
	validationDuration *prometheus.HistogramVec
	validationInFlight prometheus.Gauge
	queueLag           *prometheus.HistogramVec
	retriesTotal       *prometheus.CounterVec
}

// NewWorkerMetrics registers on registry when one is given, so an API process
// running validations in-process exposes everything on one endpoint.
func NewWorkerMetrics(service string, registry *prometheus.Registry) *WorkerMetrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	validationTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "validation_total",
			Help:      "Validation jobs handled by resulting status.",
		},
		[]string{"service", "status", "reason", "discarded"},
	)
	validationDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "validation_duration_seconds",
			Help:      "Validation job duration in seconds by status.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "status"},
	)
	validationInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "validation_in_flight",
			Help:      "Number of in-flight validation jobs.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	queueLag := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "queue_lag_seconds",
			Help:      "Delay between job enqueue and processing start.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"service"},
	)
	retriesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resilience",
			Name:      "retries_total",
			Help:      "Retried outbound calls by operation.",
		},
		[]string{"service", "operation"},
	)

	registry.MustRegister(validationTotal, validationDuration, validationInFlight, queueLag, retriesTotal)

	return &WorkerMetrics{
		registry:           registry,
		validationTotal:    validationTotal,
		validationDuration: validationDuration,
		validationInFlight: validationInFlight,
		queueLag:           queueLag,
		retriesTotal:       retriesTotal,
	}
}

func (m *WorkerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *WorkerMetrics) StartValidation() {
	m.validationInFlight.Inc()
}

// FinishValidation records one handled job. err is a processing error that
// left the job without a committed result.
func (m *WorkerMetrics) FinishValidation(service string, duration time.Duration, status, reason string, discarded bool, err error) {
	m.validationInFlight.Dec()

	switch {
	case err != nil:
		status = "failed"
	case discarded:
		status = "discarded"
	case status == "":
		status = "unknown"
	}
	if reason == "" {
		reason = "none"
	}

	m.validationTotal.WithLabelValues(service, status, reason, strconv.FormatBool(discarded)).Inc()
	m.validationDuration.WithLabelValues(service, status).Observe(duration.Seconds())
}

func (m *WorkerMetrics) ObserveQueueLag(service string, lag time.Duration) {
	if lag < 0 {
		return
	}
	m.queueLag.WithLabelValues(service).Observe(lag.Seconds())
}

func (m *WorkerMetrics) RecordRetry(service, operation string) {
	if operation == "" {
		operation = "unknown"
	}
	m.retriesTotal.WithLabelValues(service, operation).Inc()
}
