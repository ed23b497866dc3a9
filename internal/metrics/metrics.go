// Package metrics provides Prometheus metrics collection for the fraud scoring service.
// It defines the prediction, cache, history and feed metrics exposed via the
// Prometheus metrics endpoint for monitoring and alerting.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Prediction metrics
	Predictions      *prometheus.CounterVec // Predictions made, by label
	Failures         *prometheus.CounterVec // Failed predictions, by error kind
	Latency          prometheus.Histogram   // End-to-end pipeline latency in seconds
	FraudProbability prometheus.Histogram   // Distribution of predicted fraud probabilities
	ModelAge         prometheus.Gauge       // Age of the loaded model artifact in seconds

	// Cache metrics
	CacheHits   *prometheus.CounterVec // Result cache hits, by backend
	CacheMisses *prometheus.CounterVec // Result cache misses, by backend
	CacheErrors *prometheus.CounterVec // Result cache errors, by backend

	// HTTP and feed metrics
	HTTPRequests    *prometheus.CounterVec // API requests, by route and status code
	HistoryErrors   prometheus.Counter     // Failed prediction history writes
	FeedSubscribers prometheus.Gauge       // Connected live feed subscribers
	FeedDropped     prometheus.Counter     // Subscribers dropped for falling behind

	gatherer prometheus.Gatherer
}

// New creates and registers all Prometheus metrics using the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates metrics with a custom registry (useful for testing).
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	m := &Metrics{
		Predictions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fraud_predictions_total",
			Help: "Total number of transactions scored",
		}, []string{"label"}),
		Failures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fraud_prediction_failures_total",
			Help: "Total number of failed predictions by error kind",
		}, []string{"kind"}),
		Latency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "fraud_prediction_latency_seconds",
			Help:    "Pipeline latency in seconds (end-to-end)",
			Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}),
		FraudProbability: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "fraud_probability",
			Help:    "Distribution of predicted fraud probabilities",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
		ModelAge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fraud_model_age_seconds",
			Help: "Age of the loaded model artifact in seconds",
		}),
		CacheHits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fraud_cache_hits_total",
			Help: "Total number of result cache hits",
		}, []string{"backend"}),
		CacheMisses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fraud_cache_misses_total",
			Help: "Total number of result cache misses",
		}, []string{"backend"}),
		CacheErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fraud_cache_errors_total",
			Help: "Total number of result cache errors",
		}, []string{"backend"}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fraud_http_requests_total",
			Help: "Total number of API requests",
		}, []string{"route", "code"}),
		HistoryErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "fraud_history_errors_total",
			Help: "Total number of failed prediction history writes",
		}),
		FeedSubscribers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fraud_feed_subscribers",
			Help: "Number of connected live feed subscribers",
		}),
		FeedDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "fraud_feed_dropped_total",
			Help: "Total number of feed subscribers dropped for falling behind",
		}),
	}

	if g, ok := registerer.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	return m
}

// GetFailureRate returns failed predictions over all prediction attempts, or 0 if
// nothing has been recorded. Input errors count as failures.
func (m *Metrics) GetFailureRate() float64 {
	if m.gatherer == nil {
		return 0
	}
	metricFamilies, err := m.gatherer.Gather()
	if err != nil {
		return 0
	}

	var ok, failed float64
	for _, mf := range metricFamilies {
		switch mf.GetName() {
		case "fraud_predictions_total":
			for _, metric := range mf.Metric {
				ok += metric.GetCounter().GetValue()
			}
		case "fraud_prediction_failures_total":
			for _, metric := range mf.Metric {
				failed += metric.GetCounter().GetValue()
			}
		}
	}

	if ok+failed == 0 {
		return 0
	}
	return failed / (ok + failed)
}
