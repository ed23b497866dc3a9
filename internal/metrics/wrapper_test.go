package metrics

import (
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPipelineWrapper(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewWithRegistry(registry)
	wrapper := NewPipelineWrapper(metrics)

	wrapper.MLPredictionsInc("SAFE")
	wrapper.MLPredictionsInc("SAFE")
	wrapper.MLPredictionsInc("FRAUD")
	wrapper.MLFailuresInc("validation")

	if v := testutil.ToFloat64(metrics.Predictions.WithLabelValues("SAFE")); v != 2 {
		t.Errorf("Expected 2 SAFE predictions, got %f", v)
	}
	if v := testutil.ToFloat64(metrics.Predictions.WithLabelValues("FRAUD")); v != 1 {
		t.Errorf("Expected 1 FRAUD prediction, got %f", v)
	}
	if v := testutil.ToFloat64(metrics.Failures.WithLabelValues("validation")); v != 1 {
		t.Errorf("Expected 1 validation failure, got %f", v)
	}

	wrapper.MLModelAgeSet(42)
	if v := testutil.ToFloat64(metrics.ModelAge); v != 42 {
		t.Errorf("Expected model age 42, got %f", v)
	}

	wrapper.MLLatencyObserve(0.0002)
	wrapper.MLPredictionScoresObserve(0.75)
	if n := testutil.CollectAndCount(metrics.Latency); n != 1 {
		t.Errorf("Expected latency histogram to be collected once, got %d", n)
	}
}

func TestGetFailureRate(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewWithRegistry(registry)

	if rate := metrics.GetFailureRate(); rate != 0 {
		t.Errorf("Expected failure rate 0 with no predictions, got %f", rate)
	}

	wrapper := NewPipelineWrapper(metrics)
	for i := 0; i < 3; i++ {
		wrapper.MLPredictionsInc("SAFE")
	}
	wrapper.MLFailuresInc("unknown_category")

	if rate := metrics.GetFailureRate(); rate != 0.25 {
		t.Errorf("Expected failure rate 0.25, got %f", rate)
	}
}

func TestCacheWrapper(t *testing.T) {
	metrics := NewWithRegistry(prometheus.NewRegistry())
	memory := NewCacheWrapper(metrics, "memory")
	redis := NewCacheWrapper(metrics, "redis")

	memory.Hit()
	memory.Miss()
	memory.Miss()
	redis.Error()

	tests := []struct {
		name string
		c    prometheus.Collector
		want float64
	}{
		{"memory hits", metrics.CacheHits.WithLabelValues("memory"), 1},
		{"memory misses", metrics.CacheMisses.WithLabelValues("memory"), 2},
		{"redis errors", metrics.CacheErrors.WithLabelValues("redis"), 1},
		{"redis hits", metrics.CacheHits.WithLabelValues("redis"), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := testutil.ToFloat64(tt.c); got != tt.want {
				t.Errorf("Expected %f, got %f", tt.want, got)
			}
		})
	}
}

func TestServerWrapper(t *testing.T) {
	metrics := NewWithRegistry(prometheus.NewRegistry())
	wrapper := NewServerWrapper(metrics)

	wrapper.RequestServed("/predict", http.StatusOK)
	wrapper.RequestServed("/predict", http.StatusBadRequest)
	wrapper.RequestServed("/predict", http.StatusBadRequest)
	wrapper.HistoryWriteFailed()
	wrapper.SubscribersSet(3)
	wrapper.SubscriberDropped()

	if v := testutil.ToFloat64(metrics.HTTPRequests.WithLabelValues("/predict", "400")); v != 2 {
		t.Errorf("Expected 2 bad requests, got %f", v)
	}
	if v := testutil.ToFloat64(metrics.HistoryErrors); v != 1 {
		t.Errorf("Expected 1 history error, got %f", v)
	}
	if v := testutil.ToFloat64(metrics.FeedSubscribers); v != 3 {
		t.Errorf("Expected 3 subscribers, got %f", v)
	}
	if v := testutil.ToFloat64(metrics.FeedDropped); v != 1 {
		t.Errorf("Expected 1 dropped subscriber, got %f", v)
	}
}

func TestNewWithRegistry_Isolation(t *testing.T) {
	// two registries must not collide on metric names
	first := NewWithRegistry(prometheus.NewRegistry())
	second := NewWithRegistry(prometheus.NewRegistry())

	NewPipelineWrapper(first).MLPredictionsInc("FRAUD")
	if v := testutil.ToFloat64(second.Predictions.WithLabelValues("FRAUD")); v != 0 {
		t.Errorf("Expected isolated registries, got %f", v)
	}
}
