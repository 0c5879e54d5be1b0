package noopmetrics

import (
	"net/http"
	"time"

	"github.com/cassandra-mirror/mirror-proxy/proxy/pkg/metrics"
)

// NoopMetricFactory is used when metric emission is disabled and in tests.
type NoopMetricFactory struct{}

func NewNoopMetricFactory() *NoopMetricFactory {
	return &NoopMetricFactory{}
}

type noopCounter struct{}

func (recv *noopCounter) Add(valueToAdd int) {}

type noopGauge struct{}

func (recv *noopGauge) Add(valueToAdd int) {}

func (recv *noopGauge) Subtract(valueToSubtract int) {}

type noopHistogram struct{}

func (recv *noopHistogram) Track(begin time.Time) {}

func (recv *NoopMetricFactory) GetOrCreateCounter(mn metrics.Metric) (metrics.Counter, error) {
	return &noopCounter{}, nil
}

func (recv *NoopMetricFactory) GetOrCreateGauge(mn metrics.Metric) (metrics.Gauge, error) {
	return &noopGauge{}, nil
}

func (recv *NoopMetricFactory) GetOrCreateHistogram(mn metrics.Metric, buckets []float64) (metrics.Histogram, error) {
	return &noopHistogram{}, nil
}

func (recv *NoopMetricFactory) UnregisterAllMetrics() error {
	return nil
}

func (recv *NoopMetricFactory) HttpHandler() http.Handler {
	return metrics.DefaultHttpHandler()
}
