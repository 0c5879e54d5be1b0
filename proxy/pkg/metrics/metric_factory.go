package metrics

import (
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
)

type Counter interface {
	Add(valueToAdd int)
}

type Gauge interface {
	Add(valueToAdd int)
	Subtract(valueToSubtract int)
}

type Histogram interface {
	// Track observes the time elapsed since begin, in seconds.
	Track(begin time.Time)
}

type MetricFactory interface {
	GetOrCreateCounter(mn Metric) (Counter, error)
	GetOrCreateGauge(mn Metric) (Gauge, error)
	GetOrCreateHistogram(mn Metric, buckets []float64) (Histogram, error)

	// Unregisters all registered metrics and discards all internal references to them.
	// An error is returned if at least one metric could not be unregistered.
	UnregisterAllMetrics() error

	// Returns the http handler implementation for the metrics endpoint.
	HttpHandler() http.Handler
}

func logMetricCreationError(mn Metric, err error) {
	log.Errorf("Failed to create metric %v: %v", mn, err)
}

func DefaultHttpHandler() http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		http.Error(writer, "Proxy metrics haven't been initialized yet.", http.StatusServiceUnavailable)
	})
}
