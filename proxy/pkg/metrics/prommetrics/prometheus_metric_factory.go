package prommetrics

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cassandra-mirror/mirror-proxy/proxy/pkg/metrics"
)

// PrometheusMetricFactory registers instruments on a prometheus registry.
// Metrics that share a name but differ in label values share a single
// collector (a *Vec), so the factory keeps one entry per metric name.
type PrometheusMetricFactory struct {
	registry *prometheus.Registry

	lock       *sync.Mutex
	collectors map[string]prometheus.Collector
}

func NewPrometheusMetricFactory(registry *prometheus.Registry) *PrometheusMetricFactory {
	return &PrometheusMetricFactory{
		registry:   registry,
		lock:       &sync.Mutex{},
		collectors: make(map[string]prometheus.Collector),
	}
}

func (pm *PrometheusMetricFactory) GetOrCreateCounter(mn metrics.Metric) (metrics.Counter, error) {
	c, err := pm.getOrRegister(mn, func() prometheus.Collector {
		if mn.GetLabels() != nil {
			return prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: mn.GetName(),
					Help: mn.GetDescription(),
				},
				getLabelNames(mn))
		}
		return prometheus.NewCounter(prometheus.CounterOpts{
			Name: mn.GetName(),
			Help: mn.GetDescription(),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add counter %v: %w", mn, err)
	}

	if mn.GetLabels() != nil {
		vec, isCounterVec := c.(*prometheus.CounterVec)
		if !isCounterVec {
			return nil, fmt.Errorf("metric %v is already registered as a non-labeled counter", mn)
		}
		promCounter, err := vec.GetMetricWith(mn.GetLabels())
		if err != nil {
			return nil, fmt.Errorf("failed to initialize labels for counter %v: %w", mn, err)
		}
		return &PrometheusCounter{c: promCounter}, nil
	}

	promCounter, isCounter := c.(prometheus.Counter)
	if !isCounter {
		return nil, fmt.Errorf("metric %v is already registered as a labeled counter", mn)
	}
	return &PrometheusCounter{c: promCounter}, nil
}

func (pm *PrometheusMetricFactory) GetOrCreateGauge(mn metrics.Metric) (metrics.Gauge, error) {
	g, err := pm.getOrRegister(mn, func() prometheus.Collector {
		if mn.GetLabels() != nil {
			return prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: mn.GetName(),
					Help: mn.GetDescription(),
				},
				getLabelNames(mn))
		}
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Name: mn.GetName(),
			Help: mn.GetDescription(),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add gauge %v: %w", mn, err)
	}

	if mn.GetLabels() != nil {
		vec, isGaugeVec := g.(*prometheus.GaugeVec)
		if !isGaugeVec {
			return nil, fmt.Errorf("metric %v is already registered as a non-labeled gauge", mn)
		}
		promGauge, err := vec.GetMetricWith(mn.GetLabels())
		if err != nil {
			return nil, fmt.Errorf("failed to initialize labels for gauge %v: %w", mn, err)
		}
		return &PrometheusGauge{g: promGauge}, nil
	}

	promGauge, isGauge := g.(prometheus.Gauge)
	if !isGauge {
		return nil, fmt.Errorf("metric %v is already registered as a labeled gauge", mn)
	}
	return &PrometheusGauge{g: promGauge}, nil
}

func (pm *PrometheusMetricFactory) GetOrCreateHistogram(mn metrics.Metric, buckets []float64) (metrics.Histogram, error) {
	h, err := pm.getOrRegister(mn, func() prometheus.Collector {
		if mn.GetLabels() != nil {
			return prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    mn.GetName(),
					Help:    mn.GetDescription(),
					Buckets: buckets,
				},
				getLabelNames(mn))
		}
		return prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    mn.GetName(),
			Help:    mn.GetDescription(),
			Buckets: buckets,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add histogram %v: %w", mn, err)
	}

	if mn.GetLabels() != nil {
		vec, isHistogramVec := h.(*prometheus.HistogramVec)
		if !isHistogramVec {
			return nil, fmt.Errorf("metric %v is already registered as a non-labeled histogram", mn)
		}
		promObserver, err := vec.GetMetricWith(mn.GetLabels())
		if err != nil {
			return nil, fmt.Errorf("failed to initialize labels for histogram %v: %w", mn, err)
		}
		return &PrometheusHistogram{h: promObserver}, nil
	}

	promHistogram, isHistogram := h.(prometheus.Histogram)
	if !isHistogram {
		return nil, fmt.Errorf("metric %v is already registered as a labeled histogram", mn)
	}
	return &PrometheusHistogram{h: promHistogram}, nil
}

func (pm *PrometheusMetricFactory) UnregisterAllMetrics() error {
	pm.lock.Lock()
	defer pm.lock.Unlock()

	failed := 0
	for name, c := range pm.collectors {
		if !pm.registry.Unregister(c) {
			failed++
		}
		delete(pm.collectors, name)
	}
	if failed > 0 {
		return fmt.Errorf("could not unregister %d metrics", failed)
	}
	return nil
}

func (pm *PrometheusMetricFactory) HttpHandler() http.Handler {
	return promhttp.HandlerFor(pm.registry, promhttp.HandlerOpts{})
}

func (pm *PrometheusMetricFactory) getOrRegister(
	mn metrics.Metric, newCollector func() prometheus.Collector) (prometheus.Collector, error) {

	pm.lock.Lock()
	defer pm.lock.Unlock()

	if existing, ok := pm.collectors[mn.GetName()]; ok {
		return existing, nil
	}

	c := newCollector()
	if err := pm.registry.Register(c); err != nil {
		return nil, err
	}
	pm.collectors[mn.GetName()] = c
	return c, nil
}

func getLabelNames(mn metrics.Metric) []string {
	names := make([]string, 0, len(mn.GetLabels()))
	for name := range mn.GetLabels() {
		names = append(names, name)
	}
	return names
}
