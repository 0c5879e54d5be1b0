package metrics

import (
	"fmt"
	"sync"
	"time"
)

// Metric names carry over the dotted names of the metrics this proxy has
// historically exposed, with dots mapped to underscores for Prometheus.
const (
	proxyTimeName            = "cassandraProxy_cqlOperation_proxyTime_seconds"
	requestTimerName         = "cassandraProxy_cqlOperation_timer_seconds"
	serverErrorCountName     = "cassandraProxy_cqlOperation_cqlServerErrorCount"
	differentResultCountName = "cassandraProxy_cqlOperation_cqlDifferentResultCount"
	clientSocketPausedName   = "cassandraProxy_clientSocket_paused_seconds"
	serverSocketPausedName   = "cassandraProxy_serverSocket_paused_seconds"
	clientConnectionsName    = "cassandraProxy_clientConnections_total"

	requestOpcodeLabel    = "requestOpcode"
	requestStateLabel     = "requestState"
	clientAddressLabel    = "clientAddress"
	waitLabel             = "wait"
	serverAddressLabel    = "serverAddress"
	serverIdentifierLabel = "serverIdentifier"

	proxyTimeDescription            = "Time spent processing a request inside the proxy before the fan-out returns"
	requestTimerDescription         = "End to end request latency as observed by the proxy"
	serverErrorCountDescription     = "Running total of responses classified as ERROR"
	differentResultCountDescription = "Running total of requests for which source and target returned different bytes"
	clientSocketPausedDescription   = "Duration of backpressure pauses on the client socket"
	serverSocketPausedDescription   = "Duration of backpressure pauses on an upstream socket"
	clientConnectionsDescription    = "Number of client connections currently open"
)

// ProxyMetrics is the handle threaded through the proxy for all metric
// emission. Instruments are created lazily per label combination and cached;
// the handle is safe for concurrent use by all connections.
type ProxyMetrics struct {
	factory MetricFactory

	proxyTimeBuckets    []float64
	requestTimerBuckets []float64
	pausedTimerBuckets  []float64

	instruments sync.Map // Metric.String() -> Counter/Gauge/Histogram

	openClientConnections Gauge
}

func NewProxyMetrics(
	factory MetricFactory,
	proxyTimeBuckets []float64,
	requestTimerBuckets []float64,
	pausedTimerBuckets []float64) (*ProxyMetrics, error) {

	openClientConnections, err := factory.GetOrCreateGauge(
		NewMetric(clientConnectionsName, clientConnectionsDescription))
	if err != nil {
		return nil, fmt.Errorf("could not create client connections gauge: %w", err)
	}

	return &ProxyMetrics{
		factory:               factory,
		proxyTimeBuckets:      proxyTimeBuckets,
		requestTimerBuckets:   requestTimerBuckets,
		pausedTimerBuckets:    pausedTimerBuckets,
		openClientConnections: openClientConnections,
	}, nil
}

func (pm *ProxyMetrics) TrackProxyTime(begin time.Time, requestOpcode string, requestState string) {
	h := pm.histogramFor(proxyTimeName, proxyTimeDescription, pm.proxyTimeBuckets, map[string]string{
		requestOpcodeLabel: requestOpcode,
		requestStateLabel:  requestState,
	})
	if h != nil {
		h.Track(begin)
	}
}

func (pm *ProxyMetrics) TrackRequestTimer(begin time.Time, requestOpcode string, requestState string) {
	h := pm.histogramFor(requestTimerName, requestTimerDescription, pm.requestTimerBuckets, map[string]string{
		requestOpcodeLabel: requestOpcode,
		requestStateLabel:  requestState,
	})
	if h != nil {
		h.Track(begin)
	}
}

func (pm *ProxyMetrics) IncrementServerErrorCount(requestOpcode string, requestState string) {
	c := pm.counterFor(serverErrorCountName, serverErrorCountDescription, map[string]string{
		requestOpcodeLabel: requestOpcode,
		requestStateLabel:  requestState,
	})
	if c != nil {
		c.Add(1)
	}
}

func (pm *ProxyMetrics) IncrementDifferentResultCount(requestOpcode string, requestState string) {
	c := pm.counterFor(differentResultCountName, differentResultCountDescription, map[string]string{
		requestOpcodeLabel: requestOpcode,
		requestStateLabel:  requestState,
	})
	if c != nil {
		c.Add(1)
	}
}

func (pm *ProxyMetrics) TrackClientSocketPaused(begin time.Time, clientAddress string, wait bool) {
	h := pm.histogramFor(clientSocketPausedName, clientSocketPausedDescription, pm.pausedTimerBuckets, map[string]string{
		clientAddressLabel: clientAddress,
		waitLabel:          fmt.Sprintf("%v", wait),
	})
	if h != nil {
		h.Track(begin)
	}
}

func (pm *ProxyMetrics) TrackServerSocketPaused(begin time.Time, serverAddress string, serverIdentifier string) {
	h := pm.histogramFor(serverSocketPausedName, serverSocketPausedDescription, pm.pausedTimerBuckets, map[string]string{
		serverAddressLabel:    serverAddress,
		serverIdentifierLabel: serverIdentifier,
	})
	if h != nil {
		h.Track(begin)
	}
}

func (pm *ProxyMetrics) IncrementClientConnections() {
	pm.openClientConnections.Add(1)
}

func (pm *ProxyMetrics) DecrementClientConnections() {
	pm.openClientConnections.Subtract(1)
}

func (pm *ProxyMetrics) counterFor(name string, description string, labels map[string]string) Counter {
	mn := NewMetricWithLabels(name, description, labels)
	if cached, ok := pm.instruments.Load(mn.String()); ok {
		return cached.(Counter)
	}

	c, err := pm.factory.GetOrCreateCounter(mn)
	if err != nil {
		logMetricCreationError(mn, err)
		return nil
	}
	actual, _ := pm.instruments.LoadOrStore(mn.String(), c)
	return actual.(Counter)
}

func (pm *ProxyMetrics) histogramFor(name string, description string, buckets []float64, labels map[string]string) Histogram {
	mn := NewMetricWithLabels(name, description, labels)
	if cached, ok := pm.instruments.Load(mn.String()); ok {
		return cached.(Histogram)
	}

	h, err := pm.factory.GetOrCreateHistogram(mn, buckets)
	if err != nil {
		logMetricCreationError(mn, err)
		return nil
	}
	actual, _ := pm.instruments.LoadOrStore(mn.String(), h)
	return actual.(Histogram)
}
