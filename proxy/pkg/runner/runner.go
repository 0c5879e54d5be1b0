package runner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/cassandra-mirror/mirror-proxy/proxy/pkg/config"
	"github.com/cassandra-mirror/mirror-proxy/proxy/pkg/health"
	"github.com/cassandra-mirror/mirror-proxy/proxy/pkg/httpmirror"
	"github.com/cassandra-mirror/mirror-proxy/proxy/pkg/metrics"
	"github.com/cassandra-mirror/mirror-proxy/proxy/pkg/metrics/noopmetrics"
	"github.com/cassandra-mirror/mirror-proxy/proxy/pkg/metrics/prommetrics"
	"github.com/cassandra-mirror/mirror-proxy/proxy/pkg/mirrorproxy"
)

func SetupHandlers() (metricsHandler *httpmirror.HandlerWithFallback, readinessHandler *httpmirror.HandlerWithFallback) {
	metricsHandler = httpmirror.NewHandlerWithFallback(metrics.DefaultHttpHandler())
	readinessHandler = httpmirror.NewHandlerWithFallback(health.DefaultReadinessHandler())

	http.Handle("/metrics", metricsHandler.Handler())
	http.Handle("/health/readiness", readinessHandler.Handler())
	http.Handle("/health/liveness", health.LivenessHandler())
	return metricsHandler, readinessHandler
}

// RunMain runs the proxy until ctx is cancelled. A non-nil error means the
// proxy could not start (e.g. the listen socket could not be bound).
func RunMain(
	conf *config.Config,
	ctx context.Context,
	metricsHandler *httpmirror.HandlerWithFallback,
	readinessHandler *httpmirror.HandlerWithFallback) error {

	wg := &sync.WaitGroup{}
	var srv *http.Server
	var metricFactory metrics.MetricFactory
	if conf.EnableMetrics {
		log.Info("Starting http server.")
		srv = httpmirror.StartHttpServer(fmt.Sprintf("%s:%d", conf.MetricsAddress, conf.MetricsPort), wg)
		metricFactory = prommetrics.NewPrometheusMetricFactory(prometheus.NewRegistry())
	} else {
		metricFactory = noopmetrics.NewNoopMetricFactory()
	}

	b := &backoff.Backoff{
		Min:    100 * time.Millisecond,
		Max:    10 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	p, err := mirrorproxy.Run(conf, ctx, metricFactory, b)

	if err == nil {
		metricsHandler.SetHandler(metricFactory.HttpHandler())
		readinessHandler.SetHandler(health.ReadinessHandler(p))
		log.Info("Proxy started. Waiting for SIGINT/SIGTERM to shutdown.")

		<-ctx.Done()

		p.Shutdown()
	} else if errors.Is(err, mirrorproxy.ShutdownErr) {
		err = nil
	} else {
		log.Errorf("Error launching proxy: %v", err)
	}

	if srv != nil {
		log.Info("Shutting down the admin http server, waiting up to 5 seconds.")
		srvShutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(srvShutdownCtx); err != nil {
			log.Errorf("Failed to gracefully shutdown the admin http server: %v", err)
		}
	}

	wg.Wait()
	log.Info("Http server shutdown.")
	return err
}
