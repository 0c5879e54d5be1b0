package mirrorproxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	log "github.com/sirupsen/logrus"

	"github.com/cassandra-mirror/mirror-proxy/proxy/pkg/common"
	"github.com/cassandra-mirror/mirror-proxy/proxy/pkg/config"
	"github.com/cassandra-mirror/mirror-proxy/proxy/pkg/metrics"
)

// MirrorProxy accepts client connections and mirrors every request to the
// source and target clusters. The source cluster is authoritative for the
// responses the client sees.
type MirrorProxy struct {
	Conf *config.Config

	protocolVersions []int
	cqlVersions      []string
	proxyTlsConfig   *common.ProxyTlsConfig

	timeUuidGenerator TimeUuidGenerator
	metricFactory     metrics.MetricFactory
	proxyMetrics      *metrics.ProxyMetrics

	clientListener net.Listener

	shutdownContext    context.Context
	shutdownCancelFunc context.CancelFunc

	clientHandlersWg *sync.WaitGroup
	listenersWg      *sync.WaitGroup

	activeClients int32
	up            int32
}

func NewMirrorProxy(conf *config.Config, metricFactory metrics.MetricFactory) *MirrorProxy {
	return &MirrorProxy{
		Conf:             conf,
		metricFactory:    metricFactory,
		clientHandlersWg: &sync.WaitGroup{},
		listenersWg:      &sync.WaitGroup{},
	}
}

// Start binds the listener and launches the accept loops. The proxy runs
// until ctx is cancelled or Shutdown is called.
func (p *MirrorProxy) Start(ctx context.Context) error {
	var err error
	p.protocolVersions, err = p.Conf.ParseProtocolVersions()
	if err != nil {
		return err
	}
	p.cqlVersions = p.Conf.ParseCqlVersions()
	p.proxyTlsConfig, err = p.Conf.ParseProxyTlsConfig()
	if err != nil {
		return err
	}

	if p.Conf.Uuid {
		p.timeUuidGenerator, err = NewTimeUuidGenerator()
		if err != nil {
			return err
		}
	}

	if p.Conf.EnableMetrics {
		p.proxyMetrics, err = p.createProxyMetrics()
		if err != nil {
			return err
		}
	}

	p.shutdownContext, p.shutdownCancelFunc = context.WithCancel(ctx)

	listenAddr := fmt.Sprintf("%s:%d", p.Conf.ProxyAddress, p.Conf.ProxyPort)
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		p.shutdownCancelFunc()
		return fmt.Errorf("failed to bind to %v: %w", listenAddr, err)
	}

	if p.proxyTlsConfig.TlsEnabled {
		tlsConfig, tlsErr := loadProxyTlsConfig(p.proxyTlsConfig)
		if tlsErr != nil {
			_ = listener.Close()
			p.shutdownCancelFunc()
			return tlsErr
		}
		listener = tls.NewListener(listener, tlsConfig)
		log.Infof("Client listener is using TLS.")
	}

	p.clientListener = listener
	atomic.StoreInt32(&p.up, 1)

	go func() {
		<-p.shutdownContext.Done()
		atomic.StoreInt32(&p.up, 0)
		_ = p.clientListener.Close()
	}()

	for i := 0; i < p.Conf.Threads; i++ {
		p.acceptConnectionsFromClients(p.clientListener)
	}

	log.Infof("Proxy connected and ready to accept queries on %v (source: %v:%v, target: %v:%v)",
		listener.Addr(), p.Conf.SourceHost, p.Conf.SourcePort, p.Conf.TargetHost, p.Conf.TargetPort)
	return nil
}

// acceptConnectionsFromClients launches one accept goroutine. Every accepted
// connection gets its own ClientHandler which opens one connection to each
// cluster and takes over.
func (p *MirrorProxy) acceptConnectionsFromClients(listener net.Listener) {
	p.listenersWg.Add(1)
	go func() {
		defer p.listenersWg.Done()
		for {
			conn, err := listener.Accept()
			if err != nil {
				if p.shutdownContext.Err() != nil {
					log.Debugf("Shutting down client listener on %v", listener.Addr())
					return
				}
				log.Errorf("Error while accepting new client connection: %v", err)
				continue
			}

			p.clientHandlersWg.Add(1)
			atomic.AddInt32(&p.activeClients, 1)
			if p.proxyMetrics != nil {
				p.proxyMetrics.IncrementClientConnections()
			}
			go p.handleNewConnection(conn)
		}
	}()
}

func (p *MirrorProxy) handleNewConnection(conn net.Conn) {
	log.Infof("Accepted connection from %v", conn.RemoteAddr())

	onDone := func() {
		atomic.AddInt32(&p.activeClients, -1)
		if p.proxyMetrics != nil {
			p.proxyMetrics.DecrementClientConnections()
		}
		p.clientHandlersWg.Done()
	}

	clientHandler, err := NewClientHandler(
		conn,
		p.Conf,
		p.protocolVersions,
		p.cqlVersions,
		p.timeUuidGenerator,
		p.proxyMetrics,
		p.shutdownContext)
	if err != nil {
		log.Errorf("Could not initialize client handler for %v: %v. Closing the client connection.",
			conn.RemoteAddr(), err)
		_ = conn.Close()
		onDone()
		return
	}

	clientHandler.run(onDone)
}

func (p *MirrorProxy) createProxyMetrics() (*metrics.ProxyMetrics, error) {
	proxyTimeBuckets, err := p.Conf.ParseProxyTimeBuckets()
	if err != nil {
		return nil, fmt.Errorf("could not parse proxy time buckets: %w", err)
	}
	requestTimerBuckets, err := p.Conf.ParseRequestTimerBuckets()
	if err != nil {
		return nil, fmt.Errorf("could not parse request timer buckets: %w", err)
	}
	pausedTimerBuckets, err := p.Conf.ParsePausedTimerBuckets()
	if err != nil {
		return nil, fmt.Errorf("could not parse paused timer buckets: %w", err)
	}
	return metrics.NewProxyMetrics(p.metricFactory, proxyTimeBuckets, requestTimerBuckets, pausedTimerBuckets)
}

// Ready reports whether the listener is bound and accepting connections.
func (p *MirrorProxy) Ready() bool {
	return atomic.LoadInt32(&p.up) == 1
}

func (p *MirrorProxy) ActiveClients() int32 {
	return atomic.LoadInt32(&p.activeClients)
}

func (p *MirrorProxy) ListenerAddr() net.Addr {
	if p.clientListener == nil {
		return nil
	}
	return p.clientListener.Addr()
}

// Shutdown closes the listener, cancels every client handler and waits for
// them to drain.
func (p *MirrorProxy) Shutdown() {
	log.Info("Initiating proxy shutdown...")
	p.shutdownCancelFunc()
	p.listenersWg.Wait()
	p.clientHandlersWg.Wait()
	if err := p.metricFactory.UnregisterAllMetrics(); err != nil {
		log.Warnf("Failed to unregister metrics: %v.", err)
	}
	log.Info("Proxy shutdown complete.")
}

// Run builds a proxy from conf and starts it, retrying bind failures with
// backoff when bind_retry is enabled.
func Run(conf *config.Config, ctx context.Context, metricFactory metrics.MetricFactory, b *backoff.Backoff) (*MirrorProxy, error) {
	for {
		p := NewMirrorProxy(conf, metricFactory)
		err := p.Start(ctx)
		if err == nil {
			return p, nil
		}

		if !conf.BindRetry {
			return nil, err
		}

		if ctx.Err() != nil {
			return nil, ShutdownErr
		}

		nextDuration := b.Duration()
		log.Errorf("Couldn't start proxy (%v), retrying in %v...", err, nextDuration)
		select {
		case <-time.After(nextDuration):
		case <-ctx.Done():
			return nil, ShutdownErr
		}
	}
}
