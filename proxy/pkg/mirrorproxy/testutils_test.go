package mirrorproxy

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/datastax/go-cassandra-native-protocol/frame"
	"github.com/datastax/go-cassandra-native-protocol/message"
	"github.com/datastax/go-cassandra-native-protocol/primitive"
	"github.com/stretchr/testify/require"

	"github.com/cassandra-mirror/mirror-proxy/proxy/pkg/config"
	"github.com/cassandra-mirror/mirror-proxy/proxy/pkg/metrics"
)

func mockFrame(t *testing.T, msg message.Message, version primitive.ProtocolVersion, streamId int16) *frame.RawFrame {
	f := frame.NewFrame(version, streamId, msg)
	rawFrame, err := defaultCodec.ConvertToRawFrame(f)
	require.Nil(t, err)
	return rawFrame
}

func mockQueryFrame(t *testing.T, query string, streamId int16) *frame.RawFrame {
	queryMsg := &message.Query{
		Query: query,
	}
	return mockFrame(t, queryMsg, primitive.ProtocolVersion4, streamId)
}

func decodeFrame(t *testing.T, rawFrame *frame.RawFrame) *frame.Frame {
	f, err := defaultCodec.ConvertFromRawFrame(rawFrame)
	require.Nil(t, err)
	return f
}

// clusterRequestHandler is invoked by the fake cluster for every request it
// receives. Responses are written through send, which is safe to call from
// other goroutines (and after the handler returned).
type clusterRequestHandler func(request *frame.RawFrame, send func(response *frame.RawFrame))

type fakeCluster struct {
	t        *testing.T
	listener net.Listener
	handler  clusterRequestHandler

	lock     sync.Mutex
	requests []*frame.RawFrame
	conns    []net.Conn

	wg       sync.WaitGroup
	shutdown chan struct{}
}

// startFakeCluster runs a minimal CQL server on a loopback port. Each
// accepted connection gets a read loop that feeds the handler.
func startFakeCluster(t *testing.T, handler clusterRequestHandler) *fakeCluster {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.Nil(t, err)

	fc := &fakeCluster{
		t:        t,
		listener: listener,
		handler:  handler,
		shutdown: make(chan struct{}),
	}

	fc.wg.Add(1)
	go func() {
		defer fc.wg.Done()
		for {
			conn, acceptErr := listener.Accept()
			if acceptErr != nil {
				return
			}
			fc.lock.Lock()
			fc.conns = append(fc.conns, conn)
			fc.lock.Unlock()
			fc.wg.Add(1)
			go fc.serveConnection(conn)
		}
	}()

	t.Cleanup(fc.Close)
	return fc
}

func (fc *fakeCluster) serveConnection(conn net.Conn) {
	defer fc.wg.Done()
	defer conn.Close()

	writeLock := &sync.Mutex{}
	send := func(response *frame.RawFrame) {
		writeLock.Lock()
		defer writeLock.Unlock()
		_ = defaultCodec.EncodeRawFrame(response, conn)
	}

	for {
		request, err := defaultCodec.DecodeRawFrame(conn)
		if err != nil {
			return
		}

		fc.lock.Lock()
		fc.requests = append(fc.requests, request)
		fc.lock.Unlock()

		if fc.handler != nil {
			fc.handler(request, send)
		}
	}
}

func (fc *fakeCluster) Host() string {
	host, _, _ := net.SplitHostPort(fc.listener.Addr().String())
	return host
}

func (fc *fakeCluster) Port() int {
	_, portStr, _ := net.SplitHostPort(fc.listener.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return port
}

func (fc *fakeCluster) Requests() []*frame.RawFrame {
	fc.lock.Lock()
	defer fc.lock.Unlock()
	result := make([]*frame.RawFrame, len(fc.requests))
	copy(result, fc.requests)
	return result
}

func (fc *fakeCluster) Close() {
	select {
	case <-fc.shutdown:
		return
	default:
		close(fc.shutdown)
	}
	_ = fc.listener.Close()
	fc.lock.Lock()
	for _, conn := range fc.conns {
		_ = conn.Close()
	}
	fc.lock.Unlock()
	fc.wg.Wait()
}

// echoVoidHandler responds to every request with a VOID result on the same
// stream id.
func echoVoidHandler(request *frame.RawFrame, send func(response *frame.RawFrame)) {
	response := frame.NewFrame(request.Header.Version, request.Header.StreamId, &message.VoidResult{})
	rawResponse, err := frame.NewRawCodec().ConvertToRawFrame(response)
	if err != nil {
		return
	}
	send(rawResponse)
}

func keyspaceResultHandler(keyspace string) clusterRequestHandler {
	return func(request *frame.RawFrame, send func(response *frame.RawFrame)) {
		response := frame.NewFrame(
			request.Header.Version, request.Header.StreamId, &message.SetKeyspaceResult{Keyspace: keyspace})
		rawResponse, err := frame.NewRawCodec().ConvertToRawFrame(response)
		if err != nil {
			return
		}
		send(rawResponse)
	}
}

func testConfig(source *fakeCluster, target *fakeCluster) *config.Config {
	conf := config.New()
	conf.SourceHost = source.Host()
	conf.SourcePort = source.Port()
	conf.TargetHost = target.Host()
	conf.TargetPort = target.Port()
	conf.UpstreamTls = false // fake clusters speak plain TCP
	conf.Uuid = false
	conf.EnableMetrics = false
	conf.ClusterConnectionTimeoutMs = 5000
	return conf
}

// startTestClientHandler wires a ClientHandler between an in-process client
// connection and the two fake clusters, mirroring what the proxy accept loop
// does. It returns the client side of the connection.
func startTestClientHandler(
	t *testing.T,
	conf *config.Config,
	protocolVersions []int,
	cqlVersions []string,
	proxyMetrics *metrics.ProxyMetrics) net.Conn {

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.Nil(t, err)
	defer listener.Close()

	serverConnChan := make(chan net.Conn, 1)
	go func() {
		conn, acceptErr := listener.Accept()
		if acceptErr == nil {
			serverConnChan <- conn
		}
	}()

	clientConn, err := net.Dial("tcp", listener.Addr().String())
	require.Nil(t, err)

	var serverConn net.Conn
	select {
	case serverConn = <-serverConnChan:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for client connection accept")
	}

	ctx, cancelFunc := context.WithCancel(context.Background())

	var timeUuidGenerator TimeUuidGenerator
	if conf.Uuid {
		timeUuidGenerator, err = NewTimeUuidGenerator()
		require.Nil(t, err)
	}

	clientHandler, err := NewClientHandler(
		serverConn, conf, protocolVersions, cqlVersions, timeUuidGenerator, proxyMetrics, ctx)
	require.Nil(t, err)

	handlerDone := make(chan struct{})
	clientHandler.run(func() {
		close(handlerDone)
	})

	t.Cleanup(func() {
		_ = clientConn.Close()
		cancelFunc()
		select {
		case <-handlerDone:
		case <-time.After(5 * time.Second):
			t.Log("timed out waiting for client handler shutdown")
		}
	})

	return clientConn
}

func sendRawFrame(t *testing.T, conn net.Conn, rawFrame *frame.RawFrame) {
	err := defaultCodec.EncodeRawFrame(rawFrame, conn)
	require.Nil(t, err)
}

func readRawFrameWithTimeout(t *testing.T, conn net.Conn, timeout time.Duration) *frame.RawFrame {
	require.Nil(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	rawFrame, err := defaultCodec.DecodeRawFrame(conn)
	require.Nil(t, err)
	require.Nil(t, conn.SetReadDeadline(time.Time{}))
	return rawFrame
}
