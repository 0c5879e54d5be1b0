package mirrorproxy

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/datastax/go-cassandra-native-protocol/message"
	"github.com/datastax/go-cassandra-native-protocol/primitive"
	"github.com/stretchr/testify/require"

	"github.com/cassandra-mirror/mirror-proxy/proxy/pkg/metrics/noopmetrics"
)

func freePort(t *testing.T) int {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.Nil(t, err)
	defer listener.Close()
	_, portStr, err := net.SplitHostPort(listener.Addr().String())
	require.Nil(t, err)
	port, err := strconv.Atoi(portStr)
	require.Nil(t, err)
	return port
}

func TestProxyEndToEnd(t *testing.T) {
	source := startFakeCluster(t, echoVoidHandler)
	target := startFakeCluster(t, echoVoidHandler)

	conf := testConfig(source, target)
	conf.ProxyAddress = "127.0.0.1"
	conf.ProxyPort = freePort(t)
	conf.Threads = 2

	ctx, cancelFunc := context.WithCancel(context.Background())
	defer cancelFunc()

	p := NewMirrorProxy(conf, noopmetrics.NewNoopMetricFactory())
	require.Nil(t, p.Start(ctx))
	defer p.Shutdown()

	require.True(t, p.Ready())
	require.NotNil(t, p.ListenerAddr())

	// two concurrent clients, exercising both accept goroutines
	for i := 0; i < 2; i++ {
		client, err := net.Dial("tcp", p.ListenerAddr().String())
		require.Nil(t, err)

		sendRawFrame(t, client, mockQueryFrame(t, "SELECT * FROM system.local", int16(i+1)))
		response := readRawFrameWithTimeout(t, client, 5*time.Second)
		require.Equal(t, int16(i+1), response.Header.StreamId)
		require.Equal(t, primitive.OpCodeResult, response.Header.OpCode)

		decoded := decodeFrame(t, response)
		require.IsType(t, &message.VoidResult{}, decoded.Body.Message)

		require.Nil(t, client.Close())
	}

	require.Eventually(t, func() bool {
		return p.ActiveClients() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestProxyShutdown(t *testing.T) {
	source := startFakeCluster(t, echoVoidHandler)
	target := startFakeCluster(t, echoVoidHandler)

	conf := testConfig(source, target)
	conf.ProxyAddress = "127.0.0.1"
	conf.ProxyPort = freePort(t)

	ctx, cancelFunc := context.WithCancel(context.Background())
	defer cancelFunc()

	p := NewMirrorProxy(conf, noopmetrics.NewNoopMetricFactory())
	require.Nil(t, p.Start(ctx))

	client, err := net.Dial("tcp", p.ListenerAddr().String())
	require.Nil(t, err)
	sendRawFrame(t, client, mockQueryFrame(t, "SELECT * FROM system.local", 1))
	readRawFrameWithTimeout(t, client, 5*time.Second)

	shutdownDone := make(chan struct{})
	go func() {
		p.Shutdown()
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
	case <-time.After(10 * time.Second):
		t.Fatal("proxy shutdown timed out")
	}
	require.False(t, p.Ready())

	// the client connection is closed as part of shutdown
	require.Nil(t, client.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = defaultCodec.DecodeRawFrame(client)
	require.NotNil(t, err)
}

func TestProxyBindFailure(t *testing.T) {
	source := startFakeCluster(t, echoVoidHandler)
	target := startFakeCluster(t, echoVoidHandler)

	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	require.Nil(t, err)
	defer occupied.Close()
	_, portStr, err := net.SplitHostPort(occupied.Addr().String())
	require.Nil(t, err)
	port, err := strconv.Atoi(portStr)
	require.Nil(t, err)

	conf := testConfig(source, target)
	conf.ProxyAddress = "127.0.0.1"
	conf.ProxyPort = port

	ctx, cancelFunc := context.WithCancel(context.Background())
	defer cancelFunc()

	p := NewMirrorProxy(conf, noopmetrics.NewNoopMetricFactory())
	startErr := p.Start(ctx)
	require.NotNil(t, startErr)
	require.Contains(t, startErr.Error(), "failed to bind")
}
