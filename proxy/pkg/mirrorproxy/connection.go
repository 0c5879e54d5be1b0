package mirrorproxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/jpillora/backoff"
	log "github.com/sirupsen/logrus"
)

func openConnection(endpoint string, useTls bool, connectionTimeoutMs int, ctx context.Context) (net.Conn, error) {
	timeout := time.Duration(connectionTimeoutMs) * time.Millisecond
	openConnectionTimeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := openTCPConnectionWithBackoff(endpoint, openConnectionTimeoutCtx)
	if err != nil {
		return nil, err
	}

	if !useTls {
		return conn, nil
	}

	return openTLSConnection(conn, endpoint, openConnectionTimeoutCtx)
}

func openTCPConnectionWithBackoff(addr string, ctx context.Context) (net.Conn, error) {
	b := &backoff.Backoff{
		Min:    100 * time.Millisecond,
		Max:    10 * time.Second,
		Factor: 2,
		Jitter: false,
	}

	log.Debugf("[openTCPConnectionWithBackoff] Attempting to connect to %v...", addr)
	dialer := net.Dialer{}
	for {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("could not connect to %v: %w", addr, ShutdownErr)
			}
			nextDuration := b.Duration()
			log.Errorf("[openTCPConnectionWithBackoff] Couldn't connect to %v, retrying in %v...", addr, nextDuration)
			select {
			case <-time.After(nextDuration):
			case <-ctx.Done():
				return nil, fmt.Errorf("could not connect to %v: %w", addr, ShutdownErr)
			}
			continue
		}
		log.Debugf("[openTCPConnectionWithBackoff] Successfully established connection with %v", conn.RemoteAddr())
		return conn, nil
	}
}

func openTLSConnection(tcpConn net.Conn, endpoint string, ctx context.Context) (*tls.Conn, error) {
	log.Infof("[openTLSConnection] Opening TLS connection to %v using underlying TCP connection", endpoint)
	tlsConn := tls.Client(tcpConn, clusterTlsConfig())
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = tlsConn.Close()
		return nil, err
	}
	log.Infof("[openTLSConnection] Successfully established connection with %v", endpoint)

	return tlsConn, nil
}

// Checks if the error was due to a shutdown request, triggering the cancellation function if it was not.
// Also logs the error appropriately.
func handleConnectionError(err error, ctx context.Context, cancelFn context.CancelFunc, logPrefix string, operation string, connectionAddr string) {
	if errors.Is(err, ShutdownErr) {
		return
	}
	if errors.Is(err, io.EOF) || IsPeerDisconnect(err) || IsClosingErr(err) {
		log.Infof("[%v] %v disconnected", logPrefix, connectionAddr)
	} else {
		log.Errorf("[%v] error %v: %v", logPrefix, operation, err)
	}

	if ctx.Err() == nil {
		cancelFn()
	}
}
