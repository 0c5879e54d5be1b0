package mirrorproxy

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReadRawFrameRoundTrip(t *testing.T) {
	original := mockQueryFrame(t, "SELECT * FROM system.local", 1)

	buf := &bytes.Buffer{}
	require.Nil(t, writeRawFrame(buf, "test", context.Background(), original))

	decoded, err := readRawFrame(buf, "test", 256*1024*1024, context.Background())
	require.Nil(t, err)
	require.Equal(t, original.Header, decoded.Header)
	require.Equal(t, original.Body, decoded.Body)
}

func TestReadRawFramePartialReads(t *testing.T) {
	original := mockQueryFrame(t, "SELECT * FROM system.local WHERE key = 'local'", 9)

	buf := &bytes.Buffer{}
	require.Nil(t, writeRawFrame(buf, "test", context.Background(), original))
	encoded := buf.Bytes()

	// deliver the frame one byte at a time through a socket pair
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		for _, b := range encoded {
			_, writeErr := server.Write([]byte{b})
			if writeErr != nil {
				return
			}
		}
	}()

	require.Nil(t, client.SetReadDeadline(time.Now().Add(5*time.Second)))
	decoded, err := readRawFrame(client, "test", 256*1024*1024, context.Background())
	require.Nil(t, err)
	require.Equal(t, original.Header, decoded.Header)
	require.Equal(t, original.Body, decoded.Body)
}

func TestReadRawFrameBodyTooLarge(t *testing.T) {
	original := mockQueryFrame(t, "SELECT * FROM system.local", 1)

	buf := &bytes.Buffer{}
	require.Nil(t, writeRawFrame(buf, "test", context.Background(), original))

	_, err := readRawFrame(buf, "test", 10, context.Background())
	require.NotNil(t, err)
	require.Contains(t, err.Error(), "exceeds maximum")
}

func TestReadRawFrameTruncatedStream(t *testing.T) {
	original := mockQueryFrame(t, "SELECT * FROM system.local", 1)

	buf := &bytes.Buffer{}
	require.Nil(t, writeRawFrame(buf, "test", context.Background(), original))
	truncated := buf.Bytes()[:buf.Len()-3]

	_, err := readRawFrame(bytes.NewReader(truncated), "test", 256*1024*1024, context.Background())
	require.NotNil(t, err)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestAdaptConnErrWrapsShutdown(t *testing.T) {
	ctx, cancelFunc := context.WithCancel(context.Background())
	cancelFunc()

	err := adaptConnErr("addr", ctx, io.EOF)
	require.ErrorIs(t, err, ShutdownErr)

	require.Nil(t, adaptConnErr("addr", ctx, nil))
}
