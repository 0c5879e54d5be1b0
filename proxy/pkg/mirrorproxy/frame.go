package mirrorproxy

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"strings"

	"github.com/datastax/go-cassandra-native-protocol/frame"
)

type shutdownError struct {
	err string
}

func (e *shutdownError) Error() string {
	return e.err
}

var ShutdownErr = &shutdownError{err: "aborted due to shutdown request"}

var defaultCodec = frame.NewRawCodec()

func adaptConnErr(connectionAddr string, clientHandlerContext context.Context, err error) error {
	if err != nil {
		if clientHandlerContext.Err() != nil {
			return fmt.Errorf("connection error (%v) but shutdown requested (connection to %v): %w", err, connectionAddr, ShutdownErr)
		}

		return err
	}

	return nil
}

// readRawFrame reassembles one whole frame from the stream: the 9-byte header
// is decoded first so the body length can be validated against
// maxBodySizeBytes before any body bytes are buffered.
func readRawFrame(reader io.Reader, connectionAddr string, maxBodySizeBytes int, clientHandlerContext context.Context) (*frame.RawFrame, error) {
	header, err := defaultCodec.DecodeHeader(reader)
	if err != nil {
		return nil, adaptConnErr(connectionAddr, clientHandlerContext, err)
	}

	if int(header.BodyLength) > maxBodySizeBytes {
		return nil, fmt.Errorf("frame body length (%v) exceeds maximum (%v) on connection to %v",
			header.BodyLength, maxBodySizeBytes, connectionAddr)
	}

	body := make([]byte, header.BodyLength)
	if _, err = io.ReadFull(reader, body); err != nil {
		return nil, adaptConnErr(connectionAddr, clientHandlerContext, err)
	}

	return &frame.RawFrame{
		Header: header,
		Body:   body,
	}, nil
}

// writeRawFrame encodes a raw frame (header, then body) onto the writer.
func writeRawFrame(writer io.Writer, connectionAddr string, clientHandlerContext context.Context, f *frame.RawFrame) error {
	err := defaultCodec.EncodeRawFrame(f, writer)
	return adaptConnErr(connectionAddr, clientHandlerContext, err)
}

func IsPeerDisconnect(err error) bool {
	if err == nil {
		return false
	}
	if runtime.GOOS == "windows" {
		return strings.Contains(err.Error(), "forcibly closed by the remote host")
	}
	return strings.Contains(err.Error(), "connection reset by peer")
}

func IsClosingErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "use of closed network connection")
}
