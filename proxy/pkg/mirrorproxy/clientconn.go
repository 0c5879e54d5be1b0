package mirrorproxy

import (
	"bufio"
	"context"
	"net"
	"sync"

	"github.com/datastax/go-cassandra-native-protocol/frame"
	log "github.com/sirupsen/logrus"

	"github.com/cassandra-mirror/mirror-proxy/proxy/pkg/config"
)

const ClientConnectorLogPrefix = "CLIENT-CONNECTOR"

// ClientConnector owns the client-facing connection: it reads request frames
// (subject to the read gate driven by upstream backpressure) and writes
// response frames through its coalescer.
type ClientConnector struct {
	connection net.Conn

	conf *config.Config

	clientHandlerContext    context.Context
	clientHandlerCancelFunc context.CancelFunc

	writeCoalescer *writeCoalescer
	readGate       *readGate

	bufferedReader *bufio.Reader
	connectionAddr string
}

func NewClientConnector(
	connection net.Conn,
	conf *config.Config,
	clientHandlerWg *sync.WaitGroup,
	clientHandlerContext context.Context,
	clientHandlerCancelFunc context.CancelFunc,
	readGate *readGate,
	responseBackpressure *pauseController) *ClientConnector {

	return &ClientConnector{
		connection:              connection,
		conf:                    conf,
		clientHandlerContext:    clientHandlerContext,
		clientHandlerCancelFunc: clientHandlerCancelFunc,
		writeCoalescer: NewWriteCoalescer(
			conf,
			connection,
			clientHandlerWg,
			clientHandlerContext,
			clientHandlerCancelFunc,
			ClientConnectorLogPrefix,
			false,
			responseBackpressure),
		readGate:       readGate,
		bufferedReader: bufio.NewReaderSize(connection, conf.ReadBufferSizeBytes),
		connectionAddr: connection.RemoteAddr().String(),
	}
}

func (cc *ClientConnector) run() {
	cc.writeCoalescer.RunWriteQueueLoop()
}

// readRequest blocks until the next whole request frame is available, the
// read gate pauses are over, or the connection fails.
func (cc *ClientConnector) readRequest() (*frame.RawFrame, error) {
	if err := cc.readGate.Wait(cc.clientHandlerContext); err != nil {
		return nil, err
	}
	return readRawFrame(cc.bufferedReader, cc.connectionAddr, cc.conf.MaxFrameBodySizeBytes, cc.clientHandlerContext)
}

func (cc *ClientConnector) sendResponseToClient(f *frame.RawFrame) {
	cc.writeCoalescer.Enqueue(f)
}

func (cc *ClientConnector) remoteAddr() string {
	return cc.connectionAddr
}

func (cc *ClientConnector) close() {
	log.Infof("[%s] Shutting down client connection to %v", ClientConnectorLogPrefix, cc.connectionAddr)
	if err := cc.connection.Close(); err != nil {
		log.Warnf("[%s] Error received while closing connection to %v: %v", ClientConnectorLogPrefix, cc.connectionAddr, err)
	}
}
