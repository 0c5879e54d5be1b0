package mirrorproxy

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/datastax/go-cassandra-native-protocol/frame"
	log "github.com/sirupsen/logrus"

	"github.com/cassandra-mirror/mirror-proxy/proxy/pkg/common"
	"github.com/cassandra-mirror/mirror-proxy/proxy/pkg/config"
)

type ClusterConnectorType string

const (
	ClusterConnectorTypeSource = ClusterConnectorType("SOURCE-CONNECTOR")
	ClusterConnectorTypeTarget = ClusterConnectorType("TARGET-CONNECTOR")
)

// ClusterConnector owns the single connection to one cluster on behalf of
// one client connection. It writes requests through its coalescer and
// demultiplexes out-of-order responses back to their completion slots by
// stream id.
type ClusterConnector struct {
	conf *config.Config

	connection    net.Conn
	clusterType   common.ClusterType
	connectorType ClusterConnectorType
	identifier    string

	pending *pendingRequests

	clientHandlerWg    *sync.WaitGroup
	clusterConnContext context.Context
	cancelFunc         context.CancelFunc

	writeCoalescer *writeCoalescer
	readGate       *readGate

	// set on the source connector when SUPPORTED responses must be rewritten
	supportedOverride *supportedOverride

	doneChan chan bool
}

func NewClusterConnector(
	clusterType common.ClusterType,
	endpoint string,
	identifier string,
	conf *config.Config,
	clientHandlerWg *sync.WaitGroup,
	clientHandlerContext context.Context,
	clientHandlerCancelFunc context.CancelFunc,
	readGate *readGate,
	requestBackpressure *pauseController,
	supportedOverride *supportedOverride) (*ClusterConnector, error) {

	connectorType := ClusterConnectorTypeSource
	if clusterType == common.ClusterTypeTarget {
		connectorType = ClusterConnectorTypeTarget
	}

	log.Infof("[%s] Opening request connection to %v (%v at %v).", connectorType, clusterType, identifier, endpoint)
	conn, err := openConnection(endpoint, conf.UpstreamTls, conf.ClusterConnectionTimeoutMs, clientHandlerContext)
	if err != nil {
		return nil, fmt.Errorf("%s could not open connection to %v (%v): %w", connectorType, clusterType, endpoint, err)
	}
	log.Infof("[%s] Request connection to %v (%v) has been opened.", connectorType, clusterType, conn.RemoteAddr())

	go func() {
		<-clientHandlerContext.Done()
		log.Infof("[%s] Closing request connection to %v (%v)", connectorType, clusterType, conn.RemoteAddr())
		if closeErr := conn.Close(); closeErr != nil {
			log.Warnf("[%s] Error closing connection to %v (%v): %v.", connectorType, clusterType, conn.RemoteAddr(), closeErr.Error())
		}
	}()

	return &ClusterConnector{
		conf:               conf,
		connection:         conn,
		clusterType:        clusterType,
		connectorType:      connectorType,
		identifier:         identifier,
		pending:            newPendingRequests(),
		clientHandlerWg:    clientHandlerWg,
		clusterConnContext: clientHandlerContext,
		cancelFunc:         clientHandlerCancelFunc,
		writeCoalescer: NewWriteCoalescer(
			conf,
			conn,
			clientHandlerWg,
			clientHandlerContext,
			clientHandlerCancelFunc,
			string(connectorType),
			true,
			requestBackpressure),
		readGate:          readGate,
		supportedOverride: supportedOverride,
		doneChan:          make(chan bool),
	}, nil
}

func (cc *ClusterConnector) run() {
	cc.runResponseListeningLoop()
	cc.writeCoalescer.RunWriteQueueLoop()
}

// sendRequest registers the frame's stream id and enqueues the bytes for the
// cluster. The returned slot is fulfilled by the response loop. An error
// means the stream id is already in flight (non-compliant client) or the
// connection is shutting down.
func (cc *ClusterConnector) sendRequest(request *frame.RawFrame) (*completionSlot, error) {
	slot, err := cc.pending.store(request.Header.StreamId)
	if err != nil {
		return nil, err
	}
	cc.writeCoalescer.Enqueue(request)
	return slot, nil
}

func (cc *ClusterConnector) remoteAddr() string {
	return cc.connection.RemoteAddr().String()
}

/**
 *	Starts a long-running loop that listens for replies being sent by the cluster
 */
func (cc *ClusterConnector) runResponseListeningLoop() {
	cc.clientHandlerWg.Add(1)
	log.Debugf("[%s] Listening to replies sent by node %v", cc.connectorType, cc.connection.RemoteAddr())
	go func() {
		defer cc.clientHandlerWg.Done()
		defer close(cc.doneChan)
		defer cc.pending.clear(fmt.Errorf("%s: upstream connection to %v closed", cc.connectorType, cc.clusterType))

		bufferedReader := bufio.NewReaderSize(cc.connection, cc.conf.ReadBufferSizeBytes)
		connectionAddr := fmt.Sprintf("%v (%v)", cc.connection.RemoteAddr(), cc.identifier)
		for {
			if err := cc.readGate.Wait(cc.clusterConnContext); err != nil {
				break
			}

			response, err := readRawFrame(bufferedReader, connectionAddr, cc.conf.MaxFrameBodySizeBytes, cc.clusterConnContext)
			if err != nil {
				handleConnectionError(
					err, cc.clusterConnContext, cc.cancelFunc, string(cc.connectorType), "reading", connectionAddr)
				break
			}

			log.Tracef("[%s] Received response from %v (%v): %v",
				cc.connectorType, cc.clusterType, connectionAddr, response.Header)

			if cc.supportedOverride != nil && inspectFrame(response) == FrameStateSupported {
				response = cc.supportedOverride.apply(response, string(cc.connectorType))
			}

			if !cc.pending.markAsDone(response.Header.StreamId, response) {
				log.Warnf("[%s] Received response with stream id %d that has no pending request, dropping it.",
					cc.connectorType, response.Header.StreamId)
			}
		}
		log.Debugf("[%s] Shutting down response listening loop from %v", cc.connectorType, connectionAddr)
	}()
}

func (cc *ClusterConnector) Shutdown() {
	cc.cancelFunc()
}
