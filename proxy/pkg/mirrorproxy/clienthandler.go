package mirrorproxy

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/datastax/go-cassandra-native-protocol/frame"
	log "github.com/sirupsen/logrus"

	"github.com/cassandra-mirror/mirror-proxy/proxy/pkg/common"
	"github.com/cassandra-mirror/mirror-proxy/proxy/pkg/config"
	"github.com/cassandra-mirror/mirror-proxy/proxy/pkg/metrics"
)

/*
  ClientHandler holds the per-connection object graph:
    - a ClientConnector for the client-facing socket
    - two ClusterConnectors, one per cluster
    - the request orchestration: fan-out to both clusters, join, response selection
*/
type ClientHandler struct {
	conf *config.Config

	clientConnector *ClientConnector
	sourceConnector *ClusterConnector
	targetConnector *ClusterConnector

	protocolGuard *ProtocolGuard
	queryRewriter *QueryRewriter
	proxyMetrics  *metrics.ProxyMetrics

	clientHandlerContext    context.Context
	clientHandlerCancelFunc context.CancelFunc

	clientHandlerWg *sync.WaitGroup
	requestWg       sync.WaitGroup

	requestsDoneChan chan bool
}

func NewClientHandler(
	clientConnection net.Conn,
	conf *config.Config,
	protocolVersions []int,
	cqlVersions []string,
	timeUuidGenerator TimeUuidGenerator,
	proxyMetrics *metrics.ProxyMetrics,
	rootContext context.Context) (*ClientHandler, error) {

	clientHandlerContext, clientHandlerCancelFunc := context.WithCancel(rootContext)

	clientGate := newReadGate()
	sourceGate := newReadGate()
	targetGate := newReadGate()

	clientAddr := clientConnection.RemoteAddr().String()

	// responses backing up towards the client pause both upstream readers
	var trackClientPause func(begin time.Time)
	if proxyMetrics != nil {
		trackClientPause = func(begin time.Time) {
			proxyMetrics.TrackClientSocketPaused(begin, clientAddr, conf.Wait)
		}
	}
	responseBackpressure := newPauseController(trackClientPause, sourceGate, targetGate)

	clientHandlerWg := &sync.WaitGroup{}
	clientConnector := NewClientConnector(
		clientConnection,
		conf,
		clientHandlerWg,
		clientHandlerContext,
		clientHandlerCancelFunc,
		clientGate,
		responseBackpressure)

	sourceEndpoint := fmt.Sprintf("%s:%d", conf.SourceHost, conf.SourcePort)
	targetEndpoint := fmt.Sprintf("%s:%d", conf.TargetHost, conf.TargetPort)

	ch := &ClientHandler{
		conf:                    conf,
		clientConnector:         clientConnector,
		protocolGuard:           NewProtocolGuard(protocolVersions),
		proxyMetrics:            proxyMetrics,
		clientHandlerContext:    clientHandlerContext,
		clientHandlerCancelFunc: clientHandlerCancelFunc,
		clientHandlerWg:         clientHandlerWg,
		requestsDoneChan:        make(chan bool, 1),
	}

	if conf.Uuid {
		ch.queryRewriter = NewQueryRewriter(timeUuidGenerator)
	}

	// requests backing up towards a cluster pause the client reader
	sourceConnector, err := NewClusterConnector(
		common.ClusterTypeSource,
		sourceEndpoint,
		conf.SourceIdentifier,
		conf,
		clientHandlerWg,
		clientHandlerContext,
		clientHandlerCancelFunc,
		sourceGate,
		newPauseController(ch.trackServerPauseFunc(sourceEndpoint, conf.SourceIdentifier), clientGate),
		newSupportedOverride(protocolVersions, cqlVersions))
	if err != nil {
		clientHandlerCancelFunc()
		return nil, err
	}

	targetConnector, err := NewClusterConnector(
		common.ClusterTypeTarget,
		targetEndpoint,
		conf.TargetIdentifier,
		conf,
		clientHandlerWg,
		clientHandlerContext,
		clientHandlerCancelFunc,
		targetGate,
		newPauseController(ch.trackServerPauseFunc(targetEndpoint, conf.TargetIdentifier), clientGate),
		nil)
	if err != nil {
		clientHandlerCancelFunc()
		return nil, err
	}

	ch.sourceConnector = sourceConnector
	ch.targetConnector = targetConnector
	return ch, nil
}

func (ch *ClientHandler) trackServerPauseFunc(serverAddress string, serverIdentifier string) func(begin time.Time) {
	if ch.proxyMetrics == nil {
		return nil
	}
	return func(begin time.Time) {
		ch.proxyMetrics.TrackServerSocketPaused(begin, serverAddress, serverIdentifier)
	}
}

/**
 *	Starts the six per-connection loops: the client request listener, the two
 *	cluster response listeners and the three write coalescers (client, source
 *	and target).
 */
func (ch *ClientHandler) run(onDone func()) {
	ch.clientConnector.run()
	ch.sourceConnector.run()
	ch.targetConnector.run()
	ch.listenForRequests()

	// closing the client connection is what unblocks the request listener
	// when an upstream failure or a shutdown cancels the handler context
	ch.clientHandlerWg.Add(1)
	go func() {
		defer ch.clientHandlerWg.Done()
		<-ch.clientHandlerContext.Done()
		ch.clientConnector.close()
	}()

	go func() {
		<-ch.requestsDoneChan
		ch.requestWg.Wait()
		ch.clientHandlerCancelFunc()

		log.Debugf("[%s] All in flight requests are done, shutting down write coalescers for client %v.",
			ClientConnectorLogPrefix, ch.clientConnector.remoteAddr())
		ch.sourceConnector.writeCoalescer.Close()
		ch.targetConnector.writeCoalescer.Close()
		ch.clientConnector.writeCoalescer.Close()

		ch.clientHandlerWg.Wait()
		onDone()
	}()
}

func (ch *ClientHandler) listenForRequests() {
	log.Tracef("[%s] listenForRequests for client %v", ClientConnectorLogPrefix, ch.clientConnector.remoteAddr())

	go func() {
		defer func() {
			ch.requestsDoneChan <- true
		}()

		for ch.clientHandlerContext.Err() == nil {
			f, err := ch.clientConnector.readRequest()
			if err != nil {
				handleConnectionError(
					err, ch.clientHandlerContext, ch.clientHandlerCancelFunc, ClientConnectorLogPrefix,
					"reading", ch.clientConnector.remoteAddr())
				break
			}

			log.Tracef("[%s] Received request on client connector: %v", ClientConnectorLogPrefix, f.Header)
			ch.handleRequest(f)
		}
	}()
}

// handleRequest drives one client frame through guard, rewrite and fan-out.
// Runs on the request listener goroutine, so frames are dispatched in the
// order they arrive; responses are correlated by stream id and may interleave.
func (ch *ClientHandler) handleRequest(request *frame.RawFrame) {
	overallRequestStartTime := time.Now()
	requestState := inspectFrame(request)
	requestOpcode := opcodeLabel(request)

	rejection, err := ch.protocolGuard.Check(request)
	if err != nil {
		log.Errorf("[%s] %v. Closing the connection to %v.", ClientConnectorLogPrefix, err, ch.clientConnector.remoteAddr())
		ch.clientHandlerCancelFunc()
		return
	}
	if rejection != nil {
		log.Infof("[%s] Downgrading protocol from %v for client %v.",
			ClientConnectorLogPrefix, request.Header.Version, ch.clientConnector.remoteAddr())
		if ch.proxyMetrics != nil {
			ch.proxyMetrics.TrackProxyTime(overallRequestStartTime, requestOpcode, requestState.String())
			ch.proxyMetrics.TrackRequestTimer(overallRequestStartTime, requestOpcode, requestState.String())
			ch.proxyMetrics.IncrementServerErrorCount(requestOpcode, requestState.String())
		}
		ch.clientConnector.sendResponseToClient(rejection)
		return
	}

	if ch.queryRewriter != nil {
		// rewriting happens exactly once so both clusters observe the same
		// generated uuids
		request = ch.queryRewriter.Rewrite(request, requestState)
	}

	if ch.proxyMetrics != nil {
		ch.proxyMetrics.TrackProxyTime(overallRequestStartTime, requestOpcode, requestState.String())
	}

	sourceSlot, err := ch.sourceConnector.sendRequest(request)
	if err != nil {
		log.Errorf("[%s] Could not forward request to source cluster: %v. Closing the connection to %v.",
			ClientConnectorLogPrefix, err, ch.clientConnector.remoteAddr())
		ch.clientHandlerCancelFunc()
		return
	}

	targetSlot, err := ch.targetConnector.sendRequest(request)
	if err != nil {
		log.Errorf("[%s] Could not forward request to target cluster: %v. Closing the connection to %v.",
			ClientConnectorLogPrefix, err, ch.clientConnector.remoteAddr())
		ch.clientHandlerCancelFunc()
		return
	}

	ch.requestWg.Add(1)
	go func() {
		defer ch.requestWg.Done()
		ch.awaitResponses(overallRequestStartTime, requestOpcode, requestState, sourceSlot, targetSlot)
	}()
}

// awaitResponses joins the two completion slots. The source response is
// authoritative for the client; the target response is compared and dropped.
func (ch *ClientHandler) awaitResponses(
	overallRequestStartTime time.Time,
	requestOpcode string,
	requestState FrameState,
	sourceSlot *completionSlot,
	targetSlot *completionSlot) {

	sourceResponse, sourceErr := sourceSlot.Await(ch.clientHandlerContext)
	if sourceErr == nil && !ch.conf.Wait {
		// stream the source response right away, the target join is only
		// for bookkeeping
		ch.clientConnector.sendResponseToClient(sourceResponse)
	}

	targetResponse, targetErr := targetSlot.Await(ch.clientHandlerContext)

	if sourceErr != nil || targetErr != nil {
		if ch.clientHandlerContext.Err() == nil {
			err := sourceErr
			if err == nil {
				err = targetErr
			}
			log.Infof("[%s] In flight request failed (%v), closing connection to %v.",
				ClientConnectorLogPrefix, err, ch.clientConnector.remoteAddr())
			ch.clientHandlerCancelFunc()
		}
		return
	}

	if ch.conf.Wait {
		ch.clientConnector.sendResponseToClient(sourceResponse)
	}

	if ch.proxyMetrics != nil {
		ch.proxyMetrics.TrackRequestTimer(overallRequestStartTime, requestOpcode, requestState.String())
		if inspectFrame(sourceResponse) == FrameStateError {
			ch.proxyMetrics.IncrementServerErrorCount(requestOpcode, requestState.String())
		}
		if !responsesEqual(sourceResponse, targetResponse) {
			ch.proxyMetrics.IncrementDifferentResultCount(requestOpcode, requestState.String())
			log.Debugf("[%s] Different result for stream id %d: source %v (%d bytes), target %v (%d bytes).",
				ClientConnectorLogPrefix, sourceResponse.Header.StreamId,
				sourceResponse.Header.OpCode, len(sourceResponse.Body),
				targetResponse.Header.OpCode, len(targetResponse.Body))
		}
	}
}

func responsesEqual(sourceResponse *frame.RawFrame, targetResponse *frame.RawFrame) bool {
	return sourceResponse.Header.OpCode == targetResponse.Header.OpCode &&
		bytes.Equal(sourceResponse.Body, targetResponse.Body)
}

func opcodeLabel(f *frame.RawFrame) string {
	return fmt.Sprintf("0x%02x", uint8(f.Header.OpCode))
}
