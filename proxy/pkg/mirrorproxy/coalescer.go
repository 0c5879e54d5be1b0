package mirrorproxy

import (
	"bytes"
	"context"
	"net"
	"sync"

	"github.com/datastax/go-cassandra-native-protocol/frame"
	log "github.com/sirupsen/logrus"

	"github.com/cassandra-mirror/mirror-proxy/proxy/pkg/config"
)

const initialBufferSize = 1024

// writeCoalescer batches frames from a bounded queue into larger socket
// writes. When the queue fills, the attached pause controller suspends the
// reader feeding it until the queue drains.
type writeCoalescer struct {
	connection net.Conn
	conf       *config.Config

	clientHandlerWaitGroup *sync.WaitGroup
	shutdownContext        context.Context
	cancelFunc             context.CancelFunc

	writeQueue chan *frame.RawFrame

	logPrefix string

	waitGroup *sync.WaitGroup

	writeBufferSizeBytes int

	backpressure *pauseController
}

func NewWriteCoalescer(
	conf *config.Config,
	conn net.Conn,
	clientHandlerWaitGroup *sync.WaitGroup,
	shutdownContext context.Context,
	cancelFunc context.CancelFunc,
	logPrefix string,
	isClusterConnector bool,
	backpressure *pauseController) *writeCoalescer {

	writeQueueSizeFrames := conf.RequestWriteQueueSizeFrames
	if !isClusterConnector {
		writeQueueSizeFrames = conf.ResponseWriteQueueSizeFrames
	}

	return &writeCoalescer{
		connection:             conn,
		conf:                   conf,
		clientHandlerWaitGroup: clientHandlerWaitGroup,
		shutdownContext:        shutdownContext,
		cancelFunc:             cancelFunc,
		writeQueue:             make(chan *frame.RawFrame, writeQueueSizeFrames),
		logPrefix:              logPrefix,
		waitGroup:              &sync.WaitGroup{},
		writeBufferSizeBytes:   conf.WriteBufferSizeBytes,
		backpressure:           backpressure,
	}
}

func (recv *writeCoalescer) RunWriteQueueLoop() {
	connectionAddr := recv.connection.RemoteAddr().String()
	log.Tracef("[%v] WriteQueueLoop starting for %v", recv.logPrefix, connectionAddr)

	recv.clientHandlerWaitGroup.Add(1)
	recv.waitGroup.Add(1)
	go func() {
		defer recv.clientHandlerWaitGroup.Done()
		defer recv.waitGroup.Done()

		draining := false
		writeBuffer := bytes.NewBuffer(make([]byte, 0, initialBufferSize))
		for {
			firstFrame, ok := <-recv.writeQueue
			if !ok {
				break
			}

			writeBuffer.Reset()
			draining = recv.appendFrame(writeBuffer, firstFrame, draining, connectionAddr)

			// coalesce whatever is already queued, up to the buffer size
		coalesce:
			for writeBuffer.Len() < recv.writeBufferSizeBytes {
				select {
				case f, open := <-recv.writeQueue:
					if !open {
						recv.flush(writeBuffer, &draining, connectionAddr)
						return
					}
					draining = recv.appendFrame(writeBuffer, f, draining, connectionAddr)
				default:
					break coalesce
				}
			}

			recv.flush(writeBuffer, &draining, connectionAddr)

			if recv.backpressure != nil && len(recv.writeQueue) == 0 {
				recv.backpressure.resume()
			}
		}
	}()
}

func (recv *writeCoalescer) appendFrame(writeBuffer *bytes.Buffer, f *frame.RawFrame, draining bool, connectionAddr string) bool {
	if draining {
		// continue draining the write queue without writing on connection until it is closed
		log.Tracef("[%v] Discarding frame from write queue because the connection failed: %v", recv.logPrefix, f.Header)
		return true
	}

	log.Tracef("[%v] Writing %v on %v", recv.logPrefix, f.Header, connectionAddr)
	err := writeRawFrame(writeBuffer, connectionAddr, recv.shutdownContext, f)
	if err != nil {
		handleConnectionError(err, recv.shutdownContext, recv.cancelFunc, recv.logPrefix, "writing", connectionAddr)
		return true
	}
	return draining
}

func (recv *writeCoalescer) flush(writeBuffer *bytes.Buffer, draining *bool, connectionAddr string) {
	if *draining || writeBuffer.Len() == 0 {
		writeBuffer.Reset()
		return
	}

	_, err := recv.connection.Write(writeBuffer.Bytes())
	if err != nil {
		handleConnectionError(err, recv.shutdownContext, recv.cancelFunc, recv.logPrefix, "writing", connectionAddr)
		*draining = true
	}
}

// Enqueue adds a frame to the write queue. When the queue is full the pause
// controller suspends the opposite reader, then the send blocks until the
// write loop makes room or shutdown is requested.
func (recv *writeCoalescer) Enqueue(f *frame.RawFrame) {
	select {
	case recv.writeQueue <- f:
	default:
		if recv.backpressure != nil {
			recv.backpressure.pause()
		}
		select {
		case recv.writeQueue <- f:
		case <-recv.shutdownContext.Done():
			log.Tracef("[%v] Discarded %v because shutdown was requested while the write queue was full",
				recv.logPrefix, f.Header)
		}
	}
}

func (recv *writeCoalescer) Close() {
	close(recv.writeQueue)
	recv.waitGroup.Wait()
	if recv.backpressure != nil {
		recv.backpressure.resume()
	}
}
