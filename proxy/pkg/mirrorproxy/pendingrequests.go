package mirrorproxy

import (
	"context"
	"fmt"
	"sync"

	"github.com/datastax/go-cassandra-native-protocol/frame"
)

// completionSlot is the join point between a cluster connector's response
// loop (which fulfils it) and the request goroutine awaiting it. A slot is
// fulfilled at most once.
type completionSlot struct {
	done     chan struct{}
	once     sync.Once
	response *frame.RawFrame
	err      error
}

func newCompletionSlot() *completionSlot {
	return &completionSlot{done: make(chan struct{})}
}

func (slot *completionSlot) complete(response *frame.RawFrame) {
	slot.once.Do(func() {
		slot.response = response
		close(slot.done)
	})
}

func (slot *completionSlot) fail(err error) {
	slot.once.Do(func() {
		slot.err = err
		close(slot.done)
	})
}

// Await blocks until the slot is fulfilled or the context is cancelled.
func (slot *completionSlot) Await(ctx context.Context) (*frame.RawFrame, error) {
	select {
	case <-slot.done:
		return slot.response, slot.err
	case <-ctx.Done():
		return nil, ShutdownErr
	}
}

// pendingRequests correlates in-flight stream ids with their completion
// slots for one cluster connection. Stream ids picked by drivers are small
// and dense, so the table is a slice indexed by stream id that grows to the
// highest id seen instead of a hash map.
type pendingRequests struct {
	lock   sync.Mutex
	slots  []*completionSlot
	closed bool
}

func newPendingRequests() *pendingRequests {
	return &pendingRequests{}
}

// store registers a new in-flight stream id. A stream id that is already
// pending indicates a non-compliant client and is returned as an error.
func (p *pendingRequests) store(streamId int16) (*completionSlot, error) {
	if streamId < 0 {
		return nil, fmt.Errorf("negative stream id (%d) on a client request", streamId)
	}

	p.lock.Lock()
	defer p.lock.Unlock()

	if p.closed {
		return nil, fmt.Errorf("connection is closed, cannot track stream id %d", streamId)
	}

	idx := int(streamId)
	if idx >= len(p.slots) {
		grown := make([]*completionSlot, idx+1)
		copy(grown, p.slots)
		p.slots = grown
	}

	if p.slots[idx] != nil {
		return nil, fmt.Errorf("stream id collision (%d)", streamId)
	}

	slot := newCompletionSlot()
	p.slots[idx] = slot
	return slot, nil
}

// markAsDone pops the slot for the stream id and fulfils it with the
// response. Returns false when the stream id is not pending.
func (p *pendingRequests) markAsDone(streamId int16, response *frame.RawFrame) bool {
	if streamId < 0 {
		return false
	}

	p.lock.Lock()
	idx := int(streamId)
	var slot *completionSlot
	if idx < len(p.slots) {
		slot = p.slots[idx]
		p.slots[idx] = nil
	}
	p.lock.Unlock()

	if slot == nil {
		return false
	}
	slot.complete(response)
	return true
}

// clear fails every outstanding slot with err and rejects new stores. Called
// when the cluster connection goes away.
func (p *pendingRequests) clear(err error) {
	p.lock.Lock()
	slots := p.slots
	p.slots = nil
	p.closed = true
	p.lock.Unlock()

	for _, slot := range slots {
		if slot != nil {
			slot.fail(err)
		}
	}
}
