package mirrorproxy

import (
	"context"
	"sync"
	"time"
)

// readGate suspends a socket's read loop. Pausing is idempotent; the read
// loop calls Wait before every frame and blocks while the gate is closed.
type readGate struct {
	mu     sync.Mutex
	opened chan struct{} // non-nil while paused, closed on resume
}

func newReadGate() *readGate {
	return &readGate{}
}

func (g *readGate) Pause() {
	g.mu.Lock()
	if g.opened == nil {
		g.opened = make(chan struct{})
	}
	g.mu.Unlock()
}

func (g *readGate) Resume() {
	g.mu.Lock()
	if g.opened != nil {
		close(g.opened)
		g.opened = nil
	}
	g.mu.Unlock()
}

// Wait blocks while the gate is paused. Returns ShutdownErr if the context
// is cancelled first.
func (g *readGate) Wait(ctx context.Context) error {
	for {
		g.mu.Lock()
		opened := g.opened
		g.mu.Unlock()

		if opened == nil {
			return nil
		}

		select {
		case <-opened:
		case <-ctx.Done():
			return ShutdownErr
		}
	}
}

// pauseController propagates backpressure from one socket's write queue to
// the reader(s) of the opposite direction. It is handed to a write coalescer
// at construction so connectors never hold back-references to each other.
type pauseController struct {
	gates      []*readGate
	trackPause func(begin time.Time)

	mu          sync.Mutex
	paused      bool
	pausedSince time.Time
}

func newPauseController(trackPause func(begin time.Time), gates ...*readGate) *pauseController {
	return &pauseController{
		gates:      gates,
		trackPause: trackPause,
	}
}

func (c *pauseController) pause() {
	c.mu.Lock()
	if c.paused {
		c.mu.Unlock()
		return
	}
	c.paused = true
	c.pausedSince = time.Now()
	c.mu.Unlock()

	for _, g := range c.gates {
		g.Pause()
	}
}

func (c *pauseController) resume() {
	c.mu.Lock()
	if !c.paused {
		c.mu.Unlock()
		return
	}
	c.paused = false
	pausedSince := c.pausedSince
	c.mu.Unlock()

	for _, g := range c.gates {
		g.Resume()
	}
	if c.trackPause != nil {
		c.trackPause(pausedSince)
	}
}
