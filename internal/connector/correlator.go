package connector

import (
	"context"
	"sync"
	"time"

	"github.com/seerlink-project/seerlink/internal/protocol"
)

// Correlator is a single-slot rendezvous between the receive loop and one
// caller waiting for a reply with a given command id. Registering a new wait
// supersedes the outstanding one, which is released with no packet.
type Correlator struct {
	mu      sync.Mutex
	pending *Wait
	closed  bool
}

// Wait is one registered expectation.
type Wait struct {
	c   *Correlator
	cmd uint32
	ch  chan *protocol.Packet
}

// NewCorrelator creates an empty correlator.
func NewCorrelator() *Correlator {
	return &Correlator{}
}

// Register installs a wait for cmd. Register before sending the request so
// a fast reply cannot slip past.
func (c *Correlator) Register(cmd uint32) *Wait {
	w := &Wait{c: c, cmd: cmd, ch: make(chan *protocol.Packet, 1)}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		close(w.ch)
		return w
	}
	if c.pending != nil {
		close(c.pending.ch)
	}
	c.pending = w
	return w
}

// AwaitReply registers a wait for cmd and blocks until it is satisfied, the
// timeout elapses, ctx is done, or the wait is superseded or closed. A
// non-positive timeout waits on ctx alone.
func (c *Correlator) AwaitReply(ctx context.Context, cmd uint32, timeout time.Duration) (*protocol.Packet, bool) {
	return c.Register(cmd).Wait(ctx, timeout)
}

// Deliver hands pkt to the pending wait if the command matches. It reports
// whether the packet satisfied a wait.
func (c *Correlator) Deliver(pkt *protocol.Packet) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending == nil || c.pending.cmd != pkt.Command {
		return false
	}
	c.pending.ch <- pkt
	c.pending = nil
	return true
}

// Pending returns the command id currently awaited.
func (c *Correlator) Pending() (uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return 0, false
	}
	return c.pending.cmd, true
}

// Close releases the pending wait; later waits return immediately.
func (c *Correlator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	if c.pending != nil {
		close(c.pending.ch)
		c.pending = nil
	}
}

// Command returns the awaited command id.
func (w *Wait) Command() uint32 {
	return w.cmd
}

// Wait blocks for the reply. See Correlator.AwaitReply.
func (w *Wait) Wait(ctx context.Context, timeout time.Duration) (*protocol.Packet, bool) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case pkt, ok := <-w.ch:
		return pkt, ok
	case <-expired:
	case <-ctx.Done():
	}

	w.cancel()

	// Deliver may have won the race against the timer.
	select {
	case pkt, ok := <-w.ch:
		return pkt, ok
	default:
		return nil, false
	}
}

func (w *Wait) cancel() {
	w.c.mu.Lock()
	defer w.c.mu.Unlock()
	if w.c.pending == w {
		w.c.pending = nil
	}
}
