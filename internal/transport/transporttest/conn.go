// Package transporttest provides an in-memory transport.Conn that runs
// event-loop work deterministically.
package transporttest

import (
	"bytes"
	"context"
	"net"
	"sync"

	"github.com/albertbausili/velox/internal/transport"
)

// Conn records writes and serializes Execute callbacks and write
// completions on a single queue, the way an event loop does.
type Conn struct {
	mu      sync.Mutex
	queue   []func()
	running bool
	writes  [][]byte
	closed  bool
	// HoldWrites defers write completions until Release is called.
	HoldWrites bool
	held       []func()

	ctx    context.Context
	cancel context.CancelFunc
	addr   net.Addr
}

// New returns an open connection.
func New() *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		ctx:    ctx,
		cancel: cancel,
		addr:   &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000},
	}
}

// Run executes fn as if on the event loop and drains everything it
// scheduled before returning.
func (c *Conn) Run(fn func()) {
	c.mu.Lock()
	c.queue = append(c.queue, fn)
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.mu.Unlock()
	c.drain()
}

func (c *Conn) drain() {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.running = false
			c.mu.Unlock()
			return
		}
		fn := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()
		fn()
	}
}

// Write implements transport.Conn.
func (c *Conn) Write(bufs [][]byte, done func(error)) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		if done != nil {
			c.Run(func() { done(transport.ErrClosed) })
		}
		return transport.ErrClosed
	}
	var joined []byte
	for _, b := range bufs {
		joined = append(joined, b...)
	}
	c.writes = append(c.writes, joined)
	hold := c.HoldWrites
	c.mu.Unlock()

	if done == nil {
		return nil
	}
	complete := func() { done(nil) }
	if hold {
		c.mu.Lock()
		c.held = append(c.held, complete)
		c.mu.Unlock()
		return nil
	}
	c.Run(complete)
	return nil
}

// Release completes held writes in order.
func (c *Conn) Release() {
	c.mu.Lock()
	held := c.held
	c.held = nil
	c.mu.Unlock()
	for _, fn := range held {
		c.Run(fn)
	}
}

// Execute implements transport.Conn.
func (c *Conn) Execute(fn func()) error {
	c.Run(fn)
	return nil
}

// Context implements transport.Conn.
func (c *Conn) Context() context.Context { return c.ctx }

// Close implements transport.Conn.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	return nil
}

// RemoteAddr implements transport.Conn.
func (c *Conn) RemoteAddr() net.Addr { return c.addr }

// IsClosed reports whether Close was called.
func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Writes returns every write call's bytes.
func (c *Conn) Writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.writes))
	copy(out, c.writes)
	return out
}

// Output returns all written bytes concatenated.
func (c *Conn) Output() []byte {
	return bytes.Join(c.Writes(), nil)
}

// Reset forgets recorded writes.
func (c *Conn) Reset() {
	c.mu.Lock()
	c.writes = nil
	c.mu.Unlock()
}

// SyncPool runs submitted tasks inline. It satisfies the worker pool
// interface used for disk I/O.
type SyncPool struct{}

// Submit runs task immediately.
func (SyncPool) Submit(task func()) error {
	task()
	return nil
}
