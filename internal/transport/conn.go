// Package transport narrows a gnet connection to what the protocol
// pipelines need: ordered asynchronous writes, running work on the owning
// event loop, and close.
package transport

import (
	"context"
	"errors"
	"net"
	"sync/atomic"

	"github.com/panjf2000/gnet/v2"
)

// ErrClosed is reported for work issued after the connection closed.
var ErrClosed = errors.New("transport: connection closed")

// Conn is one accepted connection. Write completions and Execute callbacks
// run on the connection's event loop.
type Conn interface {
	// Write queues bufs behind every earlier write. done, when non-nil,
	// runs on the event loop once the bytes are handed to the kernel or
	// the write failed.
	Write(bufs [][]byte, done func(error)) error
	// Execute runs fn on the event loop. It is safe to call from any
	// goroutine.
	Execute(fn func()) error
	// Context is canceled when the connection closes.
	Context() context.Context
	Close() error
	RemoteAddr() net.Addr
}

// GnetConn adapts a gnet.Conn.
type GnetConn struct {
	c      gnet.Conn
	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

// Wrap binds c to a fresh context derived from parent.
func Wrap(parent context.Context, c gnet.Conn) *GnetConn {
	ctx, cancel := context.WithCancel(parent)
	return &GnetConn{c: c, ctx: ctx, cancel: cancel}
}

// Write implements Conn.
func (g *GnetConn) Write(bufs [][]byte, done func(error)) error {
	if g.closed.Load() {
		if done != nil {
			done(ErrClosed)
		}
		return ErrClosed
	}
	return g.c.AsyncWritev(bufs, func(_ gnet.Conn, err error) error {
		if done != nil {
			done(err)
		}
		return nil
	})
}

// Execute implements Conn. gnet's Wake runs the callback on the loop after
// an empty OnTraffic, which the mux tolerates.
func (g *GnetConn) Execute(fn func()) error {
	return g.c.Wake(func(_ gnet.Conn, _ error) error {
		fn()
		return nil
	})
}

// Context implements Conn.
func (g *GnetConn) Context() context.Context { return g.ctx }

// Close implements Conn.
func (g *GnetConn) Close() error {
	return g.c.Close()
}

// RemoteAddr implements Conn.
func (g *GnetConn) RemoteAddr() net.Addr { return g.c.RemoteAddr() }

// Closed marks the connection closed and cancels its context. The mux
// calls it from OnClose.
func (g *GnetConn) Closed() {
	if g.closed.CompareAndSwap(false, true) {
		g.cancel()
	}
}

// Executor runs work on an event loop.
type Executor interface {
	Execute(fn func()) error
}
