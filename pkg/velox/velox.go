// Package velox is an embeddable HTTP/1.1 and HTTP/2 server built on gnet
// event loops. Handlers receive a fully read request and complete a
// response sink, synchronously or later from any goroutine; the server
// takes care of compression, static files, server push, CORS and
// sessions.
package velox

import (
	"github.com/albertbausili/velox/internal/compress"
	"github.com/albertbausili/velox/internal/exchange"
)

type (
	// Request is a fully read request.
	Request = exchange.Request
	// Response is the sink a handler completes exactly once.
	Response = exchange.Response
	// Headers is an ordered header list with lowercase names.
	Headers = exchange.Headers
	// Handler serves one request.
	Handler = exchange.Handler
	// Route is a router match.
	Route = exchange.Route
	// Session is an authenticated client session.
	Session = exchange.Session
	// SessionStore authenticates requests to routes that require a session.
	SessionStore = exchange.SessionStore
	// Observer receives telemetry events.
	Observer = exchange.Observer
	// CORSConfig configures the cross-origin filter.
	CORSConfig = exchange.CORS
	// CompressionConfig configures response compression.
	CompressionConfig = compress.Policy
)

var (
	// ErrAlreadyCompleted is returned by a second Response.Complete.
	ErrAlreadyCompleted = exchange.ErrAlreadyCompleted
	// ErrConnClosed resolves responses whose connection closed first.
	ErrConnClosed = exchange.ErrConnClosed
)
