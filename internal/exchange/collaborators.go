package exchange

import (
	"context"
	"time"
)

// Handler serves one request. It must call res.Complete exactly once,
// either before returning or later from another goroutine.
type Handler func(req *Request, res *Response)

// Route is a router match.
type Route struct {
	Handler        Handler
	RequireSession bool
	Params         map[string]string
}

// Router resolves a request to a route.
type Router interface {
	Resolve(method, path string, header *Headers) (*Route, bool)
}

// Session is an authenticated client session.
type Session struct {
	ID        string
	Principal string
	Created   time.Time
}

// SessionStore authenticates requests. Lookup returns a session found by
// cookie, or a session with an empty ID when the Authorization header
// carried valid credentials but no session exists yet; Create then mints
// one for that client key.
type SessionStore interface {
	Lookup(authorization string, cookies map[string]string) (*Session, bool)
	Create(clientKey string) *Session
}

// Observer receives telemetry events from the pipelines.
type Observer interface {
	ConnOpened(proto string)
	ConnClosed(proto string)
	// RequestStarted returns the context the handler runs under and a
	// callback invoked once the response is settled.
	RequestStarted(req *Request) (context.Context, func(status, size int))
	Pushed(count int)
	Compressed(encoding string, before, after int)
}

// NopObserver discards all events.
type NopObserver struct{}

func (NopObserver) ConnOpened(string) {}
func (NopObserver) ConnClosed(string) {}
func (NopObserver) RequestStarted(req *Request) (context.Context, func(int, int)) {
	return req.Context(), func(int, int) {}
}
func (NopObserver) Pushed(int)                 {}
func (NopObserver) Compressed(string, int, int) {}
