package exchange

import (
	"context"
	"net"
	"strings"
)

// Request is an immutable snapshot of one fully accumulated request.
// Pipelines build it at end-of-body; handlers must not mutate it.
type Request struct {
	Method     string
	URI        string
	Proto      string
	Scheme     string
	Authority  string
	Header     Headers
	Body       []byte
	RemoteAddr net.Addr
	StreamID   uint32

	// Session is set by the session filter for routes that require one.
	Session *Session
	// Params holds route parameters captured by the router.
	Params map[string]string

	ctx context.Context
}

// Context returns the request's context. It is canceled when the owning
// connection closes.
func (r *Request) Context() context.Context {
	if r.ctx == nil {
		return context.Background()
	}
	return r.ctx
}

// WithContext sets the request context. Pipelines call it before dispatch.
func (r *Request) WithContext(ctx context.Context) {
	r.ctx = ctx
}

// Path returns the URI without its query string.
func (r *Request) Path() string {
	if i := strings.IndexByte(r.URI, '?'); i >= 0 {
		return r.URI[:i]
	}
	return r.URI
}

// Query returns the raw query string.
func (r *Request) Query() string {
	if i := strings.IndexByte(r.URI, '?'); i >= 0 {
		return r.URI[i+1:]
	}
	return ""
}

// Param returns a route parameter.
func (r *Request) Param(name string) string {
	return r.Params[name]
}

// Cookie returns the named cookie value.
func (r *Request) Cookie(name string) string {
	return ParseCookies(r.Header.Get("cookie"))[name]
}
