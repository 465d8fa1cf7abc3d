package exchange

import (
	"fmt"
	"runtime/debug"
	"strconv"

	"go.uber.org/zap"
)

// Outcome tells the pipeline what Dispatch did with a request.
type Outcome uint8

const (
	// Handled means a filter or handler owns the response and will
	// complete it.
	Handled Outcome = iota
	// Static means no route matched; the pipeline streams from the
	// document root.
	Static
)

// farFuture is the fixed expiry given to session cookies.
const farFuture = "Fri, 31 Dec 9999 23:59:59 GMT"

// CORS configures the cross-origin filter.
type CORS struct {
	Enabled          bool
	AllowOrigin      string
	AllowMethods     string
	AllowHeaders     string
	AllowCredentials bool
	MaxAge           int
}

// Dispatcher is the per-server context every connection shares: routing,
// sessions, filters and telemetry. It holds no per-connection state.
type Dispatcher struct {
	Router        Router
	Sessions      SessionStore
	CORS          CORS
	SessionCookie string
	Realm         string
	Logger        *zap.Logger
	Observer      Observer
}

func (d *Dispatcher) observer() Observer {
	if d.Observer == nil {
		return NopObserver{}
	}
	return d.Observer
}

func (d *Dispatcher) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

// Observe reports a connection event.
func (d *Dispatcher) Observe() Observer { return d.observer() }

// Dispatch runs the pre-dispatch filters and the route handler. It is
// called on the connection's event loop when a request is complete.
func (d *Dispatcher) Dispatch(req *Request, res *Response) Outcome {
	ctx, finish := d.observer().RequestStarted(req)
	req.WithContext(ctx)
	res.observe = finish

	if d.CORS.Enabled && req.Header.Has("origin") {
		d.applyCORS(res)
		if req.Method == "OPTIONS" {
			_ = res.Complete(204)
			return Handled
		}
	}

	var route *Route
	var ok bool
	if d.Router != nil {
		route, ok = d.Router.Resolve(req.Method, req.Path(), &req.Header)
	}
	if !ok || route == nil || route.Handler == nil {
		return Static
	}

	if route.RequireSession && !d.authorize(req, res) {
		realm := d.Realm
		if realm == "" {
			realm = "velox"
		}
		res.Header().Set("www-authenticate", `Basic realm="`+realm+`"`)
		_ = res.Complete(401)
		return Handled
	}

	req.Params = route.Params
	d.invoke(route.Handler, req, res)
	return Handled
}

func (d *Dispatcher) applyCORS(res *Response) {
	c := d.CORS
	h := res.Header()
	origin := c.AllowOrigin
	if origin == "" {
		origin = "*"
	}
	h.Set("access-control-allow-origin", origin)
	if c.AllowMethods != "" {
		h.Set("access-control-allow-methods", c.AllowMethods)
	}
	if c.AllowHeaders != "" {
		h.Set("access-control-allow-headers", c.AllowHeaders)
	}
	if c.AllowCredentials {
		h.Set("access-control-allow-credentials", "true")
	}
	if c.MaxAge > 0 {
		h.Set("access-control-max-age", strconv.Itoa(c.MaxAge))
	}
}

func (d *Dispatcher) authorize(req *Request, res *Response) bool {
	if d.Sessions == nil {
		return false
	}
	name := d.SessionCookie
	if name == "" {
		name = "session"
	}
	cookies := ParseCookies(req.Header.Get("cookie"))
	sess, ok := d.Sessions.Lookup(req.Header.Get("authorization"), cookies)
	if !ok || sess == nil {
		return false
	}
	if sess.ID == "" {
		sess = d.Sessions.Create(sess.Principal)
	}
	if cookies[name] != sess.ID {
		res.Header().Add("set-cookie", fmt.Sprintf("%s=%s; Path=/; Expires=%s; HttpOnly", name, sess.ID, farFuture))
	}
	req.Session = sess
	return true
}

// invoke runs the handler and turns a panic into a 500 when the handler
// had not completed yet.
func (d *Dispatcher) invoke(h Handler, req *Request, res *Response) {
	defer func() {
		if r := recover(); r != nil {
			d.logger().Error("handler panic",
				zap.String("method", req.Method),
				zap.String("uri", req.URI),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			if !res.Completed() {
				res.reset()
				_, _ = res.WriteString("Internal Server Error")
				_ = res.Complete(500)
			}
		}
	}()
	h(req, res)
}
