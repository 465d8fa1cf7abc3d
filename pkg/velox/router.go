package velox

import (
	"fmt"
	"strings"
)

// Middleware wraps a Handler with additional functionality.
type Middleware func(Handler) Handler

// Chain combines multiple middlewares into a single middleware.
func Chain(middlewares ...Middleware) Middleware {
	return func(final Handler) Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}

// Router implements request routing with parameters, wildcards,
// middleware and groups. Routes are registered before the server starts;
// lookups are safe for concurrent use afterwards.
type Router struct {
	routes      map[string]*routeNode
	middlewares []Middleware
}

type routeNode struct {
	path      string
	route     *Route
	children  map[string]*routeNode
	isParam   bool
	paramName string
	isWild    bool
}

// NewRouter creates an empty Router. Requests that match no route fall
// through to the document root.
func NewRouter() *Router {
	return &Router{routes: make(map[string]*routeNode)}
}

// Use adds middleware applied to routes registered afterwards.
func (r *Router) Use(middlewares ...Middleware) {
	r.middlewares = append(r.middlewares, middlewares...)
}

// GET registers a handler for GET requests.
func (r *Router) GET(path string, handler Handler) { r.Handle("GET", path, handler) }

// POST registers a handler for POST requests.
func (r *Router) POST(path string, handler Handler) { r.Handle("POST", path, handler) }

// PUT registers a handler for PUT requests.
func (r *Router) PUT(path string, handler Handler) { r.Handle("PUT", path, handler) }

// DELETE registers a handler for DELETE requests.
func (r *Router) DELETE(path string, handler Handler) { r.Handle("DELETE", path, handler) }

// PATCH registers a handler for PATCH requests.
func (r *Router) PATCH(path string, handler Handler) { r.Handle("PATCH", path, handler) }

// OPTIONS registers a handler for OPTIONS requests.
func (r *Router) OPTIONS(path string, handler Handler) { r.Handle("OPTIONS", path, handler) }

// Handle registers a handler for the specified method.
func (r *Router) Handle(method, path string, handler Handler) {
	r.addRoute(method, path, Chain(r.middlewares...)(handler), false)
}

func (r *Router) addRoute(method, path string, handler Handler, requireSession bool) {
	if path == "" || path[0] != '/' {
		panic(fmt.Sprintf("velox: path %q must begin with '/'", path))
	}
	if handler == nil {
		panic("velox: nil handler for " + method + " " + path)
	}

	root, ok := r.routes[method]
	if !ok {
		root = &routeNode{path: "/", children: make(map[string]*routeNode)}
		r.routes[method] = root
	}

	current := root
	for _, segment := range strings.Split(strings.Trim(path, "/"), "/") {
		if segment == "" {
			continue
		}
		isParam := strings.HasPrefix(segment, ":")
		isWild := strings.HasPrefix(segment, "*")

		key := segment
		if isParam || isWild {
			key = segment[0:1]
		}

		child, ok := current.children[key]
		if !ok {
			child = &routeNode{
				path:     segment,
				children: make(map[string]*routeNode),
				isParam:  isParam,
				isWild:   isWild,
			}
			if isParam || isWild {
				child.paramName = segment[1:]
			}
			current.children[key] = child
		}
		current = child
	}
	current.route = &Route{Handler: handler, RequireSession: requireSession}
}

// Resolve implements the dispatcher's router contract. HEAD falls back to
// the GET route.
func (r *Router) Resolve(method, path string, _ *Headers) (*Route, bool) {
	route, params := r.find(method, path)
	if route == nil && method == "HEAD" {
		route, params = r.find("GET", path)
	}
	if route == nil {
		return nil, false
	}
	if params == nil {
		return route, true
	}
	match := *route
	match.Params = params
	return &match, true
}

func (r *Router) find(method, path string) (*Route, map[string]string) {
	root, ok := r.routes[method]
	if !ok {
		return nil, nil
	}
	if q := strings.IndexByte(path, '?'); q >= 0 {
		path = path[:q]
	}
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return root.route, nil
	}

	var params map[string]string
	current := root
	start := 0
	for i := 0; i <= len(trimmed); i++ {
		if i < len(trimmed) && trimmed[i] != '/' {
			continue
		}
		segment := trimmed[start:i]
		segStart := start
		start = i + 1
		if segment == "" {
			continue
		}

		if child, ok := current.children[segment]; ok {
			current = child
			continue
		}
		if child, ok := current.children[":"]; ok {
			if params == nil {
				params = make(map[string]string, 2)
			}
			params[child.paramName] = segment
			current = child
			continue
		}
		if child, ok := current.children["*"]; ok {
			// Wildcards consume the rest of the path.
			if params == nil {
				params = make(map[string]string, 1)
			}
			params[child.paramName] = trimmed[segStart:]
			current = child
			break
		}
		return nil, nil
	}
	return current.route, params
}

// Group organizes routes under a common prefix with shared middleware.
type Group struct {
	router         *Router
	prefix         string
	middlewares    []Middleware
	requireSession bool
}

// Group creates a route group with the specified prefix.
func (r *Router) Group(prefix string, middlewares ...Middleware) *Group {
	return &Group{router: r, prefix: prefix, middlewares: middlewares}
}

// Use adds middleware to the group.
func (g *Group) Use(middlewares ...Middleware) {
	g.middlewares = append(g.middlewares, middlewares...)
}

// RequireSession makes every route registered on the group afterwards
// answer 401 unless the session store authenticates the request.
func (g *Group) RequireSession() *Group {
	g.requireSession = true
	return g
}

// GET registers a handler for GET requests in the group.
func (g *Group) GET(path string, handler Handler) { g.Handle("GET", path, handler) }

// POST registers a handler for POST requests in the group.
func (g *Group) POST(path string, handler Handler) { g.Handle("POST", path, handler) }

// PUT registers a handler for PUT requests in the group.
func (g *Group) PUT(path string, handler Handler) { g.Handle("PUT", path, handler) }

// DELETE registers a handler for DELETE requests in the group.
func (g *Group) DELETE(path string, handler Handler) { g.Handle("DELETE", path, handler) }

// Handle registers a handler for the specified method in the group.
func (g *Group) Handle(method, path string, handler Handler) {
	all := append(append([]Middleware{}, g.router.middlewares...), g.middlewares...)
	g.router.addRoute(method, g.prefix+path, Chain(all...)(handler), g.requireSession)
}

// Group creates a nested group with combined prefixes and middleware.
func (g *Group) Group(prefix string, middlewares ...Middleware) *Group {
	return &Group{
		router:         g.router,
		prefix:         g.prefix + prefix,
		middlewares:    append(append([]Middleware{}, g.middlewares...), middlewares...),
		requireSession: g.requireSession,
	}
}
