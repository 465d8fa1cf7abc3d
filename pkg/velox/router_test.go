package velox

import (
	"testing"

	"github.com/albertbausili/velox/internal/exchange"
)

func newRequest(method, uri string, headers ...string) *Request {
	req := &Request{Method: method, URI: uri, Proto: "HTTP/1.1", Header: exchange.NewHeaders(len(headers) / 2)}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Add(headers[i], headers[i+1])
	}
	return req
}

// serve resolves and invokes the route for method/uri, returning the
// completed response or nil when nothing matched.
func serve(t *testing.T, r *Router, req *Request) *Response {
	t.Helper()
	route, ok := r.Resolve(req.Method, req.Path(), &req.Header)
	if !ok {
		return nil
	}
	req.Params = route.Params
	res := exchange.NewResponse(nil)
	route.Handler(req, res)
	if !res.Completed() {
		t.Fatalf("Handler for %s %s did not complete", req.Method, req.URI)
	}
	return res
}

func text(body string) Handler {
	return func(_ *Request, res *Response) {
		_, _ = res.WriteString(body)
		_ = res.Complete(200)
	}
}

func TestRouter_Routes(t *testing.T) {
	router := NewRouter()
	router.GET("/", text("root"))
	router.GET("/users", text("list"))
	router.POST("/users", text("create"))
	router.GET("/users/:id", func(req *Request, res *Response) {
		_, _ = res.WriteString("user " + req.Param("id"))
		_ = res.Complete(200)
	})
	router.GET("/files/*path", func(req *Request, res *Response) {
		_, _ = res.WriteString(req.Param("path"))
		_ = res.Complete(200)
	})

	tests := []struct {
		method string
		uri    string
		want   string
		found  bool
	}{
		{"GET", "/", "root", true},
		{"GET", "/users", "list", true},
		{"GET", "/users/", "list", true},
		{"POST", "/users", "create", true},
		{"GET", "/users/42", "user 42", true},
		{"GET", "/users/42?full=1", "user 42", true},
		{"GET", "/files/css/site.css", "css/site.css", true},
		{"HEAD", "/users", "list", true},
		{"DELETE", "/users", "", false},
		{"GET", "/missing", "", false},
		{"GET", "/users/42/posts", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.uri, func(t *testing.T) {
			res := serve(t, router, newRequest(tt.method, tt.uri))
			if (res != nil) != tt.found {
				t.Fatalf("Expected found=%v, got %v", tt.found, res != nil)
			}
			if res != nil && string(res.Body()) != tt.want {
				t.Errorf("Expected body %q, got %q", tt.want, res.Body())
			}
		})
	}
}

func TestRouter_StaticBeatsParam(t *testing.T) {
	router := NewRouter()
	router.GET("/users/:id", text("param"))
	router.GET("/users/me", text("static"))

	res := serve(t, router, newRequest("GET", "/users/me"))
	if res == nil || string(res.Body()) != "static" {
		t.Errorf("Expected static route to win")
	}
	res = serve(t, router, newRequest("GET", "/users/7"))
	if res == nil || string(res.Body()) != "param" {
		t.Errorf("Expected param route for /users/7")
	}
}

func TestRouter_InvalidRoutes(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		handler Handler
	}{
		{"relative path", "users", text("x")},
		{"empty path", "", text("x")},
		{"nil handler", "/users", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("Expected panic")
				}
			}()
			NewRouter().GET(tt.path, tt.handler)
		})
	}
}

func tag(name string, order *[]string) Middleware {
	return func(next Handler) Handler {
		return func(req *Request, res *Response) {
			*order = append(*order, name)
			next(req, res)
		}
	}
}

func TestRouter_MiddlewareOrder(t *testing.T) {
	var order []string
	router := NewRouter()
	router.Use(tag("a", &order), tag("b", &order))
	api := router.Group("/api", tag("c", &order))
	api.Use(tag("d", &order))
	api.GET("/ping", func(_ *Request, res *Response) {
		order = append(order, "handler")
		_ = res.Complete(204)
	})

	res := serve(t, router, newRequest("GET", "/api/ping"))
	if res == nil {
		t.Fatal("Expected /api/ping to match")
	}
	want := []string{"a", "b", "c", "d", "handler"}
	if len(order) != len(want) {
		t.Fatalf("Expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("Expected %v, got %v", want, order)
			break
		}
	}
}

func TestGroup_RequireSession(t *testing.T) {
	router := NewRouter()
	router.GET("/public", text("open"))
	private := router.Group("/api").RequireSession()
	private.GET("/me", text("me"))
	nested := private.Group("/admin")
	nested.GET("/stats", text("stats"))

	tests := []struct {
		path string
		want bool
	}{
		{"/public", false},
		{"/api/me", true},
		{"/api/admin/stats", true},
	}
	for _, tt := range tests {
		route, ok := router.Resolve("GET", tt.path, nil)
		if !ok {
			t.Fatalf("Expected %s to resolve", tt.path)
		}
		if route.RequireSession != tt.want {
			t.Errorf("%s: expected RequireSession=%v", tt.path, tt.want)
		}
	}
}

func TestChain(t *testing.T) {
	var order []string
	h := Chain(tag("outer", &order), tag("inner", &order))(func(_ *Request, res *Response) {
		_ = res.Complete(200)
	})
	h(newRequest("GET", "/"), exchange.NewResponse(nil))
	if len(order) != 2 || order[0] != "outer" || order[1] != "inner" {
		t.Errorf("Expected [outer inner], got %v", order)
	}
}
