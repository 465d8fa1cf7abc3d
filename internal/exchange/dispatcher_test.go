package exchange

import (
	"errors"
	"strings"
	"testing"
)

type mapRouter map[string]*Route

func (m mapRouter) Resolve(method, path string, _ *Headers) (*Route, bool) {
	r, ok := m[method+" "+path]
	return r, ok
}

type fakeSessions struct {
	created []string
}

func (f *fakeSessions) Lookup(authorization string, cookies map[string]string) (*Session, bool) {
	if cookies["session"] == "known" {
		return &Session{ID: "known", Principal: "alice"}, true
	}
	if authorization == "Basic good" {
		return &Session{Principal: "alice"}, true
	}
	return nil, false
}

func (f *fakeSessions) Create(clientKey string) *Session {
	f.created = append(f.created, clientKey)
	return &Session{ID: "new-id", Principal: clientKey}
}

func newRequest(method, uri string, headers ...string) *Request {
	req := &Request{Method: method, URI: uri, Proto: "HTTP/1.1", Header: NewHeaders(len(headers) / 2)}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Add(headers[i], headers[i+1])
	}
	return req
}

func TestResponse_CompleteOnce(t *testing.T) {
	calls := 0
	res := NewResponse(func(*Response) { calls++ })

	if err := res.Complete(201); err != nil {
		t.Fatalf("First Complete: %v", err)
	}
	if err := res.Complete(500); !errors.Is(err, ErrAlreadyCompleted) {
		t.Errorf("Expected ErrAlreadyCompleted, got %v", err)
	}
	if calls != 1 || res.Status() != 201 {
		t.Errorf("Expected one completion with 201, got %d calls and %d", calls, res.Status())
	}
}

func TestResponse_Resolve(t *testing.T) {
	res := NewResponse(nil)
	var observed int
	res.observe = func(status, _ int) { observed = status }

	if res.Err() != nil {
		t.Error("Expected nil error before settle")
	}
	res.Resolve(0, ErrConnClosed)
	res.Resolve(0, nil)

	select {
	case <-res.Done():
	default:
		t.Fatal("Expected Done to be closed")
	}
	if !errors.Is(res.Err(), ErrConnClosed) {
		t.Errorf("Expected first resolution to stick, got %v", res.Err())
	}
	if observed != 499 {
		t.Errorf("Expected 499 for an uncompleted failed response, got %d", observed)
	}
}

func TestDispatch_CORSPreflight(t *testing.T) {
	reached := false
	d := &Dispatcher{
		Router: mapRouter{"OPTIONS /api": {Handler: func(_ *Request, res *Response) {
			reached = true
			_ = res.Complete(200)
		}}},
		CORS: CORS{Enabled: true, AllowMethods: "GET, POST", MaxAge: 60},
	}
	var completed *Response
	res := NewResponse(func(r *Response) { completed = r })

	out := d.Dispatch(newRequest("OPTIONS", "/api", "Origin", "https://example.com"), res)

	if out != Handled {
		t.Fatalf("Expected Handled, got %v", out)
	}
	if reached {
		t.Error("Preflight reached the route handler")
	}
	if completed == nil || completed.Status() != 204 {
		t.Fatalf("Expected 204 completion, got %+v", completed)
	}
	if res.Header().Get("access-control-allow-origin") != "*" {
		t.Error("Expected wildcard allow-origin")
	}
	if res.Header().Get("access-control-max-age") != "60" {
		t.Error("Expected max-age header")
	}
}

func TestDispatch_CORSWithoutOrigin(t *testing.T) {
	reached := false
	d := &Dispatcher{
		Router: mapRouter{"OPTIONS /api": {Handler: func(_ *Request, res *Response) {
			reached = true
			_ = res.Complete(200)
		}}},
		CORS: CORS{Enabled: true},
	}
	res := NewResponse(nil)
	d.Dispatch(newRequest("OPTIONS", "/api"), res)
	if !reached {
		t.Error("Expected handler without Origin header")
	}
	if res.Header().Has("access-control-allow-origin") {
		t.Error("Unexpected CORS header without Origin")
	}
}

func TestDispatch_StaticWhenUnrouted(t *testing.T) {
	d := &Dispatcher{Router: mapRouter{}}
	if out := d.Dispatch(newRequest("GET", "/index.html"), NewResponse(nil)); out != Static {
		t.Errorf("Expected Static, got %v", out)
	}
	d = &Dispatcher{}
	if out := d.Dispatch(newRequest("GET", "/"), NewResponse(nil)); out != Static {
		t.Errorf("Expected Static without router, got %v", out)
	}
}

func TestDispatch_SessionFilter(t *testing.T) {
	sessions := &fakeSessions{}
	var seen *Session
	d := &Dispatcher{
		Router: mapRouter{"GET /private": {RequireSession: true, Handler: func(req *Request, res *Response) {
			seen = req.Session
			_ = res.Complete(200)
		}}},
		Sessions: sessions,
	}

	res := NewResponse(nil)
	d.Dispatch(newRequest("GET", "/private"), res)
	if res.Status() != 401 || !res.Completed() {
		t.Errorf("Expected 401, got %d", res.Status())
	}
	if !strings.Contains(res.Header().Get("www-authenticate"), "Basic") {
		t.Error("Expected WWW-Authenticate challenge")
	}

	res = NewResponse(nil)
	d.Dispatch(newRequest("GET", "/private", "Authorization", "Basic good"), res)
	if res.Status() != 200 || seen == nil || seen.ID != "new-id" {
		t.Fatalf("Expected authorized request with new session, got %d %+v", res.Status(), seen)
	}
	cookie := res.Header().Get("set-cookie")
	if !strings.HasPrefix(cookie, "session=new-id;") || !strings.Contains(cookie, "9999") {
		t.Errorf("Unexpected cookie %q", cookie)
	}
	if len(sessions.created) != 1 || sessions.created[0] != "alice" {
		t.Errorf("Expected one session created for alice, got %v", sessions.created)
	}

	res = NewResponse(nil)
	d.Dispatch(newRequest("GET", "/private", "Cookie", "session=known"), res)
	if res.Status() != 200 || res.Header().Has("set-cookie") {
		t.Error("Expected existing session without a new cookie")
	}
}

func TestDispatch_PanicRecovery(t *testing.T) {
	d := &Dispatcher{
		Router: mapRouter{"GET /boom": {Handler: func(_ *Request, res *Response) {
			res.Header().Set("x-partial", "1")
			panic("boom")
		}}},
	}
	res := NewResponse(nil)
	d.Dispatch(newRequest("GET", "/boom"), res)

	if res.Status() != 500 || !res.Completed() {
		t.Errorf("Expected 500 completion, got %d", res.Status())
	}
	if res.Header().Has("x-partial") {
		t.Error("Expected partial headers discarded")
	}
}

func TestDispatch_Params(t *testing.T) {
	var got string
	d := &Dispatcher{
		Router: mapRouter{"GET /users/1": {Params: map[string]string{"id": "1"}, Handler: func(req *Request, res *Response) {
			got = req.Param("id")
			_ = res.Complete(200)
		}}},
	}
	d.Dispatch(newRequest("GET", "/users/1?x=y"), NewResponse(nil))
	if got != "1" {
		t.Errorf("Expected param 1, got %q", got)
	}
}
