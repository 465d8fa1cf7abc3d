package exchange

import "testing"

func TestHeaders_SetPreservesOrder(t *testing.T) {
	h := NewHeaders(4)
	h.Add("Content-Type", "text/plain")
	h.Add("Content-Length", "10")
	h.Add("X-Trace", "a")
	h.Add("content-length", "11")

	h.Set("CONTENT-LENGTH", "42")

	fields := h.Fields()
	if len(fields) != 3 {
		t.Fatalf("Expected 3 fields after Set, got %d", len(fields))
	}
	want := []Field{{"content-type", "text/plain"}, {"content-length", "42"}, {"x-trace", "a"}}
	for i, f := range want {
		if fields[i] != f {
			t.Errorf("Field %d: expected %v, got %v", i, f, fields[i])
		}
	}
}

func TestHeaders_GetValuesDel(t *testing.T) {
	h := NewHeaders(0)
	h.Add("Set-Cookie", "a=1")
	h.Add("Set-Cookie", "b=2")

	if h.Get("set-cookie") != "a=1" {
		t.Errorf("Expected first value, got %q", h.Get("set-cookie"))
	}
	if vs := h.Values("SET-COOKIE"); len(vs) != 2 {
		t.Errorf("Expected 2 values, got %v", vs)
	}
	h.Del("set-cookie")
	if h.Has("set-cookie") || h.Len() != 0 {
		t.Error("Expected header removed")
	}
	h.SetInt("content-length", 7)
	if h.Get("content-length") != "7" {
		t.Errorf("Expected 7, got %q", h.Get("content-length"))
	}
}

func TestHeaders_Clone(t *testing.T) {
	h := NewHeaders(1)
	h.Set("a", "1")
	c := h.Clone()
	c.Set("a", "2")
	if h.Get("a") != "1" {
		t.Error("Clone shares storage with original")
	}
}

func TestHead_ContentLength(t *testing.T) {
	head := Head{Status: 200}
	if head.ContentLength() != -1 {
		t.Error("Expected -1 without header")
	}
	head.Header.Set("content-length", "12")
	if head.ContentLength() != 12 {
		t.Errorf("Expected 12, got %d", head.ContentLength())
	}
	head.Header.Set("content-length", "x")
	if head.ContentLength() != -1 {
		t.Error("Expected -1 for malformed value")
	}
}

func TestParseCookies(t *testing.T) {
	c := ParseCookies(`session=abc; theme="dark"; broken; =x`)
	if c["session"] != "abc" || c["theme"] != "dark" {
		t.Errorf("Unexpected cookies %v", c)
	}
	if len(c) != 2 {
		t.Errorf("Expected 2 cookies, got %d", len(c))
	}
	if ParseCookies("") != nil {
		t.Error("Expected nil for empty header")
	}
}

func TestRequest_PathQuery(t *testing.T) {
	r := &Request{URI: "/search?q=go"}
	if r.Path() != "/search" || r.Query() != "q=go" {
		t.Errorf("Unexpected split %q %q", r.Path(), r.Query())
	}
	r.URI = "/plain"
	if r.Path() != "/plain" || r.Query() != "" {
		t.Error("Unexpected split without query")
	}
	if r.Context() == nil {
		t.Error("Expected background context")
	}
}
