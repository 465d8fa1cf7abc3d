package h1

import (
	"errors"
	"testing"
)

func TestParser_ParseRequest(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		method    string
		uri       string
		keepAlive bool
		cl        int64
		chunked   bool
	}{
		{"simple get", "GET /index.html HTTP/1.1\r\nHost: example.com\r\n\r\n", "GET", "/index.html", true, -1, false},
		{"close", "GET / HTTP/1.1\r\nHost: a\r\nConnection: close\r\n\r\n", "GET", "/", false, -1, false},
		{"http10", "GET / HTTP/1.0\r\n\r\n", "GET", "/", false, -1, false},
		{"http10 keep-alive", "GET / HTTP/1.0\r\nConnection: Keep-Alive\r\n\r\n", "GET", "/", true, -1, false},
		{"content-length", "POST /form HTTP/1.1\r\nHost: a\r\nContent-Length: 5\r\n\r\nhello", "POST", "/form", true, 5, false},
		{"chunked", "POST /up HTTP/1.1\r\nHost: a\r\nTransfer-Encoding: chunked\r\n\r\n", "POST", "/up", true, -1, true},
		{"leading crlf", "\r\n\r\nGET /x HTTP/1.1\r\nHost: a\r\n\r\n", "GET", "/x", true, -1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p Parser
			var h Head
			h.Reset()
			p.Reset([]byte(tt.raw))
			n, err := p.ParseRequest(&h)
			if err != nil {
				t.Fatalf("ParseRequest: %v", err)
			}
			if n == 0 {
				t.Fatal("Expected a complete head")
			}
			if h.Method != tt.method || h.URI != tt.uri {
				t.Errorf("Expected %s %s, got %s %s", tt.method, tt.uri, h.Method, h.URI)
			}
			if h.KeepAlive != tt.keepAlive {
				t.Errorf("Expected keep-alive %v, got %v", tt.keepAlive, h.KeepAlive)
			}
			if h.ContentLength != tt.cl || h.Chunked != tt.chunked {
				t.Errorf("Expected length %d chunked %v, got %d %v", tt.cl, tt.chunked, h.ContentLength, h.Chunked)
			}
		})
	}
}

func TestParser_Incomplete(t *testing.T) {
	var p Parser
	var h Head
	h.Reset()
	p.Reset([]byte("GET / HTTP/1.1\r\nHost: a\r\n"))
	n, err := p.ParseRequest(&h)
	if err != nil || n != 0 {
		t.Errorf("Expected incomplete head, got n=%d err=%v", n, err)
	}
}

func TestParser_Errors(t *testing.T) {
	tests := []struct {
		raw  string
		want error
	}{
		{"GARBAGE\r\n\r\n", ErrBadRequestLine},
		{"GET / HTTP/2.0\r\nHost: a\r\n\r\n", ErrVersion},
		{"GET / HTTP/1.1\r\n\r\n", ErrMissingHost},
		{"GET / HTTP/1.1\r\nHost a\r\n\r\n", ErrBadHeader},
		{"GET / HTTP/1.1\r\nHost: a\r\nContent-Length: x\r\n\r\n", ErrBadContentLength},
	}
	for _, tt := range tests {
		var p Parser
		var h Head
		h.Reset()
		p.Reset([]byte(tt.raw))
		if _, err := p.ParseRequest(&h); !errors.Is(err, tt.want) {
			t.Errorf("%q: expected %v, got %v", tt.raw, tt.want, err)
		}
	}
}

func TestParser_ParseChunk(t *testing.T) {
	var p Parser
	p.Reset([]byte("5\r\nhello\r\n6;ext=1\r\n world\r\n0\r\nTrailer: x\r\n\r\n"))

	var body []byte
	for {
		chunk, consumed, last, err := p.ParseChunk()
		if err != nil {
			t.Fatalf("ParseChunk: %v", err)
		}
		if consumed == 0 {
			t.Fatal("Unexpected incomplete chunk")
		}
		body = append(body, chunk...)
		if last {
			break
		}
	}
	if string(body) != "hello world" {
		t.Errorf("Expected 'hello world', got %q", body)
	}
}

func TestParser_ParseChunkIncomplete(t *testing.T) {
	for _, raw := range []string{"5\r\nhel", "5", "0\r\n", "0\r\nTrailer: x\r\n"} {
		var p Parser
		p.Reset([]byte(raw))
		_, consumed, _, err := p.ParseChunk()
		if err != nil || consumed != 0 {
			t.Errorf("%q: expected incomplete, got consumed=%d err=%v", raw, consumed, err)
		}
	}

	var p Parser
	p.Reset([]byte("zz\r\n"))
	if _, _, _, err := p.ParseChunk(); !errors.Is(err, ErrBadChunk) {
		t.Errorf("Expected ErrBadChunk, got %v", err)
	}
}
