package partial

import (
	"bytes"
	"compress/gzip"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/albertbausili/velox/internal/compress"
	"github.com/albertbausili/velox/internal/exchange"
)

func newHead(fields ...string) *exchange.Head {
	h := &exchange.Head{Status: 200}
	for i := 0; i+1 < len(fields); i += 2 {
		h.Header.Add(fields[i], fields[i+1])
	}
	return h
}

func TestFrame_BufferHeadTwice(t *testing.T) {
	f := New(64)
	defer f.Release()

	if err := f.BufferHead(newHead()); err != nil {
		t.Fatal(err)
	}
	if err := f.BufferHead(newHead()); !errors.Is(err, ErrHeadBuffered) {
		t.Errorf("Expected ErrHeadBuffered, got %v", err)
	}
}

func TestFrame_BufferFileRegion(t *testing.T) {
	f := New(64)
	defer f.Release()

	err := f.BufferBody(Part{File: &FileRegion{Path: "/tmp/x", Length: 10}})
	if !errors.Is(err, ErrFileRegion) {
		t.Errorf("Expected ErrFileRegion, got %v", err)
	}
}

func TestFrame_FlushEmptyIsIdempotent(t *testing.T) {
	f := New(64)
	defer f.Release()

	for i := 0; i < 2; i++ {
		head, body, n, err := f.Flush(nil)
		if head != nil || body != nil || n != 0 || err != nil {
			t.Errorf("Flush %d: expected (nil, nil, 0, nil), got (%v, %v, %d, %v)", i, head, body, n, err)
		}
	}

	s := compress.Acquire(compress.Gzip, 6)
	defer func() { _ = s.Release() }()
	if head, body, n, _ := f.Flush(s); head != nil || body != nil || n != 0 {
		t.Error("Expected empty flush with a session to return nothing")
	}

	if err := f.BufferBody(Bytes([]byte("reuse"))); err != nil {
		t.Fatal(err)
	}
	if _, body, n, _ := f.Flush(nil); string(body) != "reuse" || n != 5 {
		t.Errorf("Expected frame reusable after empty flush, got %q", body)
	}
}

func TestFrame_FlushHeadOnly(t *testing.T) {
	s := compress.Acquire(compress.Gzip, 6)
	defer func() { _ = s.Release() }()

	tests := []struct {
		name    string
		session *compress.Session
	}{
		{"raw", nil},
		{"with session", s},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New(64)
			defer f.Release()

			if err := f.BufferHead(newHead("content-length", "0")); err != nil {
				t.Fatal(err)
			}
			head, body, n, err := f.Flush(tt.session)
			if err != nil {
				t.Fatalf("Flush: %v", err)
			}
			if head == nil {
				t.Fatal("Expected the buffered head for an empty body")
			}
			if body != nil || n != 0 {
				t.Errorf("Expected no body, got %q (%d)", body, n)
			}
			if head.Header.Has("content-encoding") {
				t.Error("Expected no content-encoding on an empty body")
			}
			if f.Pending() {
				t.Error("Expected frame cleared after flush")
			}
		})
	}
}

func TestFrame_FlushRaw(t *testing.T) {
	f := New(64)
	defer f.Release()

	head := newHead("content-type", "text/plain")
	_ = f.BufferHead(head)
	_ = f.BufferBody(Bytes([]byte("hello ")))
	_ = f.BufferBody(Bytes([]byte("world")))

	gotHead, body, n, err := f.Flush(nil)
	if err != nil {
		t.Fatal(err)
	}
	if gotHead != head || string(body) != "hello world" || n != 11 {
		t.Errorf("Unexpected raw flush %v %q %d", gotHead, body, n)
	}
	if gotHead.Header.Has("content-encoding") {
		t.Error("Raw flush must not add content-encoding")
	}
	if f.Pending() {
		t.Error("Expected frame cleared after flush")
	}
}

func TestFrame_FlushCompressed(t *testing.T) {
	f := New(64)
	defer f.Release()

	payload := strings.Repeat("compress me please ", 200)
	head := newHead("content-type", "text/plain", "content-length", "3800", "x-after", "1")
	_ = f.BufferHead(head)
	_ = f.BufferBody(Bytes([]byte(payload)))

	s := compress.Acquire(compress.Gzip, 6)
	defer func() { _ = s.Release() }()

	gotHead, body, n, err := f.Flush(s)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(body) {
		t.Errorf("Expected length %d to match body, got %d", len(body), n)
	}
	if gotHead.ContentLength() != int64(len(body)) {
		t.Errorf("Expected content-length %d, got %d", len(body), gotHead.ContentLength())
	}
	fields := gotHead.Header.Fields()
	if fields[1].Name != "content-length" || fields[2].Name != "x-after" {
		t.Errorf("Expected header order preserved, got %v", fields)
	}
	if gotHead.Header.Get("content-encoding") != "gzip" || gotHead.Header.Get("vary") != "Accept-Encoding" {
		t.Error("Expected content-encoding and vary headers")
	}

	zr, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	plain, err := io.ReadAll(zr)
	if err != nil {
		t.Fatal(err)
	}
	if string(plain) != payload {
		t.Error("Round trip mismatch")
	}

	if f.body.Cap() != 64 {
		t.Errorf("Expected capacity trimmed to hint, got %d", f.body.Cap())
	}
}

func TestFrame_Discard(t *testing.T) {
	f := New(16)
	defer f.Release()

	if err := f.Discard(); err != nil {
		t.Errorf("Expected clean discard, got %v", err)
	}
	_ = f.BufferBody(Bytes([]byte("lost")))
	if err := f.Discard(); !errors.Is(err, ErrDiscarded) {
		t.Errorf("Expected ErrDiscarded, got %v", err)
	}
	if f.Pending() {
		t.Error("Expected frame cleared")
	}
}
