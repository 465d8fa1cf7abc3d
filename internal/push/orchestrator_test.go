package push

import (
	"bytes"
	"compress/gzip"
	"io"
	"strings"
	"testing"

	"github.com/albertbausili/velox/internal/compress"
)

func ids() func() uint32 {
	next := uint32(2)
	return func() uint32 {
		id := next
		next += 2
		return id
	}
}

func TestPlan_Raw(t *testing.T) {
	cands := []Candidate{
		{Path: "/a.css", ContentType: "text/css", Body: []byte("a{}")},
		{Path: "/b.js", ContentType: "text/javascript", Body: []byte("b()")},
	}
	promises, err := Plan(cands, Origin{Scheme: "https", Authority: "example.com"}, compress.None, compress.Policy{}, ids())
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(promises) != 2 {
		t.Fatalf("Expected 2 promises, got %d", len(promises))
	}
	for i, p := range promises {
		if want := uint32(2 + 2*i); p.StreamID != want || cands[i].StreamID != want {
			t.Errorf("Promise %d: expected stream %d, got %d (candidate %d)", i, want, p.StreamID, cands[i].StreamID)
		}
		if p.Method != "GET" || p.Scheme != "https" || p.Authority != "example.com" || p.Path != cands[i].Path {
			t.Errorf("Promise %d: unexpected request %+v", i, p)
		}
		if p.Head.Status != 200 || p.Head.ContentLength() != int64(len(cands[i].Body)) {
			t.Errorf("Promise %d: unexpected head %+v", i, p.Head)
		}
		if p.Encoding != compress.None {
			t.Errorf("Promise %d: expected no encoding, got %v", i, p.Encoding)
		}
	}
}

func TestPlan_Compressed(t *testing.T) {
	body := strings.Repeat("body { margin: 0; }\n", 50)
	cands := []Candidate{
		{Path: "/a.css", ContentType: "text/css", Body: []byte(body)},
		{Path: "/i.png", ContentType: "image/png", Body: []byte("\x89PNG")},
	}
	policy := compress.Policy{Enabled: true, Level: 6, ExcludedTypes: []string{"image/"}}
	promises, err := Plan(cands, Origin{Scheme: "https", Authority: "a"}, compress.Gzip, policy, ids())
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}

	css := promises[0]
	if css.Encoding != compress.Gzip || css.Head.Header.Get("content-encoding") != "gzip" {
		t.Fatalf("Expected gzip css, got %v %v", css.Encoding, css.Head.Header.Fields())
	}
	if css.RawLen != len(body) || css.Head.ContentLength() != int64(len(css.Body)) {
		t.Errorf("Unexpected lengths raw=%d head=%d body=%d", css.RawLen, css.Head.ContentLength(), len(css.Body))
	}
	zr, err := gzip.NewReader(bytes.NewReader(css.Body))
	if err != nil {
		t.Fatal(err)
	}
	plain, _ := io.ReadAll(zr)
	if string(plain) != body {
		t.Error("Decompressed body does not match")
	}

	if png := promises[1]; png.Encoding != compress.None || string(png.Body) != "\x89PNG" {
		t.Errorf("Expected excluded type to stay raw, got %+v", png)
	}
}

func TestPlan_Empty(t *testing.T) {
	promises, err := Plan(nil, Origin{}, compress.Gzip, compress.Policy{Enabled: true}, ids())
	if err != nil || len(promises) != 0 {
		t.Errorf("Expected no promises, got %d, %v", len(promises), err)
	}
}
