package static

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/albertbausili/velox/internal/exchange"
	"github.com/albertbausili/velox/internal/transport/transporttest"
)

type recordingSink struct {
	conn     *transporttest.Conn
	heads    []*exchange.Head
	chunks   [][]byte
	failed   int
	failErr  error
	finished int
	finalErr error
	manual   bool
	pending  func(error)
}

func (s *recordingSink) Chunk(head *exchange.Head, p []byte, done func(error)) {
	if head != nil {
		s.heads = append(s.heads, head)
	}
	s.chunks = append(s.chunks, append([]byte(nil), p...))
	if s.manual {
		s.pending = done
		return
	}
	s.conn.Run(func() { done(nil) })
}

func (s *recordingSink) Fail(status int, err error) {
	s.failed = status
	s.failErr = err
}

func (s *recordingSink) Finish(err error) {
	s.finished++
	s.finalErr = err
}

func newStreamer(t *testing.T, files map[string][]byte) *Streamer {
	t.Helper()
	dir := t.TempDir()
	for name, data := range files {
		full := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, data, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	root, err := NewRoot(dir)
	if err != nil {
		t.Fatal(err)
	}
	return NewStreamer(root, transporttest.SyncPool{}, nil)
}

func serve(s *Streamer, ctx context.Context, path string, headOnly bool, sink *recordingSink) {
	sink.conn.Run(func() { s.Serve(ctx, sink.conn, path, headOnly, sink) })
}

func TestStreamer_SmallFileSingleChunk(t *testing.T) {
	data := bytes.Repeat([]byte("a"), 10<<10)
	s := newStreamer(t, map[string][]byte{"page.html": data})
	sink := &recordingSink{conn: transporttest.New()}

	serve(s, context.Background(), "/page.html", false, sink)

	if len(sink.chunks) != 1 || len(sink.heads) != 1 {
		t.Fatalf("Expected one chunk with one head, got %d chunks %d heads", len(sink.chunks), len(sink.heads))
	}
	if !bytes.Equal(sink.chunks[0], data) {
		t.Error("Chunk content mismatch")
	}
	if sink.finished != 1 || sink.finalErr != nil {
		t.Errorf("Expected one clean finish, got %d (%v)", sink.finished, sink.finalErr)
	}
	head := sink.heads[0]
	if head.Status != 200 || head.ContentLength() != int64(len(data)) {
		t.Errorf("Unexpected head %d %d", head.Status, head.ContentLength())
	}
	if head.Header.Get("content-type") != "text/html; charset=utf-8" {
		t.Errorf("Unexpected content type %q", head.Header.Get("content-type"))
	}
	if head.Header.Get("etag") == "" || head.Header.Get("last-modified") == "" {
		t.Error("Expected validators on head")
	}
}

func TestStreamer_LargeFileChunks(t *testing.T) {
	data := make([]byte, 2*ChunkSize+100)
	for i := range data {
		data[i] = byte(i)
	}
	s := newStreamer(t, map[string][]byte{"blob.bin": data})
	sink := &recordingSink{conn: transporttest.New()}

	serve(s, context.Background(), "/blob.bin", false, sink)

	if len(sink.chunks) != 3 || len(sink.heads) != 1 {
		t.Fatalf("Expected 3 chunks and one head, got %d and %d", len(sink.chunks), len(sink.heads))
	}
	if len(sink.chunks[0]) != ChunkSize || len(sink.chunks[2]) != 100 {
		t.Errorf("Unexpected chunk sizes %d %d", len(sink.chunks[0]), len(sink.chunks[2]))
	}
	if !bytes.Equal(bytes.Join(sink.chunks, nil), data) {
		t.Error("Reassembled content mismatch")
	}
	if sink.finished != 1 {
		t.Errorf("Expected one finish, got %d", sink.finished)
	}
}

func TestStreamer_WaitsForWriteCompletion(t *testing.T) {
	data := make([]byte, 2*ChunkSize)
	s := newStreamer(t, map[string][]byte{"big.bin": data})
	sink := &recordingSink{conn: transporttest.New(), manual: true}

	serve(s, context.Background(), "/big.bin", false, sink)
	if len(sink.chunks) != 1 {
		t.Fatalf("Expected a single read before the write completes, got %d", len(sink.chunks))
	}

	done := sink.pending
	sink.conn.Run(func() { done(nil) })
	if len(sink.chunks) != 2 {
		t.Fatalf("Expected second chunk after completion, got %d", len(sink.chunks))
	}
	done = sink.pending
	sink.conn.Run(func() { done(nil) })
	if sink.finished != 1 || sink.finalErr != nil {
		t.Errorf("Expected clean finish, got %d %v", sink.finished, sink.finalErr)
	}
}

func TestStreamer_CancelStopsReads(t *testing.T) {
	data := make([]byte, 3*ChunkSize)
	s := newStreamer(t, map[string][]byte{"big.bin": data})
	sink := &recordingSink{conn: transporttest.New(), manual: true}
	ctx, cancel := context.WithCancel(context.Background())

	serve(s, ctx, "/big.bin", false, sink)
	cancel()
	done := sink.pending
	sink.conn.Run(func() { done(nil) })

	if len(sink.chunks) != 1 {
		t.Errorf("Expected no reads after cancel, got %d chunks", len(sink.chunks))
	}
	if sink.finished != 1 || !errors.Is(sink.finalErr, context.Canceled) {
		t.Errorf("Expected finish with context.Canceled, got %v", sink.finalErr)
	}
}

func TestStreamer_WriteErrorFinishes(t *testing.T) {
	s := newStreamer(t, map[string][]byte{"big.bin": make([]byte, 2*ChunkSize)})
	sink := &recordingSink{conn: transporttest.New(), manual: true}

	serve(s, context.Background(), "/big.bin", false, sink)
	done := sink.pending
	writeErr := errors.New("broken pipe")
	sink.conn.Run(func() { done(writeErr) })

	if !errors.Is(sink.finalErr, writeErr) || len(sink.chunks) != 1 {
		t.Errorf("Expected finish with write error after one chunk, got %v", sink.finalErr)
	}
}

func TestStreamer_Errors(t *testing.T) {
	s := newStreamer(t, map[string][]byte{"dir/other.txt": []byte("x")})

	tests := []struct {
		path string
		want int
	}{
		{"/missing.txt", 404},
		{"/dir", 404},
		{"/../etc/passwd", 400},
		{"/dir/%00", 404},
	}
	for _, tt := range tests {
		sink := &recordingSink{conn: transporttest.New()}
		serve(s, context.Background(), tt.path, false, sink)
		if sink.failed != tt.want {
			t.Errorf("%s: expected %d, got %d", tt.path, tt.want, sink.failed)
		}
		if len(sink.chunks) != 0 || sink.finished != 0 {
			t.Errorf("%s: expected no output before failure", tt.path)
		}
	}
}

func TestStreamer_DirectoryIndexAndHead(t *testing.T) {
	s := newStreamer(t, map[string][]byte{"docs/index.html": []byte("<h1>hi</h1>")})

	sink := &recordingSink{conn: transporttest.New()}
	serve(s, context.Background(), "/docs/", false, sink)
	if len(sink.chunks) != 1 || string(sink.chunks[0]) != "<h1>hi</h1>" {
		t.Fatalf("Expected index.html content, got %q", sink.chunks)
	}

	sink = &recordingSink{conn: transporttest.New()}
	serve(s, context.Background(), "/docs/index.html", true, sink)
	if len(sink.heads) != 1 || len(sink.chunks[0]) != 0 {
		t.Errorf("Expected head without body for HEAD request")
	}
	if sink.heads[0].ContentLength() != 11 {
		t.Errorf("Expected content-length 11, got %d", sink.heads[0].ContentLength())
	}
	if sink.finished != 1 {
		t.Error("Expected finish after HEAD")
	}
}

type rejectingPool struct{}

func (rejectingPool) Submit(func()) error { return errors.New("too many goroutines") }

func TestStreamer_PoolOverload(t *testing.T) {
	root, _ := NewRoot(t.TempDir())
	s := NewStreamer(root, rejectingPool{}, nil)
	sink := &recordingSink{conn: transporttest.New()}
	serve(s, context.Background(), "/x", false, sink)
	if sink.failed != 503 || !errors.Is(sink.failErr, ErrPoolOverloaded) {
		t.Errorf("Expected 503 overload, got %d %v", sink.failed, sink.failErr)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&fs.PathError{Op: "open", Path: "x", Err: fs.ErrNotExist}, 404},
		{&fs.PathError{Op: "open", Path: "x", Err: fs.ErrPermission}, 500},
		{syscall.EIO, 500},
		{ErrOutsideRoot, 400},
		{errors.New("weird"), 400},
	}
	for _, tt := range tests {
		if got := StatusFor(tt.err); got != tt.want {
			t.Errorf("StatusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestContentType(t *testing.T) {
	if got := ContentType("a.css", nil); got != "text/css; charset=utf-8" {
		t.Errorf("Unexpected css type %q", got)
	}
	if got := ContentType("noext", []byte("%PDF-1.4 ...")); got != "application/pdf" {
		t.Errorf("Expected sniffed pdf, got %q", got)
	}
	if got := ContentType("noext", nil); got != "application/octet-stream" {
		t.Errorf("Unexpected fallback %q", got)
	}
}
