package static

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/albertbausili/velox/internal/exchange"
	"github.com/albertbausili/velox/internal/transport"
)

// ChunkSize is the disk read and socket write unit.
const ChunkSize = 32 << 10

// IndexFile is served for directory requests.
const IndexFile = "index.html"

// ErrPoolOverloaded is reported when the disk worker pool rejects work.
var ErrPoolOverloaded = errors.New("static: worker pool overloaded")

const httpTime = "Mon, 02 Jan 2006 15:04:05 GMT"

// Pool runs blocking disk work off the event loop. ants.Pool satisfies it.
type Pool interface {
	Submit(task func()) error
}

// Sink receives a transfer's output on the event loop.
type Sink interface {
	// Chunk writes p. head is non-nil on the first call only; p may be
	// empty for empty files and HEAD requests. done must run once the
	// write completes.
	Chunk(head *exchange.Head, p []byte, done func(error))
	// Fail answers with an error status. Nothing has been written yet.
	Fail(status int, err error)
	// Finish ends a transfer whose head was written. err is nil on
	// success.
	Finish(err error)
}

// Streamer opens and reads files on a worker pool and hands chunks to a
// sink on the owning event loop.
type Streamer struct {
	root      Root
	pool      Pool
	chunkSize int
	logger    *zap.Logger
}

// NewStreamer returns a streamer for root.
func NewStreamer(root Root, pool Pool, logger *zap.Logger) *Streamer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Streamer{root: root, pool: pool, chunkSize: ChunkSize, logger: logger}
}

// Root returns the streamer's document root.
func (s *Streamer) Root() Root { return s.root }

// Serve streams the file for urlPath into sink. The transfer stops issuing
// reads once ctx is canceled; the file is closed on every outcome.
func (s *Streamer) Serve(ctx context.Context, exec transport.Executor, urlPath string, headOnly bool, sink Sink) {
	err := s.pool.Submit(func() {
		f, info, name, err := s.open(urlPath)
		t := &transfer{s: s, ctx: ctx, exec: exec, sink: sink, f: f, name: name, headOnly: headOnly}
		if info != nil {
			t.size = info.Size()
			t.modTime = info.ModTime().UTC().Format(httpTime)
			t.etag = `"` + strconv.FormatInt(info.ModTime().Unix(), 16) + "-" + strconv.FormatInt(info.Size(), 16) + `"`
		}
		if xerr := exec.Execute(func() { t.opened(err) }); xerr != nil && f != nil {
			_ = f.Close()
		}
	})
	if err != nil {
		sink.Fail(503, fmt.Errorf("%w: %v", ErrPoolOverloaded, err))
	}
}

func (s *Streamer) open(urlPath string) (*os.File, fs.FileInfo, string, error) {
	name, err := s.root.Resolve(urlPath)
	if err != nil {
		return nil, nil, "", err
	}
	f, err := os.Open(name)
	if err != nil {
		return nil, nil, "", err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, "", err
	}
	if info.IsDir() {
		_ = f.Close()
		name = filepath.Join(name, IndexFile)
		if f, err = os.Open(name); err != nil {
			return nil, nil, "", err
		}
		if info, err = f.Stat(); err != nil {
			_ = f.Close()
			return nil, nil, "", err
		}
		if info.IsDir() {
			_ = f.Close()
			return nil, nil, "", &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
		}
	}
	return f, info, name, nil
}

type transfer struct {
	s        *Streamer
	ctx      context.Context
	exec     transport.Executor
	sink     Sink
	f        *os.File
	name     string
	size     int64
	off      int64
	modTime  string
	etag     string
	headOnly bool
	headSent bool
	buf      []byte
}

func (t *transfer) opened(err error) {
	if err != nil {
		status := StatusFor(err)
		if status != 404 {
			t.s.logger.Warn("static open failed", zap.String("file", t.name), zap.Error(err))
		}
		t.sink.Fail(status, err)
		return
	}
	if cerr := t.ctx.Err(); cerr != nil {
		t.finish(cerr)
		return
	}
	if t.headOnly || t.size == 0 {
		t.headSent = true
		t.sink.Chunk(t.head(nil), nil, t.finish)
		return
	}
	t.buf = make([]byte, min(int64(t.s.chunkSize), t.size))
	t.read()
}

// read issues one disk read. It is only called once the previous chunk's
// write has completed.
func (t *transfer) read() {
	if err := t.ctx.Err(); err != nil {
		t.finish(err)
		return
	}
	want := min(int64(len(t.buf)), t.size-t.off)
	buf := t.buf[:want]
	err := t.s.pool.Submit(func() {
		n, rerr := io.ReadFull(t.f, buf)
		if errors.Is(rerr, io.ErrUnexpectedEOF) || errors.Is(rerr, io.EOF) {
			rerr = io.ErrUnexpectedEOF
		}
		if xerr := t.exec.Execute(func() { t.onRead(buf[:n], rerr) }); xerr != nil {
			_ = t.f.Close()
		}
	})
	if err != nil {
		t.finish(fmt.Errorf("%w: %v", ErrPoolOverloaded, err))
	}
}

func (t *transfer) onRead(p []byte, err error) {
	if cerr := t.ctx.Err(); cerr != nil {
		t.finish(cerr)
		return
	}
	if err != nil && len(p) == 0 {
		t.finish(err)
		return
	}
	var head *exchange.Head
	if !t.headSent {
		head = t.head(p)
		t.headSent = true
	}
	t.off += int64(len(p))
	t.sink.Chunk(head, p, func(werr error) {
		switch {
		case werr != nil:
			t.finish(werr)
		case err != nil:
			t.finish(err)
		case t.off >= t.size:
			t.finish(nil)
		default:
			t.read()
		}
	})
}

func (t *transfer) finish(err error) {
	if t.f != nil {
		_ = t.f.Close()
		t.f = nil
	}
	if !t.headSent {
		t.sink.Fail(500, err)
		return
	}
	t.sink.Finish(err)
}

func (t *transfer) head(first []byte) *exchange.Head {
	h := &exchange.Head{Status: 200, Header: exchange.NewHeaders(4)}
	h.Header.Set("content-type", ContentType(t.name, first))
	h.Header.SetInt("content-length", t.size)
	h.Header.Set("last-modified", t.modTime)
	h.Header.Set("etag", t.etag)
	return h
}

// ContentType picks a type from the file extension, falling back to
// sniffing the first bytes.
func ContentType(name string, sample []byte) string {
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	if len(sample) > 0 {
		return mimetype.Detect(sample).String()
	}
	return "application/octet-stream"
}
