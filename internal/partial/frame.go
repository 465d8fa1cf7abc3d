// Package partial accumulates a response head and body across writes so
// the body can be compressed once and content-length set exactly.
package partial

import (
	"errors"

	"github.com/albertbausili/velox/internal/buffer"
	"github.com/albertbausili/velox/internal/compress"
	"github.com/albertbausili/velox/internal/exchange"
)

var (
	// ErrHeadBuffered is returned when a second head is buffered before a
	// flush.
	ErrHeadBuffered = errors.New("partial: head already buffered")
	// ErrFileRegion is returned for body parts that are not materialized
	// bytes.
	ErrFileRegion = errors.New("partial: file region cannot be buffered")
	// ErrDiscarded is returned when an unflushed frame is torn down.
	ErrDiscarded = errors.New("partial: frame discarded with pending data")
)

// Part is one body write: either bytes or a reference to a file region.
type Part struct {
	Data []byte
	File *FileRegion
}

// FileRegion names a byte range of a file that has not been read.
type FileRegion struct {
	Path   string
	Offset int64
	Length int64
}

// Bytes wraps p as a Part.
func Bytes(p []byte) Part { return Part{Data: p} }

// Frame is the per-stream accumulator.
type Frame struct {
	head *exchange.Head
	body *buffer.Buffer
}

// New returns a frame whose body buffer starts at (and is trimmed back to)
// hint bytes.
func New(hint int) *Frame {
	return &Frame{body: buffer.New(hint)}
}

// BufferHead stores the response head.
func (f *Frame) BufferHead(head *exchange.Head) error {
	if f.head != nil {
		return ErrHeadBuffered
	}
	f.head = head
	return nil
}

// BufferBody appends a body part.
func (f *Frame) BufferBody(part Part) error {
	if part.File != nil {
		return ErrFileRegion
	}
	_, _ = f.body.Write(part.Data)
	return nil
}

// Pending reports whether a head or body bytes are buffered.
func (f *Frame) Pending() bool {
	return f.head != nil || f.body.Len() > 0
}

// Len returns the number of buffered body bytes.
func (f *Frame) Len() int { return f.body.Len() }

// Flush returns the buffered head and body and clears the frame.
//
// With a session and a non-empty body, the body is compressed in one
// finishing pass and the head's content-length is replaced by the
// compressed length; content-encoding and vary are added. Without a
// session the head and raw body are returned unchanged.
//
// An empty body yields a nil body and length 0, but a buffered head is
// still returned (not a bare nil, nil, 0) so headers-only responses such
// as 204 or HEAD replies reach the wire. The head is left untouched: no
// content-encoding is added for an empty body. Only a frame holding
// neither head nor body flushes to (nil, nil, 0, nil).
func (f *Frame) Flush(s *compress.Session) (*exchange.Head, []byte, int, error) {
	head := f.head
	f.head = nil
	if f.body.Len() == 0 {
		f.body.Reset()
		return head, nil, 0, nil
	}
	if s == nil {
		body := f.body.Detach()
		return head, body, len(body), nil
	}

	out, err := s.CompressAll(f.body.Bytes())
	f.body.Reset()
	if err != nil {
		return nil, nil, 0, err
	}
	if head != nil {
		head.Header.SetInt("content-length", int64(len(out)))
		head.Header.Set("content-encoding", s.Encoding().Token())
		if !head.Header.Has("vary") {
			head.Header.Set("vary", "Accept-Encoding")
		}
	}
	return head, out, len(out), nil
}

// Discard clears the frame. Discarding pending data reports ErrDiscarded
// so the caller can fail the write it belonged to.
func (f *Frame) Discard() error {
	pending := f.Pending()
	f.head = nil
	f.body.Reset()
	if pending {
		return ErrDiscarded
	}
	return nil
}

// Release returns the body buffer to the pool. The frame must not be used
// afterwards.
func (f *Frame) Release() {
	f.body.Release()
}
