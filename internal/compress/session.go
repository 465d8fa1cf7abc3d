package compress

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

// ErrPending is returned by Release when bytes were written to a session
// that was never finished.
var ErrPending = errors.New("compress: session released with pending bytes")

// ErrReleased is returned when a released session is used.
var ErrReleased = errors.New("compress: session already released")

type codec interface {
	io.WriteCloser
	Reset(w io.Writer)
}

type poolKey struct {
	enc   Encoding
	level int
}

var codecPools sync.Map // poolKey -> *sync.Pool

// Session is one codec instance bound to a single response. It is a guard:
// callers Acquire it, defer Release, and compress the whole body once.
type Session struct {
	enc      Encoding
	level    int
	w        codec
	out      bytes.Buffer
	pending  bool
	released bool
}

// Acquire returns a session for enc at the given level. enc must not be
// None. A codec that cannot be initialized is an invariant violation and
// panics.
func Acquire(enc Encoding, level int) *Session {
	if enc == None {
		panic("compress: acquire called without an encoding")
	}
	s := &Session{enc: enc, level: level}
	key := poolKey{enc: enc, level: level}
	if p, ok := codecPools.Load(key); ok {
		if w, ok := p.(*sync.Pool).Get().(codec); ok && w != nil {
			w.Reset(&s.out)
			s.w = w
			return s
		}
	}
	w, err := newCodec(enc, level, &s.out)
	if err != nil {
		panic(fmt.Sprintf("compress: init %s level %d: %v", enc, level, err))
	}
	s.w = w
	return s
}

func newCodec(enc Encoding, level int, dst io.Writer) (codec, error) {
	switch enc {
	case Gzip:
		return gzip.NewWriterLevel(dst, level)
	case Deflate:
		// The HTTP deflate coding is the zlib format, not raw DEFLATE.
		return zlib.NewWriterLevel(dst, level)
	case Brotli:
		if level < brotli.BestSpeed || level > brotli.BestCompression {
			return nil, fmt.Errorf("invalid brotli level %d", level)
		}
		return brotli.NewWriterLevel(dst, level), nil
	default:
		return nil, fmt.Errorf("unknown encoding %d", enc)
	}
}

// ValidLevel reports whether level can initialize a codec for enc.
func ValidLevel(enc Encoding, level int) bool {
	switch enc {
	case Gzip, Deflate:
		return level >= flate.HuffmanOnly && level <= flate.BestCompression
	case Brotli:
		return level >= brotli.BestSpeed && level <= brotli.BestCompression
	default:
		return false
	}
}

// Encoding returns the session's content-coding.
func (s *Session) Encoding() Encoding { return s.enc }

// Write feeds p to the codec.
func (s *Session) Write(p []byte) (int, error) {
	if s.released {
		return 0, ErrReleased
	}
	s.pending = true
	return s.w.Write(p)
}

// Finish runs the finishing pass and returns the compressed bytes. The
// returned slice is owned by the caller.
func (s *Session) Finish() ([]byte, error) {
	if s.released {
		return nil, ErrReleased
	}
	if err := s.w.Close(); err != nil {
		return nil, fmt.Errorf("compress: finish %s: %w", s.enc, err)
	}
	s.pending = false
	out := make([]byte, s.out.Len())
	copy(out, s.out.Bytes())
	s.out.Reset()
	return out, nil
}

// CompressAll compresses body in one pass.
func (s *Session) CompressAll(body []byte) ([]byte, error) {
	if _, err := s.Write(body); err != nil {
		return nil, fmt.Errorf("compress: write %s: %w", s.enc, err)
	}
	return s.Finish()
}

// Release tears the codec down and returns it to the pool. It is safe to
// call more than once; only the first call reports ErrPending.
func (s *Session) Release() error {
	if s.released {
		return nil
	}
	s.released = true
	pending := s.pending
	s.pending = false
	s.out.Reset()
	s.w.Reset(io.Discard)
	p, _ := codecPools.LoadOrStore(poolKey{enc: s.enc, level: s.level}, &sync.Pool{})
	p.(*sync.Pool).Put(s.w)
	s.w = nil
	if pending {
		return ErrPending
	}
	return nil
}
