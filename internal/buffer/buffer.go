// Package buffer provides a reusable growable byte buffer with a capacity hint.
package buffer

import (
	"github.com/valyala/bytebufferpool"
)

// DefaultHint is the initial capacity used when no hint is given.
const DefaultHint = 4096

// Buffer is a growable byte buffer owned by one connection or stream.
// Consumed bytes are skipped with a read offset and only reclaimed when
// the buffer drains, is reset, or would otherwise have to grow.
// Reset keeps the backing array when it is within the hint and trims it
// back to the hint otherwise, so a single large response does not pin
// memory for the rest of the connection's life.
type Buffer struct {
	bb   *bytebufferpool.ByteBuffer
	off  int
	hint int
}

// New returns a buffer with the given capacity hint.
func New(hint int) *Buffer {
	if hint <= 0 {
		hint = DefaultHint
	}
	bb := bytebufferpool.Get()
	if cap(bb.B) < hint {
		bb.B = make([]byte, 0, hint)
	}
	return &Buffer{bb: bb, hint: hint}
}

// Hint returns the capacity hint.
func (b *Buffer) Hint() int { return b.hint }

// Write appends p. It never fails.
func (b *Buffer) Write(p []byte) (int, error) {
	b.reserve(len(p))
	b.bb.B = append(b.bb.B, p...)
	return len(p), nil
}

// WriteString appends s.
func (b *Buffer) WriteString(s string) (int, error) {
	b.reserve(len(s))
	b.bb.B = append(b.bb.B, s...)
	return len(s), nil
}

// reserve slides unread bytes to the front when appending n more would
// otherwise reallocate.
func (b *Buffer) reserve(n int) {
	if b.off == 0 || len(b.bb.B)+n <= cap(b.bb.B) {
		return
	}
	rest := copy(b.bb.B, b.bb.B[b.off:])
	b.bb.B = b.bb.B[:rest]
	b.off = 0
}

// Bytes returns the unread bytes. The slice is valid until the next
// mutation of the buffer.
func (b *Buffer) Bytes() []byte { return b.bb.B[b.off:] }

// Len returns the number of unread bytes.
func (b *Buffer) Len() int { return len(b.bb.B) - b.off }

// Cap returns the capacity of the backing array.
func (b *Buffer) Cap() int { return cap(b.bb.B) }

// Next consumes n bytes from the front of the buffer in constant time.
func (b *Buffer) Next(n int) {
	if n >= b.Len() {
		b.bb.B = b.bb.B[:0]
		b.off = 0
		return
	}
	b.off += n
}

// Detach returns a copy of the unread bytes and resets the buffer.
func (b *Buffer) Detach() []byte {
	if b.Len() == 0 {
		b.Reset()
		return nil
	}
	out := make([]byte, b.Len())
	copy(out, b.Bytes())
	b.Reset()
	return out
}

// Reset empties the buffer and trims its capacity back to the hint.
func (b *Buffer) Reset() {
	b.off = 0
	if cap(b.bb.B) > b.hint {
		b.bb.B = make([]byte, 0, b.hint)
		return
	}
	b.bb.B = b.bb.B[:0]
}

// Release returns the backing storage to the shared pool. The buffer must
// not be used afterwards.
func (b *Buffer) Release() {
	if b.bb == nil {
		return
	}
	bytebufferpool.Put(b.bb)
	b.bb = nil
}
