package compress

import "strings"

// Policy decides whether a response is compressed at all.
type Policy struct {
	Enabled       bool
	Level         int
	MinSize       int
	ExcludedTypes []string
	EnableBrotli  bool
}

// Select negotiates an encoding for a response with the given content type
// and body size. It returns None when compression is disabled, the body is
// smaller than MinSize or the content type is excluded.
func (p Policy) Select(acceptEncoding, contentType string, size int) Encoding {
	if !p.Admits(contentType, size) {
		return None
	}
	enc := Negotiate(acceptEncoding, p.EnableBrotli)
	if enc == Brotli && !ValidLevel(Brotli, p.Level) {
		// Fall back only to a coding the client accepted.
		return Negotiate(acceptEncoding, false)
	}
	return enc
}

// Acquire starts a session for enc at the policy's level, or returns nil
// for None.
func (p Policy) Acquire(enc Encoding) *Session {
	if enc == None {
		return nil
	}
	return Acquire(enc, p.Level)
}

// Admits reports whether a body of the given type and size may be
// compressed at all.
func (p Policy) Admits(contentType string, size int) bool {
	if !p.Enabled || size == 0 || size < p.MinSize {
		return false
	}
	for _, excluded := range p.ExcludedTypes {
		if strings.HasPrefix(contentType, excluded) {
			return false
		}
	}
	return true
}
