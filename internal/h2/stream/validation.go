package stream

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/http2/hpack"
)

// ErrMalformed wraps every request header validation failure. Malformed
// requests are stream errors of type PROTOCOL_ERROR.
var ErrMalformed = errors.New("stream: malformed request")

// Pseudo holds a request's pseudo-header values.
type Pseudo struct {
	Method    string
	Scheme    string
	Authority string
	Path      string
}

// ValidateRequest checks a request header block (RFC 9113 section 8.3)
// and returns its pseudo-headers.
func ValidateRequest(fields []hpack.HeaderField) (Pseudo, error) {
	var (
		p           Pseudo
		seenRegular bool
		seenPseudo  = make(map[string]bool, 4)
	)
	for _, f := range fields {
		if f.Name != strings.ToLower(f.Name) {
			return p, fmt.Errorf("%w: header field name must be lowercase: %s", ErrMalformed, f.Name)
		}
		if strings.HasPrefix(f.Name, ":") {
			if seenRegular {
				return p, fmt.Errorf("%w: pseudo-header %s after regular header", ErrMalformed, f.Name)
			}
			if seenPseudo[f.Name] {
				return p, fmt.Errorf("%w: duplicate pseudo-header %s", ErrMalformed, f.Name)
			}
			seenPseudo[f.Name] = true
			switch f.Name {
			case ":method":
				p.Method = f.Value
			case ":scheme":
				p.Scheme = f.Value
			case ":authority":
				p.Authority = f.Value
			case ":path":
				if f.Value == "" {
					return p, fmt.Errorf("%w: empty :path", ErrMalformed)
				}
				p.Path = f.Value
			default:
				return p, fmt.Errorf("%w: unknown pseudo-header %s", ErrMalformed, f.Name)
			}
			continue
		}
		seenRegular = true
		if err := checkRegular(f); err != nil {
			return p, err
		}
	}
	if p.Method == "" || p.Scheme == "" || p.Path == "" {
		return p, fmt.Errorf("%w: missing :method, :scheme or :path", ErrMalformed)
	}
	return p, nil
}

// ValidateTrailers checks a trailing header block.
func ValidateTrailers(fields []hpack.HeaderField) error {
	for _, f := range fields {
		if f.Name != strings.ToLower(f.Name) {
			return fmt.Errorf("%w: header field name must be lowercase: %s", ErrMalformed, f.Name)
		}
		if strings.HasPrefix(f.Name, ":") {
			return fmt.Errorf("%w: pseudo-header %s in trailers", ErrMalformed, f.Name)
		}
		if err := checkRegular(f); err != nil {
			return err
		}
	}
	return nil
}

func checkRegular(f hpack.HeaderField) error {
	switch f.Name {
	case "connection", "keep-alive", "proxy-connection", "transfer-encoding", "upgrade":
		return fmt.Errorf("%w: connection-specific header %s", ErrMalformed, f.Name)
	case "te":
		if f.Value != "trailers" {
			return fmt.Errorf("%w: te must be trailers, got %q", ErrMalformed, f.Value)
		}
	}
	return nil
}

// ValidateContentLength checks a declared content-length against the
// received body length.
func ValidateContentLength(fields []hpack.HeaderField, bodyLength int) error {
	for _, f := range fields {
		if f.Name != "content-length" {
			continue
		}
		n, err := strconv.Atoi(f.Value)
		if err != nil || n < 0 {
			return fmt.Errorf("%w: invalid content-length %q", ErrMalformed, f.Value)
		}
		if n != bodyLength {
			return fmt.Errorf("%w: content-length %d does not match body length %d", ErrMalformed, n, bodyLength)
		}
	}
	return nil
}
