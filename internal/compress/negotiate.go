// Package compress negotiates response content-coding and runs one-shot
// gzip, deflate or brotli compression over a complete response body.
package compress

import (
	"strconv"
	"strings"
)

// Encoding is a negotiated content-coding.
type Encoding uint8

// Supported encodings.
const (
	None Encoding = iota
	Gzip
	Deflate
	Brotli
)

// Token returns the Content-Encoding token for e, or "" for None.
func (e Encoding) Token() string {
	switch e {
	case Gzip:
		return "gzip"
	case Deflate:
		return "deflate"
	case Brotli:
		return "br"
	default:
		return ""
	}
}

func (e Encoding) String() string {
	if e == None {
		return "identity"
	}
	return e.Token()
}

// Negotiate selects an encoding from an Accept-Encoding header value.
//
// Each token may carry ;q= in [0,1]; a missing q means 1 and a malformed or
// out-of-range q means 0. The highest q seen for gzip (or x-gzip), deflate
// and * is tracked. gzip or deflate with positive q wins by quality with
// gzip taking ties; otherwise a positive wildcard selects gzip; otherwise
// nothing is compressed. When allowBrotli is set, br is chosen only if its
// quality is strictly higher than both gzip and deflate.
func Negotiate(header string, allowBrotli bool) Encoding {
	if header == "" {
		return None
	}
	var qGzip, qDeflate, qAny, qBr float64
	for _, part := range strings.Split(header, ",") {
		token, params, _ := strings.Cut(part, ";")
		token = strings.ToLower(strings.TrimSpace(token))
		if token == "" {
			continue
		}
		q := quality(params)
		switch token {
		case "gzip", "x-gzip":
			qGzip = max(qGzip, q)
		case "deflate":
			qDeflate = max(qDeflate, q)
		case "*":
			qAny = max(qAny, q)
		case "br":
			qBr = max(qBr, q)
		}
	}

	if allowBrotli && qBr > 0 && qBr > qGzip && qBr > qDeflate {
		return Brotli
	}
	if qGzip > 0 || qDeflate > 0 {
		if qDeflate > qGzip {
			return Deflate
		}
		return Gzip
	}
	if qAny > 0 {
		return Gzip
	}
	return None
}

// quality extracts q from a parameter list such as " q=0.5; foo=bar".
func quality(params string) float64 {
	if params == "" {
		return 1
	}
	for _, p := range strings.Split(params, ";") {
		name, value, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(name), "q") {
			continue
		}
		q, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil || !(q >= 0 && q <= 1) {
			return 0
		}
		return q
	}
	return 1
}
