// Package h1 implements the HTTP/1.1 connection pipeline.
package h1

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"

	"github.com/albertbausili/velox/internal/exchange"
)

// Parse errors.
var (
	ErrBadRequestLine   = errors.New("h1: invalid request line")
	ErrBadHeader        = errors.New("h1: invalid header line")
	ErrMissingHost      = errors.New("h1: missing Host header")
	ErrBadChunk         = errors.New("h1: invalid chunked encoding")
	ErrVersion          = errors.New("h1: unsupported HTTP version")
	ErrBadContentLength = errors.New("h1: invalid content-length")
)

var crlf = []byte("\r\n")

// Head is a parsed request line and header block.
type Head struct {
	Method        string
	URI           string
	Version       string
	Header        exchange.Headers
	Host          string
	ContentLength int64
	Chunked       bool
	KeepAlive     bool
}

// Reset prepares h for the next request. The header collection is
// replaced, not truncated, because the previous one was handed to a
// request.
func (h *Head) Reset() {
	*h = Head{Header: exchange.NewHeaders(16), ContentLength: -1}
}

// Parser parses request heads and chunked bodies from a byte slice.
type Parser struct {
	buf []byte
	pos int
}

// Reset points the parser at buf.
func (p *Parser) Reset(buf []byte) {
	p.buf = buf
	p.pos = 0
}

// ParseRequest parses the request line and headers. It returns the number
// of bytes consumed, or 0 when the head is not complete yet.
func (p *Parser) ParseRequest(h *Head) (int, error) {
	complete, err := p.parseRequestLine(h)
	if err != nil || !complete {
		return 0, err
	}
	// HTTP/1.1 defaults to persistent connections; HTTP/1.0 does not.
	h.KeepAlive = h.Version == "HTTP/1.1"

	complete, err = p.parseHeaders(h)
	if err != nil || !complete {
		return 0, err
	}
	if h.Host == "" && h.Version == "HTTP/1.1" {
		return 0, ErrMissingHost
	}
	return p.pos, nil
}

func (p *Parser) parseRequestLine(h *Head) (bool, error) {
	// Tolerate empty lines before the request line.
	for bytes.HasPrefix(p.buf[p.pos:], crlf) {
		p.pos += 2
	}
	lineEnd := bytes.Index(p.buf[p.pos:], crlf)
	if lineEnd == -1 {
		return false, nil
	}
	line := p.buf[p.pos : p.pos+lineEnd]
	p.pos += lineEnd + 2

	parts := bytes.SplitN(line, []byte(" "), 3)
	if len(parts) != 3 || len(parts[0]) == 0 || len(parts[1]) == 0 {
		return false, ErrBadRequestLine
	}
	h.Method = string(parts[0])
	h.URI = string(parts[1])
	h.Version = string(parts[2])
	if h.Version != "HTTP/1.1" && h.Version != "HTTP/1.0" {
		return false, fmt.Errorf("%w: %q", ErrVersion, h.Version)
	}
	return true, nil
}

func (p *Parser) parseHeaders(h *Head) (bool, error) {
	for {
		lineEnd := bytes.Index(p.buf[p.pos:], crlf)
		if lineEnd == -1 {
			return false, nil
		}
		line := p.buf[p.pos : p.pos+lineEnd]
		p.pos += lineEnd + 2
		if len(line) == 0 {
			return true, nil
		}
		colon := bytes.IndexByte(line, ':')
		if colon <= 0 {
			return false, ErrBadHeader
		}
		if err := appendHeader(h, bytes.TrimSpace(line[:colon]), bytes.TrimSpace(line[colon+1:])); err != nil {
			return false, err
		}
	}
}

func appendHeader(h *Head, rawName, rawValue []byte) error {
	value := string(rawValue)
	switch {
	case asciiEqualFold(rawName, "Host"):
		h.Host = value
	case asciiEqualFold(rawName, "Content-Length"):
		cl, ok := parseInt64Bytes(rawValue)
		if !ok {
			return ErrBadContentLength
		}
		if !h.Chunked {
			h.ContentLength = cl
		}
	case asciiEqualFold(rawName, "Transfer-Encoding"):
		if asciiContainsFold(rawValue, "chunked") {
			h.Chunked = true
			h.ContentLength = -1
		}
	case asciiEqualFold(rawName, "Connection"):
		if asciiContainsFold(rawValue, "close") {
			h.KeepAlive = false
		} else if asciiContainsFold(rawValue, "keep-alive") {
			h.KeepAlive = true
		}
	}
	h.Header.Add(string(rawName), value)
	return nil
}

// ParseChunk parses one chunk of a chunked body. It returns the chunk data
// (nil for the terminating chunk), the bytes consumed, and last=true once
// the terminating chunk and its trailer section were consumed. consumed is
// 0 when more input is needed.
func (p *Parser) ParseChunk() (chunk []byte, consumed int, last bool, err error) {
	start := p.pos
	lineEnd := bytes.Index(p.buf[p.pos:], crlf)
	if lineEnd == -1 {
		return nil, 0, false, nil
	}
	sizeLine := p.buf[p.pos : p.pos+lineEnd]
	if semi := bytes.IndexByte(sizeLine, ';'); semi != -1 {
		sizeLine = sizeLine[:semi]
	}
	size, perr := strconv.ParseInt(string(bytes.TrimSpace(sizeLine)), 16, 64)
	if perr != nil || size < 0 {
		return nil, 0, false, ErrBadChunk
	}
	p.pos += lineEnd + 2

	if size == 0 {
		// Skip trailers up to and including the empty line.
		for {
			end := bytes.Index(p.buf[p.pos:], crlf)
			if end == -1 {
				p.pos = start
				return nil, 0, false, nil
			}
			p.pos += end + 2
			if end == 0 {
				return nil, p.pos - start, true, nil
			}
		}
	}

	if int64(len(p.buf)-p.pos) < size+2 {
		p.pos = start
		return nil, 0, false, nil
	}
	chunk = p.buf[p.pos : p.pos+int(size)]
	p.pos += int(size)
	if !bytes.HasPrefix(p.buf[p.pos:], crlf) {
		return nil, 0, false, ErrBadChunk
	}
	p.pos += 2
	return chunk, p.pos - start, false, nil
}

// asciiEqualFold reports whether b equals s under ASCII case folding.
func asciiEqualFold(b []byte, s string) bool {
	if len(b) != len(s) {
		return false
	}
	for i := 0; i < len(b); i++ {
		if toLower(b[i]) != toLower(s[i]) {
			return false
		}
	}
	return true
}

// asciiContainsFold reports whether b contains sub under ASCII case folding.
func asciiContainsFold(b []byte, sub string) bool {
	m := len(sub)
	if m == 0 {
		return true
	}
	for i := 0; i+m <= len(b); i++ {
		if asciiEqualFold(b[i:i+m], sub) {
			return true
		}
	}
	return false
}

func toLower(c byte) byte {
	if 'A' <= c && c <= 'Z' {
		return c | 0x20
	}
	return c
}

// parseInt64Bytes parses a non-negative base-10 integer.
func parseInt64Bytes(b []byte) (int64, bool) {
	if len(b) == 0 || len(b) > 18 {
		return 0, false
	}
	var n int64
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int64(c-'0')
	}
	return n, true
}
