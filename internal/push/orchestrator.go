package push

import (
	"errors"
	"fmt"

	"github.com/albertbausili/velox/internal/compress"
	"github.com/albertbausili/velox/internal/exchange"
	"github.com/albertbausili/velox/internal/partial"
)

// Origin is what a pushed request inherits from the request that
// triggered it.
type Origin struct {
	Scheme    string
	Authority string
}

// Promise is a pushed exchange ready to be announced and written.
type Promise struct {
	StreamID  uint32
	Method    string
	Scheme    string
	Authority string
	Path      string
	Head      *exchange.Head
	Body      []byte
	// RawLen is the body length before compression.
	RawLen   int
	Encoding compress.Encoding
}

// Plan turns candidates into promises in candidate order. nextID
// allocates the server stream id for each promise. When the primary
// response negotiated enc, each admitted body is compressed through its
// own session; a body that fails to compress is pushed as is and the
// failure is reported in the returned error.
func Plan(cands []Candidate, origin Origin, enc compress.Encoding, policy compress.Policy, nextID func() uint32) ([]Promise, error) {
	promises := make([]Promise, 0, len(cands))
	f := partial.New(0)
	defer f.Release()

	var errs []error

	for i, c := range cands {
		head := &exchange.Head{Status: 200, Header: exchange.NewHeaders(4)}
		head.Header.Set("content-type", c.ContentType)
		head.Header.SetInt("content-length", int64(len(c.Body)))

		p := Promise{
			Method:    "GET",
			Scheme:    origin.Scheme,
			Authority: origin.Authority,
			Path:      c.Path,
			Head:      head,
			Body:      c.Body,
			RawLen:    len(c.Body),
		}
		if enc != compress.None && policy.Admits(c.ContentType, len(c.Body)) {
			body, err := compressBody(f, head, c.Body, policy.Acquire(enc))
			if err != nil {
				errs = append(errs, fmt.Errorf("push: compress %s: %w", c.Path, err))
			} else {
				p.Body = body
				p.Encoding = enc
			}
		}
		p.StreamID = nextID()
		cands[i].StreamID = p.StreamID
		promises = append(promises, p)
	}
	return promises, errors.Join(errs...)
}

func compressBody(f *partial.Frame, head *exchange.Head, body []byte, s *compress.Session) (out []byte, err error) {
	defer func() {
		if rerr := s.Release(); err == nil {
			err = rerr
		}
	}()
	if err := f.BufferHead(head); err != nil {
		return nil, err
	}
	if err := f.BufferBody(partial.Bytes(body)); err != nil {
		_ = f.Discard()
		return nil, err
	}
	_, out, _, err = f.Flush(s)
	return out, err
}
