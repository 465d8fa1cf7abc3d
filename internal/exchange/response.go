package exchange

import (
	"bytes"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	// ErrAlreadyCompleted is returned by a second Complete call.
	ErrAlreadyCompleted = errors.New("exchange: response already completed")
	// ErrConnClosed resolves responses whose connection went away first.
	ErrConnClosed = errors.New("exchange: connection closed before response was written")
)

// Response is the sink a handler fills in. Status, headers and body may be
// mutated until Complete; Complete must be called exactly once. A handler
// that never completes leaves its connection waiting forever.
type Response struct {
	status int
	header Headers
	body   bytes.Buffer
	file   string

	completed  atomic.Bool
	onComplete func(*Response)
	observe    func(status, size int)

	once sync.Once
	done chan struct{}
	err  error
}

// NewResponse returns a response whose completion is reported to
// onComplete. Pipelines use onComplete to hop back onto their event loop.
func NewResponse(onComplete func(*Response)) *Response {
	return &Response{
		status:     200,
		header:     NewHeaders(8),
		onComplete: onComplete,
		done:       make(chan struct{}),
	}
}

// SetStatus sets the status code.
func (r *Response) SetStatus(code int) { r.status = code }

// Status returns the status code (200 unless set).
func (r *Response) Status() int { return r.status }

// Header returns the mutable response headers.
func (r *Response) Header() *Headers { return &r.header }

// Write appends to the response body.
func (r *Response) Write(p []byte) (int, error) { return r.body.Write(p) }

// WriteString appends s to the response body.
func (r *Response) WriteString(s string) (int, error) { return r.body.WriteString(s) }

// Body returns the accumulated body.
func (r *Response) Body() []byte { return r.body.Bytes() }

// SendFile makes the response file-backed. path is resolved against the
// document root and streamed in chunks; any buffered body is ignored.
func (r *Response) SendFile(path string) { r.file = path }

// File returns the path set by SendFile.
func (r *Response) File() string { return r.file }

// Complete ends the handler's part of the exchange. A positive status
// overrides the one set earlier. It may be called from any goroutine.
func (r *Response) Complete(status int) error {
	if !r.completed.CompareAndSwap(false, true) {
		return ErrAlreadyCompleted
	}
	if status > 0 {
		r.status = status
	}
	if r.onComplete != nil {
		r.onComplete(r)
	}
	return nil
}

// Completed reports whether Complete was called.
func (r *Response) Completed() bool { return r.completed.Load() }

// reset discards everything the handler wrote. Used before replacing a
// panicking handler's output with an error response.
func (r *Response) reset() {
	r.status = 200
	r.header.Reset()
	r.body.Reset()
	r.file = ""
}

// Resolve settles the write promise: err is nil once the response has
// been handed to the transport, non-nil if it never will be. Only the
// first call has an effect.
func (r *Response) Resolve(sent int, err error) {
	r.once.Do(func() {
		r.err = err
		if r.observe != nil {
			status := r.status
			if err != nil && !r.Completed() {
				status = 499
			}
			r.observe(status, sent)
		}
		close(r.done)
	})
}

// Done is closed when the write promise settles.
func (r *Response) Done() <-chan struct{} { return r.done }

// Err returns the promise's outcome after Done is closed.
func (r *Response) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}
