package h1

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/albertbausili/velox/internal/buffer"
	"github.com/albertbausili/velox/internal/compress"
	"github.com/albertbausili/velox/internal/exchange"
	"github.com/albertbausili/velox/internal/partial"
	"github.com/albertbausili/velox/internal/static"
	"github.com/albertbausili/velox/internal/transport"
)

// Proto is the protocol label used for telemetry.
const Proto = "HTTP/1.1"

// Config is shared by every HTTP/1.1 connection of a server.
type Config struct {
	Dispatcher       *exchange.Dispatcher
	Streamer         *static.Streamer
	Compression      compress.Policy
	DisableKeepAlive bool
	MaxBodyBytes     int64
	MaxHeaderBytes   int
	ServerName       string
	Logger           *zap.Logger
}

const defaultMaxHeaderBytes = 1 << 20

// Connection is the HTTP/1.1 pipeline bound to one transport. All methods
// run on the connection's event loop.
type Connection struct {
	conn    transport.Conn
	cfg     *Config
	logger  *zap.Logger
	parser  Parser
	head    Head
	machine *Machine
	in      *buffer.Buffer
	frame   *partial.Frame

	bodyLeft int64
	current  *exchange.Response
	draining bool
	closed   bool
}

// NewConnection binds a pipeline to conn.
func NewConnection(conn transport.Conn, cfg *Config) *Connection {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Connection{
		conn:    conn,
		cfg:     cfg,
		logger:  logger,
		machine: NewMachine(buffer.DefaultHint),
		in:      buffer.New(buffer.DefaultHint),
		frame:   partial.New(buffer.DefaultHint),
	}
	c.head.Reset()
	return c
}

// State returns the connection's lifecycle state.
func (c *Connection) State() State { return c.machine.State() }

// OnData feeds inbound bytes. Bytes that arrive while a request is being
// dispatched stay buffered until its response completes.
func (c *Connection) OnData(data []byte) error {
	if c.closed || c.machine.State() == StateClosed {
		return nil
	}
	_, _ = c.in.Write(data)
	return c.process()
}

func (c *Connection) process() error {
	for {
		switch c.machine.State() {
		case StateIdle:
			if c.in.Len() == 0 {
				return nil
			}
			ok, err := c.readHead()
			if err != nil || !ok {
				return err
			}
		case StateAwaitingBody:
			done, err := c.readBody()
			if err != nil || !done {
				return err
			}
			body, err := c.machine.End()
			if err != nil {
				return err
			}
			c.dispatch(body)
		default:
			return nil
		}
	}
}

func (c *Connection) readHead() (bool, error) {
	c.parser.Reset(c.in.Bytes())
	n, err := c.parser.ParseRequest(&c.head)
	if err != nil {
		c.logger.Debug("malformed request head", zap.Error(err))
		c.reject(400)
		return false, nil
	}
	if n == 0 {
		limit := c.cfg.MaxHeaderBytes
		if limit <= 0 {
			limit = defaultMaxHeaderBytes
		}
		if c.in.Len() > limit {
			c.reject(431)
		}
		c.head.Reset()
		return false, nil
	}
	c.in.Next(n)

	keepAlive := c.head.KeepAlive && !c.cfg.DisableKeepAlive
	if err := c.machine.Head(keepAlive); err != nil {
		return false, err
	}
	if !c.head.Chunked && c.head.ContentLength < 0 {
		c.head.ContentLength = 0
	}
	if c.cfg.MaxBodyBytes > 0 && c.head.ContentLength > c.cfg.MaxBodyBytes {
		c.reject(413)
		return false, nil
	}
	c.bodyLeft = c.head.ContentLength
	return true, nil
}

// readBody moves available body bytes into the machine. It reports true
// once the whole body has been accumulated.
func (c *Connection) readBody() (bool, error) {
	if !c.head.Chunked {
		take := min(c.bodyLeft, int64(c.in.Len()))
		if take > 0 {
			if err := c.machine.Body(c.in.Bytes()[:take]); err != nil {
				return false, err
			}
			c.in.Next(int(take))
			c.bodyLeft -= take
		}
		return c.bodyLeft == 0, nil
	}
	for {
		c.parser.Reset(c.in.Bytes())
		chunk, consumed, last, err := c.parser.ParseChunk()
		if err != nil {
			c.reject(400)
			return false, nil
		}
		if consumed == 0 {
			return false, nil
		}
		if len(chunk) > 0 {
			if err := c.machine.Body(chunk); err != nil {
				return false, err
			}
		}
		c.in.Next(consumed)
		if c.cfg.MaxBodyBytes > 0 && int64(c.machine.BodyLen()) > c.cfg.MaxBodyBytes {
			c.reject(413)
			return false, nil
		}
		if last {
			return true, nil
		}
	}
}

func (c *Connection) dispatch(body []byte) {
	h := c.head
	c.head.Reset()
	req := &exchange.Request{
		Method:     h.Method,
		URI:        h.URI,
		Proto:      h.Version,
		Scheme:     "http",
		Authority:  h.Host,
		Header:     h.Header,
		Body:       body,
		RemoteAddr: c.conn.RemoteAddr(),
	}
	req.WithContext(c.conn.Context())

	res := exchange.NewResponse(func(r *exchange.Response) {
		if err := c.conn.Execute(func() { c.finish(req, r) }); err != nil {
			r.Resolve(0, fmt.Errorf("%w: %v", exchange.ErrConnClosed, err))
		}
	})
	c.current = res

	if c.cfg.Dispatcher.Dispatch(req, res) == exchange.Static {
		c.serveStatic(req, res, req.URI)
	}
}

// finish runs on the loop after the handler completed.
func (c *Connection) finish(req *exchange.Request, res *exchange.Response) {
	if c.closed {
		res.Resolve(0, exchange.ErrConnClosed)
		return
	}
	if file := res.File(); file != "" {
		c.serveStatic(req, res, file)
		return
	}

	head := &exchange.Head{Status: res.Status(), Header: res.Header().Clone()}
	body := res.Body()
	if req.Method == "HEAD" || !exchange.BodyAllowed(head.Status) {
		c.writeResponse(req, res, head, body)
		return
	}

	enc := compress.None
	if !head.Header.Has("content-encoding") {
		enc = c.cfg.Compression.Select(req.Header.Get("accept-encoding"), head.Header.Get("content-type"), len(body))
	}
	session := c.cfg.Compression.Acquire(enc)
	defer c.release(session)

	if err := c.frame.BufferHead(head); err != nil {
		c.logger.Error("response head already buffered", zap.Error(err))
		_ = c.frame.Discard()
		_ = c.frame.BufferHead(head)
	}
	_ = c.frame.BufferBody(partial.Bytes(body))
	flushed, out, n, err := c.frame.Flush(session)
	if err != nil {
		c.logger.Error("response compression failed", zap.Error(err))
		c.writeError(req, res, 500)
		return
	}
	if flushed == nil {
		flushed = head
	}
	if session != nil {
		c.cfg.Dispatcher.Observe().Compressed(enc.Token(), len(body), n)
	}
	c.writeResponse(req, res, flushed, out)
}

func (c *Connection) release(s *compress.Session) {
	if s == nil {
		return
	}
	if err := s.Release(); err != nil {
		c.logger.Error("compression session torn down with pending bytes", zap.Error(err))
	}
}

// writeResponse writes head and body in one vectored write. The response
// transition completes in the write callback.
func (c *Connection) writeResponse(req *exchange.Request, res *exchange.Response, head *exchange.Head, body []byte) {
	if req.Method == "HEAD" || !exchange.BodyAllowed(head.Status) {
		if !head.Header.Has("content-length") && exchange.BodyAllowed(head.Status) {
			head.Header.SetInt("content-length", int64(len(body)))
		}
		body = nil
	}
	bufs := [][]byte{appendHead(nil, head, len(body), c.keepAlive(), c.cfg.ServerName)}
	if len(body) > 0 {
		bufs = append(bufs, body)
	}
	_ = c.conn.Write(bufs, func(err error) { c.written(res, len(body), err) })
}

func (c *Connection) written(res *exchange.Response, n int, err error) {
	res.Resolve(n, err)
	c.current = nil
	if err != nil || c.closed {
		c.close()
		return
	}
	keep, terr := c.machine.Complete()
	if terr != nil || !keep || c.draining {
		c.close()
		return
	}
	if perr := c.process(); perr != nil {
		c.logger.Debug("closing connection", zap.Error(perr))
		c.close()
	}
}

func (c *Connection) writeError(req *exchange.Request, res *exchange.Response, status int) {
	head := &exchange.Head{Status: status, Header: exchange.NewHeaders(2)}
	head.Header.Set("content-type", "text/plain; charset=utf-8")
	c.writeResponse(req, res, head, []byte(exchange.StatusText(status)))
}

// reject answers a request that cannot be parsed or accepted and closes
// the connection once the answer is written.
func (c *Connection) reject(status int) {
	c.machine.Close()
	head := &exchange.Head{Status: status, Header: exchange.NewHeaders(2)}
	head.Header.Set("content-type", "text/plain; charset=utf-8")
	body := []byte(exchange.StatusText(status))
	bufs := [][]byte{appendHead(nil, head, len(body), false, c.cfg.ServerName), body}
	_ = c.conn.Write(bufs, func(error) { c.close() })
}

func (c *Connection) serveStatic(req *exchange.Request, res *exchange.Response, path string) {
	if c.cfg.Streamer == nil {
		c.writeError(req, res, 404)
		return
	}
	if req.Method != "GET" && req.Method != "HEAD" {
		res.Header().Set("allow", "GET, HEAD")
		head := &exchange.Head{Status: 405, Header: res.Header().Clone()}
		c.writeResponse(req, res, head, []byte(exchange.StatusText(405)))
		return
	}
	sink := &fileSink{c: c, req: req, res: res}
	c.cfg.Streamer.Serve(req.Context(), c.conn, path, req.Method == "HEAD", sink)
}

// fileSink writes a static transfer to the connection.
type fileSink struct {
	c    *Connection
	req  *exchange.Request
	res  *exchange.Response
	sent int
}

func (s *fileSink) Chunk(head *exchange.Head, p []byte, done func(error)) {
	var bufs [][]byte
	if head != nil {
		for _, f := range s.res.Header().Fields() {
			if !head.Header.Has(f.Name) {
				head.Header.Add(f.Name, f.Value)
			}
		}
		bufs = append(bufs, appendHead(nil, head, int(head.ContentLength()), s.c.keepAlive(), s.c.cfg.ServerName))
	}
	if len(p) > 0 {
		bufs = append(bufs, p)
		s.sent += len(p)
	}
	_ = s.c.conn.Write(bufs, done)
}

func (s *fileSink) Fail(status int, _ error) {
	if s.c.closed {
		s.res.Resolve(0, exchange.ErrConnClosed)
		return
	}
	s.res.SetStatus(status)
	s.c.writeError(s.req, s.res, status)
}

func (s *fileSink) Finish(err error) {
	if err != nil && !s.c.closed && !errors.Is(err, context.Canceled) {
		s.c.logger.Warn("static transfer aborted", zap.String("uri", s.req.URI), zap.Error(err))
	}
	// A failed transfer already promised a content-length it cannot meet,
	// so written closes the connection.
	s.c.written(s.res, s.sent, err)
}

// OnClose tears the pipeline down. Any response still in flight resolves
// with ErrConnClosed. gnet reports only full closes, never a read-side
// half-close, so the machine goes straight to Closed rather than through
// PeerClosed.
func (c *Connection) OnClose() {
	if c.closed {
		return
	}
	c.closed = true
	c.machine.Close()
	if c.current != nil {
		c.current.Resolve(0, exchange.ErrConnClosed)
		c.current = nil
	}
	if err := c.frame.Discard(); err != nil {
		c.logger.Debug("pending response discarded", zap.Error(err))
	}
	c.frame.Release()
	c.in.Release()
	c.machine.Release()
}

// Shutdown closes an idle connection at once and a busy one after its
// current response, which is sent with Connection: close.
func (c *Connection) Shutdown() {
	if c.closed {
		return
	}
	c.draining = true
	if c.machine.State() == StateIdle && c.current == nil {
		c.close()
	}
}

func (c *Connection) keepAlive() bool {
	return c.machine.KeepAlive() && !c.draining
}

func (c *Connection) close() {
	c.machine.Close()
	_ = c.conn.Close()
}
