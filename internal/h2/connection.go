// Package h2 implements the HTTP/2 connection pipeline: frame handling,
// flow control, response compression and server push.
package h2

import (
	"bytes"
	"errors"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/albertbausili/velox/internal/buffer"
	"github.com/albertbausili/velox/internal/compress"
	"github.com/albertbausili/velox/internal/exchange"
	"github.com/albertbausili/velox/internal/h2/frame"
	"github.com/albertbausili/velox/internal/h2/stream"
	"github.com/albertbausili/velox/internal/partial"
	"github.com/albertbausili/velox/internal/push"
	"github.com/albertbausili/velox/internal/static"
	"github.com/albertbausili/velox/internal/transport"
)

// Proto is the protocol label used for requests and telemetry.
const Proto = "HTTP/2.0"

// Preface is the client connection preface.
const Preface = http2.ClientPreface

var errStreamReset = errors.New("h2: stream reset")

// Config is shared by every HTTP/2 connection of a server.
type Config struct {
	Dispatcher  *exchange.Dispatcher
	Streamer    *static.Streamer
	Compression compress.Policy
	// Pusher resolves Link targets; nil disables server push.
	Pusher *push.Resolver
	// Pool runs push resolution off the event loop.
	Pool                 static.Pool
	MaxConcurrentStreams uint32
	MaxBodyBytes         int64
	ServerName           string
	Logger               *zap.Logger
}

// Connection is the HTTP/2 pipeline bound to one transport. All methods
// run on the connection's event loop.
type Connection struct {
	conn    transport.Conn
	cfg     *Config
	logger  *zap.Logger
	in      *buffer.Buffer
	parser  *frame.Parser
	out     *frame.Writer
	enc     *frame.HeaderEncoder
	dec     *frame.HeaderDecoder
	streams *stream.Manager
	frame   *partial.Frame

	queue   []item
	pending []func(error)

	prefaceDone bool
	// header block being reassembled from HEADERS + CONTINUATION
	block          []byte
	blockStream    uint32
	blockEndStream bool

	peerGoAway bool
	closing    bool
	closed     bool
}

// NewConnection binds a pipeline to conn.
func NewConnection(conn transport.Conn, cfg *Config) *Connection {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connection{
		conn:    conn,
		cfg:     cfg,
		logger:  logger,
		in:      buffer.New(buffer.DefaultHint),
		parser:  frame.NewParser(frame.DefaultMaxFrameSize),
		out:     frame.NewWriter(),
		enc:     frame.NewHeaderEncoder(),
		dec:     frame.NewHeaderDecoder(stream.DefaultHeaderTableSize),
		streams: stream.NewManager(cfg.MaxConcurrentStreams),
		frame:   partial.New(buffer.DefaultHint),
	}
}

// OnData feeds inbound bytes.
func (c *Connection) OnData(data []byte) error {
	if c.closed || c.closing {
		return nil
	}
	_, _ = c.in.Write(data)
	defer c.kick()

	if !c.prefaceDone {
		buf := c.in.Bytes()
		n := min(len(buf), len(Preface))
		if !bytes.Equal(buf[:n], []byte(Preface[:n])) {
			c.goAway(http2.ErrCodeProtocol, "invalid connection preface")
			return nil
		}
		if n < len(Preface) {
			return nil
		}
		c.in.Next(len(Preface))
		c.prefaceDone = true
		_ = c.out.WriteSettings(
			http2.Setting{ID: http2.SettingMaxConcurrentStreams, Val: c.streams.MaxConcurrentStreams()},
			http2.Setting{ID: http2.SettingMaxFrameSize, Val: frame.DefaultMaxFrameSize},
		)
	}

	for !c.closing && !c.closed {
		f, n, err := c.parser.Next(c.in.Bytes())
		if err != nil {
			var se http2.StreamError
			if errors.As(err, &se) && n > 0 {
				c.in.Next(n)
				c.resetStream(se.StreamID, se.Code)
				continue
			}
			c.connError(err)
			return nil
		}
		if f == nil {
			return nil
		}
		herr := c.handle(f)
		c.in.Next(n)
		if herr != nil {
			c.connError(herr)
			return nil
		}
	}
	return nil
}

// connError maps a fatal error onto GOAWAY.
func (c *Connection) connError(err error) {
	code := http2.ErrCodeProtocol
	var ce http2.ConnectionError
	switch {
	case errors.As(err, &ce):
		code = http2.ErrCode(ce)
	case errors.Is(err, frame.ErrFrameTooLarge):
		code = http2.ErrCodeFrameSize
	case errors.Is(err, stream.ErrWindowOverflow):
		code = http2.ErrCodeFlowControl
	}
	c.logger.Debug("http2 connection error", zap.Stringer("code", code), zap.Error(err))
	c.goAway(code, err.Error())
}

// goAway queues GOAWAY and closes the connection after it is written.
func (c *Connection) goAway(code http2.ErrCode, debug string) {
	if c.closing {
		return
	}
	c.closing = true
	_ = c.out.WriteGoAway(c.streams.LastClientStream(), code, []byte(debug))
}

// Shutdown announces GOAWAY(NO_ERROR) and closes once in-flight streams
// finish.
func (c *Connection) Shutdown() {
	if c.closed || c.closing || c.peerGoAway {
		return
	}
	c.peerGoAway = true
	_ = c.out.WriteGoAway(c.streams.LastClientStream(), http2.ErrCodeNo, nil)
	c.closeIfIdle()
	c.kick()
}

// closeIfIdle closes a connection draining after GOAWAY once its last
// stream is done.
func (c *Connection) closeIfIdle() {
	if !c.peerGoAway || c.closing || c.closed || c.streams.Len() > 0 || len(c.queue) > 0 {
		return
	}
	c.closing = true
	if c.out.Len() == 0 && len(c.pending) == 0 {
		_ = c.conn.Close()
	}
}

func (c *Connection) handle(f http2.Frame) error {
	switch f := f.(type) {
	case *http2.SettingsFrame:
		return c.onSettings(f)
	case *http2.PingFrame:
		if !f.IsAck() {
			_ = c.out.WritePing(true, f.Data)
		}
	case *http2.WindowUpdateFrame:
		return c.onWindowUpdate(f)
	case *http2.HeadersFrame:
		c.blockStream = f.StreamID
		c.blockEndStream = f.StreamEnded()
		c.block = append(c.block[:0], f.HeaderBlockFragment()...)
		if f.HeadersEnded() {
			return c.endBlock()
		}
	case *http2.ContinuationFrame:
		c.block = append(c.block, f.HeaderBlockFragment()...)
		if f.HeadersEnded() {
			return c.endBlock()
		}
	case *http2.DataFrame:
		return c.onData(f)
	case *http2.RSTStreamFrame:
		if c.streams.Idle(f.StreamID) {
			return http2.ConnectionError(http2.ErrCodeProtocol)
		}
		c.onReset(f.StreamID)
	case *http2.GoAwayFrame:
		c.peerGoAway = true
		c.closeIfIdle()
	case *http2.PushPromiseFrame:
		return http2.ConnectionError(http2.ErrCodeProtocol)
	}
	return nil
}

func (c *Connection) onSettings(f *http2.SettingsFrame) error {
	if f.IsAck() {
		return nil
	}
	err := f.ForeachSetting(func(s http2.Setting) error {
		if err := c.streams.ApplySetting(s); err != nil {
			return err
		}
		if s.ID == http2.SettingHeaderTableSize {
			c.enc.SetMaxDynamicTableSize(s.Val)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return c.out.WriteSettingsAck()
}

func (c *Connection) onWindowUpdate(f *http2.WindowUpdateFrame) error {
	if f.StreamID != 0 && c.streams.Idle(f.StreamID) {
		return http2.ConnectionError(http2.ErrCodeProtocol)
	}
	if err := c.streams.AddSendWindow(f.StreamID, f.Increment); err != nil {
		if f.StreamID == 0 {
			return err
		}
		c.resetStream(f.StreamID, http2.ErrCodeFlowControl)
	}
	return nil
}

func (c *Connection) endBlock() error {
	fields, err := c.dec.Decode(c.block)
	if err != nil {
		return http2.ConnectionError(http2.ErrCodeCompression)
	}
	id := c.blockStream
	c.block = c.block[:0]

	if s, ok := c.streams.Get(id); ok {
		// A second block on a stream is a trailer section.
		if s.State != stream.StateOpen {
			c.resetStream(id, http2.ErrCodeStreamClosed)
			return nil
		}
		if !c.blockEndStream || stream.ValidateTrailers(fields) != nil {
			c.resetStream(id, http2.ErrCodeProtocol)
			return nil
		}
		return c.endRemote(s)
	}
	if !c.streams.Idle(id) {
		return http2.ConnectionError(http2.ErrCodeStreamClosed)
	}

	s, code := c.streams.TryOpenStream(id)
	if code == http2.ErrCodeProtocol {
		return http2.ConnectionError(code)
	}
	if code != http2.ErrCodeNo || c.peerGoAway {
		_ = c.out.WriteRSTStream(id, http2.ErrCodeRefusedStream)
		if s != nil {
			c.streams.Close(id)
		}
		return nil
	}
	pseudo, err := stream.ValidateRequest(fields)
	if err != nil {
		c.logger.Debug("malformed request", zap.Uint32("stream", id), zap.Error(err))
		c.resetStream(id, http2.ErrCodeProtocol)
		return nil
	}
	s.Fields = fields
	s.Pseudo = pseudo
	if c.blockEndStream {
		return c.endRemote(s)
	}
	return nil
}

func (c *Connection) onData(f *http2.DataFrame) error {
	id := f.StreamID
	s, ok := c.streams.Get(id)
	if !ok {
		if c.streams.Idle(id) {
			return http2.ConnectionError(http2.ErrCodeProtocol)
		}
		c.replenish(0, f.Length)
		_ = c.out.WriteRSTStream(id, http2.ErrCodeStreamClosed)
		return nil
	}
	if s.State != stream.StateOpen && s.State != stream.StateHalfClosedLocal {
		c.replenish(0, f.Length)
		c.resetStream(id, http2.ErrCodeStreamClosed)
		return nil
	}
	// Received bytes are handed back at once; bodies are bounded only by
	// MaxBodyBytes.
	if f.StreamEnded() {
		c.replenish(0, f.Length)
	} else {
		c.replenish(id, f.Length)
	}

	if !s.Rejected {
		_, _ = s.Body.Write(f.Data())
		if c.cfg.MaxBodyBytes > 0 && int64(s.Body.Len()) > c.cfg.MaxBodyBytes {
			s.Rejected = true
			c.respondSimple(s, nil, 413)
		}
	}
	if f.StreamEnded() {
		if s.Rejected {
			s.HalfCloseRemote()
			if s.State == stream.StateClosed {
				c.streams.Close(id)
			}
			return nil
		}
		if err := stream.ValidateContentLength(s.Fields, s.Body.Len()); err != nil {
			c.resetStream(id, http2.ErrCodeProtocol)
			return nil
		}
		return c.endRemote(s)
	}
	return nil
}

// replenish returns n received bytes to the peer's connection window and,
// for id != 0, to the stream's.
func (c *Connection) replenish(id uint32, n uint32) {
	if n == 0 {
		return
	}
	_ = c.out.WriteWindowUpdate(0, n)
	if id != 0 {
		_ = c.out.WriteWindowUpdate(id, n)
	}
}

func (c *Connection) endRemote(s *stream.Stream) error {
	s.HalfCloseRemote()
	c.dispatch(s)
	return nil
}

// resetStream sends RST_STREAM and forgets the stream.
func (c *Connection) resetStream(id uint32, code http2.ErrCode) {
	_ = c.out.WriteRSTStream(id, code)
	c.onReset(id)
}

// onReset fails the stream's response and drops it. Queued frames of the
// stream are discarded by pump.
func (c *Connection) onReset(id uint32) {
	s, ok := c.streams.Get(id)
	if !ok {
		return
	}
	s.Reset = true
	if s.Response != nil {
		s.Response.Resolve(0, errStreamReset)
	}
	c.streams.Close(id)
	c.closeIfIdle()
}

func (c *Connection) dispatch(s *stream.Stream) {
	p := s.Pseudo
	header := exchange.NewHeaders(len(s.Fields))
	for _, f := range s.Fields {
		if !strings.HasPrefix(f.Name, ":") {
			header.Add(f.Name, f.Value)
		}
	}
	authority := p.Authority
	if authority == "" {
		authority = header.Get("host")
	}
	req := &exchange.Request{
		Method:     p.Method,
		URI:        p.Path,
		Proto:      Proto,
		Scheme:     p.Scheme,
		Authority:  authority,
		Header:     header,
		Body:       s.Body.Detach(),
		RemoteAddr: c.conn.RemoteAddr(),
		StreamID:   s.ID,
	}
	req.WithContext(c.conn.Context())

	res := exchange.NewResponse(func(r *exchange.Response) {
		if err := c.conn.Execute(func() { c.finish(s, req, r) }); err != nil {
			r.Resolve(0, exchange.ErrConnClosed)
		}
	})
	s.Response = res

	if c.cfg.Dispatcher.Dispatch(req, res) == exchange.Static {
		c.serveStatic(s, req, res, req.URI)
	}
}

// OnClose tears the pipeline down. In-flight responses resolve with
// ErrConnClosed and queued completions fail.
func (c *Connection) OnClose() {
	if c.closed {
		return
	}
	c.closed = true
	c.streams.Each(func(s *stream.Stream) {
		if s.Response != nil {
			s.Response.Resolve(0, exchange.ErrConnClosed)
		}
		s.Reset = true
	})
	var ids []uint32
	c.streams.Each(func(s *stream.Stream) { ids = append(ids, s.ID) })
	for _, id := range ids {
		c.streams.Close(id)
	}
	for _, it := range c.queue {
		if it.done != nil {
			it.done(exchange.ErrConnClosed)
		}
	}
	c.queue = nil
	pending := c.pending
	c.pending = nil
	for _, fn := range pending {
		fn(exchange.ErrConnClosed)
	}
	if err := c.frame.Discard(); err != nil {
		c.logger.Debug("pending response discarded", zap.Error(err))
	}
	c.frame.Release()
	c.in.Release()
	c.out.Release()
}
