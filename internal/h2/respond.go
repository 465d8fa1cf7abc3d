package h2

import (
	"strconv"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/albertbausili/velox/internal/compress"
	"github.com/albertbausili/velox/internal/date"
	"github.com/albertbausili/velox/internal/exchange"
	"github.com/albertbausili/velox/internal/h2/stream"
	"github.com/albertbausili/velox/internal/partial"
	"github.com/albertbausili/velox/internal/push"
)

// finish runs on the loop after the handler completed.
func (c *Connection) finish(s *stream.Stream, req *exchange.Request, res *exchange.Response) {
	if c.closed || s.Reset {
		res.Resolve(0, exchange.ErrConnClosed)
		return
	}
	defer c.kick()
	if file := res.File(); file != "" {
		c.serveStatic(s, req, res, file)
		return
	}

	head := &exchange.Head{Status: res.Status(), Header: res.Header().Clone()}
	body := res.Body()
	headOnly := req.Method == "HEAD" || !exchange.BodyAllowed(head.Status)

	enc := compress.None
	if !headOnly && !head.Header.Has("content-encoding") {
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
		c.logger.Error("response compression failed", zap.Uint32("stream", s.ID), zap.Error(err))
		c.respondSimple(s, res, 500)
		return
	}
	if flushed == nil {
		flushed = head
	}
	if session != nil {
		c.cfg.Dispatcher.Observe().Compressed(enc.Token(), len(body), n)
	}
	if headOnly {
		if exchange.BodyAllowed(flushed.Status) && !flushed.Header.Has("content-length") {
			flushed.Header.SetInt("content-length", int64(len(body)))
		}
		out = nil
	}

	if links := flushed.Header.Values("link"); len(links) > 0 && c.pushAllowed(s) {
		if targets := push.ParseLinks(links...); len(targets) > 0 {
			c.resolvePushes(s, req, res, flushed, out, enc, targets)
			return
		}
	}
	c.respond(s, res, flushed, out)
}

func (c *Connection) release(s *compress.Session) {
	if s == nil {
		return
	}
	if err := s.Release(); err != nil {
		c.logger.Error("compression session torn down with pending bytes", zap.Error(err))
	}
}

func (c *Connection) pushAllowed(s *stream.Stream) bool {
	return c.cfg.Pusher != nil && c.cfg.Pool != nil && !s.Pushed && c.streams.PushEnabled() && !c.peerGoAway
}

// resolvePushes reads link targets on the worker pool, then emits the
// promises ahead of the primary response.
func (c *Connection) resolvePushes(s *stream.Stream, req *exchange.Request, res *exchange.Response, head *exchange.Head, body []byte, enc compress.Encoding, links []push.Link) {
	err := c.cfg.Pool.Submit(func() {
		cands := c.cfg.Pusher.Resolve(req.Path(), links)
		if xerr := c.conn.Execute(func() { c.emitWithPushes(s, req, res, head, body, enc, cands) }); xerr != nil {
			res.Resolve(0, exchange.ErrConnClosed)
		}
	})
	if err != nil {
		c.logger.Warn("push resolution rejected, responding without push", zap.Error(err))
		c.respond(s, res, head, body)
	}
}

// emitWithPushes queues every PUSH_PROMISE, then every pushed head, then
// every pushed body, then the primary head and body.
func (c *Connection) emitWithPushes(s *stream.Stream, req *exchange.Request, res *exchange.Response, head *exchange.Head, body []byte, enc compress.Encoding, cands []push.Candidate) {
	if c.closed || s.Reset {
		res.Resolve(0, exchange.ErrConnClosed)
		return
	}
	defer c.kick()

	var promises []push.Promise
	if len(cands) > 0 && c.pushAllowed(s) {
		var err error
		origin := push.Origin{Scheme: req.Scheme, Authority: req.Authority}
		promises, err = push.Plan(cands, origin, enc, c.cfg.Compression, func() uint32 { return c.streams.Reserve().ID })
		if err != nil {
			c.logger.Warn("pushed body sent uncompressed", zap.Error(err))
		}
	}

	for _, p := range promises {
		c.enqueue(item{
			kind:     itemPromise,
			streamID: s.ID,
			promised: p.StreamID,
			fields: []hpack.HeaderField{
				{Name: ":method", Value: p.Method},
				{Name: ":scheme", Value: p.Scheme},
				{Name: ":authority", Value: p.Authority},
				{Name: ":path", Value: p.Path},
			},
		})
	}
	for _, p := range promises {
		c.enqueue(item{kind: itemHeaders, streamID: p.StreamID, fields: c.headFields(p.Head, len(p.Body)), end: len(p.Body) == 0})
	}
	for _, p := range promises {
		if len(p.Body) > 0 {
			c.enqueue(item{kind: itemData, streamID: p.StreamID, data: p.Body, end: true})
		}
		if p.Encoding != compress.None {
			c.cfg.Dispatcher.Observe().Compressed(p.Encoding.Token(), p.RawLen, len(p.Body))
		}
	}
	if len(promises) > 0 {
		c.cfg.Dispatcher.Observe().Pushed(len(promises))
	}
	c.respond(s, res, head, body)
}

// respond queues the primary response. The write promise settles once
// its last frame reached the transport.
func (c *Connection) respond(s *stream.Stream, res *exchange.Response, head *exchange.Head, body []byte) {
	done := func(err error) {
		if res != nil {
			res.Resolve(len(body), err)
		}
		c.closeIfIdle()
	}
	if len(body) == 0 {
		c.enqueue(item{kind: itemHeaders, streamID: s.ID, fields: c.headFields(head, 0), end: true, done: done})
		return
	}
	c.enqueue(item{kind: itemHeaders, streamID: s.ID, fields: c.headFields(head, len(body))})
	c.enqueue(item{kind: itemData, streamID: s.ID, data: body, end: true, done: done})
}

// respondSimple answers with a plain-text status page.
func (c *Connection) respondSimple(s *stream.Stream, res *exchange.Response, status int) {
	head := &exchange.Head{Status: status, Header: exchange.NewHeaders(2)}
	head.Header.Set("content-type", "text/plain; charset=utf-8")
	if res != nil {
		res.SetStatus(status)
	}
	c.respond(s, res, head, []byte(exchange.StatusText(status)))
}

// headFields converts a response head into an HPACK field list. HTTP/1
// connection headers are dropped; content-length, date and server are
// added when absent.
func (c *Connection) headFields(head *exchange.Head, bodyLen int) []hpack.HeaderField {
	fields := make([]hpack.HeaderField, 0, head.Header.Len()+4)
	fields = append(fields, hpack.HeaderField{Name: ":status", Value: strconv.Itoa(head.Status)})
	for _, f := range head.Header.Fields() {
		switch f.Name {
		case "connection", "keep-alive", "proxy-connection", "transfer-encoding", "upgrade":
			continue
		}
		fields = append(fields, hpack.HeaderField{Name: f.Name, Value: f.Value})
	}
	if exchange.BodyAllowed(head.Status) && !head.Header.Has("content-length") {
		fields = append(fields, hpack.HeaderField{Name: "content-length", Value: strconv.Itoa(bodyLen)})
	}
	if !head.Header.Has("date") {
		fields = append(fields, hpack.HeaderField{Name: "date", Value: date.Current()})
	}
	if c.cfg.ServerName != "" && !head.Header.Has("server") {
		fields = append(fields, hpack.HeaderField{Name: "server", Value: c.cfg.ServerName})
	}
	return fields
}

func (c *Connection) serveStatic(s *stream.Stream, req *exchange.Request, res *exchange.Response, path string) {
	if c.cfg.Streamer == nil {
		c.respondSimple(s, res, 404)
		return
	}
	if req.Method != "GET" && req.Method != "HEAD" {
		res.Header().Set("allow", "GET, HEAD")
		head := &exchange.Head{Status: 405, Header: res.Header().Clone()}
		res.SetStatus(405)
		c.respond(s, res, head, []byte(exchange.StatusText(405)))
		return
	}
	sink := &fileSink{c: c, s: s, res: res}
	c.cfg.Streamer.Serve(req.Context(), c.conn, path, req.Method == "HEAD", sink)
}

// fileSink writes a static transfer as HEADERS and flow-controlled DATA.
// Static bodies are never compressed.
type fileSink struct {
	c      *Connection
	s      *stream.Stream
	res    *exchange.Response
	length int64
	sent   int64
	ended  bool
}

func (f *fileSink) Chunk(head *exchange.Head, p []byte, done func(error)) {
	c := f.c
	if c.closed || f.s.Reset {
		done(errStreamReset)
		return
	}
	if head != nil {
		for _, fld := range f.res.Header().Fields() {
			if !head.Header.Has(fld.Name) {
				head.Header.Add(fld.Name, fld.Value)
			}
		}
		f.length = head.ContentLength()
		end := len(p) == 0
		it := item{kind: itemHeaders, streamID: f.s.ID, fields: c.headFields(head, 0), end: end}
		if end {
			f.ended = true
			it.done = done
		}
		c.enqueue(it)
	}
	if len(p) > 0 {
		f.sent += int64(len(p))
		end := f.length >= 0 && f.sent >= f.length
		f.ended = end
		c.enqueue(item{kind: itemData, streamID: f.s.ID, data: p, end: end, done: done})
	}
	c.kick()
}

func (f *fileSink) Fail(status int, _ error) {
	if f.c.closed || f.s.Reset {
		f.res.Resolve(0, exchange.ErrConnClosed)
		return
	}
	f.c.respondSimple(f.s, f.res, status)
	f.c.kick()
}

func (f *fileSink) Finish(err error) {
	c := f.c
	if err != nil && !f.ended && !c.closed && !f.s.Reset {
		c.resetStream(f.s.ID, http2.ErrCodeInternal)
		c.kick()
	}
	f.res.Resolve(int(f.sent), err)
	c.closeIfIdle()
}
