package h2

import (
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/albertbausili/velox/internal/h2/stream"
)

type itemKind uint8

const (
	itemHeaders itemKind = iota
	itemPromise
	itemData
)

// item is one stream-level frame waiting for emission. Header blocks are
// encoded when the item leaves the queue so the HPACK context only sees
// blocks that reach the wire.
type item struct {
	kind     itemKind
	streamID uint32
	promised uint32
	fields   []hpack.HeaderField
	data     []byte
	end      bool
	done     func(error)
}

func (c *Connection) enqueue(it item) {
	c.queue = append(c.queue, it)
}

// pump emits queued items in order until the queue is empty or the head
// item is a DATA frame without window. Items of streams that are gone are
// dropped and their completions fail.
func (c *Connection) pump() {
	for len(c.queue) > 0 {
		it := &c.queue[0]
		s, live := c.streams.Get(it.streamID)
		if !live || s.Reset {
			if it.kind == itemPromise {
				c.streams.Close(it.promised)
			}
			c.fail(it.done, errStreamReset)
			c.pop()
			continue
		}

		switch it.kind {
		case itemHeaders, itemPromise:
			if err := c.writeBlock(it); err != nil {
				c.logger.Error("header block encoding failed", zap.Uint32("stream", it.streamID), zap.Error(err))
				c.goAway(http2.ErrCodeCompression, "header encoding failed")
				return
			}
			if it.kind == itemHeaders {
				s.OpenPushed()
				if it.end {
					c.endLocal(s)
				}
			}
			c.complete(it.done)
			c.pop()

		case itemData:
			connW, streamW := c.streams.SendWindows(it.streamID)
			allowed := max(0, min(int(connW), int(streamW), int(c.streams.MaxFrameSize()), len(it.data)))
			if len(it.data) > 0 && allowed == 0 {
				return
			}
			chunk := it.data[:allowed]
			it.data = it.data[allowed:]
			last := len(it.data) == 0
			_ = c.out.WriteData(it.streamID, it.end && last, chunk)
			c.streams.ConsumeSendWindow(it.streamID, int32(len(chunk)))
			if last {
				if it.end {
					c.endLocal(s)
				}
				c.complete(it.done)
				c.pop()
			}
		}
	}
}

func (c *Connection) writeBlock(it *item) error {
	block, err := c.enc.Encode(it.fields)
	if err != nil {
		return err
	}
	if it.kind == itemPromise {
		return c.out.WritePushPromise(it.streamID, it.promised, block, c.streams.MaxFrameSize())
	}
	return c.out.WriteHeaders(it.streamID, it.end, block, c.streams.MaxFrameSize())
}

func (c *Connection) pop() {
	c.queue[0] = item{}
	c.queue = c.queue[1:]
}

// complete schedules done to run once the bytes written so far reach the
// transport.
func (c *Connection) complete(done func(error)) {
	if done != nil {
		c.pending = append(c.pending, done)
	}
}

func (c *Connection) fail(done func(error), err error) {
	if done != nil {
		c.pending = append(c.pending, func(error) { done(err) })
	}
}

// endLocal records END_STREAM sent on s and forgets the stream once both
// sides are done.
func (c *Connection) endLocal(s *stream.Stream) {
	s.HalfCloseLocal()
	if s.State == stream.StateClosed {
		c.streams.Close(s.ID)
	}
}

// flush hands every buffered frame to the transport in one write. Queued
// completions run when that write finishes.
func (c *Connection) flush() {
	if c.out.Len() == 0 && len(c.pending) == 0 {
		return
	}
	pending := c.pending
	c.pending = nil
	closeAfter := c.closing
	var bufs [][]byte
	if c.out.Len() > 0 {
		bufs = [][]byte{c.out.Detach()}
	}
	done := func(err error) {
		for _, fn := range pending {
			fn(err)
		}
		if closeAfter {
			_ = c.conn.Close()
		}
	}
	if len(bufs) == 0 {
		done(nil)
		return
	}
	_ = c.conn.Write(bufs, done)
}

// kick emits what flow control allows and flushes it.
func (c *Connection) kick() {
	if c.closed {
		return
	}
	c.pump()
	c.flush()
}
