// Package frame reads HTTP/2 frames from buffered connection bytes and
// serializes outbound frames into a single buffer per flush.
package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/albertbausili/velox/internal/buffer"
)

// HeaderLen is the fixed frame header size.
const HeaderLen = 9

// DefaultMaxFrameSize is the initial SETTINGS_MAX_FRAME_SIZE.
const DefaultMaxFrameSize = 16384

// ErrFrameTooLarge is returned for frames above the advertised maximum.
var ErrFrameTooLarge = errors.New("frame: frame exceeds max frame size")

// Header is a peeked frame header.
type Header struct {
	Length   uint32
	Type     http2.FrameType
	Flags    http2.Flags
	StreamID uint32
}

// Peek decodes the frame header at the start of buf.
func Peek(buf []byte) (Header, bool) {
	if len(buf) < HeaderLen {
		return Header{}, false
	}
	return Header{
		Length:   uint32(buf[0])<<16 | uint32(buf[1])<<8 | uint32(buf[2]),
		Type:     http2.FrameType(buf[3]),
		Flags:    http2.Flags(buf[4]),
		StreamID: binary.BigEndian.Uint32(buf[5:9]) & 0x7fffffff,
	}, true
}

// source feeds exactly one complete frame to the framer so it never sees
// a partial read.
type source struct {
	r bytes.Reader
}

func (s *source) Read(p []byte) (int, error) { return s.r.Read(p) }

// Parser reads frames out of an accumulation buffer. The framer keeps
// CONTINUATION ordering state across calls, so one Parser serves one
// connection.
type Parser struct {
	src          source
	framer       *http2.Framer
	maxFrameSize uint32
}

// NewParser returns a parser that accepts frames up to maxFrameSize.
func NewParser(maxFrameSize uint32) *Parser {
	if maxFrameSize == 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	p := &Parser{maxFrameSize: maxFrameSize}
	p.framer = http2.NewFramer(io.Discard, &p.src)
	p.framer.SetMaxReadFrameSize(maxFrameSize)
	return p
}

// Next parses the first frame in buf. It returns the frame and the bytes
// it occupied, or a nil frame and 0 when buf does not hold a whole frame
// yet. The frame's payload is only valid until the next call.
func (p *Parser) Next(buf []byte) (http2.Frame, int, error) {
	h, ok := Peek(buf)
	if !ok {
		return nil, 0, nil
	}
	if h.Length > p.maxFrameSize {
		return nil, 0, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, h.Length, p.maxFrameSize)
	}
	n := HeaderLen + int(h.Length)
	if len(buf) < n {
		return nil, 0, nil
	}
	p.src.r.Reset(buf[:n])
	f, err := p.framer.ReadFrame()
	return f, n, err
}

// Writer serializes frames into a pooled buffer that the connection hands
// to the transport in one write.
type Writer struct {
	buf    *buffer.Buffer
	framer *http2.Framer
}

// NewWriter returns an empty writer.
func NewWriter() *Writer {
	w := &Writer{buf: buffer.New(buffer.DefaultHint)}
	w.framer = http2.NewFramer(w.buf, nil)
	return w
}

// Len returns the number of buffered bytes.
func (w *Writer) Len() int { return w.buf.Len() }

// Detach returns the buffered frames and empties the writer.
func (w *Writer) Detach() []byte { return w.buf.Detach() }

// Release returns the buffer to its pool.
func (w *Writer) Release() { w.buf.Release() }

// WriteSettings writes a SETTINGS frame.
func (w *Writer) WriteSettings(settings ...http2.Setting) error {
	return w.framer.WriteSettings(settings...)
}

// WriteSettingsAck writes a SETTINGS acknowledgment frame.
func (w *Writer) WriteSettingsAck() error {
	return w.framer.WriteSettingsAck()
}

// WriteHeaders writes HEADERS and CONTINUATION frames, fragmenting the
// block by maxFrameSize.
func (w *Writer) WriteHeaders(streamID uint32, endStream bool, block []byte, maxFrameSize uint32) error {
	var flags http2.Flags
	if endStream {
		flags |= http2.FlagHeadersEndStream
	}
	return w.writeBlock(http2.FrameHeaders, flags, streamID, nil, block, maxFrameSize)
}

// WritePushPromise writes a PUSH_PROMISE frame on streamID announcing
// promiseID, followed by CONTINUATION frames when the block is large.
func (w *Writer) WritePushPromise(streamID, promiseID uint32, block []byte, maxFrameSize uint32) error {
	prefix := []byte{
		byte(promiseID >> 24),
		byte(promiseID >> 16),
		byte(promiseID >> 8),
		byte(promiseID),
	}
	return w.writeBlock(http2.FramePushPromise, 0, streamID, prefix, block, maxFrameSize)
}

func (w *Writer) writeBlock(t http2.FrameType, flags http2.Flags, streamID uint32, prefix, block []byte, maxFrameSize uint32) error {
	if maxFrameSize == 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	room := int(maxFrameSize) - len(prefix)
	first := block
	if len(first) > room {
		first = first[:room]
	}
	rest := block[len(first):]
	if len(rest) == 0 {
		// END_HEADERS shares its bit between HEADERS and PUSH_PROMISE.
		flags |= http2.FlagHeadersEndHeaders
	}
	if err := w.framer.WriteRawFrame(t, flags, streamID, append(prefix, first...)); err != nil {
		return err
	}
	for len(rest) > 0 {
		frag := rest
		if len(frag) > int(maxFrameSize) {
			frag = frag[:maxFrameSize]
		}
		rest = rest[len(frag):]
		if err := w.framer.WriteContinuation(streamID, len(rest) == 0, frag); err != nil {
			return err
		}
	}
	return nil
}

// WriteData writes a DATA frame. Empty frames are only written when they
// end the stream.
func (w *Writer) WriteData(streamID uint32, endStream bool, data []byte) error {
	if len(data) == 0 && !endStream {
		return nil
	}
	return w.framer.WriteData(streamID, endStream, data)
}

// WriteWindowUpdate writes a WINDOW_UPDATE frame.
func (w *Writer) WriteWindowUpdate(streamID, increment uint32) error {
	return w.framer.WriteWindowUpdate(streamID, increment)
}

// WriteRSTStream writes a RST_STREAM frame.
func (w *Writer) WriteRSTStream(streamID uint32, code http2.ErrCode) error {
	return w.framer.WriteRSTStream(streamID, code)
}

// WriteGoAway writes a GOAWAY frame.
func (w *Writer) WriteGoAway(lastStreamID uint32, code http2.ErrCode, debugData []byte) error {
	return w.framer.WriteGoAway(lastStreamID, code, debugData)
}

// WritePing writes a PING frame.
func (w *Writer) WritePing(ack bool, data [8]byte) error {
	return w.framer.WritePing(ack, data)
}

// HeaderEncoder encodes header blocks with a connection-wide HPACK
// context. Blocks must be written to the wire in the order they were
// encoded.
type HeaderEncoder struct {
	encoder *hpack.Encoder
	buf     bytes.Buffer
}

// NewHeaderEncoder returns an encoder with the default table size.
func NewHeaderEncoder() *HeaderEncoder {
	e := &HeaderEncoder{}
	e.encoder = hpack.NewEncoder(&e.buf)
	return e
}

// SetMaxDynamicTableSize applies the peer's SETTINGS_HEADER_TABLE_SIZE.
func (e *HeaderEncoder) SetMaxDynamicTableSize(v uint32) {
	e.encoder.SetMaxDynamicTableSizeLimit(v)
}

// Encode encodes fields and returns a copy of the block.
func (e *HeaderEncoder) Encode(fields []hpack.HeaderField) ([]byte, error) {
	e.buf.Reset()
	for _, f := range fields {
		if err := e.encoder.WriteField(f); err != nil {
			return nil, err
		}
	}
	return bytes.Clone(e.buf.Bytes()), nil
}

// HeaderDecoder decodes HPACK header blocks.
type HeaderDecoder struct {
	decoder *hpack.Decoder
}

// NewHeaderDecoder returns a decoder with the given dynamic table size.
func NewHeaderDecoder(maxSize uint32) *HeaderDecoder {
	return &HeaderDecoder{decoder: hpack.NewDecoder(maxSize, nil)}
}

// Decode decodes a complete header block.
func (d *HeaderDecoder) Decode(block []byte) ([]hpack.HeaderField, error) {
	fields, err := d.decoder.DecodeFull(block)
	if err != nil {
		return nil, fmt.Errorf("hpack decode error: %w", err)
	}
	return fields, nil
}
