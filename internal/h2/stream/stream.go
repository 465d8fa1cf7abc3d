// Package stream tracks HTTP/2 stream state and flow-control windows for
// one connection. Everything here is owned by the connection's event loop
// and is not safe for concurrent use.
package stream

import (
	"errors"
	"fmt"
	"math"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/albertbausili/velox/internal/buffer"
	"github.com/albertbausili/velox/internal/exchange"
)

// State is an HTTP/2 stream state (RFC 9113 section 5.1).
type State int

// Stream states.
const (
	StateIdle State = iota
	StateOpen
	StateReservedLocal
	StateHalfClosedLocal
	StateHalfClosedRemote
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpen:
		return "open"
	case StateReservedLocal:
		return "reserved(local)"
	case StateHalfClosedLocal:
		return "half-closed(local)"
	case StateHalfClosedRemote:
		return "half-closed(remote)"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Protocol defaults.
const (
	DefaultWindowSize      = 65535
	DefaultMaxStreams      = 100
	DefaultMaxFrameSize    = 16384
	DefaultHeaderTableSize = 4096
	maxWindow              = math.MaxInt32
)

// ErrWindowOverflow is a window increment past 2^31-1.
var ErrWindowOverflow = errors.New("stream: flow-control window overflow")

// Stream is one request/response exchange or one pushed response.
type Stream struct {
	ID    uint32
	State State
	// SendWindow is the peer's remaining window for this stream.
	SendWindow int32

	// Fields is the decoded request header block.
	Fields []hpack.HeaderField
	// Pseudo holds the validated request pseudo-headers.
	Pseudo Pseudo
	// Body accumulates request DATA payloads.
	Body *buffer.Buffer

	// Response is the in-flight response, if the stream was dispatched.
	Response *exchange.Response
	// Reset is set once either side reset the stream.
	Reset bool
	// Pushed marks server-initiated streams.
	Pushed bool
	// Rejected streams were answered early; further DATA is dropped.
	Rejected bool
}

// OpenPushed records the response HEADERS of a pushed stream.
func (s *Stream) OpenPushed() {
	if s.State == StateReservedLocal {
		s.State = StateHalfClosedRemote
	}
}

// HalfCloseRemote records END_STREAM from the peer.
func (s *Stream) HalfCloseRemote() {
	switch s.State {
	case StateOpen:
		s.State = StateHalfClosedRemote
	case StateHalfClosedLocal:
		s.State = StateClosed
	}
}

// HalfCloseLocal records END_STREAM sent by the server.
func (s *Stream) HalfCloseLocal() {
	switch s.State {
	case StateOpen:
		s.State = StateHalfClosedLocal
	case StateHalfClosedRemote, StateReservedLocal:
		s.State = StateClosed
	}
}

// Manager owns a connection's streams, windows and peer settings.
type Manager struct {
	streams          map[uint32]*Stream
	lastClientStream uint32
	nextPushID       uint32
	maxStreams       uint32
	activeStreams    uint32

	connectionWindow  int32
	initialWindowSize int32
	maxFrameSize      uint32
	pushEnabled       bool
	headerTableSize   uint32
}

// NewManager returns a manager that admits maxStreams concurrent client
// streams (DefaultMaxStreams when 0).
func NewManager(maxStreams uint32) *Manager {
	if maxStreams == 0 {
		maxStreams = DefaultMaxStreams
	}
	return &Manager{
		streams:           make(map[uint32]*Stream),
		nextPushID:        2,
		maxStreams:        maxStreams,
		connectionWindow:  DefaultWindowSize,
		initialWindowSize: DefaultWindowSize,
		maxFrameSize:      DefaultMaxFrameSize,
		pushEnabled:       true,
		headerTableSize:   DefaultHeaderTableSize,
	}
}

// MaxConcurrentStreams returns the advertised stream limit.
func (m *Manager) MaxConcurrentStreams() uint32 { return m.maxStreams }

// Get returns a live stream.
func (m *Manager) Get(id uint32) (*Stream, bool) {
	s, ok := m.streams[id]
	return s, ok
}

// LastClientStream returns the highest client stream id seen, for GOAWAY.
func (m *Manager) LastClientStream() uint32 { return m.lastClientStream }

// Idle reports whether id was never opened: above the highest client id
// for odd ids, at or above the next push id for even ones.
func (m *Manager) Idle(id uint32) bool {
	if id%2 == 1 {
		return id > m.lastClientStream
	}
	return id >= m.nextPushID
}

// TryOpenStream opens a client stream. It fails with PROTOCOL_ERROR for
// even or non-increasing ids, and with REFUSED_STREAM when the
// concurrency limit is reached.
func (m *Manager) TryOpenStream(id uint32) (*Stream, http2.ErrCode) {
	if id%2 == 0 || id <= m.lastClientStream {
		return nil, http2.ErrCodeProtocol
	}
	m.lastClientStream = id
	if m.activeStreams >= m.maxStreams {
		return nil, http2.ErrCodeRefusedStream
	}
	s := &Stream{ID: id, State: StateOpen, SendWindow: m.initialWindowSize, Body: buffer.New(0)}
	m.streams[id] = s
	m.activeStreams++
	return s, http2.ErrCodeNo
}

// Reserve creates a pushed stream in reserved(local) state with the next
// server id. Pushed streams do not count toward the client's limit.
func (m *Manager) Reserve() *Stream {
	id := m.nextPushID
	m.nextPushID += 2
	s := &Stream{ID: id, State: StateReservedLocal, SendWindow: m.initialWindowSize, Pushed: true}
	m.streams[id] = s
	return s
}

// Close removes a stream.
func (m *Manager) Close(id uint32) {
	s, ok := m.streams[id]
	if !ok {
		return
	}
	s.State = StateClosed
	if s.Body != nil {
		s.Body.Release()
		s.Body = nil
	}
	if !s.Pushed && m.activeStreams > 0 {
		m.activeStreams--
	}
	delete(m.streams, id)
}

// Each calls fn for every live stream.
func (m *Manager) Each(fn func(*Stream)) {
	for _, s := range m.streams {
		fn(s)
	}
}

// Len returns the number of live streams.
func (m *Manager) Len() int { return len(m.streams) }

// PushEnabled reports the peer's SETTINGS_ENABLE_PUSH.
func (m *Manager) PushEnabled() bool { return m.pushEnabled }

// MaxFrameSize returns the peer's SETTINGS_MAX_FRAME_SIZE.
func (m *Manager) MaxFrameSize() uint32 { return m.maxFrameSize }

// HeaderTableSize returns the peer's SETTINGS_HEADER_TABLE_SIZE.
func (m *Manager) HeaderTableSize() uint32 { return m.headerTableSize }

// ApplySetting applies one peer setting. Values were range-checked by
// the framer.
func (m *Manager) ApplySetting(s http2.Setting) error {
	switch s.ID {
	case http2.SettingEnablePush:
		m.pushEnabled = s.Val == 1
	case http2.SettingMaxFrameSize:
		m.maxFrameSize = s.Val
	case http2.SettingHeaderTableSize:
		m.headerTableSize = s.Val
	case http2.SettingInitialWindowSize:
		delta := int32(s.Val) - m.initialWindowSize
		for _, st := range m.streams {
			if int64(st.SendWindow)+int64(delta) > maxWindow {
				return ErrWindowOverflow
			}
			st.SendWindow += delta
		}
		m.initialWindowSize = int32(s.Val)
	}
	return nil
}

// SendWindows returns the connection window and the window of stream id.
func (m *Manager) SendWindows(id uint32) (conn, stream int32) {
	if s, ok := m.streams[id]; ok {
		return m.connectionWindow, s.SendWindow
	}
	return m.connectionWindow, 0
}

// ConsumeSendWindow charges n DATA bytes to the connection and stream.
func (m *Manager) ConsumeSendWindow(id uint32, n int32) {
	if n <= 0 {
		return
	}
	m.connectionWindow -= n
	if s, ok := m.streams[id]; ok {
		s.SendWindow -= n
	}
}

// AddSendWindow applies a WINDOW_UPDATE. id 0 is the connection.
func (m *Manager) AddSendWindow(id uint32, incr uint32) error {
	if id == 0 {
		if int64(m.connectionWindow)+int64(incr) > maxWindow {
			return ErrWindowOverflow
		}
		m.connectionWindow += int32(incr)
		return nil
	}
	s, ok := m.streams[id]
	if !ok {
		return nil
	}
	if int64(s.SendWindow)+int64(incr) > maxWindow {
		return ErrWindowOverflow
	}
	s.SendWindow += int32(incr)
	return nil
}
