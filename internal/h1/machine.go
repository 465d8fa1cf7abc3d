package h1

import (
	"fmt"

	"github.com/albertbausili/velox/internal/buffer"
)

// State is a connection lifecycle state.
type State uint8

// Connection states. Requests strictly alternate with responses:
// Idle -> AwaitingBody -> Dispatching -> Idle (keep-alive) or Closed.
const (
	StateIdle State = iota
	StateAwaitingBody
	StateDispatching
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingBody:
		return "awaiting-body"
	case StateDispatching:
		return "dispatching"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Event is an input to the machine.
type Event uint8

// Machine events.
const (
	EventHead Event = iota
	EventBody
	EventEnd
	EventComplete
)

func (e Event) String() string {
	switch e {
	case EventHead:
		return "head"
	case EventBody:
		return "body"
	case EventEnd:
		return "end"
	case EventComplete:
		return "complete"
	default:
		return fmt.Sprintf("event(%d)", uint8(e))
	}
}

// TransitionError is an illegal event for the current state. It is fatal
// to the connection.
type TransitionError struct {
	State State
	Event Event
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("h1: %s not allowed while %s", e.Event, e.State)
}

// Machine tracks one connection's request/response alternation and owns
// the request body accumulator. Bodies are bounded only by the caller's
// MaxBodyBytes check; the peer is never asked to slow down.
type Machine struct {
	state     State
	keepAlive bool
	body      *buffer.Buffer
}

// NewMachine returns an idle machine whose body buffer starts at hint.
func NewMachine(hint int) *Machine {
	return &Machine{body: buffer.New(hint)}
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// KeepAlive reports whether the connection is reused after the current
// response.
func (m *Machine) KeepAlive() bool { return m.keepAlive }

// BodyLen returns the number of accumulated body bytes.
func (m *Machine) BodyLen() int { return m.body.Len() }

func (m *Machine) fail(ev Event) error {
	err := &TransitionError{State: m.state, Event: ev}
	m.state = StateClosed
	m.keepAlive = false
	return err
}

// Head records a request head.
func (m *Machine) Head(keepAlive bool) error {
	if m.state != StateIdle {
		return m.fail(EventHead)
	}
	m.keepAlive = keepAlive
	m.body.Reset()
	m.state = StateAwaitingBody
	return nil
}

// Body appends a body chunk.
func (m *Machine) Body(p []byte) error {
	if m.state != StateAwaitingBody {
		return m.fail(EventBody)
	}
	_, _ = m.body.Write(p)
	return nil
}

// End finishes the request and returns its body, owned by the caller.
func (m *Machine) End() ([]byte, error) {
	if m.state != StateAwaitingBody {
		return nil, m.fail(EventEnd)
	}
	m.state = StateDispatching
	return m.body.Detach(), nil
}

// Complete records that the response was written. It returns whether the
// connection stays open.
func (m *Machine) Complete() (bool, error) {
	if m.state != StateDispatching {
		return false, m.fail(EventComplete)
	}
	if !m.keepAlive {
		m.state = StateClosed
		return false, nil
	}
	m.state = StateIdle
	return true, nil
}

// PeerClosed handles the peer shutting its side. It returns true when the
// connection should close now; mid-response it only disables keep-alive so
// the response can finish.
func (m *Machine) PeerClosed() bool {
	switch m.state {
	case StateDispatching:
		m.keepAlive = false
		return false
	default:
		m.state = StateClosed
		m.keepAlive = false
		return true
	}
}

// Close moves the machine to Closed unconditionally.
func (m *Machine) Close() {
	m.state = StateClosed
	m.keepAlive = false
}

// Release frees the body buffer.
func (m *Machine) Release() {
	m.body.Release()
}
