// Package progress implements the lazy, single-subscriber event stream
// the protocol engine emits (spec C6) and the end-of-test aggregation of
// interval samples into a TestResult. New relative to the teacher (which
// only logs via log.Printf and returns a struct); grounded on spec.md §4.6
// and §9's note to model this as "a single-producer sequence ... whose
// closure is the terminal-event semantics".
package progress

import (
	"github.com/coretex-labs/iperf3go/internal/protomsg"
)

// EventKind tags the variant carried by an Event. The client driver and
// the server driver emit disjoint subsets of this enum (spec.md §4.6):
// the client's sequence is Connecting -> Connected -> Started ->
// Interval* -> {Complete, Error, Cancelled}; the server's is Starting ->
// Ready -> (ClientConnected -> TestRunning -> Interval* -> TestComplete
// -> ClientDisconnected)* -> {Stopped, Error}. Only the kinds listed in
// IsTerminal end their respective stream; TestComplete/ClientDisconnected
// are session-scoped, not stream-scoped, since one server Stream spans
// many client sessions.
type EventKind int

const (
	Idle EventKind = iota
	Connecting
	Connected
	Started
	Interval
	Complete
	Error
	Cancelled

	// Server-only kinds.
	Starting
	Ready
	ClientConnected
	TestRunning
	TestComplete
	ClientDisconnected
	Stopped
)

func (k EventKind) String() string {
	switch k {
	case Idle:
		return "Idle"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Started:
		return "Started"
	case Interval:
		return "Interval"
	case Complete:
		return "Complete"
	case Error:
		return "Error"
	case Cancelled:
		return "Cancelled"
	case Starting:
		return "Starting"
	case Ready:
		return "Ready"
	case ClientConnected:
		return "ClientConnected"
	case TestRunning:
		return "TestRunning"
	case TestComplete:
		return "TestComplete"
	case ClientDisconnected:
		return "ClientDisconnected"
	case Stopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// IsTerminal reports whether this EventKind ends the stream it's emitted
// on. For the client stream that's Complete/Error/Cancelled; for the
// server stream that's Stopped/Error — TestComplete ends one session,
// not the server's own lifetime.
func (k EventKind) IsTerminal() bool {
	return k == Complete || k == Error || k == Cancelled || k == Stopped
}

// Event is the tagged-union item emitted on the stream. Only the field(s)
// matching Kind are populated.
type Event struct {
	Kind EventKind

	// Connecting
	Host string
	Port int

	// Connected
	ServerVersion string
	Cookie        string

	// Started
	Config    protomsg.TestConfiguration
	StartTime int64 // unix nanos, supplied by the caller at Started time

	// Interval
	Sample     protomsg.IntervalResult
	ElapsedMs  int64
	Progress   float64

	// Complete
	Result *protomsg.TestResult

	// Error
	Message string
	Cause   error
	Partial *protomsg.TestResult

	// Cancelled reuses Partial above.
}

// Stream is a single-subscriber event channel. Non-terminal Interval
// events may be dropped under backpressure (drop-oldest); Complete/Error/
// Cancelled are never dropped, per spec.md §9.
type Stream struct {
	ch     chan Event
	closed chan struct{}
}

// NewStream creates a Stream with the given non-terminal buffer capacity.
func NewStream(buffer int) *Stream {
	if buffer < 1 {
		buffer = 1
	}
	return &Stream{
		ch:     make(chan Event, buffer),
		closed: make(chan struct{}),
	}
}

// Events returns the receive-only channel callers range over.
func (s *Stream) Events() <-chan Event {
	return s.ch
}

// Emit sends ev to the subscriber. Terminal events are never dropped: if
// the buffer is full, the oldest buffered non-terminal event is dropped to
// make room, and the stream is closed afterward. Non-terminal events are
// sent with a non-blocking, drop-oldest send so a slow consumer never
// stalls the protocol engine.
func (s *Stream) Emit(ev Event) {
	select {
	case <-s.closed:
		return
	default:
	}

	if ev.Kind.IsTerminal() {
		select {
		case s.ch <- ev:
		default:
			// Buffer full of non-terminal events: drop the oldest one.
			select {
			case <-s.ch:
			default:
			}
			s.ch <- ev
		}
		close(s.closed)
		close(s.ch)
		return
	}

	select {
	case s.ch <- ev:
	default:
		// Drop the oldest buffered non-terminal event to make room.
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- ev:
		default:
		}
	}
}
