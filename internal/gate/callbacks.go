package gate

import "net/http"

// Signal is the gate's return value to the host pipeline for one event.
type Signal int

const (
	// Continue lets the host forward the event downstream normally.
	Continue Signal = iota
	// Halt tells the host to withhold the event and deliver nothing further
	// downstream until the gate resumes or replies locally.
	Halt
)

func (s Signal) String() string {
	switch s {
	case Continue:
		return "continue"
	case Halt:
		return "halt"
	default:
		return "unknown"
	}
}

// State of one gated stream.
type State int

const (
	// StateInit: no decision requested yet.
	StateInit State = iota
	// StateCalling: decision call outstanding, pipeline halted.
	StateCalling
	// StateResponded: the pipeline is halted permanently for this request,
	// either because the decision was deny or error and a rejection has
	// been synthesized, or because the stream was torn down mid-call.
	StateResponded
	// StateComplete: decision was allow and all withheld data has been
	// released; the gate is transparent for the rest of the exchange.
	StateComplete
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateCalling:
		return "calling"
	case StateResponded:
		return "responded"
	case StateComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// StreamCallbacks is the host pipeline surface the gate drives. The host
// implements it per stream; all calls happen inside the gate's entry points,
// under whatever serialization the host applies to those.
type StreamCallbacks interface {
	// ForwardHeaders releases the withheld request headers downstream.
	ForwardHeaders(headers http.Header, endStream bool)

	// ForwardData releases one withheld body chunk downstream.
	ForwardData(chunk []byte, endStream bool)

	// ForwardTrailers releases withheld request trailers downstream.
	ForwardTrailers(trailers http.Header)

	// ResumeDecoding resumes normal forwarding for events that have not
	// arrived yet. Called once, after all withheld data was released.
	ResumeDecoding()

	// SendLocalReply synthesizes a response to the caller, bypassing the
	// remaining pipeline. No forwarding happens after it.
	SendLocalReply(code int, message string)

	// Serialize runs fn under the host's per-stream serialization. The gate
	// uses it to re-enter itself from the decision completion, which arrives
	// on another goroutine.
	Serialize(fn func())
}
