// Package event defines the sum type that flows through every pipeline:
// Data, MessageStart, MessageEnd, and StreamEnd. Events are value carriers;
// filters never mutate a received event in place — they construct and emit
// new ones.
//
// Go has no closed sum type, so a sealed interface (an unexported marker
// method) stands in for it, keeping type switches over events exhaustive.
package event

import "github.com/akitasoftware/pipedge/buffer"

// Event is implemented by Data, MessageStart, MessageEnd, and StreamEnd.
// The unexported method prevents other packages from adding new variants,
// keeping the switch in filter chains exhaustive.
type Event interface {
	isEvent()
}

// Data carries a chunk of body bytes belonging to the message currently in
// flight, or raw stream bytes outside of any message framing.
type Data struct {
	Buffer *buffer.ByteBuffer
}

func (Data) isEvent() {}

// NewData wraps an existing ByteBuffer as a Data event. The event takes
// ownership of buf; callers must not use buf after constructing the event.
func NewData(buf *buffer.ByteBuffer) Data {
	return Data{Buffer: buf}
}

// Header is an opaque, filter-defined message header. The streaming core
// treats it as opaque — concrete filters (HTTP codecs, etc.) define its
// shape; it is out of scope here.
type Header interface{}

// MessageStart opens a message. Header may be nil.
type MessageStart struct {
	Header Header
}

func (MessageStart) isEvent() {}

// Tail is an opaque, filter-defined message trailer, symmetric with Header.
type Tail interface{}

// MessageEnd closes the message opened by the most recent unmatched
// MessageStart. Tail may be nil.
type MessageEnd struct {
	Tail Tail
}

func (MessageEnd) isEvent() {}

// ErrorKind classifies the reason a stream ended.
type ErrorKind int

const (
	NoError ErrorKind = iota
	ConnectionReset
	ReadError
	WriteError
	ReadTimeout
	WriteTimeout
	IdleTimeout
	CannotResolve
	ConnectionRefused
	ProtocolError
	BufferOverflow
	Unknown
)

func (k ErrorKind) String() string {
	switch k {
	case NoError:
		return "NoError"
	case ConnectionReset:
		return "ConnectionReset"
	case ReadError:
		return "ReadError"
	case WriteError:
		return "WriteError"
	case ReadTimeout:
		return "ReadTimeout"
	case WriteTimeout:
		return "WriteTimeout"
	case IdleTimeout:
		return "IdleTimeout"
	case CannotResolve:
		return "CannotResolve"
	case ConnectionRefused:
		return "ConnectionRefused"
	case ProtocolError:
		return "ProtocolError"
	case BufferOverflow:
		return "BufferOverflow"
	default:
		return "Unknown"
	}
}

// StreamEnd is terminal and monotonic: once emitted downstream by a filter,
// that filter must emit no further events on the same pipeline instance.
type StreamEnd struct {
	Error ErrorKind
}

func (StreamEnd) isEvent() {}

// IsStreamEnd reports whether e is a StreamEnd event, a convenience used
// throughout the pipeline runtime to detect termination without a type
// assertion at every call site.
func IsStreamEnd(e Event) (StreamEnd, bool) {
	se, ok := e.(StreamEnd)
	return se, ok
}
