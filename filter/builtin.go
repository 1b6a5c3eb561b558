package filter

import "github.com/akitasoftware/pipedge/event"

// Echo re-emits every event it receives unchanged. It is the minimal
// filter, used by tests and by default pipelines that don't need any
// transformation.
type Echo struct {
	Base
}

func NewEcho() Filter { return &Echo{} }

func (f *Echo) Process(e event.Event) { f.Output(e) }
func (f *Echo) Reset()                {}
func (f *Echo) Clone() Filter         { return NewEcho() }

// ByteCounter tallies the number of Data bytes it has seen and forwards
// every event downstream unchanged.
type ByteCounter struct {
	Base
	Count int64
}

func NewByteCounter() Filter { return &ByteCounter{} }

func (f *ByteCounter) Process(e event.Event) {
	if d, ok := e.(event.Data); ok && d.Buffer != nil {
		f.Count += int64(d.Buffer.Size())
	}
	f.Output(e)
}

func (f *ByteCounter) Reset()        { f.Count = 0 }
func (f *ByteCounter) Clone() Filter { return NewByteCounter() }

// Tee duplicates every event to two downstream targets. Tee is a terminal
// fan-out: it does not itself have a single "next" filter, so
// SetDownstream sets the first of the two destinations and Dst2 must be
// set directly.
type Tee struct {
	Base
	Dst2 EventTarget
}

func NewTee(dst2 EventTarget) Filter {
	return &Tee{Dst2: dst2}
}

func (f *Tee) Process(e event.Event) {
	f.Output(e)
	if f.Dst2 != nil {
		f.Dst2.Process(e)
	}
}

func (f *Tee) Reset()        {}
func (f *Tee) Clone() Filter { return NewTee(f.Dst2) }

// MessageCounter counts matched MessageStart/MessageEnd pairs, used by
// tests to check that message framing survives a filter chain intact.
type MessageCounter struct {
	Base
	Starts int
	Ends   int
}

func NewMessageCounter() Filter { return &MessageCounter{} }

func (f *MessageCounter) Process(e event.Event) {
	switch e.(type) {
	case event.MessageStart:
		f.Starts++
	case event.MessageEnd:
		f.Ends++
	}
	f.Output(e)
}

func (f *MessageCounter) Reset()        { f.Starts, f.Ends = 0, 0 }
func (f *MessageCounter) Clone() Filter { return NewMessageCounter() }
