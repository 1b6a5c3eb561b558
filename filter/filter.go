// Package filter defines the unit of stream transformation that pipelines
// chain together. Filters forward events downstream along the chain,
// support Reset/Clone for pipeline reuse, and carry a tap-based
// backpressure signal traveling the other way up the chain.
package filter

import "github.com/akitasoftware/pipedge/event"

// EventTarget receives events emitted by a Filter: either the next filter
// in the chain, or the pipeline's terminal sink.
type EventTarget interface {
	Process(e event.Event)
}

// EventTargetFunc adapts a plain function to an EventTarget.
type EventTargetFunc func(event.Event)

func (f EventTargetFunc) Process(e event.Event) { f(e) }

// TapController is the upstream-traveling backpressure signal pair. A
// filter that wants to throttle its upstream inbound calls Pause();
// calling Resume() lifts a previously requested pause. Pause/Resume nest: the inbound only resumes
// reading once every outstanding Pause has a matching Resume.
type TapController interface {
	Pause()
	Resume()
}

// noopTap is used by pipelines that are not attached to a taps-aware
// inbound (e.g. in unit tests, or script-driven read()/exec() pipelines
// that have no backpressure-capable peer).
type noopTap struct{}

func (noopTap) Pause()  {}
func (noopTap) Resume() {}

// NoopTapController is a TapController that ignores Pause/Resume.
var NoopTapController TapController = noopTap{}

// Filter is a unit of stream transformation. A pipeline clones one Filter
// per factory entry in its layout, wires each filter's downstream to the
// next, and delivers events to the head filter's Process method.
type Filter interface {
	// Process handles one inbound event. Implementations emit zero or more
	// events downstream via Output before returning.
	Process(e event.Event)

	// SetDownstream wires this filter's output target. Called once during
	// pipeline construction.
	SetDownstream(next EventTarget)

	// SetTap supplies the backpressure controller this filter (or any
	// filter upstream of it that it delegates to) may call Pause/Resume on.
	// Most filters never call it and can embed Base, whose default
	// implementation stores it in Base.Tap (NoopTapController if nil).
	SetTap(tap TapController)

	// Reset returns the filter to its post-construction state so the
	// pipeline (and its owning inbound) can be reused. Filters with
	// background timers must cancel them here.
	Reset()

	// Clone deep-copies this filter's configuration (not its runtime
	// state) to instantiate a fresh Filter from a factory, mirroring
	// PipelineLayout's "ordered list of filter factories".
	Clone() Filter
}

// Base provides the bookkeeping every Filter needs (a downstream target and
// a tap controller) so concrete filters only implement Process, Reset, and
// Clone. Embed it by value.
type Base struct {
	Downstream EventTarget
	Tap        TapController
}

func (b *Base) SetDownstream(next EventTarget) { b.Downstream = next }

func (b *Base) SetTap(tap TapController) {
	if tap == nil {
		tap = NoopTapController
	}
	b.Tap = tap
}

// Output emits e to this filter's downstream target. Filters must call this
// instead of writing to Downstream directly so a future change to the
// delivery mechanism
// has one call site to change.
func (b *Base) Output(e event.Event) {
	if b.Downstream != nil {
		b.Downstream.Process(e)
	}
}

// Factory produces a fresh Filter instance; PipelineLayout holds an ordered
// list of factories.
type Factory func() Filter
