package pipeline

import (
	"sync"

	"github.com/google/uuid"

	"github.com/akitasoftware/pipedge/event"
	"github.com/akitasoftware/pipedge/filter"
)

// Context is a pipeline's per-instance scope: a correlation ID for log
// correlation, an opaque back-reference to the owning inbound, and a
// free-form variable bag standing in for the script engine's scope object.
type Context struct {
	ID      uuid.UUID
	Inbound interface{}
	Vars    map[string]interface{}
}

// NewContext returns a Context with a fresh correlation ID.
func NewContext(inbound interface{}) *Context {
	return &Context{ID: uuid.New(), Inbound: inbound, Vars: map[string]interface{}{}}
}

// Derive returns a child Context: same inbound back-reference, a copy of
// the variable bag, and a fresh correlation ID. Used by fork()-style APIs
// that run work in a derived scope on the same thread.
func (c *Context) Derive() *Context {
	vars := make(map[string]interface{}, len(c.Vars))
	for k, v := range c.Vars {
		vars[k] = v
	}
	return &Context{ID: uuid.New(), Inbound: c.Inbound, Vars: vars}
}

// Pipeline is a live instance of a Layout: it owns a per-pipeline context, a
// materialized filter chain, and a downstream sink. A Pipeline
// is single-threaded — every method here must only ever be called from the
// worker goroutine that created it.
type Pipeline struct {
	layout  *Layout
	context *Context
	chain   []filter.Filter
	sink    filter.EventTarget
	tap     filter.TapController

	mu      sync.Mutex
	active  bool
	ended   bool
	pending []event.Event
	onEnd   []func()
}

// Make clones each filter factory in order, wires filter[i].downstream to
// filter[i+1], wires the tail's downstream to sink, and stores context.
// The layout is frozen as a side effect: no further filters may be added
// to it.
func Make(layout *Layout, ctx *Context, sink filter.EventTarget, tap filter.TapController) *Pipeline {
	layout.markSpawned()
	if tap == nil {
		tap = filter.NoopTapController
	}

	p := &Pipeline{
		layout:  layout,
		context: ctx,
		chain:   layout.cloneChain(),
		sink:    sink,
		tap:     tap,
	}

	var downstream filter.EventTarget = sink
	for i := len(p.chain) - 1; i >= 0; i-- {
		p.chain[i].SetDownstream(downstream)
		p.chain[i].SetTap(tap)
		downstream = filter.EventTargetFunc(p.chain[i].Process)
	}

	return p
}

// Context returns this pipeline's per-instance context.
func (p *Pipeline) Context() *Context { return p.context }

// OnEnd registers a hook invoked once, after the terminal StreamEnd has
// propagated to the sink. Multiple hooks run in registration order.
func (p *Pipeline) OnEnd(fn func()) {
	p.mu.Lock()
	ended := p.ended
	if !ended {
		p.onEnd = append(p.onEnd, fn)
	}
	p.mu.Unlock()
	if ended {
		fn()
	}
}

// Start marks the pipeline active and flushes any input buffered before
// Start was called.
func (p *Pipeline) Start() {
	p.mu.Lock()
	if p.active {
		p.mu.Unlock()
		return
	}
	p.active = true
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, e := range pending {
		p.deliver(e)
	}
}

// Input delivers one event to the head of the filter chain. If the
// pipeline has not yet been started, the event is buffered until Start is
// called.
func (p *Pipeline) Input(e event.Event) {
	p.mu.Lock()
	if !p.active {
		p.pending = append(p.pending, e)
		p.mu.Unlock()
		return
	}
	ended := p.ended
	p.mu.Unlock()
	if ended {
		return
	}
	p.deliver(e)
}

func (p *Pipeline) deliver(e event.Event) {
	if len(p.chain) == 0 {
		p.sink.Process(e)
	} else {
		p.chain[0].Process(e)
	}

	if _, ok := event.IsStreamEnd(e); ok {
		p.finish()
	}
}

// finish runs on_end hooks exactly once and drops ownership of the
// filter chain.
func (p *Pipeline) finish() {
	p.mu.Lock()
	if p.ended {
		p.mu.Unlock()
		return
	}
	p.ended = true
	hooks := p.onEnd
	p.onEnd = nil
	p.mu.Unlock()

	for _, f := range p.chain {
		f.Reset()
	}
	p.chain = nil

	for _, hook := range hooks {
		hook()
	}
}

// Ended reports whether this pipeline has already observed its terminal
// StreamEnd.
func (p *Pipeline) Ended() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ended
}
