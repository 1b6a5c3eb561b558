// Package pipeline implements PipelineLayout (the immutable template) and
// Pipeline (a live instance built from it once per accepted connection).
package pipeline

import (
	"sync"

	"github.com/akitasoftware/pipedge/filter"
)

// Layout is an immutable template: an ordered list of filter factories
// plus a map of named sub-layouts. It freezes the moment the first
// Pipeline is spawned from it — Use/AddSubLayout panic if called
// afterward, so a layout can never change underneath a live pipeline.
type Layout struct {
	Name string

	mu         sync.Mutex
	factories  []filter.Factory
	subLayouts map[string]*Layout
	spawned    bool
}

// NewLayout returns an empty, still-mutable layout.
func NewLayout(name string) *Layout {
	return &Layout{Name: name, subLayouts: map[string]*Layout{}}
}

// Use appends a filter factory to the layout's chain. Returns the layout
// for chaining, matching the builder style a listen(..., builder)
// callback is expected to use.
func (l *Layout) Use(f filter.Factory) *Layout {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.spawned {
		panic("pipeline: layout " + l.Name + " modified after a Pipeline was spawned from it")
	}
	l.factories = append(l.factories, f)
	return l
}

// AddSubLayout registers a named sub-layout, referenced by concrete filters
// that need to spawn nested pipelines (e.g. a demux/branch filter).
func (l *Layout) AddSubLayout(name string, sub *Layout) *Layout {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.spawned {
		panic("pipeline: layout " + l.Name + " modified after a Pipeline was spawned from it")
	}
	l.subLayouts[name] = sub
	return l
}

// SubLayout looks up a previously registered sub-layout by name.
func (l *Layout) SubLayout(name string) (*Layout, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	sub, ok := l.subLayouts[name]
	return sub, ok
}

// markSpawned freezes the layout; called once by Make.
func (l *Layout) markSpawned() {
	l.mu.Lock()
	l.spawned = true
	l.mu.Unlock()
}

// cloneChain instantiates one fresh Filter per factory, in order.
func (l *Layout) cloneChain() []filter.Filter {
	l.mu.Lock()
	defer l.mu.Unlock()
	chain := make([]filter.Filter, len(l.factories))
	for i, f := range l.factories {
		chain[i] = f()
	}
	return chain
}
