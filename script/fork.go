package script

import "github.com/akitasoftware/pipedge/pipeline"

// Fork runs fn in a freshly-derived context on the current goroutine. The
// derived context keeps the parent's inbound back-reference and a copy of
// its variable bag but gets its own correlation ID, so work fn spawns is
// distinguishable in logs from the parent's.
func Fork(parent *pipeline.Context, fn func(*pipeline.Context)) {
	fn(parent.Derive())
}
