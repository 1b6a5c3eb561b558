// Package buffer implements the chunked, reference-counted byte container
// shared by every filter and socket in the pipeline runtime.
package buffer

import (
	"sync"
	"sync/atomic"
)

// chunkSize is the fixed size of the backing array behind every chunk.
const chunkSize = 4096

// chunk is an immutable (from the consumer's point of view) fixed-size byte
// array shared by reference counting across multiple views. Once allocated,
// a chunk's capacity never changes; only the refcount and the write cursor
// (used while a view still owns exclusive write access to its tail) move.
type chunk struct {
	data []byte // len == chunkSize, cap == chunkSize
	refs int32  // protected by chunkMu

	// used tracks how many bytes of data have been written so far. A chunk
	// can only be appended to in place by the view that currently holds the
	// sole reference to it and owns the tail of it (see view.canExtend).
	used int32
}

var chunkPool = sync.Pool{
	New: func() interface{} {
		return &chunk{data: make([]byte, chunkSize)}
	},
}

var chunkMu sync.Mutex

// liveChunks counts chunks currently checked out of chunkPool, surfaced
// through worker.ThreadMetrics as the pool's allocation gauge.
var liveChunks int64

// LiveChunkCount reports the number of chunks currently allocated
// process-wide, consulted by worker.ThreadMetrics.
func LiveChunkCount() int64 {
	return atomic.LoadInt64(&liveChunks)
}

func newChunk() *chunk {
	c := chunkPool.Get().(*chunk)
	c.refs = 1
	c.used = 0
	atomic.AddInt64(&liveChunks, 1)
	return c
}

func (c *chunk) retain() {
	chunkMu.Lock()
	c.refs++
	chunkMu.Unlock()
}

// release drops one reference; when the last reference goes away the chunk
// is returned to the pool for reuse.
func (c *chunk) release() {
	chunkMu.Lock()
	c.refs--
	r := c.refs
	chunkMu.Unlock()
	if r == 0 {
		c.used = 0
		chunkPool.Put(c)
		atomic.AddInt64(&liveChunks, -1)
	}
}

// solelyOwned reports whether this chunk has exactly one outstanding
// reference, the precondition for in-place append.
func (c *chunk) solelyOwned() bool {
	chunkMu.Lock()
	defer chunkMu.Unlock()
	return c.refs == 1
}
