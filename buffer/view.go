package buffer

// view is a reference to a contiguous region of one chunk. Buffers are
// ordered lists of views; multiple views may reference the same chunk.
type view struct {
	c      *chunk
	offset int32
	length int32
}

func (v view) bytes() []byte {
	return v.c.data[v.offset : v.offset+v.length]
}

// sameChunkAdjacent reports whether v ends exactly where o begins within the
// same underlying chunk, the precondition for merging two views into one
// without copying.
func (v view) sameChunkAdjacent(o view) bool {
	return v.c == o.c && v.offset+v.length == o.offset
}

// canExtend reports whether this view may grow in place by appending n more
// bytes directly into its backing chunk: the view must own the tail of a
// chunk it solely references, and the chunk must have n bytes of spare
// capacity after the view's current end.
func (v view) canExtend(n int) bool {
	if !v.c.solelyOwned() {
		return false
	}
	if int32(v.offset+v.length) != v.c.used {
		// Some other view already claimed the chunk's tail.
		return false
	}
	return int(v.c.used)+n <= chunkSize
}
