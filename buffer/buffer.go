package buffer

// ByteBuffer is an ordered sequence of views over reference-counted chunks.
// It is not safe for concurrent use: a buffer is owned by exactly one
// pipeline and that pipeline runs on exactly one goroutine for its entire
// lifetime, so no internal locking is needed.
type ByteBuffer struct {
	views []view
}

// New returns an empty ByteBuffer.
func New() *ByteBuffer {
	return &ByteBuffer{}
}

// NewFromSize returns a ByteBuffer of n zero-valued bytes.
func NewFromSize(n int) *ByteBuffer {
	return NewFromSizeFill(n, 0)
}

// NewFromSizeFill returns a ByteBuffer of n bytes, every byte set to fill.
func NewFromSizeFill(n int, fill byte) *ByteBuffer {
	b := New()
	if n <= 0 {
		return b
	}
	buf := make([]byte, n)
	if fill != 0 {
		for i := range buf {
			buf[i] = fill
		}
	}
	b.Push(buf)
	return b
}

// NewFromBytes copies the given bytes into a fresh ByteBuffer.
func NewFromBytes(p []byte) *ByteBuffer {
	b := New()
	b.Push(p)
	return b
}

// NewFromBuffer returns a ByteBuffer that shares chunk storage with other
// (each view's chunk is retained) without copying any bytes — "deep
// reference, shallow bytes".
func NewFromBuffer(other *ByteBuffer) *ByteBuffer {
	b := &ByteBuffer{views: make([]view, len(other.views))}
	for i, v := range other.views {
		v.c.retain()
		b.views[i] = v
	}
	return b
}

// Size returns the total number of bytes held across all views.
func (b *ByteBuffer) Size() int {
	n := 0
	for _, v := range b.views {
		n += int(v.length)
	}
	return n
}

// Empty reports whether the buffer holds zero bytes.
func (b *ByteBuffer) Empty() bool {
	return len(b.views) == 0
}

// appendView appends v to the buffer, merging it into the current tail view
// when they are contiguous in the same chunk.
func (b *ByteBuffer) appendView(v view) {
	if n := len(b.views); n > 0 && b.views[n-1].sameChunkAdjacent(v) {
		b.views[n-1].length += v.length
		v.c.release() // merged; drop the extra reference v carried in.
		return
	}
	b.views = append(b.views, v)
}

// prependView inserts v at the head of the buffer, merging with the current
// head view when contiguous.
func (b *ByteBuffer) prependView(v view) {
	if n := len(b.views); n > 0 && v.sameChunkAdjacent(b.views[0]) {
		b.views[0].offset = v.offset
		b.views[0].length += v.length
		v.c.release()
		return
	}
	b.views = append([]view{v}, b.views...)
}

// Push appends data to the buffer. If the tail view's chunk is solely owned
// and has spare room, the bytes are written in place and the view is
// extended (O(1), no allocation); otherwise a new chunk is allocated.
func (b *ByteBuffer) Push(data []byte) {
	for len(data) > 0 {
		if n := len(b.views); n > 0 {
			tail := &b.views[n-1]
			if tail.canExtend(1) {
				room := chunkSize - int(tail.c.used)
				take := len(data)
				if take > room {
					take = room
				}
				copy(tail.c.data[tail.c.used:], data[:take])
				tail.c.used += int32(take)
				tail.length += int32(take)
				data = data[take:]
				continue
			}
		}

		c := newChunk()
		take := len(data)
		if take > chunkSize {
			take = chunkSize
		}
		copy(c.data, data[:take])
		c.used = int32(take)
		b.views = append(b.views, view{c: c, offset: 0, length: int32(take)})
		data = data[take:]
	}
}

// Shift removes the first n bytes from the buffer and returns them as a new
// ByteBuffer that owns the removed region. No chunk bytes are copied: a
// split head view shares its chunk (refcount incremented) with the
// returned buffer.
func (b *ByteBuffer) Shift(n int) *ByteBuffer {
	if n <= 0 {
		return New()
	}
	if n > b.Size() {
		n = b.Size()
	}

	out := New()
	remaining := n
	i := 0
	for remaining > 0 {
		v := b.views[i]
		if int(v.length) <= remaining {
			// The whole view moves to out along with the reference it holds.
			out.appendView(v)
			remaining -= int(v.length)
			i++
			continue
		}

		// Split: head part goes to out, tail part stays (advanced in place).
		v.c.retain()
		out.appendView(view{c: v.c, offset: v.offset, length: int32(remaining)})
		b.views[i].offset += int32(remaining)
		b.views[i].length -= int32(remaining)
		remaining = 0
	}
	b.views = b.views[i:]
	return out
}

// Pop removes the last n bytes from the buffer and returns them as a new
// ByteBuffer, symmetric with Shift but from the tail.
func (b *ByteBuffer) Pop(n int) *ByteBuffer {
	if n <= 0 {
		return New()
	}
	if n > b.Size() {
		n = b.Size()
	}

	out := New()
	remaining := n
	end := len(b.views)
	for remaining > 0 {
		v := b.views[end-1]
		if int(v.length) <= remaining {
			// The whole view moves to out along with the reference it holds.
			out.prependView(v)
			remaining -= int(v.length)
			end--
			continue
		}

		v.c.retain()
		out.prependView(view{c: v.c, offset: v.offset + v.length - int32(remaining), length: int32(remaining)})
		b.views[end-1].length -= int32(remaining)
		remaining = 0
	}
	b.views = b.views[:end]
	return out
}

// Predicate tests a single byte, used by ShiftUntil/PopUntil.
type Predicate func(byte) bool

// ShiftUntil splits the buffer at the first byte satisfying pred (exclusive
// of that byte's remainder, i.e. the returned buffer ends just before the
// byte that matched) and returns the removed prefix. If no byte matches,
// the whole buffer is removed and returned, and b becomes empty.
func (b *ByteBuffer) ShiftUntil(pred Predicate) *ByteBuffer {
	idx, found := b.indexOf(pred)
	if !found {
		return b.Shift(b.Size())
	}
	return b.Shift(idx)
}

// PopUntil splits the buffer at the last byte satisfying pred and returns
// the removed suffix starting just after that byte. If no byte matches, the
// whole buffer is removed and returned.
func (b *ByteBuffer) PopUntil(pred Predicate) *ByteBuffer {
	idx, found := b.lastIndexOf(pred)
	if !found {
		return b.Pop(b.Size())
	}
	return b.Pop(b.Size() - idx - 1)
}

func (b *ByteBuffer) indexOf(pred Predicate) (int, bool) {
	pos := 0
	for _, v := range b.views {
		buf := v.bytes()
		for i, c := range buf {
			if pred(c) {
				return pos + i, true
			}
		}
		pos += len(buf)
	}
	return 0, false
}

func (b *ByteBuffer) lastIndexOf(pred Predicate) (int, bool) {
	pos := b.Size()
	for i := len(b.views) - 1; i >= 0; i-- {
		buf := b.views[i].bytes()
		for j := len(buf) - 1; j >= 0; j-- {
			pos--
			if pred(buf[j]) {
				return pos, true
			}
		}
	}
	return 0, false
}

// ToBytes concatenates the buffer's views into a single freshly allocated
// byte slice.
func (b *ByteBuffer) ToBytes() []byte {
	out := make([]byte, 0, b.Size())
	for _, v := range b.views {
		out = append(out, v.bytes()...)
	}
	return out
}

// ToString concatenates the buffer's views into a freshly allocated string.
func (b *ByteBuffer) ToString() string {
	return string(b.ToBytes())
}

// ForEachView iterates the buffer's views in order, yielding each view's
// backing byte slice. fn must not retain the slice past the call.
func (b *ByteBuffer) ForEachView(fn func(p []byte)) {
	for _, v := range b.views {
		fn(v.bytes())
	}
}

// Append moves all of other's views onto the end of b without copying any
// chunk bytes (ownership of the views simply transfers to b; a view that
// merges into b's contiguous tail view drops its now-redundant reference).
// other is left empty; callers must not use other again.
func (b *ByteBuffer) Append(other *ByteBuffer) {
	for _, v := range other.views {
		b.appendView(v)
	}
	other.views = nil
}

// Release drops this buffer's references on all underlying chunks. After
// Release, the buffer must not be used again.
func (b *ByteBuffer) Release() {
	for _, v := range b.views {
		v.c.release()
	}
	b.views = nil
}
