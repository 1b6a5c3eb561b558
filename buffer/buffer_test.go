package buffer

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestByteBuffer_PushConcatenates(t *testing.T) {
	b := New()
	b.Push([]byte("hello "))
	b.Push([]byte("world"))
	assert.Equal(t, "hello world", b.ToString())
	assert.Equal(t, 11, b.Size())
}

func TestByteBuffer_PushAcrossChunkBoundary(t *testing.T) {
	b := New()
	big := bytes.Repeat([]byte("x"), chunkSize+100)
	b.Push(big)
	require.Equal(t, len(big), b.Size())
	assert.Equal(t, big, b.ToBytes())
}

func TestByteBuffer_ShiftConservesBytes(t *testing.T) {
	original := []byte("the quick brown fox jumps over the lazy dog")
	for n := 0; n <= len(original); n++ {
		b := NewFromBytes(original)
		head := b.Shift(n)
		got := append(head.ToBytes(), b.ToBytes()...)
		assert.Equal(t, original, got, "n=%d", n)
	}
}

func TestByteBuffer_PopConservesBytes(t *testing.T) {
	original := []byte("the quick brown fox jumps over the lazy dog")
	for n := 0; n <= len(original); n++ {
		b := NewFromBytes(original)
		tail := b.Pop(n)
		got := append(b.ToBytes(), tail.ToBytes()...)
		assert.Equal(t, original, got, "n=%d", n)
	}
}

func TestByteBuffer_ShiftSplitDoesNotCopyChunkBytes(t *testing.T) {
	b := New()
	b.Push([]byte("abcdefgh"))
	originalChunk := b.views[0].c

	head := b.Shift(3)

	require.Len(t, head.views, 1)
	assert.Same(t, originalChunk, head.views[0].c, "split view must reference the original chunk")
	assert.Same(t, originalChunk, b.views[0].c, "remaining view must still reference the original chunk")
	assert.Equal(t, int32(2), originalChunk.refs, "refcount must have increased for the split-off view")
}

func TestByteBuffer_ShiftUntil(t *testing.T) {
	b := NewFromBytes([]byte("GET /foo HTTP/1.1\r\n"))
	isSpace := func(c byte) bool { return c == ' ' }

	head := b.ShiftUntil(isSpace)
	assert.Equal(t, "GET", head.ToString())
	assert.Equal(t, " /foo HTTP/1.1\r\n", b.ToString())
}

func TestByteBuffer_ShiftUntilNoMatchTakesAll(t *testing.T) {
	b := NewFromBytes([]byte("nomatchhere"))
	head := b.ShiftUntil(func(c byte) bool { return c == '\n' })
	assert.Equal(t, "nomatchhere", head.ToString())
	assert.Equal(t, 0, b.Size())
}

func TestByteBuffer_PopUntil(t *testing.T) {
	b := NewFromBytes([]byte("line1\nline2\nline3"))
	isNewline := func(c byte) bool { return c == '\n' }

	tail := b.PopUntil(isNewline)
	assert.Equal(t, "line3", tail.ToString())
	assert.Equal(t, "line1\nline2\n", b.ToString())
}

func TestByteBuffer_NewFromBufferSharesChunksNotBytes(t *testing.T) {
	a := NewFromBytes([]byte("shared"))
	c := a.views[0].c
	before := c.refs

	dup := NewFromBuffer(a)
	assert.Same(t, c, dup.views[0].c)
	assert.Equal(t, before+1, c.refs)
	assert.Equal(t, a.ToString(), dup.ToString())
}

func TestByteBuffer_MergesAdjacentAppends(t *testing.T) {
	b := New()
	b.Push([]byte("a"))
	b.Push([]byte("b"))
	b.Push([]byte("c"))
	// All three pushes land in the same solely-owned chunk, contiguously, so
	// they must have merged into a single view (O(1) growth invariant).
	assert.Len(t, b.views, 1)
	assert.Equal(t, "abc", b.ToString())
}
