package script

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExiter_RunsCallbacksInOrderBeforeTerminating(t *testing.T) {
	var order []string
	e := NewExiter(func(code int) { order = append(order, "terminate") })
	e.OnExit(func() <-chan struct{} { order = append(order, "first"); return nil })
	e.OnExit(func() <-chan struct{} { order = append(order, "second"); return nil })

	e.Exit(0)
	assert.Equal(t, []string{"first", "second", "terminate"}, order)
}

func TestExiter_PendingChannelDelaysTermination(t *testing.T) {
	settled := make(chan struct{})
	terminated := make(chan int, 1)

	e := NewExiter(func(code int) { terminated <- code })
	e.OnExit(func() <-chan struct{} { return settled })

	go e.Exit(3)

	select {
	case <-terminated:
		t.Fatal("exit must not complete before the callback's channel settles")
	case <-time.After(50 * time.Millisecond):
	}

	close(settled)
	select {
	case code := <-terminated:
		assert.Equal(t, 3, code)
	case <-time.After(time.Second):
		t.Fatal("exit never completed after the callback settled")
	}
}

func TestExiter_SecondExitIsIgnored(t *testing.T) {
	var calls int
	e := NewExiter(func(int) { calls++ })
	e.Exit(0)
	e.Exit(1)
	assert.Equal(t, 1, calls)
}
