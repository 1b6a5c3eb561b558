package inbound

import (
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akitasoftware/pipedge/event"
	"github.com/akitasoftware/pipedge/filter"
	"github.com/akitasoftware/pipedge/pipeline"
)

func echoLayout() *pipeline.Layout {
	l := pipeline.NewLayout("echo")
	l.Use(filter.NewEcho)
	return l
}

func dialPair(t *testing.T) (server net.Conn, client net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	acceptCh := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		acceptCh <- c
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server = <-acceptCh
	require.NotNil(t, server)
	return server, client
}

func TestTCP_Echo(t *testing.T) {
	server, client := dialPair(t)
	defer client.Close()

	tcp := NewTCP(server, TCPOptions{})
	tcp.Start(echoLayout())

	_, err := client.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, client.(*net.TCPConn).CloseWrite())

	buf := make([]byte, 64)
	n, err := io.ReadFull(client, buf[:5])
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))

	n, err = client.Read(buf)
	assert.True(t, n == 0 && err != nil, "expected EOF after echoed bytes")

	assert.Eventually(t, func() bool {
		return tcp.Counters.In() == 5 && tcp.Counters.Out() == 5
	}, time.Second, 10*time.Millisecond)
}

func TestTCP_IdleTimeoutClosesWithStreamEnd(t *testing.T) {
	server, client := dialPair(t)
	defer client.Close()

	layout := pipeline.NewLayout("idle")
	seen := make(chan event.ErrorKind, 1)
	layout.Use(func() filter.Filter {
		return &capturingFilter{onEvent: func(e event.Event) {
			if se, ok := event.IsStreamEnd(e); ok {
				select {
				case seen <- se.Error:
				default:
				}
			}
		}}
	})

	tcp := NewTCP(server, TCPOptions{IdleTimeout: 50 * time.Millisecond})
	tcp.Start(layout)

	select {
	case kind := <-seen:
		assert.Equal(t, event.IdleTimeout, kind)
	case <-time.After(time.Second):
		t.Fatal("idle timeout never fired")
	}
}

func TestTCP_PauseStopsDelivery(t *testing.T) {
	server, client := dialPair(t)
	defer client.Close()

	layout := pipeline.NewLayout("pause")
	var delivered int
	layout.Use(func() filter.Filter {
		return &capturingFilter{onEvent: func(e event.Event) {
			if _, ok := e.(event.Data); ok {
				delivered++
			}
		}}
	})

	tcp := NewTCP(server, TCPOptions{})
	tcp.Start(layout)

	_, err := client.Write([]byte("x"))
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return delivered == 1 }, time.Second, 10*time.Millisecond)

	tcp.Pause()
	time.Sleep(20 * time.Millisecond) // let the read loop settle into waitIfPaused
	_, err = client.Write([]byte("y"))
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, delivered, "no further data should be delivered while paused")

	tcp.Resume()
	assert.Eventually(t, func() bool { return delivered == 2 }, time.Second, 10*time.Millisecond)
}

func TestTCP_BackpressureLosesNoBytes(t *testing.T) {
	server, client := dialPair(t)
	defer client.Close()

	const total = 256 * 1024
	const pauseAt = 1024

	layout := pipeline.NewLayout("backpressure")
	var received int64
	var pausedOnce int32
	layout.Use(func() filter.Filter {
		f := &capturingFilter{}
		f.onEvent = func(e event.Event) {
			d, ok := e.(event.Data)
			if !ok {
				return
			}
			got := atomic.AddInt64(&received, int64(d.Buffer.Size()))
			if got >= pauseAt && atomic.CompareAndSwapInt32(&pausedOnce, 0, 1) {
				f.Tap.Pause()
				time.AfterFunc(100*time.Millisecond, f.Tap.Resume)
			}
		}
		return f
	})

	tcp := NewTCP(server, TCPOptions{})
	tcp.Start(layout)

	go func() {
		payload := make([]byte, 4096)
		sent := 0
		for sent < total {
			n, err := client.Write(payload)
			if err != nil {
				return
			}
			sent += n
		}
		client.(*net.TCPConn).CloseWrite()
	}()

	// Drain the echo so the write side never blocks the client.
	go io.Copy(io.Discard, client)

	assert.Eventually(t, func() bool { return atomic.LoadInt64(&received) == total }, 10*time.Second, 20*time.Millisecond,
		"all bytes must arrive despite the pause")
	assert.EqualValues(t, 1, atomic.LoadInt32(&pausedOnce), "the paused state must have been observed at least once")
}

// fakeTracker stands in for a worker thread's active-pipeline counter.
type fakeTracker struct{ n int32 }

func (f *fakeTracker) IncrementPipelines() { atomic.AddInt32(&f.n, 1) }
func (f *fakeTracker) DecrementPipelines() { atomic.AddInt32(&f.n, -1) }
func (f *fakeTracker) count() int32        { return atomic.LoadInt32(&f.n) }

func TestTCP_ReportsPipelineLifetimeToTracker(t *testing.T) {
	server, client := dialPair(t)

	tr := &fakeTracker{}
	tcp := NewTCP(server, TCPOptions{Tracker: tr})
	tcp.Start(echoLayout())

	assert.EqualValues(t, 1, tr.count(), "starting the inbound must register its pipeline")

	client.Close()
	assert.Eventually(t, func() bool { return tr.count() == 0 }, time.Second, 10*time.Millisecond,
		"the pipeline must be deregistered once its StreamEnd has propagated")
}

// capturingFilter is a minimal test-only filter.Filter that calls onEvent
// for every event observed, then forwards it downstream unchanged.
type capturingFilter struct {
	filter.Base
	onEvent func(event.Event)
}

func (f *capturingFilter) Process(e event.Event) {
	if f.onEvent != nil {
		f.onEvent(e)
	}
	f.Output(e)
}
func (f *capturingFilter) Reset() {}
func (f *capturingFilter) Clone() filter.Filter {
	return &capturingFilter{onEvent: f.onEvent}
}
