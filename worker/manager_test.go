package worker

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akitasoftware/pipedge/filter"
	"github.com/akitasoftware/pipedge/listener"
	"github.com/akitasoftware/pipedge/pipeline"
)

func layoutNamed(name string) *pipeline.Layout {
	return pipeline.NewLayout(name)
}

func TestManager_StartAllThreads(t *testing.T) {
	m := NewManager(4)
	require.NoError(t, m.Start(&Worker{Layout: layoutNamed("v1"), Version: "1.0.0"}))
	defer m.Stop(context.Background(), true)

	stats := m.CollectBlocking()
	assert.Len(t, stats.Threads, 4)
	assert.Equal(t, "1.0.0", stats.Version)
}

func TestManager_StartFailureTearsDownAllThreads(t *testing.T) {
	m := NewManager(3)
	err := m.Start(&Worker{Layout: nil, Version: "1.0.0"})
	require.Error(t, err)

	for _, wt := range m.threads {
		assert.Nil(t, wt.Current(), "no thread may end up serving a worker after a failed start")
	}
}

func TestManager_AtomicReload_AllOrNothing(t *testing.T) {
	m := NewManager(4)
	require.NoError(t, m.Start(&Worker{Layout: layoutNamed("v1"), Version: "1.0.0"}))
	defer m.Stop(context.Background(), true)

	// The candidate's load step fails: a nil layout fails phase 1 on every
	// thread.
	bad := &Worker{Layout: nil, Version: "2.0.0"}
	err := m.Reload(bad)
	require.Error(t, err)

	for _, wt := range m.threads {
		assert.Equal(t, "v1", wt.Current().Layout.Name, "every thread must keep serving the old codebase")
	}

	stats := m.CollectBlocking()
	assert.Equal(t, "1.0.0", stats.Version, "manager version must not advance on a failed reload")
}

func TestManager_ReloadSucceedsWhenAllThreadsAgree(t *testing.T) {
	m := NewManager(3)
	require.NoError(t, m.Start(&Worker{Layout: layoutNamed("v1"), Version: "1.0.0"}))
	defer m.Stop(context.Background(), true)

	good := &Worker{Layout: layoutNamed("v2"), Version: "2.0.0"}
	require.NoError(t, m.Reload(good))

	for _, wt := range m.threads {
		assert.Equal(t, "v2", wt.Current().Layout.Name)
	}
}

func TestManager_GracefulStopWaitsForActivePipelines(t *testing.T) {
	m := NewManager(1)
	require.NoError(t, m.Start(&Worker{Layout: layoutNamed("v1"), Version: "1.0.0"}))

	m.threads[0].IncrementPipelines()

	stopped := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		stopped <- m.Stop(ctx, false)
	}()

	time.Sleep(100 * time.Millisecond)
	select {
	case <-stopped:
		t.Fatal("graceful stop must not complete while a pipeline is active")
	default:
	}

	m.threads[0].DecrementPipelines()
	select {
	case err := <-stopped:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("graceful stop never completed after pipeline drained")
	}
}

func TestManager_CollectFoldsInListenerStats(t *testing.T) {
	m := NewManager(1)
	require.NoError(t, m.Start(&Worker{Layout: layoutNamed("v1"), Version: "1.0.0"}))
	defer m.Stop(context.Background(), true)

	m.AddStatsSource(func() []ListenerStats {
		return []ListenerStats{{Key: "tcp::8080", TrafficIn: 42, TrafficOut: 42, Live: 1}}
	})

	stats := m.CollectBlocking()
	require.Len(t, stats.Listeners, 1)
	assert.Equal(t, "tcp::8080", stats.Listeners[0].Key)
	assert.EqualValues(t, 42, stats.Listeners[0].TrafficIn)
}

func TestManager_GracefulStopDrainsRealConnections(t *testing.T) {
	echo := pipeline.NewLayout("echo")
	echo.Use(filter.NewEcho)

	m := NewManager(1)
	require.NoError(t, m.Start(&Worker{Layout: echo, Version: "1.0.0"}))

	wt := m.AssignThread()
	opts := listener.DefaultOptions()
	opts.Tracker = wt

	ln := listener.New(listener.TCP, "127.0.0.1", 0, opts)
	_, err := ln.SetNextState(echo, opts, true)
	require.NoError(t, err)
	require.NoError(t, ln.Commit())
	defer ln.Stop(context.Background())

	conn, err := net.Dial("tcp", ln.BoundAddr().String())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return wt.ActivePipelines() == 1 }, time.Second, 10*time.Millisecond,
		"an accepted connection must register its pipeline with the assigned thread")

	stopped := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		stopped <- m.Stop(ctx, false)
	}()

	// Longer than one recycle tick: the drain must hold as long as the
	// connection's pipeline is alive.
	time.Sleep(1200 * time.Millisecond)
	select {
	case <-stopped:
		t.Fatal("graceful stop must not complete while a connection is open")
	default:
	}

	conn.Close()
	select {
	case err := <-stopped:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("graceful stop never completed after the connection closed")
	}
}

func TestManager_NonBlockingCollectRefusesConcurrent(t *testing.T) {
	m := NewManager(2)
	require.NoError(t, m.Start(&Worker{Layout: layoutNamed("v1"), Version: "1.0.0"}))
	defer m.Stop(context.Background(), true)

	done := make(chan Stats, 1)
	ok := m.CollectNonBlocking(func(s Stats) { done <- s })
	require.True(t, ok)

	ok2 := m.CollectNonBlocking(func(Stats) {})
	assert.False(t, ok2, "a second non-blocking collect in flight must be refused")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("first collect never completed")
	}
}
