package listener

import (
	"context"
	"net"
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

func TestListener_EchoLifecycle(t *testing.T) {
	l := New(TCP, "127.0.0.1", 0, Options{})
	ok, err := l.SetNextState(echoLayout(), Options{}, false)
	require.True(t, ok)
	require.NoError(t, err)
	require.NoError(t, l.Commit())
	defer l.Stop(context.Background())

	addr := l.ln.Addr().(*net.TCPAddr)
	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)

	_, err = conn.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, conn.(*net.TCPConn).CloseWrite())

	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))

	assert.Eventually(t, func() bool { return l.LiveCount() == 1 }, time.Second, 10*time.Millisecond)
	conn.Close()
	assert.Eventually(t, func() bool { return l.LiveCount() == 0 }, time.Second, 10*time.Millisecond)

	in, out := l.TrafficTotals()
	assert.EqualValues(t, 5, in)
	assert.EqualValues(t, 5, out)
}

func TestListener_CommitSwapsLayoutWithoutDisturbingLiveInbounds(t *testing.T) {
	l := New(TCP, "127.0.0.1", 0, Options{})
	require.NoError(t, func() error { _, err := l.SetNextState(echoLayout(), Options{}, false); return err }())
	require.NoError(t, l.Commit())
	defer l.Stop(context.Background())

	addr := l.ln.Addr().(*net.TCPAddr)
	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	assert.Eventually(t, func() bool { return l.LiveCount() == 1 }, time.Second, 10*time.Millisecond)

	var droppingLayout = pipeline.NewLayout("drop")
	droppingLayout.Use(func() filter.Filter { return &dropAllFilter{} })
	ok, err := l.SetNextState(droppingLayout, Options{}, false)
	require.True(t, ok)
	require.NoError(t, err)
	require.NoError(t, l.Commit())

	_, err = conn.Write([]byte("still echoed"))
	require.NoError(t, err)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "still echoed", string(buf[:n]), "live inbound keeps the pipeline spawned from its original layout")
}

type dropAllFilter struct{ filter.Base }

func (f *dropAllFilter) Process(e event.Event) {
	if se, ok := event.IsStreamEnd(e); ok {
		f.Output(se)
	}
}
func (f *dropAllFilter) Reset()               {}
func (f *dropAllFilter) Clone() filter.Filter { return &dropAllFilter{} }
