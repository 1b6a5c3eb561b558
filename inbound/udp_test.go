package inbound

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newUDPPair(t *testing.T) net.PacketConn {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	return pc
}

func TestUDPListener_SessionDemuxPerPeer(t *testing.T) {
	serverPC := newUDPPair(t)
	defer serverPC.Close()

	l := NewUDPListener(serverPC, echoLayout(), UDPOptions{})
	go l.Serve()

	c1, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer c1.Close()
	c2, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer c2.Close()

	_, err = c1.WriteTo([]byte("one"), serverPC.LocalAddr())
	require.NoError(t, err)
	_, err = c2.WriteTo([]byte("two"), serverPC.LocalAddr())
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.sessions.ItemCount() == 2
	}, time.Second, 10*time.Millisecond)

	buf := make([]byte, 64)
	c1.SetReadDeadline(time.Now().Add(time.Second))
	n, _, err := c1.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "one", string(buf[:n]))

	c2.SetReadDeadline(time.Now().Add(time.Second))
	n, _, err = c2.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "two", string(buf[:n]))
}

func TestUDPListener_ReportsPipelineLifetimeToTracker(t *testing.T) {
	serverPC := newUDPPair(t)
	defer serverPC.Close()

	tr := &fakeTracker{}
	l := NewUDPListener(serverPC, echoLayout(), UDPOptions{IdleTimeout: 80 * time.Millisecond, Tracker: tr})
	go l.Serve()

	c1, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer c1.Close()

	_, err = c1.WriteTo([]byte("ping"), serverPC.LocalAddr())
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return tr.count() == 1 }, time.Second, 10*time.Millisecond,
		"a new session must register its pipeline")
	assert.Eventually(t, func() bool { return tr.count() == 0 }, 500*time.Millisecond, 10*time.Millisecond,
		"idle eviction must deregister the session's pipeline")
}

func TestUDPListener_IdleSessionEvicted(t *testing.T) {
	serverPC := newUDPPair(t)
	defer serverPC.Close()

	l := NewUDPListener(serverPC, echoLayout(), UDPOptions{IdleTimeout: 80 * time.Millisecond})
	go l.Serve()

	c1, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer c1.Close()

	_, err = c1.WriteTo([]byte("ping"), serverPC.LocalAddr())
	require.NoError(t, err)

	buf := make([]byte, 64)
	c1.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err = c1.ReadFrom(buf)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.sessions.ItemCount() == 0
	}, 500*time.Millisecond, 10*time.Millisecond, "idle session must be evicted")
}
