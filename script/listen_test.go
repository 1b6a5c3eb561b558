package script

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akitasoftware/pipedge/filter"
	"github.com/akitasoftware/pipedge/listener"
	"github.com/akitasoftware/pipedge/pipeline"
)

func echoBuilder() *pipeline.Layout {
	l := pipeline.NewLayout("echo")
	l.Use(filter.NewEcho)
	return l
}

func TestParseListenTarget(t *testing.T) {
	tests := []struct {
		target   string
		wantAddr string
		wantPort int
		wantErr  bool
	}{
		{"127.0.0.1:8080", "127.0.0.1", 8080, false},
		{"[::]:9090", "::", 9090, false},
		{"8080", "", 8080, false},
		{"0", "", 0, true},
		{"65536", "", 0, true},
		{"notaport", "", 0, true},
		{"nothost:80", "", 0, true},
		{"", "", 0, true},
	}
	for _, tc := range tests {
		addr, port, err := ParseListenTarget(tc.target)
		if tc.wantErr {
			assert.Error(t, err, "target %q", tc.target)
			continue
		}
		require.NoError(t, err, "target %q", tc.target)
		assert.Equal(t, tc.wantAddr, addr, "target %q", tc.target)
		assert.Equal(t, tc.wantPort, port, "target %q", tc.target)
	}
}

func TestListen_BindsAndEchoes(t *testing.T) {
	l, err := Listen("127.0.0.1:0", listener.TCP, listener.Options{}, echoBuilder)
	require.NoError(t, err)
	defer l.Stop(context.Background())

	assert.Equal(t, listener.Listening, l.State())

	conn, err := net.Dial("tcp", l.BoundAddr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))
}

func TestListen_NilLayoutIsAnError(t *testing.T) {
	_, err := Listen("127.0.0.1:0", listener.TCP, listener.Options{}, func() *pipeline.Layout { return nil })
	assert.Error(t, err)
}
