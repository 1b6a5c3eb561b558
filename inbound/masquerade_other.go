//go:build !linux

package inbound

import (
	"net"

	"github.com/pkg/errors"
)

// newMasqueradeSink has no portable equivalent of IP_HDRINCL raw sockets
// outside Linux; masquerade mode is unavailable on this platform.
func newMasqueradeSink(srcIP net.IP, srcPort uint16) (sessionSink, error) {
	return nil, errors.New("inbound: udp masquerade requires Linux (IP_HDRINCL raw sockets)")
}
