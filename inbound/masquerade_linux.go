//go:build linux

package inbound

import (
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// newMasqueradeSink opens an IP_HDRINCL raw socket so masqueradeSink can
// stamp an arbitrary source address on outbound datagrams — the raw-fd
// idiom original_dst_linux.go uses for SO_ORIGINAL_DST, run in reverse to
// build rather than inspect a header.
func newMasqueradeSink(srcIP net.IP, srcPort uint16) (sessionSink, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW, unix.IPPROTO_RAW)
	if err != nil {
		return nil, err
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_HDRINCL, 1); err != nil {
		unix.Close(fd)
		return nil, err
	}

	f := os.NewFile(uintptr(fd), "pipedge-masquerade-raw")
	pc, err := net.FilePacketConn(f)
	f.Close() // FilePacketConn dup()s the fd, this copy is no longer needed
	if err != nil {
		return nil, err
	}

	return masqueradeSink{raw: pc, srcIP: srcIP, srcPrt: srcPort}, nil
}
