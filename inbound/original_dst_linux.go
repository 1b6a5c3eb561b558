//go:build linux

package inbound

import (
	"net"

	"golang.org/x/sys/unix"
)

// lookupOriginalDst retrieves the pre-NAT destination address of a
// transparently-proxied connection via SO_ORIGINAL_DST, mirroring the raw
// getsockopt idiom used by common Go transparent-proxy implementations.
func lookupOriginalDst(conn net.Conn) (net.IP, uint16, error) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return nil, 0, errNotTCP
	}

	raw, err := tc.SyscallConn()
	if err != nil {
		return nil, 0, err
	}

	var addr net.IP
	var port uint16
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		if tc4 := tc.LocalAddr().(*net.TCPAddr); tc4.IP.To4() != nil {
			addr4, gerr := unix.GetsockoptIPv6Mreq(int(fd), unix.IPPROTO_IP, unix.SO_ORIGINAL_DST)
			if gerr != nil {
				sockErr = gerr
				return
			}
			// SO_ORIGINAL_DST on IPv4 returns a sockaddr_in packed into the
			// same layout GetsockoptIPv6Mreq happens to expose via Multiaddr;
			// bytes [4:8] are the IPv4 address, [2:4] are the port.
			raw4 := addr4.Multiaddr
			port = uint16(raw4[2])<<8 | uint16(raw4[3])
			addr = net.IPv4(raw4[4], raw4[5], raw4[6], raw4[7])
			return
		}
		sockErr = errNotTCP
	})
	if err != nil {
		return nil, 0, err
	}
	if sockErr != nil {
		return nil, 0, sockErr
	}
	return addr, port, nil
}

var errNotTCP = &net.OpError{Op: "original_dst", Err: net.UnknownNetworkError("not a TCPConn")}
