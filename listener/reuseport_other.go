//go:build !linux && !darwin

package listener

import "syscall"

// reusePortControl is a no-op on platforms without SO_REUSEPORT.
func reusePortControl(network, address string, c syscall.RawConn) error {
	return nil
}
