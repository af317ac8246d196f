//go:build linux || freebsd || openbsd || netbsd || darwin

package forward

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// reusePortControl returns a ListenConfig Control function that enables
// SO_REUSEPORT, so several shunt processes can share a bind address for
// zero-downtime restarts. Returns nil when reuse is off.
func reusePortControl(enable bool) func(network, address string, c syscall.RawConn) error {
	if !enable {
		return nil
	}

	return func(_, _ string, c syscall.RawConn) error {
		var ctrlErr error
		err := c.Control(func(fd uintptr) {
			ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
		})
		if err != nil {
			return err
		}
		return ctrlErr
	}
}
