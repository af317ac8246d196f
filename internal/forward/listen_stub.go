//go:build !(linux || freebsd || openbsd || netbsd || darwin)

package forward

import "syscall"

// SO_REUSEPORT is not portable; other platforms get a plain listener.
func reusePortControl(_ bool) func(network, address string, c syscall.RawConn) error {
	return nil
}
