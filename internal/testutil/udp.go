package testutil

import (
	"net"
	"net/netip"
	"testing"
)

// StartEchoUDPServer starts a UDP socket that echoes every datagram back to
// its sender. Each sender's address is also reported on the returned
// channel, so tests can observe which source port a forwarder used.
func StartEchoUDPServer(t *testing.T) (*net.UDPConn, <-chan netip.AddrPort) {
	t.Helper()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	froms := make(chan netip.AddrPort, 64)
	go func() {
		buf := make([]byte, 65535)
		for {
			n, from, err := conn.ReadFromUDPAddrPort(buf)
			if err != nil {
				return
			}
			select {
			case froms <- from:
			default:
			}
			_, _ = conn.WriteToUDPAddrPort(buf[:n], from)
		}
	}()

	return conn, froms
}
