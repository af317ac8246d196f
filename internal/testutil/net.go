package testutil

import (
	"net"
	"testing"
	"time"
)

// Eventually polls fn every few milliseconds until it returns true, failing
// the test if the deadline passes first.
func Eventually(t *testing.T, deadline time.Duration, fn func() bool) {
	t.Helper()

	end := time.Now().Add(deadline)
	for {
		if fn() {
			return
		}
		if time.Now().After(end) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// WaitForTCP dials addr until it succeeds, failing the test if nothing is
// accepting there before the deadline.
func WaitForTCP(t *testing.T, addr string, deadline time.Duration) net.Conn {
	t.Helper()

	end := time.Now().Add(deadline)
	for {
		c, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil {
			return c
		}
		if time.Now().After(end) {
			t.Fatalf("dial %s: %v", addr, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// FreeTCPPort reserves an ephemeral TCP port and returns it. The listener
// is closed before returning, so the caller should bind it promptly.
func FreeTCPPort(t *testing.T) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// FreeUDPPort is FreeTCPPort for UDP sockets.
func FreeUDPPort(t *testing.T) int {
	t.Helper()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).Port
}
