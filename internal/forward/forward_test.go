package forward

import (
	"log/slog"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/die-net/shunt/internal/testutil"
)

func testConfig() Config {
	return Config{Logger: slog.New(slog.DiscardHandler)}
}

func mustAddrPort(t *testing.T, addr net.Addr) netip.AddrPort {
	t.Helper()

	ap, err := netip.ParseAddrPort(addr.String())
	if err != nil {
		t.Fatal(err)
	}
	return ap
}

// waitAddr waits for an engine's Run to bind its listener.
func waitAddr(t *testing.T, f interface{ Addr() net.Addr }) net.Addr {
	t.Helper()

	var addr net.Addr
	testutil.Eventually(t, 2*time.Second, func() bool {
		addr = f.Addr()
		return addr != nil
	})
	return addr
}
