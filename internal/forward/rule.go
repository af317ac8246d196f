package forward

import (
	"fmt"
	"net/netip"
	"time"
)

const (
	// DefaultBufferSize is the relay copy buffer size used when a rule
	// doesn't set one.
	DefaultBufferSize = 8192

	// DefaultIdleTimeout is how long a UDP session may go without traffic
	// in either direction before the sweep evicts it.
	DefaultIdleTimeout = 30 * time.Second
)

// Rule is one bind→target forwarding mapping. It is a plain value; engines
// read it but never mutate the caller's copy.
type Rule struct {
	// Name labels log lines and metrics for this rule. Optional; engines
	// derive a name from the endpoints when empty.
	Name string

	Bind   netip.AddrPort
	Target netip.AddrPort

	// BufferSize is the per-copy buffer size in bytes. Zero means
	// DefaultBufferSize.
	BufferSize int

	// IdleTimeout applies to UDP sessions only; TCP relays run until
	// either side closes. Zero means DefaultIdleTimeout.
	IdleTimeout time.Duration
}

// Validate reports whether both endpoints are usable socket addresses.
func (r Rule) Validate() error {
	if !r.Bind.IsValid() {
		return fmt.Errorf("invalid bind address %q", r.Bind)
	}
	if !r.Target.IsValid() {
		return fmt.Errorf("invalid target address %q", r.Target)
	}
	return nil
}

func (r Rule) label(proto string) string {
	if r.Name != "" {
		return r.Name
	}
	return fmt.Sprintf("%s_%s_to_%s", proto, r.Bind, r.Target)
}
