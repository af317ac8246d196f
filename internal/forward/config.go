package forward

import (
	"log/slog"
	"net"

	"github.com/jonboulle/clockwork"

	"github.com/die-net/shunt/internal/dialer"
)

// Config carries the process-wide pieces shared by every engine. The zero
// value works; nil fields are filled with defaults at construction.
type Config struct {
	// Logger receives engine lifecycle and per-flow events.
	Logger *slog.Logger

	// Clock drives session activity timestamps and the idle sweep. Tests
	// substitute a fake clock; socket deadlines always use real time.
	Clock clockwork.Clock

	// Dialer opens outbound TCP connections to a rule's target. UDP
	// engines ignore it.
	Dialer dialer.Dialer

	// KeepAlive applies to accepted TCP connections.
	KeepAlive net.KeepAliveConfig

	// ReusePort sets SO_REUSEPORT on listening sockets where the platform
	// has it.
	ReusePort bool

	// UDPSocketBuffer resizes SO_RCVBUF/SO_SNDBUF on UDP listening
	// sockets. Zero keeps the OS default.
	UDPSocketBuffer int

	// Pool supplies relay copy buffers, shared across rules.
	Pool *BufferPool
}

func (c Config) withDefaults(bufferSize int) Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Dialer == nil {
		c.Dialer = dialer.NewDirectDialer(dialer.Config{KeepAlive: c.KeepAlive})
	}
	if c.Pool == nil {
		c.Pool = NewBufferPool(bufferSize)
	}
	return c
}
