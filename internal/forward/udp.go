package forward

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"sync/atomic"
	"time"
)

const (
	// sweepInterval is how often the idle sweep scans a rule's session
	// table.
	sweepInterval = 30 * time.Second

	// relayReadTimeout bounds each wait for a target reply, so a relay
	// goroutine notices when its session has been evicted. Deliberately
	// longer than the sweep interval; an evicted session's socket
	// lingers at most this long.
	relayReadTimeout = 60 * time.Second
)

// UDPForwarder multiplexes a connectionless bind socket into per-client
// sessions, each with its own outbound socket to the target so replies can
// be routed back to the right client.
type UDPForwarder struct {
	rule  Rule
	cfg   Config
	log   *slog.Logger
	name  string
	table *sessionTable
	addr  atomic.Value

	// listen is the rule's shared bind socket. Response relays write
	// client-bound datagrams through it, concurrently with the dispatch
	// loop's reads.
	listen *net.UDPConn
}

// NewUDPForwarder validates rule and prepares an engine for it.
func NewUDPForwarder(rule Rule, cfg Config) (*UDPForwarder, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	if rule.BufferSize <= 0 {
		rule.BufferSize = DefaultBufferSize
	}
	if rule.IdleTimeout <= 0 {
		rule.IdleTimeout = DefaultIdleTimeout
	}
	cfg = cfg.withDefaults(rule.BufferSize)

	name := rule.label("udp")
	return &UDPForwarder{
		rule:  rule,
		cfg:   cfg,
		log:   cfg.Logger.With("rule", name),
		name:  name,
		table: newSessionTable(cfg.Clock),
	}, nil
}

// Addr returns the bound listen address, or nil before Run has bound it.
func (f *UDPForwarder) Addr() net.Addr {
	addr, _ := f.addr.Load().(net.Addr)
	return addr
}

// Run binds the listening socket and dispatches datagrams until ctx is
// done. It returns an error only when the initial bind fails.
func (f *UDPForwarder) Run(ctx context.Context) error {
	conn, err := ListenUDP(ctx, f.rule.Bind, f.cfg.ReusePort, f.cfg.UDPSocketBuffer)
	if err != nil {
		return err
	}
	defer conn.Close()
	f.listen = conn
	f.addr.Store(conn.LocalAddr())

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	sweepCtx, cancelSweep := context.WithCancel(ctx)
	defer cancelSweep()
	go f.sweep(sweepCtx)

	f.log.Info("udp forwarder listening", "bind", conn.LocalAddr().String(),
		"target", f.rule.Target.String(), "idle_timeout", f.rule.IdleTimeout)

	buf := f.cfg.Pool.Get()
	defer f.cfg.Pool.Put(buf)

	for {
		n, client, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				f.shutdown()
				return nil
			}
			f.log.Warn("read failed", "error", err)
			continue
		}

		// Dispatch inline rather than per goroutine, so one client's
		// datagrams reach the target in arrival order.
		f.dispatch(client, buf[:n])
	}
}

// dispatch routes one datagram from client into its session, creating the
// session on first contact.
func (f *UDPForwarder) dispatch(client netip.AddrPort, payload []byte) {
	s, created, err := f.table.getOrCreate(client, func() (*net.UDPConn, error) {
		return net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(f.rule.Target))
	})
	if err != nil {
		f.log.Error("session setup failed", "client", client.String(), "error", err)
		return
	}
	if created {
		udpSessionsTotal.WithLabelValues(f.name).Inc()
		udpOpenSessions.WithLabelValues(f.name).Inc()
		f.log.Debug("session created", "client", client.String(), "local", s.conn.LocalAddr().String())
		go f.relayResponses(s)
	}

	if _, err := s.conn.Write(payload); err != nil {
		f.log.Warn("send to target failed", "client", client.String(), "error", err)
		// Session-fatal. The client's next datagram starts a fresh one;
		// the relay goroutine cleans up the socket.
		if f.table.remove(s) {
			udpOpenSessions.WithLabelValues(f.name).Dec()
		}
		return
	}

	bytesTotal.WithLabelValues(f.name, directionClientToTarget).Add(float64(len(payload)))
}

// relayResponses pumps target replies back to the session's client until
// the session ends. It owns s.conn: every exit path removes the table
// entry (a no-op when the sweep or dispatch already removed it) and closes
// the socket.
func (f *UDPForwarder) relayResponses(s *session) {
	defer func() {
		if f.table.remove(s) {
			udpOpenSessions.WithLabelValues(f.name).Dec()
		}
		_ = s.conn.Close()
		f.log.Debug("session ended", "client", s.client.String())
	}()

	buf := f.cfg.Pool.Get()
	defer f.cfg.Pool.Put(buf)

	for {
		// Deadlines need the real clock even when activity tracking uses
		// a fake one.
		_ = s.conn.SetReadDeadline(time.Now().Add(relayReadTimeout))

		n, err := s.conn.Read(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				// Nothing from the target lately. Keep waiting only
				// while the session is still live.
				if !f.table.contains(s) {
					return
				}
				continue
			}
			if !errors.Is(err, net.ErrClosed) {
				f.log.Warn("target socket failed", "client", s.client.String(), "error", err)
			}
			return
		}

		// A reply for an already-evicted session is dropped rather than
		// resurrecting it.
		if !f.table.touch(s) {
			return
		}

		if _, err := f.listen.WriteToUDPAddrPort(buf[:n], s.client); err != nil {
			f.log.Warn("send to client failed", "client", s.client.String(), "error", err)
			return
		}

		bytesTotal.WithLabelValues(f.name, directionTargetToClient).Add(float64(n))
	}
}

// sweep evicts idle sessions once per interval for the engine's lifetime.
func (f *UDPForwarder) sweep(ctx context.Context) {
	ticker := f.cfg.Clock.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			for _, s := range f.table.evictIdle(f.rule.IdleTimeout) {
				// The relay goroutine notices on its next deadline
				// check and closes the socket.
				udpOpenSessions.WithLabelValues(f.name).Dec()
				f.log.Debug("session idle, evicted", "client", s.client.String())
			}
		}
	}
}

// shutdown abandons every live session and closes its socket so relay
// goroutines unblock promptly.
func (f *UDPForwarder) shutdown() {
	drained := f.table.drain()
	for _, s := range drained {
		udpOpenSessions.WithLabelValues(f.name).Dec()
		_ = s.conn.Close()
	}
	f.log.Info("udp forwarder stopped", "sessions", len(drained))
}
