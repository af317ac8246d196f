package forward

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync/atomic"
)

// TCPForwarder accepts connections on a rule's bind address and relays
// each one to the rule's target over a dedicated outbound connection.
type TCPForwarder struct {
	rule Rule
	cfg  Config
	log  *slog.Logger
	name string
	addr atomic.Value
}

// NewTCPForwarder validates rule and prepares an engine for it. The engine
// touches the network only once Run is called.
func NewTCPForwarder(rule Rule, cfg Config) (*TCPForwarder, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	if rule.BufferSize <= 0 {
		rule.BufferSize = DefaultBufferSize
	}
	cfg = cfg.withDefaults(rule.BufferSize)

	name := rule.label("tcp")
	return &TCPForwarder{
		rule: rule,
		cfg:  cfg,
		log:  cfg.Logger.With("rule", name),
		name: name,
	}, nil
}

// Addr returns the bound listen address, or nil before Run has bound it.
// Useful when the rule binds port 0.
func (f *TCPForwarder) Addr() net.Addr {
	addr, _ := f.addr.Load().(net.Addr)
	return addr
}

// Run binds the listener and accepts until ctx is done. It returns an
// error only when the initial bind fails; accept errors on a live listener
// are logged and skipped.
func (f *TCPForwarder) Run(ctx context.Context) error {
	ln, err := ListenTCP(ctx, f.rule.Bind, f.cfg.KeepAlive, f.cfg.ReusePort)
	if err != nil {
		return err
	}
	defer ln.Close()
	f.addr.Store(ln.Addr())

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	f.log.Info("tcp forwarder listening", "bind", ln.Addr().String(), "target", f.rule.Target.String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				f.log.Info("tcp forwarder stopped")
				return nil
			}
			f.log.Warn("accept failed", "error", err)
			continue
		}

		go f.relay(ctx, conn)
	}
}

// relay dials the target and pumps bytes both ways until one side closes.
func (f *TCPForwarder) relay(ctx context.Context, client net.Conn) {
	clientAddr := client.RemoteAddr().String()

	tcpConnectionsTotal.WithLabelValues(f.name).Inc()
	tcpOpenConnections.WithLabelValues(f.name).Inc()
	defer tcpOpenConnections.WithLabelValues(f.name).Dec()

	f.log.Debug("connection accepted", "client", clientAddr)

	target, err := f.cfg.Dialer.DialContext(ctx, "tcp", f.rule.Target.String())
	if err != nil {
		tcpDialErrorsTotal.WithLabelValues(f.name).Inc()
		f.log.Error("dial target failed", "client", clientAddr, "error", err)
		_ = client.Close()
		return
	}

	toTarget, toClient, err := CopyBidirectional(ctx, client, target, f.cfg.Pool)

	bytesTotal.WithLabelValues(f.name, directionClientToTarget).Add(float64(toTarget))
	bytesTotal.WithLabelValues(f.name, directionTargetToClient).Add(float64(toClient))

	if err != nil {
		f.log.Warn("connection error", "client", clientAddr, "sent", toTarget, "received", toClient, "error", err)
		return
	}
	f.log.Debug("connection closed", "client", clientAddr, "sent", toTarget, "received", toClient)
}
