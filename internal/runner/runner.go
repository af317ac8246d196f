// Package runner builds forwarding engines from configuration rules and
// supervises them, restarting the whole set when a watched configuration
// file changes.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/shunt/internal/config"
	"github.com/die-net/shunt/internal/dialer"
	"github.com/die-net/shunt/internal/forward"
)

// defaultDialTimeout bounds DNS lookup and TCP connect for target dials.
const defaultDialTimeout = 10 * time.Second

// Config carries the runner's own settings, as opposed to the forwarding
// rules it supervises.
type Config struct {
	// Logger receives rule lifecycle and failure logs. Defaults to
	// slog.Default.
	Logger *slog.Logger

	// Clock drives session activity tracking. Defaults to the real
	// clock.
	Clock clockwork.Clock

	// Path is the configuration file, used to reload rules when Watch
	// is set.
	Path string

	// Watch restarts the forwarders whenever Path changes.
	Watch bool
}

// Runner owns a set of forwarding engines built from configuration rules.
type Runner struct {
	log   *slog.Logger
	clock clockwork.Clock
	cfg   *config.Config
	path  string
	watch bool
}

// New returns a Runner supervising cfg's rules.
func New(cfg *config.Config, opts Config) (*Runner, error) {
	if cfg == nil {
		return nil, errors.New("nil configuration")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Runner{
		log:   log,
		clock: clock,
		cfg:   cfg,
		path:  opts.Path,
		watch: opts.Watch,
	}, nil
}

// Run starts every configured forwarder and blocks until ctx is canceled
// or all forwarders have stopped. With Watch set it reloads the
// configuration file on change and restarts the forwarders, keeping the
// previous rules when the new file fails to load or validate.
func (r *Runner) Run(ctx context.Context) error {
	if !r.watch {
		return r.runGeneration(ctx)
	}

	events, closeWatch, err := r.watchFile(r.path)
	if err != nil {
		return err
	}
	defer func() { _ = closeWatch() }()

	for {
		genCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() { done <- r.runGeneration(genCtx) }()

		var next *config.Config
	waiting:
		for {
			select {
			case <-ctx.Done():
				cancel()
				return <-done
			case err := <-done:
				cancel()
				return err
			case <-events:
				cfg, err := config.Load(r.path)
				if err == nil {
					err = cfg.Validate()
				}
				if err != nil {
					r.log.Error("config reload failed, keeping previous rules", "error", err)
					continue
				}
				next = cfg
				break waiting
			}
		}

		r.log.Info("config changed, restarting forwarders")
		cancel()
		<-done
		// r.cfg is only written while no generation is running.
		r.cfg = next
	}
}

type engine interface {
	Run(ctx context.Context) error
}

type namedEngine struct {
	name   string
	engine engine
}

// runGeneration runs the current rule set until ctx is canceled. Engine
// failures are logged, not returned, so one bad rule can't take down its
// siblings.
func (r *Runner) runGeneration(ctx context.Context) error {
	engines, tcpN, udpN := r.buildEngines()
	if len(engines) == 0 {
		r.log.Warn("no forwarding rules configured, nothing to do")
		return nil
	}
	r.log.Info("starting forwarders", "tcp", tcpN, "udp", udpN)

	g, ctx := errgroup.WithContext(ctx)
	for _, e := range engines {
		g.Go(func() error {
			if err := e.engine.Run(ctx); err != nil {
				r.log.Error("forwarder failed", "rule", e.name, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// buildEngines turns the current configuration into forwarding engines,
// skipping rules that fail to build.
func (r *Runner) buildEngines() (engines []namedEngine, tcpN, udpN int) {
	bufferSize := r.cfg.BufferSize()

	keepAlive, err := r.cfg.KeepAlive()
	if err != nil {
		// Validate rejects this before Run is reached.
		keepAlive = net.KeepAliveConfig{Enable: true}
	}

	base := forward.Config{
		Logger:          r.log,
		Clock:           r.clock,
		KeepAlive:       keepAlive,
		ReusePort:       r.cfg.ReusePort(),
		UDPSocketBuffer: r.cfg.UDPSocketBuffer(),
		Pool:            forward.NewBufferPool(bufferSize),
	}

	engines = make([]namedEngine, 0, r.cfg.Rules())
	for i := range r.cfg.TCP {
		rule := &r.cfg.TCP[i]
		e, err := r.buildTCP(rule, base, bufferSize)
		if err != nil {
			r.log.Error("skipping invalid rule", "rule", rule.RuleName(), "error", err)
			continue
		}
		engines = append(engines, namedEngine{name: rule.RuleName(), engine: e})
		tcpN++
	}
	for i := range r.cfg.UDP {
		rule := &r.cfg.UDP[i]
		e, err := r.buildUDP(rule, base, bufferSize)
		if err != nil {
			r.log.Error("skipping invalid rule", "rule", rule.RuleName(), "error", err)
			continue
		}
		engines = append(engines, namedEngine{name: rule.RuleName(), engine: e})
		udpN++
	}

	return engines, tcpN, udpN
}

func (r *Runner) buildTCP(rule *config.TCPRule, base forward.Config, bufferSize int) (*forward.TCPForwarder, error) {
	bind, err := rule.BindAddrPort()
	if err != nil {
		return nil, fmt.Errorf("bind: %w", err)
	}
	target, err := rule.TargetAddrPort()
	if err != nil {
		return nil, fmt.Errorf("target: %w", err)
	}

	via := rule.Via
	if via == "" {
		via = "direct://"
	}
	d, err := dialer.New(dialer.Config{
		DialTimeout: defaultDialTimeout,
		KeepAlive:   base.KeepAlive,
	}, via)
	if err != nil {
		return nil, fmt.Errorf("via: %w", err)
	}

	cfg := base
	cfg.Dialer = d
	return forward.NewTCPForwarder(forward.Rule{
		Name:       rule.Name,
		Bind:       bind,
		Target:     target,
		BufferSize: bufferSize,
	}, cfg)
}

func (r *Runner) buildUDP(rule *config.UDPRule, base forward.Config, bufferSize int) (*forward.UDPForwarder, error) {
	bind, err := rule.BindAddrPort()
	if err != nil {
		return nil, fmt.Errorf("bind: %w", err)
	}
	target, err := rule.TargetAddrPort()
	if err != nil {
		return nil, fmt.Errorf("target: %w", err)
	}

	return forward.NewUDPForwarder(forward.Rule{
		Name:        rule.Name,
		Bind:        bind,
		Target:      target,
		BufferSize:  bufferSize,
		IdleTimeout: rule.IdleTimeout(),
	}, base)
}
