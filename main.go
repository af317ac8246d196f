// Command shunt forwards TCP connections and UDP datagrams from local bind
// addresses to fixed targets, following rules in a TOML configuration file.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/shunt/internal/config"
	"github.com/die-net/shunt/internal/runner"
)

// Populated at release time via -ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  = pflag.StringP("config", "c", "shunt.toml", "Path to the TOML configuration file")
		logLevel    = pflag.StringP("log-level", "l", "", "Log level: error, warn, info, debug, trace. Overrides the config file.")
		initConfig  = pflag.Bool("init", false, "Write a default configuration file and exit")
		checkConfig = pflag.Bool("check", false, "Validate the configuration file and exit")
		watch       = pflag.Bool("watch", false, "Watch the configuration file and restart forwarders when it changes")
		debugListen = pflag.String("debug-listen", "", "Debug HTTP listen address exposing /metrics and /debug/pprof (e.g. 127.0.0.1:6060). Empty disables.")
		showVersion = pflag.Bool("version", false, "Print version and exit")
	)

	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	if *showVersion {
		fmt.Printf("shunt version %s, commit %s, built %s\n", version, commit, date)
		return nil
	}

	if *initConfig {
		if _, err := os.Stat(*configPath); err == nil {
			return fmt.Errorf("refusing to overwrite existing %s", *configPath)
		}
		if err := config.WriteDefault(*configPath); err != nil {
			return err
		}
		fmt.Printf("wrote default configuration to %s\n", *configPath)
		return nil
	}

	if *checkConfig {
		if err := config.Check(*configPath); err != nil {
			return err
		}
		fmt.Printf("%s: configuration ok\n", *configPath)
		return nil
	}

	cfg, created, err := config.LoadOrCreate(*configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := newLogger(*logLevel, cfg.LogLevel())
	if err != nil {
		return err
	}
	slog.SetDefault(log)

	log.Info("starting shunt", "version", version, "config", *configPath)
	if created {
		log.Info("created default configuration file", "path", *configPath)
	}

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The debug listener has no reason to outlive the forwarders.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if *debugListen != "" {
		http.Handle("/metrics", promhttp.Handler())

		ka, err := cfg.KeepAlive()
		if err != nil {
			return err
		}

		debugSrv := &http.Server{Handler: http.DefaultServeMux} //nolint:gosec // Not concerned about timeouts on debug port.
		lc := net.ListenConfig{KeepAliveConfig: ka}
		debugLn, err := lc.Listen(ctx, "tcp", *debugListen)
		if err != nil {
			return fmt.Errorf("debug listen: %w", err)
		}
		context.AfterFunc(ctx, func() {
			_ = debugSrv.Close()
			_ = debugLn.Close()
		})

		g.Go(func() error {
			if err := debugSrv.Serve(debugLn); err != nil {
				return fmt.Errorf("debug serve: %w", err)
			}
			return nil
		})
		log.Info("debug listening", "addr", *debugListen)
	}

	r, err := runner.New(cfg, runner.Config{
		Logger: log,
		Path:   *configPath,
		Watch:  *watch,
	})
	if err != nil {
		return err
	}

	g.Go(func() error {
		defer cancel()
		return r.Run(ctx)
	})

	err = g.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}

	log.Info("shutdown complete")
	return err
}

func newLogger(flagLevel, cfgLevel string) (*slog.Logger, error) {
	s := flagLevel
	if s == "" {
		s = cfgLevel
	}
	level, err := parseLogLevel(s)
	if err != nil {
		return nil, err
	}

	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
	})), nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "error":
		return slog.LevelError, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "debug", "trace":
		return slog.LevelDebug, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}
