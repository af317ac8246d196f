package runner

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/die-net/shunt/internal/config"
	"github.com/die-net/shunt/internal/testutil"
)

func startRunner(t *testing.T, cfg *config.Config, opts Config) context.CancelFunc {
	t.Helper()

	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	r, err := New(cfg, opts)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("runner stopped with error: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("runner did not stop")
		}
	})

	return cancel
}

func tcpPort(t *testing.T, ln net.Listener) uint16 {
	t.Helper()

	addr, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		t.Fatalf("unexpected listener address %v", ln.Addr())
	}
	return uint16(addr.Port)
}

func TestNewRejectsNilConfig(t *testing.T) {
	t.Parallel()

	if _, err := New(nil, Config{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestRunnerNoRules(t *testing.T) {
	t.Parallel()

	r, err := New(&config.Config{}, Config{Logger: slog.New(slog.DiscardHandler)})
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("runner with no rules did not return")
	}
}

func TestRunnerForwardsTCP(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	echo := testutil.StartEchoTCPServer(t, ctx)
	bindPort := testutil.FreeTCPPort(t)

	cfg := &config.Config{TCP: []config.TCPRule{{
		BindAddr:   "127.0.0.1",
		BindPort:   uint16(bindPort),
		TargetAddr: "127.0.0.1",
		TargetPort: tcpPort(t, echo),
		Name:       "echo",
	}}}
	startRunner(t, cfg, Config{})

	conn := testutil.WaitForTCP(t, fmt.Sprintf("127.0.0.1:%d", bindPort), 2*time.Second)
	defer conn.Close()

	testutil.AssertEcho(t, conn, conn, []byte("hello runner"))
}

func TestRunnerForwardsUDP(t *testing.T) {
	t.Parallel()

	echo, _ := testutil.StartEchoUDPServer(t)
	echoAddr, ok := echo.LocalAddr().(*net.UDPAddr)
	if !ok {
		t.Fatalf("unexpected local address %v", echo.LocalAddr())
	}
	bindPort := testutil.FreeUDPPort(t)

	cfg := &config.Config{UDP: []config.UDPRule{{
		BindAddr:   "127.0.0.1",
		BindPort:   uint16(bindPort),
		TargetAddr: "127.0.0.1",
		TargetPort: uint16(echoAddr.Port),
		Name:       "echo",
		Timeout:    30,
	}}}
	startRunner(t, cfg, Config{})

	client, err := net.Dial("udp", fmt.Sprintf("127.0.0.1:%d", bindPort))
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	// The forwarder binds asynchronously, so retry until a datagram makes
	// the round trip.
	buf := make([]byte, 16)
	testutil.Eventually(t, 2*time.Second, func() bool {
		if _, err := client.Write([]byte("ping")); err != nil {
			return false
		}
		_ = client.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, err := client.Read(buf)
		return err == nil && string(buf[:n]) == "ping"
	})
}

func TestRunnerIsolatesFailingRule(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer occupied.Close()

	echo := testutil.StartEchoTCPServer(t, ctx)
	goodPort := testutil.FreeTCPPort(t)

	cfg := &config.Config{TCP: []config.TCPRule{
		{
			BindAddr:   "127.0.0.1",
			BindPort:   tcpPort(t, occupied),
			TargetAddr: "127.0.0.1",
			TargetPort: tcpPort(t, echo),
			Name:       "conflicted",
		},
		{
			BindAddr:   "127.0.0.1",
			BindPort:   uint16(goodPort),
			TargetAddr: "127.0.0.1",
			TargetPort: tcpPort(t, echo),
			Name:       "good",
		},
	}}
	startRunner(t, cfg, Config{})

	conn := testutil.WaitForTCP(t, fmt.Sprintf("127.0.0.1:%d", goodPort), 2*time.Second)
	defer conn.Close()

	testutil.AssertEcho(t, conn, conn, []byte("still here"))
}

func TestRunnerSkipsUnbuildableRule(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	echo := testutil.StartEchoTCPServer(t, ctx)
	goodPort := testutil.FreeTCPPort(t)

	cfg := &config.Config{TCP: []config.TCPRule{
		{
			BindAddr:   "localhost",
			BindPort:   1,
			TargetAddr: "127.0.0.1",
			TargetPort: tcpPort(t, echo),
			Name:       "hostname",
		},
		{
			BindAddr:   "127.0.0.1",
			BindPort:   uint16(goodPort),
			TargetAddr: "127.0.0.1",
			TargetPort: tcpPort(t, echo),
			Name:       "good",
		},
	}}
	startRunner(t, cfg, Config{})

	conn := testutil.WaitForTCP(t, fmt.Sprintf("127.0.0.1:%d", goodPort), 2*time.Second)
	defer conn.Close()

	testutil.AssertEcho(t, conn, conn, []byte("skipped the bad one"))
}

func TestRunnerViaSOCKS5(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	proxy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer proxy.Close()
	go func() {
		for {
			c, err := proxy.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_ = testutil.HandleSOCKS5Connect(ctx, c, "", "")
			}()
		}
	}()

	echo := testutil.StartEchoTCPServer(t, ctx)
	bindPort := testutil.FreeTCPPort(t)

	cfg := &config.Config{TCP: []config.TCPRule{{
		BindAddr:   "127.0.0.1",
		BindPort:   uint16(bindPort),
		TargetAddr: "127.0.0.1",
		TargetPort: tcpPort(t, echo),
		Name:       "proxied",
		Via:        "socks5://" + proxy.Addr().String(),
	}}}
	startRunner(t, cfg, Config{})

	conn := testutil.WaitForTCP(t, fmt.Sprintf("127.0.0.1:%d", bindPort), 2*time.Second)
	defer conn.Close()

	testutil.AssertEcho(t, conn, conn, []byte("through the proxy"))
}

func writeRuleFile(t *testing.T, path string, bindPort, targetPort uint16) {
	t.Helper()

	body := fmt.Sprintf(
		"[[tcp]]\nbind_addr = \"127.0.0.1\"\nbind_port = %d\ntarget_addr = \"127.0.0.1\"\ntarget_port = %d\nname = \"reloaded\"\n",
		bindPort, targetPort)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestRunnerWatchReload(t *testing.T) {
	if testing.Short() {
		t.Skip("watches the filesystem")
	}
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	echo := testutil.StartEchoTCPServer(t, ctx)
	portA := uint16(testutil.FreeTCPPort(t))
	portB := uint16(testutil.FreeTCPPort(t))

	path := filepath.Join(t.TempDir(), "shunt.toml")
	writeRuleFile(t, path, portA, tcpPort(t, echo))

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	startRunner(t, cfg, Config{Path: path, Watch: true})

	conn := testutil.WaitForTCP(t, fmt.Sprintf("127.0.0.1:%d", portA), 2*time.Second)
	testutil.AssertEcho(t, conn, conn, []byte("first generation"))
	conn.Close()

	writeRuleFile(t, path, portB, tcpPort(t, echo))

	conn = testutil.WaitForTCP(t, fmt.Sprintf("127.0.0.1:%d", portB), 5*time.Second)
	defer conn.Close()
	testutil.AssertEcho(t, conn, conn, []byte("second generation"))

	// The old generation is torn down before the new one starts.
	if c, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", portA), time.Second); err == nil {
		c.Close()
		t.Fatal("old rule still accepting after reload")
	}
}

func TestRunnerWatchRepeatedReloads(t *testing.T) {
	if testing.Short() {
		t.Skip("watches the filesystem")
	}
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	echo := testutil.StartEchoTCPServer(t, ctx)
	targetPort := tcpPort(t, echo)

	path := filepath.Join(t.TempDir(), "shunt.toml")
	port := uint16(testutil.FreeTCPPort(t))
	writeRuleFile(t, path, port, targetPort)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	startRunner(t, cfg, Config{Path: path, Watch: true})

	conn := testutil.WaitForTCP(t, fmt.Sprintf("127.0.0.1:%d", port), 2*time.Second)
	testutil.AssertEcho(t, conn, conn, []byte("generation 0"))
	conn.Close()

	// Each rewrite lands while the previous generation is still serving, so
	// the swap to the new rule set keeps overlapping a live engine build.
	for i := 1; i <= 3; i++ {
		port = uint16(testutil.FreeTCPPort(t))
		writeRuleFile(t, path, port, targetPort)

		conn := testutil.WaitForTCP(t, fmt.Sprintf("127.0.0.1:%d", port), 5*time.Second)
		testutil.AssertEcho(t, conn, conn, []byte(fmt.Sprintf("generation %d", i)))
		conn.Close()
	}
}

type syncBuffer struct {
	mu sync.Mutex
	b  strings.Builder
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func TestRunnerWatchKeepsRulesOnBadReload(t *testing.T) {
	if testing.Short() {
		t.Skip("watches the filesystem")
	}
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	echo := testutil.StartEchoTCPServer(t, ctx)
	port := uint16(testutil.FreeTCPPort(t))

	path := filepath.Join(t.TempDir(), "shunt.toml")
	writeRuleFile(t, path, port, tcpPort(t, echo))

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}

	logBuf := &syncBuffer{}
	log := slog.New(slog.NewTextHandler(logBuf, nil))
	startRunner(t, cfg, Config{Logger: log, Path: path, Watch: true})

	conn := testutil.WaitForTCP(t, fmt.Sprintf("127.0.0.1:%d", port), 2*time.Second)
	testutil.AssertEcho(t, conn, conn, []byte("before"))
	conn.Close()

	if err := os.WriteFile(path, []byte("[[tcp]\nnot toml"), 0o644); err != nil {
		t.Fatal(err)
	}
	testutil.Eventually(t, 5*time.Second, func() bool {
		return strings.Contains(logBuf.String(), "config reload failed")
	})

	conn = testutil.WaitForTCP(t, fmt.Sprintf("127.0.0.1:%d", port), 2*time.Second)
	defer conn.Close()
	testutil.AssertEcho(t, conn, conn, []byte("after"))
}
