package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/die-net/shunt/internal/forward"
)

// Default returns the example configuration written by --init: two local
// TCP rules and a DNS UDP rule, ready to edit.
func Default() *Config {
	return &Config{
		Global: &Global{
			LogLevel:   "info",
			BufferSize: forward.DefaultBufferSize,
		},
		TCP: []TCPRule{
			{
				BindAddr:   "127.0.0.1",
				BindPort:   8080,
				TargetAddr: "127.0.0.1",
				TargetPort: 80,
				Name:       "web_proxy_example",
			},
			{
				BindAddr:   "127.0.0.1",
				BindPort:   2222,
				TargetAddr: "127.0.0.1",
				TargetPort: 22,
				Name:       "ssh_proxy_example",
			},
		},
		UDP: []UDPRule{
			{
				BindAddr:   "127.0.0.1",
				BindPort:   5353,
				TargetAddr: "8.8.8.8",
				TargetPort: 53,
				Name:       "dns_proxy_example",
				Timeout:    30,
			},
		},
	}
}

// WriteDefault renders the default configuration, with explanatory
// comments, to path. The TOML encoder can't emit comments, so the
// document is assembled by hand.
func WriteDefault(path string) error {
	if err := os.WriteFile(path, []byte(Default().commented()), 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func (c *Config) commented() string {
	var b strings.Builder

	b.WriteString("# shunt configuration\n")
	b.WriteString("# TCP/UDP port forwarding rules\n\n")

	if c.Global != nil {
		b.WriteString("[global]\n")
		b.WriteString("# Log level: error, warn, info, debug, trace\n")
		fmt.Fprintf(&b, "log_level = %q\n", c.Global.LogLevel)
		b.WriteString("# Buffer size for data transfer, in bytes\n")
		fmt.Fprintf(&b, "buffer_size = %d\n", c.Global.BufferSize)
		b.WriteString("# Less common knobs:\n")
		b.WriteString("# tcp_keepalive = \"45:45:3\"   # on|off|keepidle:keepintvl:keepcnt\n")
		b.WriteString("# reuse_port = true           # SO_REUSEPORT, for zero-downtime restarts\n")
		b.WriteString("# udp_socket_buffer = 4194304\n")
		b.WriteString("\n")
	}

	for _, r := range c.TCP {
		b.WriteString("[[tcp]]\n")
		b.WriteString("# Local address to bind (\"0.0.0.0\" for all interfaces)\n")
		fmt.Fprintf(&b, "bind_addr = %q\n", r.BindAddr)
		fmt.Fprintf(&b, "bind_port = %d\n", r.BindPort)
		b.WriteString("# Where to forward connections\n")
		fmt.Fprintf(&b, "target_addr = %q\n", r.TargetAddr)
		fmt.Fprintf(&b, "target_port = %d\n", r.TargetPort)
		if r.Name != "" {
			b.WriteString("# Rule name for logs and metrics\n")
			fmt.Fprintf(&b, "name = %q\n", r.Name)
		}
		if r.Via != "" {
			b.WriteString("# Upstream proxy for the target dial\n")
			fmt.Fprintf(&b, "via = %q\n", r.Via)
		} else {
			b.WriteString("# Optionally dial the target through an upstream proxy:\n")
			b.WriteString("# via = \"socks5://127.0.0.1:1080\"\n")
		}
		b.WriteString("\n")
	}

	for _, r := range c.UDP {
		b.WriteString("[[udp]]\n")
		b.WriteString("# Local address to bind (\"0.0.0.0\" for all interfaces)\n")
		fmt.Fprintf(&b, "bind_addr = %q\n", r.BindAddr)
		fmt.Fprintf(&b, "bind_port = %d\n", r.BindPort)
		b.WriteString("# Where to forward datagrams\n")
		fmt.Fprintf(&b, "target_addr = %q\n", r.TargetAddr)
		fmt.Fprintf(&b, "target_port = %d\n", r.TargetPort)
		if r.Name != "" {
			b.WriteString("# Rule name for logs and metrics\n")
			fmt.Fprintf(&b, "name = %q\n", r.Name)
		}
		b.WriteString("# Session idle timeout, in seconds\n")
		fmt.Fprintf(&b, "timeout = %d\n", r.Timeout)
		b.WriteString("\n")
	}

	return b.String()
}
