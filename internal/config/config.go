// Package config loads and validates shunt's TOML configuration.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/die-net/shunt/internal/dialer"
	"github.com/die-net/shunt/internal/forward"
)

// Config is the on-disk shape of a shunt configuration file.
type Config struct {
	Global *Global   `toml:"global"`
	TCP    []TCPRule `toml:"tcp"`
	UDP    []UDPRule `toml:"udp"`
}

// Global holds process-wide settings shared by every rule.
type Global struct {
	// LogLevel is one of error, warn, info, debug, or trace.
	LogLevel string `toml:"log_level"`

	// BufferSize is the relay copy buffer size in bytes.
	BufferSize int `toml:"buffer_size"`

	// TCPKeepAlive is "on", "off", or "keepidle:keepintvl:keepcnt" in
	// seconds, applied to accepted and dialed TCP connections.
	TCPKeepAlive string `toml:"tcp_keepalive"`

	// ReusePort sets SO_REUSEPORT on listening sockets where available.
	ReusePort bool `toml:"reuse_port"`

	// UDPSocketBuffer resizes kernel buffers on UDP listening sockets.
	UDPSocketBuffer int `toml:"udp_socket_buffer"`
}

// TCPRule is one TCP bind→target forwarding rule.
type TCPRule struct {
	BindAddr   string `toml:"bind_addr"`
	BindPort   uint16 `toml:"bind_port"`
	TargetAddr string `toml:"target_addr"`
	TargetPort uint16 `toml:"target_port"`

	// Name labels log lines and metrics. Optional.
	Name string `toml:"name"`

	// Via routes the target dial through an upstream, e.g.
	// "socks5://127.0.0.1:1080". Empty means a direct dial.
	Via string `toml:"via"`
}

// UDPRule is one UDP bind→target forwarding rule.
type UDPRule struct {
	BindAddr   string `toml:"bind_addr"`
	BindPort   uint16 `toml:"bind_port"`
	TargetAddr string `toml:"target_addr"`
	TargetPort uint16 `toml:"target_port"`

	// Name labels log lines and metrics. Optional.
	Name string `toml:"name"`

	// Timeout is the session idle timeout in seconds. Zero means the
	// engine default.
	Timeout int `toml:"timeout"`
}

// Load reads and decodes the TOML file at path. It does not validate; call
// Validate on the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	return &cfg, nil
}

// LoadOrCreate loads path, first writing the default configuration there
// when no file exists yet. created reports whether it wrote the file.
func LoadOrCreate(path string) (cfg *Config, created bool, err error) {
	_, err = os.Stat(path)
	switch {
	case err == nil:
		cfg, err = Load(path)
		return cfg, false, err
	case errors.Is(err, os.ErrNotExist):
		if err := WriteDefault(path); err != nil {
			return nil, false, err
		}
		return Default(), true, nil
	default:
		return nil, false, fmt.Errorf("stat config: %w", err)
	}
}

// Check loads and validates path.
func Check(path string) error {
	cfg, err := Load(path)
	if err != nil {
		return err
	}
	return cfg.Validate()
}

// Validate checks every rule and global setting, naming the first
// offender.
func (c *Config) Validate() error {
	if _, err := c.KeepAlive(); err != nil {
		return fmt.Errorf("global tcp_keepalive: %w", err)
	}
	if c.Global != nil && c.Global.BufferSize < 0 {
		return errors.New("global buffer_size: must be >= 0")
	}

	for i := range c.TCP {
		if err := c.TCP[i].Validate(); err != nil {
			return fmt.Errorf("tcp rule %q: %w", c.TCP[i].RuleName(), err)
		}
	}
	for i := range c.UDP {
		if err := c.UDP[i].Validate(); err != nil {
			return fmt.Errorf("udp rule %q: %w", c.UDP[i].RuleName(), err)
		}
	}
	return nil
}

// BufferSize returns the configured relay buffer size, falling back to the
// engine default.
func (c *Config) BufferSize() int {
	if c.Global != nil && c.Global.BufferSize > 0 {
		return c.Global.BufferSize
	}
	return forward.DefaultBufferSize
}

// LogLevel returns the configured log level, or "" when unset.
func (c *Config) LogLevel() string {
	if c.Global == nil {
		return ""
	}
	return c.Global.LogLevel
}

// ReusePort reports whether listeners should set SO_REUSEPORT.
func (c *Config) ReusePort() bool {
	return c.Global != nil && c.Global.ReusePort
}

// UDPSocketBuffer returns the UDP socket buffer size, or 0 for the OS
// default.
func (c *Config) UDPSocketBuffer() int {
	if c.Global == nil {
		return 0
	}
	return c.Global.UDPSocketBuffer
}

// Rules returns how many forwarding rules are configured.
func (c *Config) Rules() int {
	return len(c.TCP) + len(c.UDP)
}

func (r *TCPRule) Validate() error {
	if _, err := r.BindAddrPort(); err != nil {
		return fmt.Errorf("bind: %w", err)
	}
	if _, err := r.TargetAddrPort(); err != nil {
		return fmt.Errorf("target: %w", err)
	}
	if r.Via != "" {
		if _, err := dialer.New(dialer.Config{}, r.Via); err != nil {
			return fmt.Errorf("via: %w", err)
		}
	}
	return nil
}

// BindAddrPort parses the rule's bind endpoint. Hostnames are rejected;
// rules name concrete IPs.
func (r *TCPRule) BindAddrPort() (netip.AddrPort, error) {
	return parseAddrPort(r.BindAddr, r.BindPort)
}

// TargetAddrPort parses the rule's target endpoint.
func (r *TCPRule) TargetAddrPort() (netip.AddrPort, error) {
	return parseAddrPort(r.TargetAddr, r.TargetPort)
}

// RuleName returns the configured name, or a label derived from the
// endpoints.
func (r *TCPRule) RuleName() string {
	if r.Name != "" {
		return r.Name
	}
	return fmt.Sprintf("tcp_%s:%d_to_%s:%d", r.BindAddr, r.BindPort, r.TargetAddr, r.TargetPort)
}

func (r *UDPRule) Validate() error {
	if _, err := r.BindAddrPort(); err != nil {
		return fmt.Errorf("bind: %w", err)
	}
	if _, err := r.TargetAddrPort(); err != nil {
		return fmt.Errorf("target: %w", err)
	}
	if r.Timeout < 0 {
		return errors.New("timeout: must be >= 0")
	}
	return nil
}

// BindAddrPort parses the rule's bind endpoint.
func (r *UDPRule) BindAddrPort() (netip.AddrPort, error) {
	return parseAddrPort(r.BindAddr, r.BindPort)
}

// TargetAddrPort parses the rule's target endpoint.
func (r *UDPRule) TargetAddrPort() (netip.AddrPort, error) {
	return parseAddrPort(r.TargetAddr, r.TargetPort)
}

// IdleTimeout returns the configured session idle timeout, or 0 when the
// engine default should apply.
func (r *UDPRule) IdleTimeout() time.Duration {
	return time.Duration(r.Timeout) * time.Second
}

// RuleName returns the configured name, or a label derived from the
// endpoints.
func (r *UDPRule) RuleName() string {
	if r.Name != "" {
		return r.Name
	}
	return fmt.Sprintf("udp_%s:%d_to_%s:%d", r.BindAddr, r.BindPort, r.TargetAddr, r.TargetPort)
}

func parseAddrPort(addr string, port uint16) (netip.AddrPort, error) {
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("address %q: %w", addr, err)
	}
	return netip.AddrPortFrom(ip, port), nil
}
