package forward

// Package forward implements shunt's forwarding engines.
//
// It contains the TCP relay engine, the UDP session multiplexer with its
// idle sweep, and shared connection plumbing such as keepalive listeners,
// buffer pooling, and bidirectional copy.
