package dialer

// Package dialer provides outbound dialing implementations used by shunt.
//
// Dialers implement a small interface (DialContext) and are used by the
// forwarding engines to establish outbound connections to a rule's target,
// either directly or via an upstream SOCKS5 proxy.
