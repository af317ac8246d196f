package forward

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tcpConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shunt_tcp_connections_total",
			Help: "TCP connections accepted, by rule",
		},
		[]string{"rule"},
	)

	tcpOpenConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shunt_tcp_open_connections",
			Help: "TCP connections currently being relayed, by rule",
		},
		[]string{"rule"},
	)

	tcpDialErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shunt_tcp_dial_errors_total",
			Help: "Failed dials to a rule's target",
		},
		[]string{"rule"},
	)

	udpSessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shunt_udp_sessions_total",
			Help: "UDP sessions created, by rule",
		},
		[]string{"rule"},
	)

	udpOpenSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shunt_udp_open_sessions",
			Help: "UDP sessions currently tracked, by rule",
		},
		[]string{"rule"},
	)

	bytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shunt_bytes_total",
			Help: "Bytes relayed, by rule and direction",
		},
		[]string{"rule", "direction"},
	)
)

const (
	directionClientToTarget = "client_to_target"
	directionTargetToClient = "target_to_client"
)
