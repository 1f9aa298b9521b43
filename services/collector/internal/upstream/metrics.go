package upstream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "collector", Subsystem: "upstream", Name: "state",
		Help: "Current connector state (0=disconnected .. 5=shutting_down)",
	}, []string{"connector"})

	reconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collector", Subsystem: "upstream", Name: "reconnects_total",
		Help: "Scheduled reconnect attempts",
	}, []string{"connector"})

	heartbeatTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collector", Subsystem: "upstream", Name: "heartbeat_timeouts_total",
		Help: "Pong not received within timeout",
	}, []string{"connector"})

	messages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collector", Subsystem: "upstream", Name: "messages_total",
		Help: "Frames received from upstream",
	}, []string{"connector", "kind"})

	terminalFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collector", Subsystem: "upstream", Name: "terminal_failures_total",
		Help: "Connectors that stopped permanently (exhausted retries or auth error)",
	}, []string{"connector", "reason"})
)
