package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Sessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gateway", Name: "sessions_active",
		Help: "Currently connected client sessions",
	})

	Rejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway", Name: "handshakes_rejected_total",
		Help: "Client handshakes rejected before upgrade",
	}, []string{"reason"})

	Delivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway", Name: "events_delivered_total",
		Help: "Domain events enqueued to client sessions",
	}, []string{"type"})

	Dropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway", Name: "messages_dropped_total",
		Help: "Outbound messages dropped for a session",
	}, []string{"reason"})

	Commands = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway", Name: "commands_total",
		Help: "Client commands received",
	}, []string{"command"})

	Closed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway", Name: "sessions_closed_total",
		Help: "Client sessions closed",
	}, []string{"reason"})

	TokensActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gateway", Name: "tokens_active",
		Help: "Tokens held in memory",
	})
)
