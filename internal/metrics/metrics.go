package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatflow_messages_ingested_total",
		Help: "Inbound messages persisted, by type.",
	}, []string{"type"})

	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatflow_messages_sent_total",
		Help: "Outbound messages acknowledged by the transport.",
	})

	FlowExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatflow_flow_executions_total",
		Help: "Flow engine passes, by outcome (completed, waiting, aborted).",
	}, []string{"outcome"})

	ConnectedSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatflow_connected_sessions",
		Help: "Tenant sessions currently in the connected state.",
	})
)
