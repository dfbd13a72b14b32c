package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicewire_messages_sent_total",
		Help: "Total number of envelopes sent",
	}, []string{"type"})

	MessagesReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicewire_messages_received_total",
		Help: "Total number of envelopes received",
	}, []string{"type"})

	ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicewire_errors_total",
		Help: "Total transport errors by class",
	}, []string{"class"})

	ReconnectAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicewire_reconnect_attempts_total",
		Help: "Total reconnection attempts",
	})

	DeliveryRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicewire_delivery_retries_total",
		Help: "Total reliable-send retries",
	})

	HeartbeatLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voicewire_heartbeat_latency_seconds",
		Help:    "Round-trip latency measured from heartbeat echoes",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	})
)
