package transport

import (
	"context"
	"log/slog"
	"time"

	"github.com/voicewire/voicewire/internal/metrics"
	"github.com/voicewire/voicewire/pkg/protocol"
	"github.com/voicewire/voicewire/shared/id"
)

// HeartbeatMonitor emits liveness probes on a fixed interval while the
// connection is up and derives round-trip latency from inbound
// envelopes. A latency breach is advisory only; it never tears the
// connection down.
type HeartbeatMonitor struct {
	conn        *Conn
	reliability *Reliability
	metrics     *metrics.Collector

	interval     time.Duration
	maxLatencyMs int64
	startedAt    time.Time

	warnings listenerSet[int64] // latency in ms
}

func NewHeartbeatMonitor(conn *Conn, reliability *Reliability, collector *metrics.Collector, interval time.Duration, maxLatencyMs int64) *HeartbeatMonitor {
	return &HeartbeatMonitor{
		conn:         conn,
		reliability:  reliability,
		metrics:      collector,
		interval:     interval,
		maxLatencyMs: maxLatencyMs,
		startedAt:    time.Now(),
	}
}

// OnLatencyWarning registers a listener for threshold breaches.
func (h *HeartbeatMonitor) OnLatencyWarning(fn func(latencyMs int64)) (unsubscribe func()) {
	return h.warnings.Add(fn)
}

// Run probes until ctx is cancelled. Probes only fire while Connected;
// a tick during reconnection is skipped, not queued.
func (h *HeartbeatMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if h.conn.State() != StateConnected {
				continue
			}
			h.probe(ctx)
		}
	}
}

// probe submits one heartbeat through the reliable send path. The probe
// itself is disposable: a lost heartbeat is superseded by the next
// tick, so delivery failures are only logged.
func (h *HeartbeatMonitor) probe(ctx context.Context) {
	now := time.Now()
	body, err := protocol.EncodeBody(&protocol.Heartbeat{
		ClockMs:  now.UnixMilli(),
		UptimeMs: now.Sub(h.startedAt).Milliseconds(),
	})
	if err != nil {
		slog.Error("heartbeat: encode failed", "error", err)
		return
	}

	go func() {
		probeCtx, cancel := context.WithTimeout(ctx, h.interval)
		defer cancel()

		if err := h.reliability.SendReliable(probeCtx, protocol.TypeHeartbeat, id.NewMessage(), body); err != nil {
			slog.Debug("heartbeat: probe unacknowledged", "error", err)
		}
	}()
}

// Observe derives latency from any inbound envelope's sender timestamp
// and records it in the bounded sample window.
func (h *HeartbeatMonitor) Observe(env *protocol.Envelope) {
	if env.Timestamp <= 0 {
		return
	}
	latency := time.Now().UnixMilli() - env.Timestamp
	if latency < 0 {
		return
	}

	h.metrics.RecordLatency(latency)

	if h.maxLatencyMs > 0 && latency > h.maxLatencyMs {
		slog.Warn("heartbeat: latency threshold breached", "latency_ms", latency, "threshold_ms", h.maxLatencyMs)
		h.metrics.IncError("rate_limit")
		h.warnings.Emit(latency)
	}
}
