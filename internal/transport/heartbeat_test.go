package transport

import (
	"testing"
	"time"

	"github.com/voicewire/voicewire/internal/metrics"
	"github.com/voicewire/voicewire/pkg/protocol"
)

func TestHeartbeatMonitor_Observe_RecordsLatency(t *testing.T) {
	collector := metrics.NewCollector()
	h := NewHeartbeatMonitor(nil, nil, collector, time.Minute, 500)

	env := &protocol.Envelope{
		Type:      protocol.TypeHeartbeat,
		MessageID: "msg_hb",
		Timestamp: time.Now().Add(-50 * time.Millisecond).UnixMilli(),
	}
	h.Observe(env)

	snap := collector.Snapshot()
	if len(snap.LatencySamplesMs) != 1 {
		t.Fatalf("expected 1 latency sample, got %d", len(snap.LatencySamplesMs))
	}
	if snap.LatencySamplesMs[0] < 40 || snap.LatencySamplesMs[0] > 500 {
		t.Errorf("implausible latency sample: %d", snap.LatencySamplesMs[0])
	}
}

func TestHeartbeatMonitor_Observe_ThresholdBreach(t *testing.T) {
	collector := metrics.NewCollector()
	h := NewHeartbeatMonitor(nil, nil, collector, time.Minute, 10)

	var warned []int64
	h.OnLatencyWarning(func(latencyMs int64) {
		warned = append(warned, latencyMs)
	})

	env := &protocol.Envelope{
		Type:      protocol.TypeHeartbeat,
		MessageID: "msg_hb",
		Timestamp: time.Now().Add(-100 * time.Millisecond).UnixMilli(),
	}
	h.Observe(env)

	if len(warned) != 1 {
		t.Fatalf("expected 1 warning, got %d", len(warned))
	}
	if warned[0] < 90 {
		t.Errorf("expected warning latency >= 90ms, got %d", warned[0])
	}
	if collector.Snapshot().Errors != 1 {
		t.Errorf("expected the breach counted as an error")
	}
}

func TestHeartbeatMonitor_Observe_SkipsBadTimestamps(t *testing.T) {
	collector := metrics.NewCollector()
	h := NewHeartbeatMonitor(nil, nil, collector, time.Minute, 500)

	// Missing timestamp.
	h.Observe(&protocol.Envelope{Type: protocol.TypeAck, MessageID: "msg_1"})
	// Sender clock ahead of ours; a negative latency is meaningless.
	h.Observe(&protocol.Envelope{
		Type:      protocol.TypeAck,
		MessageID: "msg_2",
		Timestamp: time.Now().Add(time.Minute).UnixMilli(),
	})

	if n := len(collector.Snapshot().LatencySamplesMs); n != 0 {
		t.Errorf("expected no samples, got %d", n)
	}
}

func TestHeartbeatMonitor_Observe_UnderThresholdNoWarning(t *testing.T) {
	collector := metrics.NewCollector()
	h := NewHeartbeatMonitor(nil, nil, collector, time.Minute, 10_000)

	warned := false
	h.OnLatencyWarning(func(int64) { warned = true })

	h.Observe(&protocol.Envelope{
		Type:      protocol.TypeHeartbeat,
		MessageID: "msg_hb",
		Timestamp: time.Now().UnixMilli(),
	})

	if warned {
		t.Error("unexpected warning under threshold")
	}
}
