package metrics

import (
	"sync"
	"testing"
)

func TestCollector_Counters(t *testing.T) {
	c := NewCollector()

	c.IncSent("audio")
	c.IncSent("transcript")
	c.IncReceived("ack")
	c.IncError("protocol")

	snap := c.Snapshot()
	if snap.MessagesSent != 2 {
		t.Errorf("expected 2 sent, got %d", snap.MessagesSent)
	}
	if snap.MessagesReceived != 1 {
		t.Errorf("expected 1 received, got %d", snap.MessagesReceived)
	}
	if snap.Errors != 1 {
		t.Errorf("expected 1 error, got %d", snap.Errors)
	}
}

func TestCollector_LatencyAverage(t *testing.T) {
	c := NewCollector()

	c.RecordLatency(10)
	c.RecordLatency(20)
	c.RecordLatency(30)

	snap := c.Snapshot()
	if len(snap.LatencySamplesMs) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(snap.LatencySamplesMs))
	}
	if snap.AvgLatencyMs != 20 {
		t.Errorf("expected average 20, got %d", snap.AvgLatencyMs)
	}
}

func TestCollector_LatencyWindowBounded(t *testing.T) {
	c := NewCollector()

	// Fill well past the window; only the newest LatencyWindow samples survive.
	for i := 1; i <= LatencyWindow*3; i++ {
		c.RecordLatency(int64(i))
	}

	snap := c.Snapshot()
	if len(snap.LatencySamplesMs) != LatencyWindow {
		t.Fatalf("expected %d samples, got %d", LatencyWindow, len(snap.LatencySamplesMs))
	}

	// Oldest retained sample is 201, newest is 300, in order.
	if snap.LatencySamplesMs[0] != int64(LatencyWindow*2+1) {
		t.Errorf("expected oldest sample %d, got %d", LatencyWindow*2+1, snap.LatencySamplesMs[0])
	}
	if snap.LatencySamplesMs[LatencyWindow-1] != int64(LatencyWindow*3) {
		t.Errorf("expected newest sample %d, got %d", LatencyWindow*3, snap.LatencySamplesMs[LatencyWindow-1])
	}
}

func TestCollector_EmptySnapshot(t *testing.T) {
	c := NewCollector()

	snap := c.Snapshot()
	if len(snap.LatencySamplesMs) != 0 {
		t.Errorf("expected no samples, got %d", len(snap.LatencySamplesMs))
	}
	if snap.AvgLatencyMs != 0 {
		t.Errorf("expected zero average, got %d", snap.AvgLatencyMs)
	}
	if snap.StartedAt.IsZero() {
		t.Error("expected StartedAt to be set")
	}
}

func TestCollector_ConcurrentAccess(t *testing.T) {
	c := NewCollector()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.IncSent("audio")
				c.RecordLatency(int64(j))
				_ = c.Snapshot()
			}
		}()
	}
	wg.Wait()

	snap := c.Snapshot()
	if snap.MessagesSent != 800 {
		t.Errorf("expected 800 sent, got %d", snap.MessagesSent)
	}
}
