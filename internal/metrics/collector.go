// Package metrics aggregates transport counters and latency samples.
// The collector owns its state exclusively; callers only ever see
// read-only snapshots.
package metrics

import (
	"sync"
	"time"
)

// LatencyWindow is the number of round-trip samples retained.
const LatencyWindow = 100

// Collector accumulates connection metrics. Safe for concurrent use.
type Collector struct {
	mu sync.Mutex

	latency   []int64 // ring buffer, ms
	latencyAt int     // next write position
	full      bool

	messagesSent     uint64
	messagesReceived uint64
	errors           uint64
	startedAt        time.Time
}

// Snapshot is a value copy of the collector state at one instant.
type Snapshot struct {
	LatencySamplesMs []int64
	AvgLatencyMs     int64
	MessagesSent     uint64
	MessagesReceived uint64
	Errors           uint64
	StartedAt        time.Time
	Uptime           time.Duration
}

func NewCollector() *Collector {
	return &Collector{
		latency:   make([]int64, LatencyWindow),
		startedAt: time.Now(),
	}
}

// RecordLatency appends a round-trip sample, evicting the oldest once
// the window is full.
func (c *Collector) RecordLatency(ms int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.latency[c.latencyAt] = ms
	c.latencyAt = (c.latencyAt + 1) % LatencyWindow
	if c.latencyAt == 0 {
		c.full = true
	}

	HeartbeatLatency.Observe(float64(ms) / 1000)
}

func (c *Collector) IncSent(msgType string) {
	c.mu.Lock()
	c.messagesSent++
	c.mu.Unlock()
	MessagesSentTotal.WithLabelValues(msgType).Inc()
}

func (c *Collector) IncReceived(msgType string) {
	c.mu.Lock()
	c.messagesReceived++
	c.mu.Unlock()
	MessagesReceivedTotal.WithLabelValues(msgType).Inc()
}

func (c *Collector) IncError(class string) {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
	ErrorsTotal.WithLabelValues(class).Inc()
}

// Snapshot returns a copy of the current state. The latency slice is
// ordered oldest to newest.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	var samples []int64
	if c.full {
		samples = make([]int64, 0, LatencyWindow)
		samples = append(samples, c.latency[c.latencyAt:]...)
		samples = append(samples, c.latency[:c.latencyAt]...)
	} else {
		samples = append([]int64(nil), c.latency[:c.latencyAt]...)
	}

	var avg int64
	if len(samples) > 0 {
		var sum int64
		for _, s := range samples {
			sum += s
		}
		avg = sum / int64(len(samples))
	}

	return Snapshot{
		LatencySamplesMs: samples,
		AvgLatencyMs:     avg,
		MessagesSent:     c.messagesSent,
		MessagesReceived: c.messagesReceived,
		Errors:           c.errors,
		StartedAt:        c.startedAt,
		Uptime:           time.Since(c.startedAt),
	}
}
