// Package transport implements the voicewire streaming transport: a
// single encrypted websocket per session carrying best-effort audio and
// reliable, ordered transcript traffic, with transparent reconnection.
package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/voicewire/voicewire/internal/config"
	"github.com/voicewire/voicewire/internal/metrics"
	"github.com/voicewire/voicewire/pkg/protocol"
	"github.com/voicewire/voicewire/shared/backoff"
	"github.com/voicewire/voicewire/shared/id"
)

// Client is the public face of the transport. It wires the connection
// manager, reliability layer, router, heartbeat monitor and
// conversation queue together and owns their lifecycle.
type Client struct {
	cfg *config.Config

	conn        *Conn
	reliability *Reliability
	heartbeat   *HeartbeatMonitor
	router      *Router
	collector   *metrics.Collector

	// mu guards the parts Connect/Disconnect cycle: the conversation
	// queue is rebuilt on reconnect after Disconnect closed it.
	mu       sync.Mutex
	queue    *ConversationQueue
	hbCancel context.CancelFunc
}

// New builds a client. The key provider is an injected dependency: the
// transport never defaults or hardcodes key material.
func New(cfg *config.Config, keys KeyProvider) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	if keys == nil {
		return nil, fmt.Errorf("nil key provider")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	collector := metrics.NewCollector()
	conn := NewConn(cfg, keys, collector)

	deliveryPolicy := backoff.Policy{
		MaxAttempts:  cfg.Delivery.MaxAttempts,
		BaseInterval: cfg.Delivery.BaseInterval,
		Multiplier:   cfg.Reconnect.BackoffMultiplier,
		JitterFactor: cfg.Reconnect.JitterFactor,
		MaxDelay:     cfg.Delivery.MaxRetryWait,
	}

	reliability := NewReliability(conn, deliveryPolicy, cfg.Delivery.AckTimeout, collector)
	heartbeat := NewHeartbeatMonitor(conn, reliability, collector, cfg.Heartbeat.Interval, cfg.Heartbeat.MaxLatencyMs)
	router := NewRouter(conn, reliability, heartbeat, collector)
	queue := NewConversationQueue(reliability, cfg.Delivery.QueueItemAge, uint(cfg.Delivery.MaxAttempts))

	conn.onMessage = router.Dispatch
	conn.onReconnected = reliability.ResendPending
	conn.onTerminal = func(err error) {
		router.EmitError(err, "connection lost and could not be re-established")
	}
	heartbeat.OnLatencyWarning(func(latencyMs int64) {
		router.EmitError(protocol.ErrRateLimitExceeded,
			fmt.Sprintf("round-trip latency %dms over threshold", latencyMs))
	})

	return &Client{
		cfg:         cfg,
		conn:        conn,
		reliability: reliability,
		heartbeat:   heartbeat,
		router:      router,
		queue:       queue,
		collector:   collector,
	}, nil
}

// Connect establishes the session connection and starts the heartbeat.
// It is a no-op when already connecting or connected. A client that was
// Disconnected can connect again: the conversation queue is rebuilt for
// the new session.
func (c *Client) Connect(ctx context.Context, sessionID string) error {
	if err := c.conn.Connect(ctx, sessionID); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.queue.Closed() {
		c.queue = NewConversationQueue(c.reliability, c.cfg.Delivery.QueueItemAge, uint(c.cfg.Delivery.MaxAttempts))
	}
	if c.hbCancel == nil {
		hbCtx, cancel := context.WithCancel(context.Background())
		c.hbCancel = cancel
		go c.heartbeat.Run(hbCtx)
	}
	return nil
}

// Disconnect tears the session down: state flips to Disconnected
// synchronously, all timers stop, and every in-flight reliable send is
// rejected with ErrConnectionClosed. Best-effort sends in flight are
// simply dropped.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.hbCancel != nil {
		c.hbCancel()
		c.hbCancel = nil
	}
	queue := c.queue
	c.mu.Unlock()

	c.conn.Disconnect()
	c.reliability.FailAll(protocol.ErrConnectionClosed)
	queue.Close()
}

// SendAudioChunk ships one audio chunk best-effort. It never blocks
// longer than a single synchronous dispatch, never waits on the
// reliability layer, and a lost chunk is never retried.
func (c *Client) SendAudioChunk(data []byte) error {
	return c.reliability.SendBestEffort(protocol.TypeAudio, id.NewMessage(), data)
}

// SendTranscript enqueues a user transcript turn for reliable, ordered
// delivery. It blocks until the turn is confirmed or terminally failed.
func (c *Client) SendTranscript(ctx context.Context, text string) error {
	c.mu.Lock()
	queue := c.queue
	c.mu.Unlock()

	return queue.Enqueue(ctx, &protocol.Transcript{
		Role:  "user",
		Text:  text,
		Final: true,
	})
}

// State returns the current connection state.
func (c *Client) State() ConnectionState { return c.conn.State() }

// Metrics returns a read-only snapshot of connection metrics.
func (c *Client) Metrics() metrics.Snapshot { return c.collector.Snapshot() }

// Listener registration. Each returns the unregister function.

func (c *Client) OnTranscript(fn func(*protocol.Transcript)) func() { return c.router.OnTranscript(fn) }
func (c *Client) OnAudio(fn func(AudioChunk)) func()                { return c.router.OnAudio(fn) }
func (c *Client) OnError(fn func(StructuredError)) func()           { return c.router.OnError(fn) }
func (c *Client) OnStateChange(fn func(ConnectionState)) func()     { return c.conn.OnStateChange(fn) }
func (c *Client) OnReconnectAttempt(fn func(int)) func()            { return c.conn.OnReconnectAttempt(fn) }

// WaitForState blocks until the connection reaches the given state or
// the timeout elapses. Mostly useful in tests and small tools.
func (c *Client) WaitForState(state ConnectionState, timeout time.Duration) bool {
	if c.conn.State() == state {
		return true
	}

	done := make(chan struct{}, 1)
	var once func()
	once = c.conn.OnStateChange(func(s ConnectionState) {
		if s == state {
			select {
			case done <- struct{}{}:
			default:
			}
		}
	})
	defer once()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return c.conn.State() == state
	}
}
