package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicewire/voicewire/internal/config"
	"github.com/voicewire/voicewire/internal/metrics"
	"github.com/voicewire/voicewire/internal/seal"
	"github.com/voicewire/voicewire/pkg/protocol"
	"github.com/voicewire/voicewire/shared/backoff"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
)

// KeyProvider supplies the symmetric key material for a session. It is
// called on every full (re)connection so keys rotate per connection
// epoch and are never reused across sessions.
type KeyProvider interface {
	SessionKey(ctx context.Context, sessionID string) ([]byte, error)
}

// KeyProviderFunc adapts a function to the KeyProvider interface.
type KeyProviderFunc func(ctx context.Context, sessionID string) ([]byte, error)

func (f KeyProviderFunc) SessionKey(ctx context.Context, sessionID string) ([]byte, error) {
	return f(ctx, sessionID)
}

// Conn owns the live socket handle and the connection state machine.
// All structural transitions are serialized behind its mutex; no other
// component touches the socket.
type Conn struct {
	cfg    *config.Config
	keys   KeyProvider
	policy backoff.Policy

	mu        sync.RWMutex
	state     ConnectionState
	ws        *websocket.Conn
	pipeline  *Pipeline
	sessionID string
	epoch     uint64
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex
	seq     atomic.Uint64 // audio sequence, resets each epoch

	stateListeners   listenerSet[ConnectionState]
	attemptListeners listenerSet[int]

	// onMessage receives every decoded inbound envelope (the router).
	onMessage func(*protocol.Envelope)
	// onReconnected fires after a successful transparent reconnection,
	// before any new traffic; the reliability layer resends pending here.
	onReconnected func()
	// onTerminal fires exactly once per exhausted reconnection cycle.
	onTerminal func(error)

	metrics *metrics.Collector
}

func NewConn(cfg *config.Config, keys KeyProvider, collector *metrics.Collector) *Conn {
	return &Conn{
		cfg:  cfg,
		keys: keys,
		policy: backoff.Policy{
			MaxAttempts:     cfg.Reconnect.MaxAttempts,
			BaseInterval:    cfg.Reconnect.BaseInterval,
			Multiplier:      cfg.Reconnect.BackoffMultiplier,
			JitterFactor:    cfg.Reconnect.JitterFactor,
			MaxDelay:        cfg.Reconnect.MaxRetryDuration,
			FailoverRegions: cfg.Server.FailoverRegions,
		},
		state:   StateDisconnected,
		metrics: collector,
	}
}

// OnStateChange registers a state listener and returns its unregister
// function.
func (c *Conn) OnStateChange(fn func(ConnectionState)) (unsubscribe func()) {
	return c.stateListeners.Add(fn)
}

// OnReconnectAttempt registers a listener for reconnection attempt
// numbers (1-based).
func (c *Conn) OnReconnectAttempt(fn func(int)) (unsubscribe func()) {
	return c.attemptListeners.Add(fn)
}

// State returns the current connection state.
func (c *Conn) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Epoch returns the current connection epoch. Sequence numbers are only
// comparable within one epoch.
func (c *Conn) Epoch() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.epoch
}

// NextSequence reserves the next audio sequence number for this epoch.
func (c *Conn) NextSequence() uint64 {
	return c.seq.Add(1)
}

func (c *Conn) setState(s ConnectionState) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = s
	c.mu.Unlock()

	slog.Debug("conn: state change", "from", prev, "to", s)
	c.stateListeners.Emit(s)
}

// Connect establishes the connection for a session. Calling Connect
// while Connecting or Connected is a no-op returning success.
func (c *Conn) Connect(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	if s := c.state; s == StateConnecting || s == StateConnected || s == StateReconnecting {
		// Reconnecting counts as in progress: letting a user Connect race
		// the reconnect loop would dial two sockets against one session.
		c.mu.Unlock()
		slog.Info("conn: connect already in progress", "state", s)
		return nil
	}
	c.closed = false
	c.sessionID = sessionID
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	c.mu.Unlock()

	c.setState(StateConnecting)

	if err := c.establish(ctx, c.endpoint("")); err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("%w: %s", protocol.ErrConnection, err)
	}
	return nil
}

// endpoint resolves the dial URL for a failover region; an empty region
// means the primary endpoint.
func (c *Conn) endpoint(region string) string {
	if region == "" {
		return c.cfg.Server.URL
	}
	return region
}

// establish dials, provisions a fresh session key, and starts the read
// pump. The epoch advances and the audio sequence resets on success.
func (c *Conn) establish(ctx context.Context, url string) error {
	c.mu.RLock()
	sessionID := c.sessionID
	c.mu.RUnlock()

	key, err := c.keys.SessionKey(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("provision session key: %w", err)
	}
	sealer, err := seal.New(key, seal.Suite(c.cfg.CipherSuite))
	if err != nil {
		return fmt.Errorf("build sealer: %w", err)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		Subprotocols:     []string{protocol.SubprotocolAudio, protocol.SubprotocolControl},
	}

	slog.Info("conn: dialing", "url", url, "session_id", sessionID)

	ws, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			slog.Warn("conn: dial failed", "status", resp.StatusCode, "error", err)
		} else {
			slog.Warn("conn: dial failed", "error", err)
		}
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		ws.Close()
		return fmt.Errorf("%w: closed during dial", protocol.ErrConnectionClosed)
	}
	c.ws = ws
	c.pipeline = NewPipeline(sealer, c.cfg.Limits.CompressionThresholdBytes, c.cfg.Limits.MaxMessageSizeBytes)
	c.epoch++
	c.seq.Store(0)
	c.mu.Unlock()

	c.setState(StateConnected)
	slog.Info("conn: connected", "url", url, "epoch", c.Epoch())

	go c.readPump(ws)
	return nil
}

func (c *Conn) readPump(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.handleReadError(ws, err)
			return
		}

		env, derr := protocol.DecodeEnvelope(data)
		if derr != nil {
			c.metrics.IncError("protocol")
			slog.Warn("conn: dropping malformed frame", "error", derr)
			continue
		}

		if c.onMessage != nil {
			c.onMessage(env)
		}
	}
}

// handleReadError decides between a clean shutdown and a transparent
// reconnection. A close frame with the normal-closure code means the
// peer ended the session; anything else is abnormal and triggers the
// reconnection cycle.
func (c *Conn) handleReadError(ws *websocket.Conn, err error) {
	c.mu.Lock()
	if c.closed || c.ws != ws {
		// User-initiated disconnect, or a stale pump from a replaced socket.
		c.mu.Unlock()
		return
	}
	c.ws = nil
	c.mu.Unlock()

	ws.Close()

	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		slog.Info("conn: closed by peer")
		c.setState(StateDisconnected)
		return
	}

	slog.Warn("conn: abnormal close", "error", err)
	// The Reconnecting transition must be visible before this returns:
	// callers observing State() after an abnormal close never see a
	// stale Connected with a dead socket.
	c.setState(StateReconnecting)
	go c.reconnectLoop()
}

func (c *Conn) reconnectLoop() {
	c.mu.RLock()
	ctx := c.ctx
	c.mu.RUnlock()
	if ctx == nil {
		c.setState(StateDisconnected)
		return
	}

	for attempt := 0; attempt < c.policy.MaxAttempts; attempt++ {
		delay := c.policy.Delay(attempt)

		select {
		case <-ctx.Done():
			c.setState(StateDisconnected)
			return
		case <-time.After(delay):
		}

		c.attemptListeners.Emit(attempt + 1)
		metrics.ReconnectAttemptsTotal.Inc()

		url := c.endpoint(c.policy.Region(attempt))
		slog.Info("conn: reconnect attempt", "attempt", attempt+1, "url", url, "delay", delay)

		if err := c.establish(ctx, url); err != nil {
			slog.Warn("conn: reconnect attempt failed", "attempt", attempt+1, "error", err)
			continue
		}

		if c.onReconnected != nil {
			c.onReconnected()
		}
		return
	}

	c.setState(StateDisconnected)
	slog.Error("conn: reconnect attempts exhausted", "attempts", c.policy.MaxAttempts)
	if c.onTerminal != nil {
		c.onTerminal(fmt.Errorf("%w: reconnect attempts exhausted after %d tries", protocol.ErrConnection, c.policy.MaxAttempts))
	}
}

// Disconnect synchronously moves to Disconnected, cancels every pending
// timer, and suppresses reconnection. Safe to call more than once.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	ws := c.ws
	c.ws = nil
	c.pipeline = nil
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if ws != nil {
		c.writeMu.Lock()
		deadline := time.Now().Add(time.Second)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.writeMu.Unlock()
		ws.Close()
	}

	c.setState(StateDisconnected)
	slog.Info("conn: disconnected")
}

// WriteEnvelope encodes and writes a single envelope. Fails fast when
// not connected; never retries by itself.
func (c *Conn) WriteEnvelope(env *protocol.Envelope) error {
	c.mu.RLock()
	ws := c.ws
	state := c.state
	c.mu.RUnlock()

	if state != StateConnected || ws == nil {
		return fmt.Errorf("%w: not connected", protocol.ErrConnection)
	}

	data, err := env.Encode()
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	err = ws.WriteMessage(websocket.BinaryMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: write: %s", protocol.ErrConnection, err)
	}

	c.metrics.IncSent(env.Type.String())
	return nil
}

// Wrap seals a plaintext body into an envelope using the current
// epoch's pipeline. Audio envelopes get the next sequence number.
func (c *Conn) Wrap(msgType protocol.MessageType, messageID string, plaintext []byte) (*protocol.Envelope, error) {
	c.mu.RLock()
	p := c.pipeline
	c.mu.RUnlock()

	if p == nil {
		return nil, fmt.Errorf("%w: no active session", protocol.ErrConnection)
	}

	env, err := p.Wrap(msgType, messageID, time.Now().UnixMilli(), plaintext)
	if err != nil {
		return nil, err
	}
	if msgType == protocol.TypeAudio {
		env.SequenceNumber = c.NextSequence()
	}
	return env, nil
}

// Unwrap opens an inbound envelope using the current epoch's pipeline.
func (c *Conn) Unwrap(env *protocol.Envelope) ([]byte, error) {
	c.mu.RLock()
	p := c.pipeline
	c.mu.RUnlock()

	if p == nil {
		return nil, fmt.Errorf("%w: no active session", protocol.ErrConnection)
	}
	return p.Unwrap(env)
}
