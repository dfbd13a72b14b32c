package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voicewire/voicewire/internal/metrics"
	"github.com/voicewire/voicewire/pkg/protocol"
	"github.com/voicewire/voicewire/shared/backoff"
)

// pendingSend tracks one reliable message awaiting acknowledgement. The
// plaintext is kept, not the sealed envelope: the session key rotates on
// reconnection, so every (re)send seals against the current epoch. The
// message id stays fixed across attempts so the receiver can deduplicate.
type pendingSend struct {
	messageID  string
	msgType    protocol.MessageType
	plaintext  []byte
	enqueuedAt time.Time
	retries    uint

	// done receives nil on ack, or a terminal error on cancellation.
	// Buffered so the resolving side never blocks.
	done chan error
}

// Reliability is the send pipeline: best-effort for audio, tracked
// acknowledgement with bounded retries for control and transcript
// traffic. It exclusively owns the pending map.
type Reliability struct {
	conn    *Conn
	policy  backoff.Policy
	timeout time.Duration
	metrics *metrics.Collector

	mu      sync.Mutex
	pending map[string]*pendingSend
}

func NewReliability(conn *Conn, policy backoff.Policy, ackTimeout time.Duration, collector *metrics.Collector) *Reliability {
	return &Reliability{
		conn:    conn,
		policy:  policy,
		timeout: ackTimeout,
		metrics: collector,
		pending: make(map[string]*pendingSend),
	}
}

// SendBestEffort seals and pushes a message straight to the socket with
// no acknowledgement wait. A failure is reported once and never
// retried: a stale audio chunk has no value once the next one
// supersedes it.
func (r *Reliability) SendBestEffort(msgType protocol.MessageType, messageID string, plaintext []byte) error {
	env, err := r.conn.Wrap(msgType, messageID, plaintext)
	if err != nil {
		return err
	}
	return r.conn.WriteEnvelope(env)
}

// SendReliable registers the message as pending, sends it, and blocks
// until acknowledgement, retry exhaustion, or cancellation. Retries use
// exponential backoff from the delivery policy; exhausting the budget
// yields a terminal ErrDeliveryTimeout and removes the pending entry.
func (r *Reliability) SendReliable(ctx context.Context, msgType protocol.MessageType, messageID string, plaintext []byte) error {
	p := &pendingSend{
		messageID:  messageID,
		msgType:    msgType,
		plaintext:  plaintext,
		enqueuedAt: time.Now(),
		done:       make(chan error, 1),
	}

	r.mu.Lock()
	r.pending[messageID] = p
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.pending, messageID)
		r.mu.Unlock()
	}()

	for attempt := 0; attempt < r.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			p.retries++
			p.enqueuedAt = time.Now()
			metrics.DeliveryRetriesTotal.Inc()
			slog.Debug("reliable: retrying", "message_id", messageID, "attempt", attempt+1)
		}

		if err := r.write(p); err != nil {
			// Oversized payloads can never succeed; everything else may
			// resolve after a reconnection, so the entry stays pending.
			if isTerminalSendError(err) {
				return err
			}
			slog.Debug("reliable: send failed", "message_id", messageID, "error", err)
		}

		timer := time.NewTimer(r.timeout)
		select {
		case err := <-p.done:
			timer.Stop()
			return err
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if attempt == r.policy.MaxAttempts-1 {
			break
		}

		// Backoff between attempts, still listening for a late ack.
		wait := time.NewTimer(r.policy.Delay(attempt))
		select {
		case err := <-p.done:
			wait.Stop()
			return err
		case <-ctx.Done():
			wait.Stop()
			return ctx.Err()
		case <-wait.C:
		}
	}

	r.metrics.IncError("delivery_timeout")
	return fmt.Errorf("%w: no ack for %s after %d attempts", protocol.ErrDeliveryTimeout, messageID, r.policy.MaxAttempts)
}

// write seals against the current epoch and writes one frame.
func (r *Reliability) write(p *pendingSend) error {
	env, err := r.conn.Wrap(p.msgType, p.messageID, p.plaintext)
	if err != nil {
		return err
	}
	return r.conn.WriteEnvelope(env)
}

func isTerminalSendError(err error) bool {
	return errors.Is(err, protocol.ErrMessageTooLarge)
}

// HandleAck resolves the pending send correlated by messageID. An ack
// for an unknown or already-retired id is a no-op, which makes
// duplicate acks after a reconnection idempotent.
func (r *Reliability) HandleAck(messageID string) {
	r.mu.Lock()
	p, ok := r.pending[messageID]
	if ok {
		delete(r.pending, messageID)
	}
	r.mu.Unlock()

	if !ok {
		return
	}

	select {
	case p.done <- nil:
	default:
	}
}

// FailAll rejects every in-flight reliable send, used when the user
// disconnects. Reconnection never resumes sends cancelled here.
func (r *Reliability) FailAll(err error) {
	r.mu.Lock()
	pending := make([]*pendingSend, 0, len(r.pending))
	for _, p := range r.pending {
		pending = append(pending, p)
	}
	r.pending = make(map[string]*pendingSend)
	r.mu.Unlock()

	for _, p := range pending {
		select {
		case p.done <- err:
		default:
		}
	}
}

// ResendPending rewrites every still-pending message after a transparent
// reconnection, sealed against the new epoch's key. Acked messages are
// long gone from the map, so nothing is ever sent twice post-ack.
func (r *Reliability) ResendPending() {
	r.mu.Lock()
	pending := make([]*pendingSend, 0, len(r.pending))
	for _, p := range r.pending {
		pending = append(pending, p)
	}
	r.mu.Unlock()

	for _, p := range pending {
		if err := r.write(p); err != nil {
			slog.Warn("reliable: resend failed", "message_id", p.messageID, "error", err)
		}
	}

	if len(pending) > 0 {
		slog.Info("reliable: resent pending after reconnect", "count", len(pending))
	}
}

// PendingCount reports the number of sends awaiting acknowledgement.
func (r *Reliability) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
