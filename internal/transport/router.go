package transport

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/voicewire/voicewire/internal/metrics"
	"github.com/voicewire/voicewire/pkg/protocol"
	"github.com/voicewire/voicewire/shared/id"
)

// dedupWindow bounds the set of recently delivered transcript ids kept
// for at-least-once duplicate suppression.
const dedupWindow = 512

// AudioChunk is an inbound audio payload with its per-epoch ordering.
type AudioChunk struct {
	SequenceNumber uint64
	Data           []byte
}

// StructuredError is what error listeners receive: the taxonomy error
// plus the wire detail when one was carried.
type StructuredError struct {
	Err     error
	Code    string
	Message string
}

// Router dispatches inbound envelopes by type: audio to the audio
// consumer, transcripts to the conversation listeners (with wire-level
// auto-ack and duplicate suppression), errors to the error handler,
// heartbeats to the monitor, acks to the reliability layer. Unknown
// types are dropped and counted, never fatal.
type Router struct {
	conn        *Conn
	reliability *Reliability
	heartbeat   *HeartbeatMonitor
	metrics     *metrics.Collector

	transcripts listenerSet[*protocol.Transcript]
	audio       listenerSet[AudioChunk]
	errs        listenerSet[StructuredError]

	mu        sync.Mutex
	seen      map[string]struct{}
	seenOrder []string
}

func NewRouter(conn *Conn, reliability *Reliability, heartbeat *HeartbeatMonitor, collector *metrics.Collector) *Router {
	return &Router{
		conn:        conn,
		reliability: reliability,
		heartbeat:   heartbeat,
		metrics:     collector,
		seen:        make(map[string]struct{}, dedupWindow),
	}
}

func (r *Router) OnTranscript(fn func(*protocol.Transcript)) (unsubscribe func()) {
	return r.transcripts.Add(fn)
}

func (r *Router) OnAudio(fn func(AudioChunk)) (unsubscribe func()) {
	return r.audio.Add(fn)
}

func (r *Router) OnError(fn func(StructuredError)) (unsubscribe func()) {
	return r.errs.Add(fn)
}

// EmitError publishes a structured error to listeners. Used by the
// connection manager for terminal reconnection failures and by the
// heartbeat monitor for advisory warnings.
func (r *Router) EmitError(err error, message string) {
	r.errs.Emit(StructuredError{Err: err, Code: protocol.ErrorCode(err), Message: message})
}

// Dispatch routes one inbound envelope.
func (r *Router) Dispatch(env *protocol.Envelope) {
	r.metrics.IncReceived(env.Type.String())

	if !env.Type.Known() {
		r.metrics.IncError("protocol")
		slog.Warn("router: dropping unknown message type", "type", uint16(env.Type), "message_id", env.MessageID)
		return
	}

	r.heartbeat.Observe(env)

	plaintext, err := r.conn.Unwrap(env)
	if err != nil {
		r.handleUnwrapError(env, err)
		return
	}

	switch env.Type {
	case protocol.TypeAck:
		ack, derr := protocol.DecodeBody[protocol.Ack](plaintext)
		if derr != nil {
			r.dropMalformed(env, derr)
			return
		}
		r.reliability.HandleAck(ack.AckedMessageID)

	case protocol.TypeHeartbeat:
		// The echo itself acknowledges the probe we sent.
		r.reliability.HandleAck(env.MessageID)

	case protocol.TypeTranscript:
		if r.alreadySeen(env.MessageID) {
			// At-least-once delivery: re-ack so the sender retires its
			// retry state, but do not deliver twice.
			r.sendAck(env.MessageID)
			return
		}
		transcript, derr := protocol.DecodeBody[protocol.Transcript](plaintext)
		if derr != nil {
			r.dropMalformed(env, derr)
			return
		}
		r.sendAck(env.MessageID)
		r.transcripts.Emit(transcript)

	case protocol.TypeAudio:
		r.audio.Emit(AudioChunk{SequenceNumber: env.SequenceNumber, Data: plaintext})

	case protocol.TypeError:
		msg, derr := protocol.DecodeBody[protocol.ErrorMessage](plaintext)
		if derr != nil {
			r.dropMalformed(env, derr)
			return
		}
		r.metrics.IncError("remote")
		r.errs.Emit(StructuredError{Err: protocol.ErrConnection, Code: msg.Code, Message: msg.Message})
	}
}

// handleUnwrapError separates security events from plain protocol
// garbage. Neither is retryable and neither triggers reconnection.
func (r *Router) handleUnwrapError(env *protocol.Envelope, err error) {
	if errors.Is(err, protocol.ErrDecryption) {
		r.metrics.IncError("decryption")
		slog.Error("router: decryption failure", "message_id", env.MessageID, "type", env.Type)
		r.EmitError(protocol.ErrDecryption, "inbound payload failed authentication")
		return
	}
	r.dropMalformed(env, err)
}

func (r *Router) dropMalformed(env *protocol.Envelope, err error) {
	r.metrics.IncError("protocol")
	slog.Warn("router: dropping malformed message", "message_id", env.MessageID, "type", env.Type, "error", err)
}

// sendAck acknowledges an inbound reliable message. Best-effort: if the
// ack is lost the sender retries and deduplication absorbs the replay.
func (r *Router) sendAck(messageID string) {
	body, err := protocol.EncodeBody(&protocol.Ack{AckedMessageID: messageID, Success: true})
	if err != nil {
		slog.Error("router: encode ack failed", "error", err)
		return
	}
	if err := r.reliability.SendBestEffort(protocol.TypeAck, id.NewMessage(), body); err != nil {
		slog.Debug("router: ack send failed", "acked_message_id", messageID, "error", err)
	}
}

func (r *Router) alreadySeen(messageID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.seen[messageID]; ok {
		return true
	}
	r.seen[messageID] = struct{}{}
	r.seenOrder = append(r.seenOrder, messageID)
	if len(r.seenOrder) > dedupWindow {
		oldest := r.seenOrder[0]
		r.seenOrder = r.seenOrder[1:]
		delete(r.seen, oldest)
	}
	return false
}
