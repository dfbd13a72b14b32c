package transport

import (
	"fmt"

	"github.com/voicewire/voicewire/internal/compress"
	"github.com/voicewire/voicewire/internal/seal"
	"github.com/voicewire/voicewire/pkg/protocol"
)

// Pipeline turns plaintext message bodies into wire envelopes and back:
// outbound compress -> seal -> envelope, inbound the exact inverse.
// One pipeline is scoped to one connection epoch; reconnection builds a
// fresh one around the rotated session key.
type Pipeline struct {
	sealer               *seal.Sealer
	compressionThreshold int
	maxMessageSize       int
}

func NewPipeline(sealer *seal.Sealer, compressionThreshold, maxMessageSize int) *Pipeline {
	return &Pipeline{
		sealer:               sealer,
		compressionThreshold: compressionThreshold,
		maxMessageSize:       maxMessageSize,
	}
}

// Wrap builds a sealed envelope around a plaintext body. Oversized
// payloads are rejected before any work is done.
func (p *Pipeline) Wrap(msgType protocol.MessageType, messageID string, timestampMs int64, plaintext []byte) (*protocol.Envelope, error) {
	if p.maxMessageSize > 0 && len(plaintext) > p.maxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit %d", protocol.ErrMessageTooLarge, len(plaintext), p.maxMessageSize)
	}

	packed := compress.Compress(plaintext, p.compressionThreshold)

	ciphertext, nonce, err := p.sealer.Seal(packed)
	if err != nil {
		return nil, fmt.Errorf("seal payload: %w", err)
	}

	env := protocol.NewEnvelope(msgType, messageID, timestampMs, ciphertext)
	env.IV = nonce
	return env, nil
}

// Unwrap recovers the plaintext body of a sealed envelope.
func (p *Pipeline) Unwrap(env *protocol.Envelope) ([]byte, error) {
	packed, err := p.sealer.Open(env.Payload, env.IV)
	if err != nil {
		return nil, err
	}
	return compress.Decompress(packed)
}
