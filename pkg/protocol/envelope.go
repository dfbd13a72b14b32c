package protocol

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Envelope wraps every protocol message with the metadata needed for
// routing, ordering and integrity checking.
//
// Payload is opaque on the wire: it has already been through the
// compression and sealing layers. IV is the AEAD nonce used to seal this
// message; the authentication tag travels inside Payload (appended by
// the AEAD), so tampering with either is detected on open.
type Envelope struct {
	Type      MessageType `msgpack:"type" json:"type"`
	Payload   []byte      `msgpack:"payload" json:"payload"`
	Timestamp int64       `msgpack:"timestamp" json:"timestamp"` // ms since epoch
	MessageID string      `msgpack:"message_id" json:"message_id"`

	// SequenceNumber is set for audio envelopes only. It is strictly
	// increasing within one connection epoch and resets to 0 when the
	// connection is re-established.
	SequenceNumber uint64 `msgpack:"sequence_number,omitempty" json:"sequence_number,omitempty"`

	IV []byte `msgpack:"iv,omitempty" json:"iv,omitempty"`
}

func NewEnvelope(msgType MessageType, messageID string, timestampMs int64, payload []byte) *Envelope {
	return &Envelope{
		Type:      msgType,
		Payload:   payload,
		Timestamp: timestampMs,
		MessageID: messageID,
	}
}

// Encode serializes the envelope to MessagePack.
func (e *Envelope) Encode() ([]byte, error) {
	if e == nil {
		return nil, fmt.Errorf("%w: nil envelope", ErrInvalidMessage)
	}
	if e.MessageID == "" {
		return nil, fmt.Errorf("%w: missing message id", ErrInvalidMessage)
	}
	data, err := msgpack.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope deserializes a wire frame. Unknown message types are
// returned as-is; the router decides whether to drop them.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := msgpack.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: decode envelope: %v", ErrInvalidMessage, err)
	}
	if e.MessageID == "" {
		return nil, fmt.Errorf("%w: missing message id", ErrInvalidMessage)
	}
	return &e, nil
}

// EncodeBody serializes a typed message body before it enters the
// compression and sealing layers.
func EncodeBody(body any) ([]byte, error) {
	data, err := msgpack.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}
	return data, nil
}

// DecodeBody deserializes an opened (decrypted, decompressed) payload
// into a typed message body.
func DecodeBody[T any](data []byte) (*T, error) {
	var result T
	if err := msgpack.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("%w: decode body to %T: %v", ErrInvalidMessage, result, err)
	}
	return &result, nil
}
