// Package compress implements conditional payload compression with a
// self-describing one-byte tag, so the receiver never has to guess
// whether a payload was compressed.
package compress

import (
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/voicewire/voicewire/pkg/protocol"
)

// Tag bytes prepended to every payload.
const (
	TagRaw  byte = 0x00
	TagZstd byte = 0x01
)

// DefaultThreshold — payloads at or below this size are passed through
// untouched; compressing tiny frames costs more than it saves.
const DefaultThreshold = 1024

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	decoder, _ = zstd.NewReader(nil)
)

// Compress returns the payload prefixed with its tag, compressing only
// when the input exceeds threshold and compression actually shrinks it.
func Compress(data []byte, threshold int) []byte {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	if len(data) > threshold {
		compressed := encoder.EncodeAll(data, make([]byte, 0, len(data)/2))
		if len(compressed)+1 < len(data) {
			return append([]byte{TagZstd}, compressed...)
		}
	}

	return append([]byte{TagRaw}, data...)
}

// Decompress is the exact inverse of Compress. An unknown tag, or a
// zstd tag over content that does not decode, fails with
// protocol.ErrInvalidMessage.
func Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", protocol.ErrInvalidMessage)
	}

	tag, body := data[0], data[1:]

	switch tag {
	case TagRaw:
		return body, nil
	case TagZstd:
		out, err := decoder.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: decompress: %v", protocol.ErrInvalidMessage, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unknown compression tag 0x%02x", protocol.ErrInvalidMessage, tag)
	}
}
