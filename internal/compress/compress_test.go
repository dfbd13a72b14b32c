package compress

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/voicewire/voicewire/pkg/protocol"
)

func TestCompress_SmallPayloadPassesThrough(t *testing.T) {
	data := []byte("short transcript")

	packed := Compress(data, DefaultThreshold)
	if packed[0] != TagRaw {
		t.Errorf("expected raw tag, got 0x%02x", packed[0])
	}
	if !bytes.Equal(packed[1:], data) {
		t.Error("raw payload mutated")
	}

	out, err := Decompress(packed)
	if err != nil {
		t.Fatalf("Decompress failed: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Error("round trip mismatch")
	}
}

func TestCompress_LargePayloadCompressed(t *testing.T) {
	// Highly compressible content well over the threshold.
	data := bytes.Repeat([]byte("the same phrase again and again "), 100)

	packed := Compress(data, DefaultThreshold)
	if packed[0] != TagZstd {
		t.Fatalf("expected zstd tag, got 0x%02x", packed[0])
	}
	if len(packed) >= len(data) {
		t.Errorf("compression did not shrink: %d -> %d", len(data), len(packed))
	}

	out, err := Decompress(packed)
	if err != nil {
		t.Fatalf("Decompress failed: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Error("round trip mismatch")
	}
}

func TestCompress_ThresholdBoundaryRoundTrips(t *testing.T) {
	threshold := 1024

	// 2000 bytes of compressible content goes through zstd; 500 bytes
	// passes through raw. Both sides recover the exact input.
	large := bytes.Repeat([]byte("voice transcript segment "), 80) // 2000 bytes
	small := bytes.Repeat([]byte("hello"), 100)                    // 500 bytes

	packedLarge := Compress(large, threshold)
	if packedLarge[0] != TagZstd {
		t.Errorf("expected zstd tag for %d bytes, got 0x%02x", len(large), packedLarge[0])
	}
	packedSmall := Compress(small, threshold)
	if packedSmall[0] != TagRaw {
		t.Errorf("expected raw tag for %d bytes, got 0x%02x", len(small), packedSmall[0])
	}

	outLarge, err := Decompress(packedLarge)
	if err != nil {
		t.Fatalf("Decompress large failed: %v", err)
	}
	if !bytes.Equal(outLarge, large) {
		t.Error("large round trip mismatch")
	}
	outSmall, err := Decompress(packedSmall)
	if err != nil {
		t.Fatalf("Decompress small failed: %v", err)
	}
	if !bytes.Equal(outSmall, small) {
		t.Error("small round trip mismatch")
	}
}

func TestCompress_IncompressibleStaysRaw(t *testing.T) {
	// Random bytes do not compress; the raw path must be taken even
	// above the threshold.
	data := make([]byte, 4096)
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("rand: %v", err)
	}

	packed := Compress(data, DefaultThreshold)
	if packed[0] != TagRaw {
		t.Errorf("expected raw tag for incompressible data, got 0x%02x", packed[0])
	}

	out, err := Decompress(packed)
	if err != nil {
		t.Fatalf("Decompress failed: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Error("round trip mismatch")
	}
}

func TestCompress_ExactlyThresholdStaysRaw(t *testing.T) {
	data := bytes.Repeat([]byte{'a'}, DefaultThreshold)

	packed := Compress(data, DefaultThreshold)
	if packed[0] != TagRaw {
		t.Errorf("expected raw tag at threshold boundary, got 0x%02x", packed[0])
	}
}

func TestCompress_ZeroThresholdUsesDefault(t *testing.T) {
	small := []byte("tiny")
	if packed := Compress(small, 0); packed[0] != TagRaw {
		t.Errorf("expected raw tag, got 0x%02x", packed[0])
	}

	big := bytes.Repeat([]byte("compress me "), 200)
	if packed := Compress(big, 0); packed[0] != TagZstd {
		t.Errorf("expected zstd tag, got 0x%02x", packed[0])
	}
}

func TestDecompress_EmptyPayload(t *testing.T) {
	_, err := Decompress(nil)
	if !errors.Is(err, protocol.ErrInvalidMessage) {
		t.Errorf("expected ErrInvalidMessage, got %v", err)
	}
}

func TestDecompress_UnknownTag(t *testing.T) {
	_, err := Decompress([]byte{0x7f, 0x01, 0x02})
	if !errors.Is(err, protocol.ErrInvalidMessage) {
		t.Errorf("expected ErrInvalidMessage, got %v", err)
	}
}

func TestDecompress_CorruptZstd(t *testing.T) {
	_, err := Decompress([]byte{TagZstd, 0xde, 0xad, 0xbe, 0xef})
	if !errors.Is(err, protocol.ErrInvalidMessage) {
		t.Errorf("expected ErrInvalidMessage, got %v", err)
	}
}

func TestDecompress_EmptyRawBody(t *testing.T) {
	out, err := Decompress([]byte{TagRaw})
	if err != nil {
		t.Fatalf("Decompress failed: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("expected empty body, got %d bytes", len(out))
	}
}
