// Package seal implements the per-message security layer: an
// authenticated symmetric cipher scoped to one connection epoch. The
// session key is injected at connection establishment, read-only
// thereafter, and discarded on teardown.
package seal

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/voicewire/voicewire/pkg/protocol"
)

// Suite selects the AEAD construction for a session.
type Suite string

const (
	SuiteAESGCM   Suite = "aes-256-gcm"
	SuiteChaCha20 Suite = "chacha20-poly1305"
)

// KeySize is the session key length in bytes for both suites.
const KeySize = 32

// Sealer encrypts and decrypts envelope payloads. It is safe for
// concurrent use; the key is never mutated after construction.
type Sealer struct {
	aead cipher.AEAD
}

// New builds a sealer for the given session key. The key must be
// exactly KeySize bytes and must be freshly provisioned per session.
func New(key []byte, suite Suite) (*Sealer, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("session key must be %d bytes, got %d", KeySize, len(key))
	}

	var aead cipher.AEAD
	var err error

	switch suite {
	case SuiteChaCha20:
		aead, err = chacha20poly1305.New(key)
		if err != nil {
			return nil, fmt.Errorf("create chacha20-poly1305: %w", err)
		}
	case SuiteAESGCM, "":
		block, berr := aes.NewCipher(key)
		if berr != nil {
			return nil, fmt.Errorf("create aes cipher: %w", berr)
		}
		aead, err = cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("create gcm: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown cipher suite %q", suite)
	}

	return &Sealer{aead: aead}, nil
}

// Seal encrypts plaintext with a fresh random nonce. The nonce is
// returned separately so it can travel in the envelope's IV field; the
// authentication tag is appended to the ciphertext by the AEAD.
func (s *Sealer) Seal(plaintext []byte) (ciphertext, nonce []byte, err error) {
	nonce = make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext = s.aead.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

// Open decrypts a sealed payload. A tag mismatch surfaces as
// protocol.ErrDecryption and must be treated as a protocol error, not a
// network error: it never triggers reconnection and no partial
// plaintext is returned.
func (s *Sealer) Open(ciphertext, nonce []byte) ([]byte, error) {
	if len(nonce) != s.aead.NonceSize() {
		return nil, fmt.Errorf("%w: bad nonce length %d", protocol.ErrDecryption, len(nonce))
	}

	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrDecryption, err)
	}
	return plaintext, nil
}

// NonceSize reports the IV length the sealer expects on the wire.
func (s *Sealer) NonceSize() int {
	return s.aead.NonceSize()
}

// NewSessionKey generates fresh key material. Keys are rotated on every
// full reconnection to a new session and never reused across sessions.
func NewSessionKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate session key: %w", err)
	}
	return key, nil
}
