package protocol

import "errors"

// Error taxonomy. Network-level errors are absorbed and retried by the
// transport up to policy limits; security and protocol errors are never
// retried and surface immediately.
var (
	// ErrConnection is a socket-level failure, retryable via reconnection.
	ErrConnection = errors.New("connection error")

	// ErrConnectionClosed rejects in-flight sends when the user disconnects.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrInvalidMessage marks a malformed envelope or inconsistent
	// compression tag. Not retryable; logged and dropped.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrDecryption is an AEAD tag/auth failure. Not retryable, surfaced
	// as a security event; never triggers reconnection.
	ErrDecryption = errors.New("decryption failed")

	// ErrMessageTooLarge rejects payloads above the configured maximum
	// before any send is attempted.
	ErrMessageTooLarge = errors.New("message too large")

	// ErrRateLimitExceeded is advisory: a latency or volume threshold was
	// breached. It does not close the connection by itself.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrDeliveryTimeout is terminal: a reliable send exhausted its
	// retries without acknowledgement.
	ErrDeliveryTimeout = errors.New("delivery timeout")
)

// ErrorCode maps a taxonomy error to its wire code for ErrorMessage bodies.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrDecryption):
		return "DECRYPTION_ERROR"
	case errors.Is(err, ErrInvalidMessage):
		return "PROTOCOL_ERROR"
	case errors.Is(err, ErrMessageTooLarge):
		return "MESSAGE_TOO_LARGE"
	case errors.Is(err, ErrRateLimitExceeded):
		return "RATE_LIMIT_EXCEEDED"
	case errors.Is(err, ErrDeliveryTimeout):
		return "DELIVERY_TIMEOUT"
	case errors.Is(err, ErrConnectionClosed):
		return "CONNECTION_CLOSED"
	case errors.Is(err, ErrConnection):
		return "CONNECTION_ERROR"
	default:
		return "INTERNAL_ERROR"
	}
}
