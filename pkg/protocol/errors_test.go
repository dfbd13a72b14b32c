package protocol

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ErrConnection, "CONNECTION_ERROR"},
		{ErrConnectionClosed, "CONNECTION_CLOSED"},
		{ErrInvalidMessage, "PROTOCOL_ERROR"},
		{ErrDecryption, "DECRYPTION_ERROR"},
		{ErrMessageTooLarge, "MESSAGE_TOO_LARGE"},
		{ErrRateLimitExceeded, "RATE_LIMIT_EXCEEDED"},
		{ErrDeliveryTimeout, "DELIVERY_TIMEOUT"},
		{errors.New("something else"), "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		if got := ErrorCode(tt.err); got != tt.want {
			t.Errorf("ErrorCode(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestErrorCode_Wrapped(t *testing.T) {
	wrapped := fmt.Errorf("context: %w", ErrDeliveryTimeout)
	if got := ErrorCode(wrapped); got != "DELIVERY_TIMEOUT" {
		t.Errorf("ErrorCode(wrapped) = %q, want DELIVERY_TIMEOUT", got)
	}

	deeplyWrapped := fmt.Errorf("outer: %w", fmt.Errorf("inner: %w", ErrDecryption))
	if got := ErrorCode(deeplyWrapped); got != "DECRYPTION_ERROR" {
		t.Errorf("ErrorCode(deeply wrapped) = %q, want DECRYPTION_ERROR", got)
	}
}
