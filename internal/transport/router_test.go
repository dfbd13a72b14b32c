package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/voicewire/voicewire/pkg/protocol"
	"github.com/voicewire/voicewire/shared/id"
)

func TestRouter_InboundErrorMessage(t *testing.T) {
	s := newTestServer(t)
	client := newTestClient(t, s, nil)

	var mu sync.Mutex
	var errs []StructuredError
	client.OnError(func(e StructuredError) {
		mu.Lock()
		errs = append(errs, e)
		mu.Unlock()
	})

	if err := client.Connect(context.Background(), id.NewSession()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	s.sendSealed(protocol.TypeError, id.NewMessage(), &protocol.ErrorMessage{
		Code:        "RATE_LIMIT_EXCEEDED",
		Message:     "slow down",
		Recoverable: true,
	})

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(errs) == 1
	}, "inbound error surfaced")

	mu.Lock()
	defer mu.Unlock()
	if errs[0].Code != "RATE_LIMIT_EXCEEDED" {
		t.Errorf("expected remote code passed through, got %s", errs[0].Code)
	}
	if errs[0].Message != "slow down" {
		t.Errorf("expected remote message passed through, got %s", errs[0].Message)
	}
}

func TestRouter_MalformedBodyDropped(t *testing.T) {
	s := newTestServer(t)
	client := newTestClient(t, s, nil)

	delivered := false
	client.OnTranscript(func(*protocol.Transcript) { delivered = true })

	if err := client.Connect(context.Background(), id.NewSession()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	// Sealed correctly but the body is not a valid msgpack Transcript.
	env, err := s.pipeline.Wrap(protocol.TypeTranscript, id.NewMessage(), time.Now().UnixMilli(), []byte{0xc1})
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	s.sendToClient(env)

	waitFor(t, time.Second, func() bool {
		return client.Metrics().Errors >= 1
	}, "protocol error counted")

	if delivered {
		t.Error("malformed transcript must not reach listeners")
	}
	if client.State() != StateConnected {
		t.Errorf("malformed body must not affect the connection, got %v", client.State())
	}
}

func TestRouter_AlreadySeen_WindowBounded(t *testing.T) {
	r := &Router{seen: make(map[string]struct{}, dedupWindow)}

	// First sighting registers, second suppresses.
	if r.alreadySeen("msg_a") {
		t.Error("first sighting reported as seen")
	}
	if !r.alreadySeen("msg_a") {
		t.Error("second sighting not suppressed")
	}

	// Push msg_a out of the window.
	for i := 0; i < dedupWindow; i++ {
		r.alreadySeen(id.NewMessage())
	}
	if r.alreadySeen("msg_a") {
		t.Error("evicted id still reported as seen")
	}
	if len(r.seen) > dedupWindow {
		t.Errorf("dedup set grew past the window: %d", len(r.seen))
	}
}
