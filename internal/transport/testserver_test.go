package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicewire/voicewire/internal/config"
	"github.com/voicewire/voicewire/internal/seal"
	"github.com/voicewire/voicewire/pkg/protocol"
	"github.com/voicewire/voicewire/shared/id"
)

// testServer is an in-process peer speaking the envelope protocol. By
// default it acks transcripts, echoes heartbeats verbatim and records
// everything it receives.
type testServer struct {
	t        *testing.T
	key      []byte
	pipeline *Pipeline
	srv      *httptest.Server

	ackDelay time.Duration
	dropAcks atomic.Bool

	mu       sync.Mutex
	conns    []*websocket.Conn
	received []*protocol.Envelope
	// transcripts in arrival order, by text
	transcripts []string
	// audio sequence numbers in arrival order, per connection index
	audioSeqs map[int][]uint64
	connCount int
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	key, err := seal.NewSessionKey()
	if err != nil {
		t.Fatalf("NewSessionKey failed: %v", err)
	}
	sealer, err := seal.New(key, seal.SuiteAESGCM)
	if err != nil {
		t.Fatalf("seal.New failed: %v", err)
	}

	s := &testServer{
		t:         t,
		key:       key,
		pipeline:  NewPipeline(sealer, 1024, 256*1024),
		audioSeqs: make(map[int][]uint64),
	}

	upgrader := websocket.Upgrader{
		Subprotocols: []string{protocol.SubprotocolAudio, protocol.SubprotocolControl},
	}

	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		s.mu.Lock()
		s.conns = append(s.conns, ws)
		connIdx := s.connCount
		s.connCount++
		s.mu.Unlock()

		s.serve(ws, connIdx)
	}))
	t.Cleanup(s.srv.Close)

	return s
}

func (s *testServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *testServer) keyProvider() KeyProvider {
	return KeyProviderFunc(func(ctx context.Context, sessionID string) ([]byte, error) {
		return s.key, nil
	})
}

func (s *testServer) serve(ws *websocket.Conn, connIdx int) {
	var writeMu sync.Mutex
	write := func(env *protocol.Envelope) {
		data, err := env.Encode()
		if err != nil {
			return
		}
		writeMu.Lock()
		ws.WriteMessage(websocket.BinaryMessage, data)
		writeMu.Unlock()
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		env, err := protocol.DecodeEnvelope(data)
		if err != nil {
			continue
		}

		s.mu.Lock()
		s.received = append(s.received, env)
		s.mu.Unlock()

		switch env.Type {
		case protocol.TypeHeartbeat:
			write(env)

		case protocol.TypeAudio:
			s.mu.Lock()
			s.audioSeqs[connIdx] = append(s.audioSeqs[connIdx], env.SequenceNumber)
			s.mu.Unlock()

		case protocol.TypeTranscript:
			if plaintext, err := s.pipeline.Unwrap(env); err == nil {
				if tr, err := protocol.DecodeBody[protocol.Transcript](plaintext); err == nil {
					s.mu.Lock()
					s.transcripts = append(s.transcripts, tr.Text)
					s.mu.Unlock()
				}
			}
			if s.dropAcks.Load() {
				continue
			}
			go func(msgID string) {
				if s.ackDelay > 0 {
					time.Sleep(s.ackDelay)
				}
				body, err := protocol.EncodeBody(&protocol.Ack{AckedMessageID: msgID, Success: true})
				if err != nil {
					return
				}
				ack, err := s.pipeline.Wrap(protocol.TypeAck, id.NewMessage(), time.Now().UnixMilli(), body)
				if err != nil {
					return
				}
				write(ack)
			}(env.MessageID)
		}
	}
}

// sendToClient pushes an envelope to the most recent connection.
func (s *testServer) sendToClient(env *protocol.Envelope) {
	s.mu.Lock()
	ws := s.conns[len(s.conns)-1]
	s.mu.Unlock()

	data, err := env.Encode()
	if err != nil {
		s.t.Fatalf("encode: %v", err)
	}
	if err := ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
		s.t.Fatalf("server write: %v", err)
	}
}

func (s *testServer) sendSealed(msgType protocol.MessageType, messageID string, body any) {
	plaintext, err := protocol.EncodeBody(body)
	if err != nil {
		s.t.Fatalf("encode body: %v", err)
	}
	env, err := s.pipeline.Wrap(msgType, messageID, time.Now().UnixMilli(), plaintext)
	if err != nil {
		s.t.Fatalf("wrap: %v", err)
	}
	s.sendToClient(env)
}

// dropConnections closes every live socket without a close frame, which
// the client sees as an abnormal close.
func (s *testServer) dropConnections() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()

	for _, ws := range conns {
		ws.Close()
	}
}

func (s *testServer) transcriptTexts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.transcripts...)
}

func (s *testServer) receivedMessageIDs(msgType protocol.MessageType) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, env := range s.received {
		if env.Type == msgType {
			ids = append(ids, env.MessageID)
		}
	}
	return ids
}

func (s *testServer) audioSequences(connIdx int) []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64(nil), s.audioSeqs[connIdx]...)
}

// testConfig returns a config tuned for fast tests: short timeouts,
// deterministic backoff, heartbeat effectively disabled.
func testConfig(url string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Server.URL = url
	cfg.Heartbeat.Interval = time.Hour
	cfg.Reconnect.MaxAttempts = 5
	cfg.Reconnect.BaseInterval = 20 * time.Millisecond
	cfg.Reconnect.BackoffMultiplier = 1.0
	cfg.Reconnect.JitterFactor = 0
	cfg.Reconnect.MaxRetryDuration = time.Second
	cfg.Delivery.MaxAttempts = 3
	cfg.Delivery.AckTimeout = 200 * time.Millisecond
	cfg.Delivery.BaseInterval = 20 * time.Millisecond
	cfg.Delivery.MaxRetryWait = 100 * time.Millisecond
	cfg.Delivery.QueueItemAge = 2 * time.Second
	return cfg
}

func newTestClient(t *testing.T, s *testServer, cfg *config.Config) *Client {
	t.Helper()
	if cfg == nil {
		cfg = testConfig(s.url())
	}
	client, err := New(cfg, s.keyProvider())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(client.Disconnect)
	return client
}

// waitFor polls until cond is true or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}
