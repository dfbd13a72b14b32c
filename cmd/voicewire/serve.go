package main

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/voicewire/voicewire/internal/seal"
	"github.com/voicewire/voicewire/internal/transport"
	"github.com/voicewire/voicewire/pkg/protocol"
	"github.com/voicewire/voicewire/shared/id"
)

// echoServerCmd runs a development loopback server. It speaks the full
// envelope pipeline: acks reliable messages, echoes transcripts back as
// assistant turns, answers heartbeats, and counts audio chunks.
func echoServerCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "echo-server",
		Short: "Run a local loopback server for development",
		Long: `Run a loopback server that accepts voicewire connections.

Transcripts are acknowledged and echoed back as assistant turns,
heartbeats are echoed so the client can measure round-trip latency,
and audio chunks are counted but discarded.

The session key is read from VOICEWIRE_SESSION_KEY; when unset a fresh
key is generated and printed so a client can be pointed at it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEchoServer(addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8090", "listen address")
	return cmd
}

func runEchoServer(addr string) error {
	key, err := echoServerKey()
	if err != nil {
		return err
	}

	srv := &echoServer{key: key}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.handleWS)
	mux.Handle("/metrics", promhttp.Handler())

	httpSrv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("echo-server: listening", "addr", addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-sigCh:
		slog.Info("echo-server: shutting down")
		return httpSrv.Close()
	}
}

// echoServerKey reads VOICEWIRE_SESSION_KEY, generating and printing a
// fresh key when it is unset so client and server can share it.
func echoServerKey() ([]byte, error) {
	if raw := os.Getenv("VOICEWIRE_SESSION_KEY"); raw != "" {
		key, err := hex.DecodeString(raw)
		if err != nil || len(key) != seal.KeySize {
			return nil, fmt.Errorf("invalid VOICEWIRE_SESSION_KEY: expected %d hex chars", seal.KeySize*2)
		}
		return key, nil
	}

	key, err := seal.NewSessionKey()
	if err != nil {
		return nil, err
	}
	slog.Info("echo-server: generated session key", "key", hex.EncodeToString(key))
	fmt.Printf("export VOICEWIRE_SESSION_KEY=%s\n", hex.EncodeToString(key))
	return key, nil
}

type echoServer struct {
	key []byte

	audioChunks int
	mu          sync.Mutex
}

var upgrader = websocket.Upgrader{
	Subprotocols:    []string{protocol.SubprotocolAudio, protocol.SubprotocolControl},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Loopback development server, any origin is fine.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *echoServer) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("echo-server: upgrade failed", "error", err)
		return
	}

	sealer, err := seal.New(s.key, seal.Suite(cfg.CipherSuite))
	if err != nil {
		slog.Error("echo-server: sealer init failed", "error", err)
		ws.Close()
		return
	}

	conn := &echoConn{
		srv:      s,
		ws:       ws,
		pipeline: transport.NewPipeline(sealer, cfg.Limits.CompressionThresholdBytes, cfg.Limits.MaxMessageSizeBytes),
	}
	slog.Info("echo-server: client connected",
		"remote", ws.RemoteAddr().String(),
		"subprotocol", ws.Subprotocol())

	conn.serve()
}

type echoConn struct {
	srv      *echoServer
	ws       *websocket.Conn
	pipeline *transport.Pipeline

	writeMu sync.Mutex
}

func (c *echoConn) serve() {
	defer c.ws.Close()

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("echo-server: read error", "error", err)
			} else {
				slog.Info("echo-server: client disconnected")
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		env, err := protocol.DecodeEnvelope(data)
		if err != nil {
			slog.Warn("echo-server: dropping malformed frame", "error", err)
			continue
		}
		c.handle(env)
	}
}

func (c *echoConn) handle(env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeHeartbeat:
		// Echoed verbatim: same message id and timestamp, so the
		// client both measures round-trip latency and treats the echo
		// as the delivery ack.
		if err := c.writeEnvelope(env); err != nil {
			slog.Warn("echo-server: heartbeat echo failed", "error", err)
		}

	case protocol.TypeAudio:
		c.srv.mu.Lock()
		c.srv.audioChunks++
		n := c.srv.audioChunks
		c.srv.mu.Unlock()
		if n%100 == 0 {
			slog.Debug("echo-server: audio chunks received", "count", n)
		}

	case protocol.TypeTranscript:
		plaintext, err := c.pipeline.Unwrap(env)
		if err != nil {
			slog.Warn("echo-server: transcript unwrap failed", "message_id", env.MessageID, "error", err)
			return
		}
		transcript, err := protocol.DecodeBody[protocol.Transcript](plaintext)
		if err != nil {
			slog.Warn("echo-server: transcript decode failed", "message_id", env.MessageID, "error", err)
			return
		}

		if err := c.sendAck(env.MessageID); err != nil {
			slog.Warn("echo-server: ack failed", "message_id", env.MessageID, "error", err)
			return
		}
		if err := c.sendEcho(transcript); err != nil {
			slog.Warn("echo-server: echo failed", "message_id", env.MessageID, "error", err)
		}

	case protocol.TypeAck:
		// Client acked one of our transcripts, nothing to do.

	default:
		slog.Debug("echo-server: ignoring message", "type", env.Type.String())
	}
}

func (c *echoConn) sendAck(ackedID string) error {
	body, err := protocol.EncodeBody(&protocol.Ack{
		AckedMessageID: ackedID,
		Success:        true,
	})
	if err != nil {
		return err
	}
	return c.send(protocol.TypeAck, body)
}

func (c *echoConn) sendEcho(in *protocol.Transcript) error {
	body, err := protocol.EncodeBody(&protocol.Transcript{
		ConversationID: in.ConversationID,
		Role:           "assistant",
		Text:           "echo: " + in.Text,
		Final:          true,
	})
	if err != nil {
		return err
	}
	return c.send(protocol.TypeTranscript, body)
}

func (c *echoConn) send(msgType protocol.MessageType, plaintext []byte) error {
	env, err := c.pipeline.Wrap(msgType, id.NewMessage(), time.Now().UnixMilli(), plaintext)
	if err != nil {
		return err
	}
	return c.writeEnvelope(env)
}

func (c *echoConn) writeEnvelope(env *protocol.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteMessage(websocket.BinaryMessage, data)
}
