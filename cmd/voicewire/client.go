package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/voicewire/voicewire/internal/seal"
	"github.com/voicewire/voicewire/internal/transport"
	"github.com/voicewire/voicewire/pkg/protocol"
	"github.com/voicewire/voicewire/shared/backoff"
	"github.com/voicewire/voicewire/shared/id"
)

// clientCmd runs an interactive transcript client: stdin lines go out
// as reliable transcript turns, inbound transcripts print to stdout.
func clientCmd() *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Run an interactive transcript client",
		Long: `Connect to a voicewire server and exchange transcript turns.

Each stdin line is sent as a reliable transcript message; inbound
transcripts and errors are printed as they arrive.

The session key is read from VOICEWIRE_SESSION_KEY (64 hex chars).
Point VOICEWIRE_SERVER_URL at a server, e.g. a local "voicewire
echo-server".`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(cmd.Context(), sessionID)
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "session identifier (generated when empty)")
	return cmd
}

func runClient(ctx context.Context, sessionID string) error {
	keys, err := envKeyProvider()
	if err != nil {
		return err
	}

	client, err := transport.New(cfg, keys)
	if err != nil {
		return err
	}

	client.OnTranscript(func(t *protocol.Transcript) {
		fmt.Printf("<- [%s] %s\n", t.Role, t.Text)
	})
	client.OnError(func(e transport.StructuredError) {
		slog.Error("client: transport error", "code", e.Code, "message", e.Message)
	})
	client.OnStateChange(func(s transport.ConnectionState) {
		slog.Info("client: state change", "state", s)
	})
	client.OnReconnectAttempt(func(attempt int) {
		slog.Info("client: reconnecting", "attempt", attempt)
	})

	if sessionID == "" {
		sessionID = id.NewSession()
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The initial dial retries on the standard connection schedule;
	// once connected the transport reconnects transparently by itself.
	err = backoff.Retry(ctx, backoff.Connection, func(ctx context.Context, attempt int) error {
		return client.Connect(ctx, sessionID)
	}, func(attempt int, err error, delay time.Duration) {
		slog.Warn("client: connect failed", "attempt", attempt, "error", err, "retry_in", delay)
	})
	if err != nil {
		return err
	}
	defer client.Disconnect()

	slog.Info("client: connected", "session_id", sessionID, "url", cfg.Server.URL)
	fmt.Println("Type a message and press enter. Ctrl-D to quit.")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	metricsTicker := time.NewTicker(30 * time.Second)
	defer metricsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-metricsTicker.C:
			snap := client.Metrics()
			slog.Info("client: metrics",
				"state", client.State(),
				"sent", snap.MessagesSent,
				"received", snap.MessagesReceived,
				"errors", snap.Errors,
				"avg_latency_ms", snap.AvgLatencyMs)
		case line, ok := <-lines:
			if !ok {
				snap := client.Metrics()
				slog.Info("client: session summary",
					"sent", snap.MessagesSent,
					"received", snap.MessagesReceived,
					"errors", snap.Errors,
					"avg_latency_ms", snap.AvgLatencyMs,
					"uptime", snap.Uptime.Round(time.Second))
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}

			sendCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			err := client.SendTranscript(sendCtx, line)
			cancel()
			if err != nil {
				slog.Error("client: transcript not delivered", "error", err)
				continue
			}
			fmt.Println("   (delivered)")
		}
	}
}

// envKeyProvider builds a key provider from VOICEWIRE_SESSION_KEY. In a
// real deployment the key comes from the session-issuance service; the
// CLI takes it from the environment for development against the echo
// server.
func envKeyProvider() (transport.KeyProvider, error) {
	raw := os.Getenv("VOICEWIRE_SESSION_KEY")
	if raw == "" {
		return nil, fmt.Errorf("VOICEWIRE_SESSION_KEY not set (expected %d hex chars)", seal.KeySize*2)
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid VOICEWIRE_SESSION_KEY: must be hex encoded: %w", err)
	}
	if len(key) != seal.KeySize {
		return nil, fmt.Errorf("invalid VOICEWIRE_SESSION_KEY: must be %d bytes, got %d", seal.KeySize, len(key))
	}

	return transport.KeyProviderFunc(func(ctx context.Context, sessionID string) ([]byte, error) {
		return key, nil
	}), nil
}
