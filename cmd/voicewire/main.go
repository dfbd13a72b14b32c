package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/voicewire/voicewire/internal/config"
)

var cfg *config.Config

func main() {
	var logLevel string

	rootCmd := &cobra.Command{
		Use:   "voicewire",
		Short: "Voicewire - secure streaming voice transport",
		Long: `Voicewire is a secure, low-latency streaming transport that carries
voice audio chunks and transcript messages between a client device and
a server, with ordered, at-least-once delivery of control messages.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if err := level.UnmarshalText([]byte(logLevel)); err != nil {
				return fmt.Errorf("invalid log level %q: %w", logLevel, err)
			}
			slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
				Level:      level,
				TimeFormat: time.TimeOnly,
			})))

			var err error
			cfg, err = config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(
		clientCmd(),
		echoServerCmd(),
		configCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// configCmd shows the effective configuration
func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("Server:")
			fmt.Printf("  URL:              %s\n", cfg.Server.URL)
			fmt.Printf("  Failover regions: %v\n", cfg.Server.FailoverRegions)
			fmt.Println()

			fmt.Println("Heartbeat:")
			fmt.Printf("  Interval:       %s\n", cfg.Heartbeat.Interval)
			fmt.Printf("  Max latency:    %dms\n", cfg.Heartbeat.MaxLatencyMs)
			fmt.Println()

			fmt.Println("Reconnect:")
			fmt.Printf("  Max attempts:   %d\n", cfg.Reconnect.MaxAttempts)
			fmt.Printf("  Base interval:  %s\n", cfg.Reconnect.BaseInterval)
			fmt.Printf("  Multiplier:     %.2f\n", cfg.Reconnect.BackoffMultiplier)
			fmt.Printf("  Jitter:         %.2f\n", cfg.Reconnect.JitterFactor)
			fmt.Printf("  Max retry wait: %s\n", cfg.Reconnect.MaxRetryDuration)
			fmt.Println()

			fmt.Println("Delivery:")
			fmt.Printf("  Max attempts:   %d\n", cfg.Delivery.MaxAttempts)
			fmt.Printf("  Ack timeout:    %s\n", cfg.Delivery.AckTimeout)
			fmt.Printf("  Queue item age: %s\n", cfg.Delivery.QueueItemAge)
			fmt.Println()

			fmt.Println("Limits:")
			fmt.Printf("  Max message size:      %d bytes\n", cfg.Limits.MaxMessageSizeBytes)
			fmt.Printf("  Compression threshold: %d bytes\n", cfg.Limits.CompressionThresholdBytes)
			fmt.Println()

			fmt.Printf("Cipher suite: %s\n", cfg.CipherSuite)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("voicewire 0.1.0")
		},
	}
}
