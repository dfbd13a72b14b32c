// Package config holds the transport configuration surface and its
// environment-variable loading.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/voicewire/voicewire/shared/backoff"
)

// Config holds all configuration for a voicewire client.
type Config struct {
	Server      ServerConfig    `json:"server"`
	Heartbeat   HeartbeatConfig `json:"heartbeat"`
	Reconnect   ReconnectConfig `json:"reconnect"`
	Delivery    DeliveryConfig  `json:"delivery"`
	Limits      LimitsConfig    `json:"limits"`
	CipherSuite string          `json:"cipher_suite"` // "aes-256-gcm" or "chacha20-poly1305"
}

// ServerConfig describes the primary endpoint and the ordered regional
// failover endpoints a reconnecting client cycles through.
type ServerConfig struct {
	URL             string   `json:"url"`              // e.g. wss://voice.example.com/ws
	FailoverRegions []string `json:"failover_regions"` // e.g. ["wss://eu.voice.example.com/ws", ...]
}

// HeartbeatConfig controls liveness probing.
type HeartbeatConfig struct {
	Interval     time.Duration `json:"interval"`
	MaxLatencyMs int64         `json:"max_latency_ms"`
}

// ReconnectConfig controls socket re-establishment.
type ReconnectConfig struct {
	MaxAttempts       int           `json:"max_attempts"`
	BaseInterval      time.Duration `json:"base_interval"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`
	JitterFactor      float64       `json:"jitter_factor"`
	MaxRetryDuration  time.Duration `json:"max_retry_duration"`
}

// DeliveryConfig controls per-message reliable-send retries. It is a
// separate budget from ReconnectConfig on purpose: a dropped socket and
// a slow ack are different failures.
type DeliveryConfig struct {
	MaxAttempts  int           `json:"max_attempts"`
	AckTimeout   time.Duration `json:"ack_timeout"`
	BaseInterval time.Duration `json:"base_interval"`
	MaxRetryWait time.Duration `json:"max_retry_wait"`
	QueueItemAge time.Duration `json:"queue_item_age"` // conversation queue eviction age
}

// LimitsConfig bounds message sizes and compression.
type LimitsConfig struct {
	MaxMessageSizeBytes       int `json:"max_message_size_bytes"`
	CompressionThresholdBytes int `json:"compression_threshold_bytes"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			URL: "ws://localhost:8090/ws",
		},
		Heartbeat: HeartbeatConfig{
			Interval:     10 * time.Second,
			MaxLatencyMs: 500,
		},
		Reconnect: ReconnectConfig{
			MaxAttempts:       backoff.Connection.MaxAttempts,
			BaseInterval:      backoff.Connection.BaseInterval,
			BackoffMultiplier: backoff.Connection.Multiplier,
			JitterFactor:      backoff.Connection.JitterFactor,
			MaxRetryDuration:  backoff.Connection.MaxDelay,
		},
		Delivery: DeliveryConfig{
			MaxAttempts:  backoff.Delivery.MaxAttempts,
			AckTimeout:   2 * time.Second,
			BaseInterval: backoff.Delivery.BaseInterval,
			MaxRetryWait: backoff.Delivery.MaxDelay,
			QueueItemAge: 5 * time.Second,
		},
		Limits: LimitsConfig{
			MaxMessageSizeBytes:       256 * 1024,
			CompressionThresholdBytes: 1024,
		},
		CipherSuite: "aes-256-gcm",
	}
}

// envString loads a string environment variable into the target pointer if set
func envString(key string, target *string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

// envInt loads an integer environment variable into the target pointer if set and valid
func envInt(key string, target *int) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*target = i
		}
	}
}

// envInt64 loads an int64 environment variable into the target pointer if set and valid
func envInt64(key string, target *int64) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			*target = i
		}
	}
}

// envFloat loads a float64 environment variable into the target pointer if set and valid
func envFloat(key string, target *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*target = f
		}
	}
}

// envDurationMs loads a millisecond-count environment variable into the target duration
func envDurationMs(key string, target *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			*target = time.Duration(ms) * time.Millisecond
		}
	}
}

// envStringSlice loads a comma-separated environment variable into a string slice
func envStringSlice(key string, target *[]string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			*target = result
		}
	}
}

// Load loads configuration from an optional JSON file and environment
// variables. Environment takes precedence over the file.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	if path := os.Getenv("VOICEWIRE_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	envString("VOICEWIRE_SERVER_URL", &cfg.Server.URL)
	envStringSlice("VOICEWIRE_FAILOVER_REGIONS", &cfg.Server.FailoverRegions)

	envDurationMs("VOICEWIRE_HEARTBEAT_INTERVAL_MS", &cfg.Heartbeat.Interval)
	envInt64("VOICEWIRE_MAX_LATENCY_THRESHOLD_MS", &cfg.Heartbeat.MaxLatencyMs)

	envInt("VOICEWIRE_MAX_RECONNECT_ATTEMPTS", &cfg.Reconnect.MaxAttempts)
	envDurationMs("VOICEWIRE_RECONNECT_BASE_INTERVAL_MS", &cfg.Reconnect.BaseInterval)
	envFloat("VOICEWIRE_RECONNECT_BACKOFF_MULTIPLIER", &cfg.Reconnect.BackoffMultiplier)
	envFloat("VOICEWIRE_RECONNECT_JITTER_FACTOR", &cfg.Reconnect.JitterFactor)
	envDurationMs("VOICEWIRE_MAX_RETRY_DURATION_MS", &cfg.Reconnect.MaxRetryDuration)

	envInt("VOICEWIRE_DELIVERY_MAX_ATTEMPTS", &cfg.Delivery.MaxAttempts)
	envDurationMs("VOICEWIRE_DELIVERY_ACK_TIMEOUT_MS", &cfg.Delivery.AckTimeout)
	envDurationMs("VOICEWIRE_DELIVERY_BASE_INTERVAL_MS", &cfg.Delivery.BaseInterval)
	envDurationMs("VOICEWIRE_DELIVERY_MAX_RETRY_WAIT_MS", &cfg.Delivery.MaxRetryWait)
	envDurationMs("VOICEWIRE_DELIVERY_QUEUE_ITEM_AGE_MS", &cfg.Delivery.QueueItemAge)

	envInt("VOICEWIRE_MAX_MESSAGE_SIZE_BYTES", &cfg.Limits.MaxMessageSizeBytes)
	envInt("VOICEWIRE_COMPRESSION_THRESHOLD_BYTES", &cfg.Limits.CompressionThresholdBytes)

	envString("VOICEWIRE_CIPHER_SUITE", &cfg.CipherSuite)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants the transport depends on.
func (c *Config) Validate() error {
	if _, err := url.Parse(c.Server.URL); err != nil || c.Server.URL == "" {
		return fmt.Errorf("invalid server URL %q", c.Server.URL)
	}
	if !strings.HasPrefix(c.Server.URL, "ws://") && !strings.HasPrefix(c.Server.URL, "wss://") {
		return fmt.Errorf("server URL must use ws:// or wss://, got %q", c.Server.URL)
	}
	if c.Reconnect.MaxAttempts < 1 {
		return fmt.Errorf("reconnect max attempts must be >= 1, got %d", c.Reconnect.MaxAttempts)
	}
	if c.Reconnect.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff multiplier must be >= 1, got %g", c.Reconnect.BackoffMultiplier)
	}
	if c.Reconnect.JitterFactor < 0 || c.Reconnect.JitterFactor >= 1 {
		return fmt.Errorf("jitter factor must be in [0, 1), got %g", c.Reconnect.JitterFactor)
	}
	if c.Delivery.MaxAttempts < 1 {
		return fmt.Errorf("delivery max attempts must be >= 1, got %d", c.Delivery.MaxAttempts)
	}
	if c.Limits.MaxMessageSizeBytes <= 0 {
		return fmt.Errorf("max message size must be positive, got %d", c.Limits.MaxMessageSizeBytes)
	}
	if c.CipherSuite != "aes-256-gcm" && c.CipherSuite != "chacha20-poly1305" {
		return fmt.Errorf("unknown cipher suite %q", c.CipherSuite)
	}
	return nil
}
