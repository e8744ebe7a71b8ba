// Package config handles kernel configuration from environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all kernel configuration.
type Config struct {
	// Process
	Root     string // APEX_ROOT: filesystem root for ledger, personas, audit
	Env      string // "development", "staging", "production"
	LogLevel string // APEX_LOG_LEVEL

	// RPC / transport
	TTLSeconds        int // APEX_TTL_SECONDS
	MaxFrameBytes     int // APEX_MAX_FRAME_BYTES
	ConcurrencyCeil   int // APEX_CONCURRENCY_CEILING
	ReaperInterval    time.Duration
	HeartbeatInterval time.Duration

	// MCE / ledger
	CheckpointInterval time.Duration
	BankFloor          string // minimum system bank balance before new escrow stakes block
	DebtCeiling        string // default agent debt ceiling
	TimeoutFine        string // APEX_TIMEOUT_FINE: flat penalty the reaper assesses on a TTL-expired request

	// Citadel
	CitadelTimeout      time.Duration
	CitadelCacheEntries int
	CitadelLatencyWarn  time.Duration

	// Observability
	MetricsAddr  string // APEX_METRICS_ADDR, empty disables the HTTP listener
	OTLPEndpoint string // OTEL_EXPORTER_OTLP_ENDPOINT, empty disables tracing

	// Sandbox collaborator
	SandboxEndpoint string // APEX_SANDBOX_ENDPOINT, empty disables tools/call dispatch

	// Vector store collaborator
	VectorStoreEndpoint string // APEX_VECTOR_STORE_ENDPOINT, empty disables memory://vector reads and the retrieval hook

	// Protocol
	MaxInvalidFrames int // APEX_MAX_INVALID_FRAMES: consecutive invalid frames before exit code 2
}

// Defaults mirrored from spec.md §4.1-§4.5 and §6.
const (
	DefaultEnv      = "development"
	DefaultLogLevel = "info"

	DefaultTTLSeconds      = 60
	DefaultMaxFrameBytes   = 512 * 1024
	DefaultConcurrencyCeil = 32
	DefaultReaperInterval  = 5 * time.Second
	DefaultHeartbeat       = 10 * time.Second

	DefaultCheckpointInterval = 2 * time.Minute
	DefaultBankFloor          = "0"
	DefaultDebtCeiling        = "-100"
	DefaultTimeoutFine        = "2.00"

	DefaultCitadelTimeout     = 500 * time.Millisecond
	DefaultCitadelCacheSize   = 4096
	DefaultCitadelLatencyWarn = 200 * time.Millisecond

	// DefaultMaxInvalidFrames is spec.md §6's N: the peer protocol
	// violation threshold that ends the process with exit code 2.
	DefaultMaxInvalidFrames = 10
)

// Load reads configuration from environment variables. It loads a .env
// file if present, for local development convenience.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Root:               getEnv("APEX_ROOT", "./apex-data"),
		Env:                getEnv("APEX_ENV", DefaultEnv),
		LogLevel:           getEnv("APEX_LOG_LEVEL", DefaultLogLevel),
		TTLSeconds:         int(getEnvInt64("APEX_TTL_SECONDS", DefaultTTLSeconds)),
		MaxFrameBytes:      int(getEnvInt64("APEX_MAX_FRAME_BYTES", DefaultMaxFrameBytes)),
		ConcurrencyCeil:    int(getEnvInt64("APEX_CONCURRENCY_CEILING", DefaultConcurrencyCeil)),
		ReaperInterval:     getEnvDuration("APEX_REAPER_INTERVAL", DefaultReaperInterval),
		HeartbeatInterval:  getEnvDuration("APEX_HEARTBEAT_INTERVAL", DefaultHeartbeat),
		CheckpointInterval: getEnvDuration("APEX_CHECKPOINT_INTERVAL", DefaultCheckpointInterval),
		BankFloor:          getEnv("APEX_BANK_FLOOR", DefaultBankFloor),
		DebtCeiling:        getEnv("APEX_DEBT_CEILING", DefaultDebtCeiling),
		TimeoutFine:        getEnv("APEX_TIMEOUT_FINE", DefaultTimeoutFine),

		CitadelTimeout:      getEnvDuration("APEX_CITADEL_TIMEOUT", DefaultCitadelTimeout),
		CitadelCacheEntries: int(getEnvInt64("APEX_CITADEL_CACHE_ENTRIES", DefaultCitadelCacheSize)),
		CitadelLatencyWarn:  getEnvDuration("APEX_CITADEL_LATENCY_WARN", DefaultCitadelLatencyWarn),

		MetricsAddr:  os.Getenv("APEX_METRICS_ADDR"),
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),

		SandboxEndpoint:     os.Getenv("APEX_SANDBOX_ENDPOINT"),
		VectorStoreEndpoint: os.Getenv("APEX_VECTOR_STORE_ENDPOINT"),

		MaxInvalidFrames: int(getEnvInt64("APEX_MAX_INVALID_FRAMES", DefaultMaxInvalidFrames)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that configuration values are sane.
func (c *Config) Validate() error {
	if c.Root == "" {
		return fmt.Errorf("APEX_ROOT is required")
	}
	if c.TTLSeconds < 1 {
		return fmt.Errorf("APEX_TTL_SECONDS must be at least 1, got %d", c.TTLSeconds)
	}
	if c.MaxFrameBytes < 1024 {
		return fmt.Errorf("APEX_MAX_FRAME_BYTES must be at least 1024, got %d", c.MaxFrameBytes)
	}
	if c.ConcurrencyCeil < 1 {
		return fmt.Errorf("APEX_CONCURRENCY_CEILING must be at least 1, got %d", c.ConcurrencyCeil)
	}
	if c.MaxInvalidFrames < 1 {
		return fmt.Errorf("APEX_MAX_INVALID_FRAMES must be at least 1, got %d", c.MaxInvalidFrames)
	}

	if c.IsProduction() && c.OTLPEndpoint == "" {
		slog.Warn("OTEL_EXPORTER_OTLP_ENDPOINT not set — running in production without trace export")
	}

	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
