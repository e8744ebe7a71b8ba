package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setEnv sets an env var and restores the previous value on test cleanup.
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if had {
			os.Setenv(key, old)
		} else {
			os.Unsetenv(key)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "APEX_ROOT", "./apex-data")
	setEnv(t, "APEX_TTL_SECONDS", "")
	os.Unsetenv("APEX_TTL_SECONDS")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "./apex-data", cfg.Root)
	assert.Equal(t, DefaultTTLSeconds, cfg.TTLSeconds)
	assert.Equal(t, DefaultMaxFrameBytes, cfg.MaxFrameBytes)
	assert.Equal(t, DefaultConcurrencyCeil, cfg.ConcurrencyCeil)
	assert.Equal(t, DefaultDebtCeiling, cfg.DebtCeiling)
	assert.Equal(t, DefaultTimeoutFine, cfg.TimeoutFine)
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "APEX_ROOT", "/tmp/apex")
	setEnv(t, "APEX_TTL_SECONDS", "120")
	setEnv(t, "APEX_MAX_FRAME_BYTES", "65536")
	setEnv(t, "APEX_CONCURRENCY_CEILING", "8")
	setEnv(t, "APEX_TIMEOUT_FINE", "5.00")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/tmp/apex", cfg.Root)
	assert.Equal(t, 120, cfg.TTLSeconds)
	assert.Equal(t, 65536, cfg.MaxFrameBytes)
	assert.Equal(t, 8, cfg.ConcurrencyCeil)
	assert.Equal(t, "5.00", cfg.TimeoutFine)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name:    "missing root",
			config:  Config{Root: "", TTLSeconds: 60, MaxFrameBytes: 4096, ConcurrencyCeil: 1},
			wantErr: "APEX_ROOT is required",
		},
		{
			name:    "bad ttl",
			config:  Config{Root: "./x", TTLSeconds: 0, MaxFrameBytes: 4096, ConcurrencyCeil: 1},
			wantErr: "APEX_TTL_SECONDS",
		},
		{
			name:    "bad frame size",
			config:  Config{Root: "./x", TTLSeconds: 60, MaxFrameBytes: 10, ConcurrencyCeil: 1},
			wantErr: "APEX_MAX_FRAME_BYTES",
		},
		{
			name:    "bad concurrency ceiling",
			config:  Config{Root: "./x", TTLSeconds: 60, MaxFrameBytes: 4096, ConcurrencyCeil: 0},
			wantErr: "APEX_CONCURRENCY_CEILING",
		},
		{
			name:   "valid",
			config: Config{Root: "./x", TTLSeconds: 60, MaxFrameBytes: 4096, ConcurrencyCeil: 1, MaxInvalidFrames: 10},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_EnvHelpers(t *testing.T) {
	assert.True(t, (&Config{Env: "development"}).IsDevelopment())
	assert.True(t, (&Config{Env: "production"}).IsProduction())
	assert.False(t, (&Config{Env: "production"}).IsDevelopment())
}
