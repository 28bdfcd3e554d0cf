package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpDir := t.TempDir()
	dir := filepath.Join(tmpDir, DirName)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o644))
	return tmpDir
}

func TestLoadConfig_Default(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, DefaultPollInterval, cfg.Tracking.PollInterval)
	assert.Equal(t, DefaultMaxTaskDistanceKm, cfg.Tracking.MaxTaskDistanceKm)
	assert.Equal(t, DefaultStrategies(), cfg.Location.Strategies)
	assert.Equal(t, DefaultTickInterval, cfg.Countdown.TickInterval)
	assert.Equal(t, DefaultCriticalThreshold, cfg.Countdown.CriticalThreshold)
	assert.Equal(t, StoreBackendFile, cfg.Store.Backend)
	assert.Equal(t, DefaultServerPort, cfg.Server.Port)
	assert.False(t, cfg.Server.Enabled)
}

func TestLoadConfig_ValidFile(t *testing.T) {
	t.Parallel()

	base := writeConfig(t, `tracking:
  poll_interval: 30s
  continuous: true
  min_distance_meters: 25
  max_task_distance_km: 2.5
location:
  strategies:
    - accuracy: balanced
      timeout: 4s
    - accuracy: low
      timeout: 2s
  subscription_timeout: 20s
presence:
  reconcile_interval: 2m
countdown:
  critical_threshold: 10m
store:
  backend: sqlite
  path: /var/lib/fieldtrack/state.db
backend:
  base_url: https://tasks.example.com/api
  timeout: 3s
server:
  enabled: true
  port: 9090
logging:
  level: debug
`)

	cfg, err := LoadConfig(base)
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.Tracking.PollInterval)
	assert.True(t, cfg.Tracking.Continuous)
	assert.Equal(t, 25.0, cfg.Tracking.MinDistanceMeters)
	assert.Equal(t, 2.5, cfg.Tracking.MaxTaskDistanceKm)
	require.Len(t, cfg.Location.Strategies, 2)
	assert.Equal(t, Strategy{Accuracy: AccuracyBalanced, Timeout: 4 * time.Second}, cfg.Location.Strategies[0])
	assert.Equal(t, 20*time.Second, cfg.Location.SubscriptionTimeout)
	assert.Equal(t, 2*time.Minute, cfg.Presence.ReconcileInterval)
	assert.Equal(t, 10*time.Minute, cfg.Countdown.CriticalThreshold)
	assert.Equal(t, StoreBackendSQLite, cfg.Store.Backend)
	assert.Equal(t, "https://tasks.example.com/api", cfg.Backend.BaseURL)
	assert.True(t, cfg.Server.Enabled)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Untouched sections keep their defaults.
	assert.Equal(t, DefaultTickInterval, cfg.Countdown.TickInterval)
	assert.Equal(t, DefaultEvaluationTimeout, cfg.Tracking.EvaluationTimeout)
	assert.Equal(t, "/var/lib/fieldtrack/state.db", StorePath(base, cfg))
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	t.Parallel()

	base := writeConfig(t, "tracking: [not a map")
	_, err := LoadConfig(base)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")
}

func TestLoadConfig_ValidationErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		field   string
	}{
		{"zero poll interval", "tracking:\n  poll_interval: 0s\n", "tracking.poll_interval"},
		{"negative distance", "tracking:\n  min_distance_meters: -1\n", "tracking.min_distance_meters"},
		{"zero max distance", "tracking:\n  max_task_distance_km: 0\n", "tracking.max_task_distance_km"},
		{"empty strategies", "location:\n  strategies: []\n", "location.strategies"},
		{"bad accuracy", "location:\n  strategies:\n    - accuracy: perfect\n      timeout: 1s\n", "location.strategies[0].accuracy"},
		{"missing timeout", "location:\n  strategies:\n    - accuracy: high\n", "location.strategies[0].timeout"},
		{"zero tick", "countdown:\n  tick_interval: 0s\n", "countdown.tick_interval"},
		{"bad store", "store:\n  backend: redis\n", "store.backend"},
		{"bad port", "server:\n  port: 70000\n", "server.port"},
		{"bad password hash", "server:\n  password_hash: plaintext\n", "server.password_hash"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := LoadConfig(writeConfig(t, tt.content))
			require.Error(t, err)
			require.True(t, IsValidationError(err), "expected ValidationError, got %v", err)

			var ve ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestStorePath(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	assert.Equal(t, filepath.Join("/base", DirName, "state"), StorePath("/base", &cfg))

	cfg.Store.Backend = StoreBackendSQLite
	assert.Equal(t, filepath.Join("/base", DirName, "state.db"), StorePath("/base", &cfg))
}

func TestValidationError(t *testing.T) {
	t.Parallel()

	err := ValidationError{Field: "server.port", Message: "must be between 0 and 65535"}
	assert.Equal(t, "validation error: server.port: must be between 0 and 65535", err.Error())
	assert.False(t, IsValidationError(os.ErrNotExist))
}
