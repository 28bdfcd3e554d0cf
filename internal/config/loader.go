package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DirName is the per-project directory holding config and local state.
const DirName = ".fieldtrack"

// Default values for Config.
const (
	DefaultPollInterval        = 20 * time.Second
	DefaultMinDistanceMeters   = 10.0
	DefaultMinInterval         = 10 * time.Second
	DefaultMaxTaskDistanceKm   = 5.0
	DefaultEvaluationTimeout   = 15 * time.Second
	DefaultSubscriptionTimeout = 15 * time.Second
	DefaultReconcileInterval   = 60 * time.Second
	DefaultTickInterval        = time.Second
	DefaultCriticalThreshold   = 5 * time.Minute
	DefaultBackendTimeout      = 10 * time.Second
	DefaultServerPort          = 8374
)

// DefaultStrategies returns the acquisition tiers, most accurate first.
func DefaultStrategies() []Strategy {
	return []Strategy{
		{Accuracy: AccuracyHigh, Timeout: 10 * time.Second},
		{Accuracy: AccuracyBalanced, Timeout: 8 * time.Second},
		{Accuracy: AccuracyLow, Timeout: 5 * time.Second},
	}
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		Tracking: Tracking{
			PollInterval:      DefaultPollInterval,
			MinDistanceMeters: DefaultMinDistanceMeters,
			MinInterval:       DefaultMinInterval,
			MaxTaskDistanceKm: DefaultMaxTaskDistanceKm,
			EvaluationTimeout: DefaultEvaluationTimeout,
		},
		Location: Location{
			Strategies:          DefaultStrategies(),
			SubscriptionTimeout: DefaultSubscriptionTimeout,
		},
		Presence: Presence{
			ReconcileInterval: DefaultReconcileInterval,
		},
		Countdown: Countdown{
			TickInterval:      DefaultTickInterval,
			CriticalThreshold: DefaultCriticalThreshold,
		},
		Store: Store{
			Backend: StoreBackendFile,
		},
		Backend: Backend{
			Timeout: DefaultBackendTimeout,
		},
		Server: ServerConfig{
			Port: DefaultServerPort,
		},
		Logging: Logging{
			Level: "warn",
		},
	}
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

// IsValidationError checks if an error is a ValidationError.
func IsValidationError(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}

// ConfigPath returns the config file location under basePath.
func ConfigPath(basePath string) string {
	return filepath.Join(basePath, DirName, "config.yaml")
}

// LoadConfig reads and parses .fieldtrack/config.yaml from the given base path.
// If the file doesn't exist, returns default config.
// Applies defaults for any missing fields.
func LoadConfig(basePath string) (*Config, error) {
	data, err := os.ReadFile(ConfigPath(basePath))
	if err != nil {
		if os.IsNotExist(err) {
			cfg := DefaultConfig()
			return &cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := ValidateConfig(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ValidateConfig checks that all config values are valid.
func ValidateConfig(cfg *Config) error {
	if cfg.Tracking.PollInterval <= 0 {
		return ValidationError{Field: "tracking.poll_interval", Message: "must be positive"}
	}
	if cfg.Tracking.MinDistanceMeters < 0 {
		return ValidationError{Field: "tracking.min_distance_meters", Message: "must not be negative"}
	}
	if cfg.Tracking.MinInterval < 0 {
		return ValidationError{Field: "tracking.min_interval", Message: "must not be negative"}
	}
	if cfg.Tracking.MaxTaskDistanceKm <= 0 {
		return ValidationError{Field: "tracking.max_task_distance_km", Message: "must be positive"}
	}
	if cfg.Tracking.EvaluationTimeout <= 0 {
		return ValidationError{Field: "tracking.evaluation_timeout", Message: "must be positive"}
	}

	if len(cfg.Location.Strategies) == 0 {
		return ValidationError{Field: "location.strategies", Message: "at least one strategy is required"}
	}
	for i, s := range cfg.Location.Strategies {
		field := fmt.Sprintf("location.strategies[%d]", i)
		switch s.Accuracy {
		case AccuracyHigh, AccuracyBalanced, AccuracyLow:
		default:
			return ValidationError{Field: field + ".accuracy", Message: fmt.Sprintf("unknown accuracy %q", s.Accuracy)}
		}
		if s.Timeout <= 0 {
			return ValidationError{Field: field + ".timeout", Message: "must be positive"}
		}
	}
	if cfg.Location.SubscriptionTimeout < 0 {
		return ValidationError{Field: "location.subscription_timeout", Message: "must not be negative"}
	}

	if cfg.Presence.ReconcileInterval <= 0 {
		return ValidationError{Field: "presence.reconcile_interval", Message: "must be positive"}
	}

	if cfg.Countdown.TickInterval <= 0 {
		return ValidationError{Field: "countdown.tick_interval", Message: "must be positive"}
	}
	if cfg.Countdown.CriticalThreshold < 0 {
		return ValidationError{Field: "countdown.critical_threshold", Message: "must not be negative"}
	}

	switch cfg.Store.Backend {
	case StoreBackendFile, StoreBackendSQLite, StoreBackendMemory:
	default:
		return ValidationError{Field: "store.backend", Message: fmt.Sprintf("unknown backend %q", cfg.Store.Backend)}
	}

	if cfg.Backend.Timeout <= 0 {
		return ValidationError{Field: "backend.timeout", Message: "must be positive"}
	}

	if err := ValidateServerConfig(&cfg.Server); err != nil {
		return err
	}

	return nil
}

// ValidateServerConfig checks that server config values are valid.
func ValidateServerConfig(cfg *ServerConfig) error {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return ValidationError{Field: "server.port", Message: "must be between 0 and 65535"}
	}
	if cfg.PasswordHash != "" && !strings.HasPrefix(cfg.PasswordHash, "$argon2id$") {
		return ValidationError{Field: "server.password_hash", Message: "must be an argon2id hash (see \"fieldtrack password\")"}
	}
	return nil
}

// StorePath resolves where the local store lives. An explicit store.path wins;
// otherwise the store sits under <base>/.fieldtrack.
func StorePath(basePath string, cfg *Config) string {
	if cfg.Store.Path != "" {
		return cfg.Store.Path
	}
	switch cfg.Store.Backend {
	case StoreBackendSQLite:
		return filepath.Join(basePath, DirName, "state.db")
	default:
		return filepath.Join(basePath, DirName, "state")
	}
}
