package config

import "time"

// Tracking controls the sensing loop.
type Tracking struct {
	PollInterval      time.Duration `yaml:"poll_interval"`
	Continuous        bool          `yaml:"continuous"`
	MinDistanceMeters float64       `yaml:"min_distance_meters"`
	MinInterval       time.Duration `yaml:"min_interval"`
	MaxTaskDistanceKm float64       `yaml:"max_task_distance_km"`
	EvaluationTimeout time.Duration `yaml:"evaluation_timeout"`
}

// Strategy is one acquisition tier.
type Strategy struct {
	Accuracy string        `yaml:"accuracy"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Location configures position acquisition.
type Location struct {
	Strategies          []Strategy    `yaml:"strategies"`
	SubscriptionTimeout time.Duration `yaml:"subscription_timeout"`
}

// Presence configures idle/productive accounting.
type Presence struct {
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
}

// Countdown configures task time-limit timers.
type Countdown struct {
	TickInterval      time.Duration `yaml:"tick_interval"`
	CriticalThreshold time.Duration `yaml:"critical_threshold"`
}

// Store selects the local persistence backend.
type Store struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path,omitempty"`
}

// Backend points at the remote task/presence service.
type Backend struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
	Token   string        `yaml:"token,omitempty"`
}

// ServerConfig configures the local status server.
type ServerConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
	// PasswordHash is an argon2id hash from "fieldtrack password". Empty
	// leaves the server open.
	PasswordHash string `yaml:"password_hash,omitempty"`
}

// Logging configures log output.
type Logging struct {
	Level string `yaml:"level"`
}

// Config represents the .fieldtrack/config.yaml file.
type Config struct {
	Tracking  Tracking     `yaml:"tracking"`
	Location  Location     `yaml:"location"`
	Presence  Presence     `yaml:"presence"`
	Countdown Countdown    `yaml:"countdown"`
	Store     Store        `yaml:"store"`
	Backend   Backend      `yaml:"backend"`
	Server    ServerConfig `yaml:"server"`
	Logging   Logging      `yaml:"logging"`
}

// Store backend values.
const (
	StoreBackendFile   = "file"
	StoreBackendSQLite = "sqlite"
	StoreBackendMemory = "memory"
)

// Accuracy tier values.
const (
	AccuracyHigh     = "high"
	AccuracyBalanced = "balanced"
	AccuracyLow      = "low"
)
