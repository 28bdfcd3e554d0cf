// Package backend defines the remote task and presence service contract the
// tracking engine consumes, an HTTP implementation of it, and an exported
// in-memory mock for tests and offline simulation.
package backend

import (
	"context"
	"errors"
	"time"

	"github.com/thruflo/fieldtrack/internal/geo"
)

// ErrNetwork wraps transport failures and non-2xx responses. It is always
// recoverable: callers retry on their next scheduled cycle.
var ErrNetwork = errors.New("network error")

// Client defines the remote operations used by the engine.
type Client interface {
	// StartPresenceSession begins a presence session server-side.
	StartPresenceSession(ctx context.Context) (*SessionInfo, error)

	// EndPresenceSession ends the current presence session.
	EndPresenceSession(ctx context.Context) error

	// GetPresenceStats returns the server's aggregate view of the session.
	GetPresenceStats(ctx context.Context) (*PresenceStats, error)

	// UpdateProximityState mirrors the local current-task decision.
	UpdateProximityState(ctx context.Context, update ProximityUpdate) error

	// ListNearbyTasks returns candidate tasks within maxDistanceKm of pos.
	ListNearbyTasks(ctx context.Context, pos geo.Position, maxDistanceKm float64) ([]geo.Task, error)

	// UpdateTask records lazily-set task fields such as the time limit start.
	UpdateTask(ctx context.Context, taskID string, update TaskUpdate) error
}

// SessionInfo describes a server-side presence session.
type SessionInfo struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"started_at"`
}

// PresenceStats is the server's aggregate for the active session.
type PresenceStats struct {
	Active            bool    `json:"active"`
	IdleMinutes       float64 `json:"idle_minutes"`
	ProductiveMinutes float64 `json:"productive_minutes"`
	TotalMinutes      float64 `json:"total_minutes"`
	IsInTaskRadius    bool    `json:"is_in_task_radius"`
	CurrentTaskID     string  `json:"current_task_id,omitempty"`
}

// ProximityUpdate is the payload of UpdateProximityState.
type ProximityUpdate struct {
	IsInTaskRadius bool   `json:"is_in_task_radius"`
	TaskID         string `json:"task_id,omitempty"`
}

// TaskUpdate is the payload of UpdateTask.
type TaskUpdate struct {
	TimeLimitSetAt   *time.Time `json:"time_limit_set_at,omitempty"`
	TimeLimitMinutes *int       `json:"time_limit_minutes,omitempty"`
}
