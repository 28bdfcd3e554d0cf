// Package events defines the typed events the tracking engine emits to its
// host, an in-process fan-out bus, and an append-only NDJSON journal used as
// the activity log.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of event.
type Type string

const (
	// TypeEntered is emitted when a task's in-range flag goes false to true.
	TypeEntered Type = "entered"
	// TypeExited is emitted when a task's in-range flag goes true to false.
	TypeExited Type = "exited"
	// TypeExpired is emitted once when a task's countdown reaches zero.
	TypeExpired Type = "expired"
	// TypeStats is a presence stats snapshot.
	TypeStats Type = "stats"
	// TypeLocationError reports a failed position acquisition.
	TypeLocationError Type = "location_error"

	// Lifecycle

	TypeTrackingStarted Type = "tracking_started"
	TypeTrackingStopped Type = "tracking_stopped"
	TypePaused          Type = "paused"
	TypeResumed         Type = "resumed"
)

// Event is one emitted occurrence. Events are serialized to JSON for the
// journal and the websocket feed.
type Event struct {
	// ID is a random identifier, stable across journal and feed.
	ID string `json:"id"`

	// Seq is assigned by the Bus on publish. Zero before publishing.
	Seq uint64 `json:"seq,omitempty"`

	Type   Type   `json:"type"`
	TaskID string `json:"task_id,omitempty"`

	// Timestamp is when the event happened according to the engine clock.
	Timestamp time.Time `json:"timestamp"`

	// Data carries the type-specific payload. Use the typed accessors.
	Data json.RawMessage `json:"data,omitempty"`
}

// TransitionData is the payload of entered and exited events.
type TransitionData struct {
	TaskID         string  `json:"task_id"`
	Title          string  `json:"title,omitempty"`
	DistanceMeters float64 `json:"distance_meters"`
	RadiusMeters   float64 `json:"radius_meters"`
}

// ExpiredData is the payload of expired events.
type ExpiredData struct {
	TaskID          string    `json:"task_id"`
	EndAt           time.Time `json:"end_at"`
	DurationMinutes int       `json:"duration_minutes"`
}

// StatsData is the payload of stats events.
type StatsData struct {
	Active               bool    `json:"active"`
	IdleMinutes          float64 `json:"idle_minutes"`
	ProductiveMinutes    float64 `json:"productive_minutes"`
	TotalMinutes         float64 `json:"total_minutes"`
	IdlePercentage       float64 `json:"idle_percentage"`
	ProductivePercentage float64 `json:"productive_percentage"`
	CurrentTaskID        string  `json:"current_task_id,omitempty"`
}

// LocationErrorData is the payload of location_error events.
type LocationErrorData struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// New creates an event with a fresh id. data may be nil.
func New(t Type, taskID string, at time.Time, data any) (*Event, error) {
	e := &Event{
		ID:        uuid.NewString(),
		Type:      t,
		TaskID:    taskID,
		Timestamp: at.UTC(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s event data: %w", t, err)
		}
		e.Data = raw
	}
	return e, nil
}

// MustNew creates an event, panicking on error. Use only with payloads known
// to be serializable.
func MustNew(t Type, taskID string, at time.Time, data any) *Event {
	e, err := New(t, taskID, at, data)
	if err != nil {
		panic(err)
	}
	return e
}

// Unmarshal decodes an event from JSON.
func Unmarshal(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	return &e, nil
}

// TransitionData returns the payload of an entered or exited event.
func (e *Event) TransitionData() (*TransitionData, error) {
	if e.Type != TypeEntered && e.Type != TypeExited {
		return nil, fmt.Errorf("event is not a transition event: %s", e.Type)
	}
	var d TransitionData
	if err := json.Unmarshal(e.Data, &d); err != nil {
		return nil, fmt.Errorf("failed to unmarshal transition data: %w", err)
	}
	return &d, nil
}

// ExpiredData returns the payload of an expired event.
func (e *Event) ExpiredData() (*ExpiredData, error) {
	if e.Type != TypeExpired {
		return nil, fmt.Errorf("event is not an expired event: %s", e.Type)
	}
	var d ExpiredData
	if err := json.Unmarshal(e.Data, &d); err != nil {
		return nil, fmt.Errorf("failed to unmarshal expired data: %w", err)
	}
	return &d, nil
}

// StatsData returns the payload of a stats event. The tracking_started and
// tracking_stopped events carry the same payload.
func (e *Event) StatsData() (*StatsData, error) {
	switch e.Type {
	case TypeStats, TypeTrackingStarted, TypeTrackingStopped:
	default:
		return nil, fmt.Errorf("event does not carry stats: %s", e.Type)
	}
	var d StatsData
	if err := json.Unmarshal(e.Data, &d); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stats data: %w", err)
	}
	return &d, nil
}

// LocationErrorData returns the payload of a location_error event.
func (e *Event) LocationErrorData() (*LocationErrorData, error) {
	if e.Type != TypeLocationError {
		return nil, fmt.Errorf("event is not a location error event: %s", e.Type)
	}
	var d LocationErrorData
	if err := json.Unmarshal(e.Data, &d); err != nil {
		return nil, fmt.Errorf("failed to unmarshal location error data: %w", err)
	}
	return &d, nil
}
