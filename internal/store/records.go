package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/thruflo/fieldtrack/internal/geo"
)

// RecordVersion is the schema version written into every envelope.
const RecordVersion = 1

// Key prefixes. Every per-task key is <prefix><taskID>.
const (
	TimerPrefix     = "timer/"
	ProximityPrefix = "proximity/"
	LastPositionKey = "position/last"
)

// Record kinds stored in the envelope.
const (
	KindTimer     = "timer"
	KindProximity = "proximity"
	KindPosition  = "position"
)

// envelope wraps every stored record with its schema version and kind.
type envelope struct {
	Version   int             `json:"v"`
	Kind      string          `json:"kind"`
	WrittenAt time.Time       `json:"written_at"`
	Data      json.RawMessage `json:"data"`
}

// TimerRecord is the persisted state of one task's countdown.
type TimerRecord struct {
	TaskID                  string    `json:"task_id"`
	StartedAt               time.Time `json:"started_at"`
	DurationMinutes         int       `json:"duration_minutes"`
	EndAt                   time.Time `json:"end_at"`
	Active                  bool      `json:"active"`
	LastStatus              string    `json:"last_status,omitempty"`
	InitialRemainingSeconds int64     `json:"initial_remaining_seconds"`
	// Expired marks a tombstone left behind by a countdown that already
	// fired. It is never resumed.
	Expired                 bool      `json:"expired,omitempty"`
}

// Resumable reports whether the record can safely drive a countdown. A record
// that is inactive or lacks an end instant is treated as partial state.
func (r *TimerRecord) Resumable() bool {
	return r != nil && r.Active && !r.Expired && !r.EndAt.IsZero() && r.TaskID != ""
}

// Tombstone reports whether the record marks a countdown that already fired.
func (r *TimerRecord) Tombstone() bool {
	return r != nil && r.Expired && r.TaskID != ""
}

// ProximityRecord mirrors one task's in-range flag.
type ProximityRecord struct {
	TaskID           string    `json:"task_id"`
	InRange          bool      `json:"in_range"`
	LastTransitionAt time.Time `json:"last_transition_at"`
	Current          bool      `json:"current,omitempty"`
}

// Records provides typed, versioned access to the engine's persisted state.
type Records struct {
	kv    KV
	clock clockwork.Clock
}

// RecordsOption configures Records.
type RecordsOption func(*Records)

// WithClock stamps envelopes from clock instead of the wall clock.
func WithClock(clock clockwork.Clock) RecordsOption {
	return func(r *Records) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// NewRecords wraps a KV.
func NewRecords(kv KV, opts ...RecordsOption) *Records {
	r := &Records{kv: kv, clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// KV returns the underlying key-value store.
func (r *Records) KV() KV {
	return r.kv
}

func (r *Records) put(ctx context.Context, key, kind string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s record: %w", kind, err)
	}
	env, err := json.Marshal(envelope{
		Version:   RecordVersion,
		Kind:      kind,
		WrittenAt: r.clock.Now().UTC(),
		Data:      data,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal %s envelope: %w", kind, err)
	}
	return r.kv.Put(ctx, key, env)
}

// get decodes the record at key into v. It returns false when the key is
// missing.
func (r *Records) get(ctx context.Context, key, kind string, v any) (bool, error) {
	raw, err := r.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, decode(raw, kind, v)
}

func decode(raw []byte, kind string, v any) error {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("failed to parse %s envelope: %w", kind, err)
	}
	if env.Version != RecordVersion {
		return fmt.Errorf("%w: %s record has version %d", ErrUnsupportedVersion, kind, env.Version)
	}
	if env.Kind != kind {
		return fmt.Errorf("record kind %q, want %q", env.Kind, kind)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("failed to parse %s record: %w", kind, err)
	}
	return nil
}

// LoadTimer returns the timer record for a task, or nil if none is stored.
func (r *Records) LoadTimer(ctx context.Context, taskID string) (*TimerRecord, error) {
	var rec TimerRecord
	found, err := r.get(ctx, TimerPrefix+taskID, KindTimer, &rec)
	if err != nil || !found {
		return nil, err
	}
	return &rec, nil
}

// SaveTimer writes a task's timer record as one unit.
func (r *Records) SaveTimer(ctx context.Context, rec *TimerRecord) error {
	if rec == nil || rec.TaskID == "" {
		return errors.New("timer record requires a task id")
	}
	return r.put(ctx, TimerPrefix+rec.TaskID, KindTimer, rec)
}

// DeleteTimer removes a task's timer record.
func (r *Records) DeleteTimer(ctx context.Context, taskID string) error {
	return r.kv.Delete(ctx, TimerPrefix+taskID)
}

// ListTimers returns every decodable timer record. Records that fail to
// decode are skipped and reported by key in the second return value.
func (r *Records) ListTimers(ctx context.Context) ([]*TimerRecord, []string, error) {
	entries, err := r.kv.List(ctx, TimerPrefix)
	if err != nil {
		return nil, nil, err
	}

	var recs []*TimerRecord
	var bad []string
	for _, e := range entries {
		var rec TimerRecord
		if err := decode(e.Value, KindTimer, &rec); err != nil {
			bad = append(bad, e.Key)
			continue
		}
		recs = append(recs, &rec)
	}
	return recs, bad, nil
}

// SaveProximity writes a task's proximity record.
func (r *Records) SaveProximity(ctx context.Context, rec *ProximityRecord) error {
	if rec == nil || rec.TaskID == "" {
		return errors.New("proximity record requires a task id")
	}
	return r.put(ctx, ProximityPrefix+rec.TaskID, KindProximity, rec)
}

// DeleteProximity removes a task's proximity record.
func (r *Records) DeleteProximity(ctx context.Context, taskID string) error {
	return r.kv.Delete(ctx, ProximityPrefix+taskID)
}

// ListProximity returns all decodable proximity records.
func (r *Records) ListProximity(ctx context.Context) ([]*ProximityRecord, error) {
	entries, err := r.kv.List(ctx, ProximityPrefix)
	if err != nil {
		return nil, err
	}

	var recs []*ProximityRecord
	for _, e := range entries {
		var rec ProximityRecord
		if err := decode(e.Value, KindProximity, &rec); err != nil {
			continue // Skip invalid records
		}
		if rec.TaskID == "" {
			rec.TaskID = strings.TrimPrefix(e.Key, ProximityPrefix)
		}
		recs = append(recs, &rec)
	}
	return recs, nil
}

// SaveLastPosition stores the most recent successful fix.
func (r *Records) SaveLastPosition(ctx context.Context, pos geo.Position) error {
	return r.put(ctx, LastPositionKey, KindPosition, pos)
}

// LoadLastPosition returns the stored fix, or nil if none exists.
func (r *Records) LoadLastPosition(ctx context.Context) (*geo.Position, error) {
	var pos geo.Position
	found, err := r.get(ctx, LastPositionKey, KindPosition, &pos)
	if err != nil || !found {
		return nil, err
	}
	return &pos, nil
}
