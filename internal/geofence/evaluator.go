// Package geofence decides which tasks a position is inside, emits entered and
// exited transitions, and selects the single current task used for presence
// accounting.
//
// Every distance here is in meters. An Evaluator owns its proximity state;
// independent evaluators never share it.
package geofence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/thruflo/fieldtrack/internal/backend"
	"github.com/thruflo/fieldtrack/internal/geo"
	"github.com/thruflo/fieldtrack/internal/logging"
	"github.com/thruflo/fieldtrack/internal/metrics"
	"github.com/thruflo/fieldtrack/internal/store"
)

// ErrEvaluationInFlight is returned when Evaluate is called while a previous
// evaluation has not finished.
var ErrEvaluationInFlight = errors.New("geofence evaluation already in flight")

// boundaryToleranceMeters absorbs float error at the inclusive boundary.
const boundaryToleranceMeters = 1e-6

// Kind is the direction of a transition.
type Kind string

const (
	Entered Kind = "entered"
	Exited  Kind = "exited"
)

// Transition is a change of a task's in-range flag.
type Transition struct {
	Kind           Kind
	Task           geo.Task
	DistanceMeters float64
	At             time.Time
}

// TaskDistance pairs a task with its distance from the evaluated position.
type TaskDistance struct {
	Task           geo.Task
	DistanceMeters float64
}

// SkippedTask is a task excluded from evaluation because its data is
// malformed.
type SkippedTask struct {
	TaskID string
	Err    error
}

// Result is the outcome of one evaluation.
type Result struct {
	Transitions []Transition

	// Current is the nearest in-range task, or nil.
	Current               *geo.Task
	CurrentDistanceMeters float64

	// InRange lists in-range tasks nearest first, ties by id.
	InRange []TaskDistance

	Skipped []SkippedTask

	// MirrorErr is set when the remote mirror call failed. The local
	// decision stands and the mirror is retried on the next evaluation.
	MirrorErr error
}

// CurrentID returns the current task's id, or "".
func (r *Result) CurrentID() string {
	if r == nil || r.Current == nil {
		return ""
	}
	return r.Current.ID
}

// State is the per-task proximity view returned by Snapshot.
type State struct {
	TaskID           string    `json:"task_id"`
	InRange          bool      `json:"in_range"`
	LastTransitionAt time.Time `json:"last_transition_at"`
	DistanceMeters   float64   `json:"distance_meters"`
	Current          bool      `json:"current"`
}

// Mirror receives the selected current task. backend.Client satisfies it.
type Mirror interface {
	UpdateProximityState(ctx context.Context, update backend.ProximityUpdate) error
}

// Options configures an Evaluator.
type Options struct {
	// Mirror is the remote proximity mirror. Optional.
	Mirror Mirror

	// Records persists proximity state locally for restarts. Optional.
	Records *store.Records

	// Listener is called for every transition, in order, before the mirror
	// call. Optional.
	Listener func(Transition)

	Clock   clockwork.Clock
	Logger  *logging.Logger
	Metrics metrics.Recorder
}

type proximity struct {
	task             geo.Task
	inRange          bool
	lastTransitionAt time.Time
	distance         float64
}

// Evaluator computes geofence transitions. Calls to Evaluate are serialized
// by an in-flight guard: an overlapping call fails fast.
type Evaluator struct {
	mirror   Mirror
	records  *store.Records
	listener func(Transition)
	clock    clockwork.Clock
	logger   *logging.Logger
	metrics  metrics.Recorder

	inFlight atomic.Bool

	mu            sync.Mutex
	state         map[string]*proximity
	currentID     string
	lastMirrored  *backend.ProximityUpdate
	mirrorPending bool
}

// New creates an Evaluator.
func New(opts Options) *Evaluator {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Component("geofence")
	}
	return &Evaluator{
		mirror:   opts.Mirror,
		records:  opts.Records,
		listener: opts.Listener,
		clock:    clock,
		logger:   logger,
		metrics:  metrics.OrNil(opts.Metrics),
		state:    make(map[string]*proximity),
	}
}

// InRange reports whether pos lies within the task's radius. The boundary is
// inclusive.
func InRange(pos geo.Point, task geo.Task) (bool, float64) {
	d := geo.Haversine(pos, task.Center)
	return d <= task.RadiusMeters()+boundaryToleranceMeters, d
}

// Restore seeds the in-memory state from persisted proximity records so a
// restarted process does not re-emit entered for tasks it was already inside.
// It fails with ErrEvaluationInFlight while an evaluation is running.
func (e *Evaluator) Restore(ctx context.Context) error {
	if !e.inFlight.CompareAndSwap(false, true) {
		return ErrEvaluationInFlight
	}
	defer e.inFlight.Store(false)
	if e.records == nil {
		return nil
	}

	recs, err := e.records.ListProximity(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore proximity state: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, rec := range recs {
		e.state[rec.TaskID] = &proximity{
			task:             geo.Task{ID: rec.TaskID},
			inRange:          rec.InRange,
			lastTransitionAt: rec.LastTransitionAt,
		}
		if rec.Current && rec.InRange {
			e.currentID = rec.TaskID
		}
	}
	e.logger.Debug("restored proximity state", "tasks", len(recs), "current", e.currentID)
	return nil
}

// Evaluate compares pos against tasks, updates proximity state and returns the
// resulting transitions and current task. Completed and cancelled tasks are
// ignored; malformed ones are reported in Result.Skipped. A task that was in
// range and is no longer part of tasks exits.
func (e *Evaluator) Evaluate(ctx context.Context, pos geo.Position, tasks []geo.Task) (*Result, error) {
	if !e.inFlight.CompareAndSwap(false, true) {
		e.metrics.RecordEvaluationSkipped("in_flight")
		return nil, ErrEvaluationInFlight
	}
	defer e.inFlight.Store(false)

	if !pos.Point().Valid() {
		return nil, fmt.Errorf("invalid position (%v, %v)", pos.Latitude, pos.Longitude)
	}

	start := e.clock.Now()
	now := start
	res := &Result{}

	e.mu.Lock()
	prevCurrent := e.currentID
	seen := make(map[string]bool, len(tasks))
	dirty := make(map[string]bool)

	for _, task := range tasks {
		if geo.IsFinishedStatus(task.Status) {
			continue
		}
		if err := task.Validate(); err != nil {
			res.Skipped = append(res.Skipped, SkippedTask{TaskID: task.ID, Err: err})
			e.metrics.RecordEvaluationSkipped("malformed")
			e.logger.Warn("skipping malformed task", "task", task.ID, "error", err)
			continue
		}
		if seen[task.ID] {
			err := fmt.Errorf("%w: duplicate task id %s", geo.ErrMalformedTask, task.ID)
			res.Skipped = append(res.Skipped, SkippedTask{TaskID: task.ID, Err: err})
			e.metrics.RecordEvaluationSkipped("malformed")
			continue
		}
		seen[task.ID] = true

		in, d := InRange(pos.Point(), task)
		st, ok := e.state[task.ID]
		if !ok {
			st = &proximity{}
			e.state[task.ID] = st
		}
		st.task = task
		st.distance = d

		if in != st.inRange {
			kind := Entered
			if !in {
				kind = Exited
			}
			st.inRange = in
			st.lastTransitionAt = now
			res.Transitions = append(res.Transitions, Transition{Kind: kind, Task: task, DistanceMeters: d, At: now})
			dirty[task.ID] = true
		}
		if in {
			res.InRange = append(res.InRange, TaskDistance{Task: task, DistanceMeters: d})
		}
	}

	var gone []string
	for id := range e.state {
		if !seen[id] {
			gone = append(gone, id)
		}
	}
	sort.Strings(gone)
	for _, id := range gone {
		st := e.state[id]
		if st.inRange {
			res.Transitions = append(res.Transitions, Transition{Kind: Exited, Task: st.task, DistanceMeters: st.distance, At: now})
		}
		delete(e.state, id)
	}

	sort.SliceStable(res.InRange, func(i, j int) bool {
		a, b := res.InRange[i], res.InRange[j]
		if a.DistanceMeters != b.DistanceMeters {
			return a.DistanceMeters < b.DistanceMeters
		}
		return a.Task.ID < b.Task.ID
	})

	e.currentID = ""
	if len(res.InRange) > 0 {
		cur := res.InRange[0].Task
		res.Current = &cur
		res.CurrentDistanceMeters = res.InRange[0].DistanceMeters
		e.currentID = cur.ID
	}
	if e.currentID != prevCurrent {
		if prevCurrent != "" && e.state[prevCurrent] != nil {
			dirty[prevCurrent] = true
		}
		if e.currentID != "" {
			dirty[e.currentID] = true
		}
	}

	writes := make([]*store.ProximityRecord, 0, len(dirty))
	for id := range dirty {
		st := e.state[id]
		writes = append(writes, &store.ProximityRecord{
			TaskID:           id,
			InRange:          st.inRange,
			LastTransitionAt: st.lastTransitionAt,
			Current:          id == e.currentID,
		})
	}
	update := backend.ProximityUpdate{IsInTaskRadius: res.Current != nil, TaskID: e.currentID}
	needMirror := e.mirror != nil && (e.mirrorPending || e.lastMirrored == nil || *e.lastMirrored != update)
	e.mu.Unlock()

	e.persist(ctx, writes, gone)

	for _, tr := range res.Transitions {
		e.metrics.RecordTransition(string(tr.Kind))
		e.logger.Info("geofence transition", "kind", tr.Kind, "task", tr.Task.ID, "distance_m", tr.DistanceMeters)
		if e.listener != nil {
			e.listener(tr)
		}
	}

	if needMirror {
		res.MirrorErr = e.mirrorState(ctx, update)
	}

	e.metrics.RecordEvaluation(e.clock.Since(start), len(res.InRange))
	return res, nil
}

// persist writes changed proximity records and removes records of tasks that
// left the evaluated set. Failures degrade to in-memory state.
func (e *Evaluator) persist(ctx context.Context, writes []*store.ProximityRecord, gone []string) {
	if e.records == nil {
		return
	}
	for _, rec := range writes {
		if err := e.records.SaveProximity(ctx, rec); err != nil {
			e.logger.Warn("failed to persist proximity state", "task", rec.TaskID, "error", err)
		}
	}
	for _, id := range gone {
		if err := e.records.DeleteProximity(ctx, id); err != nil {
			e.logger.Warn("failed to delete proximity state", "task", id, "error", err)
		}
	}
}

func (e *Evaluator) mirrorState(ctx context.Context, update backend.ProximityUpdate) error {
	err := e.mirror.UpdateProximityState(ctx, update)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.mirrorPending = true
		e.metrics.RecordMirrorFailure()
		e.logger.Warn("proximity mirror failed, will retry next tick", "task", update.TaskID, "error", err)
		return err
	}
	e.mirrorPending = false
	e.lastMirrored = &update
	return nil
}

// CurrentTaskID returns the id of the current task, or "".
func (e *Evaluator) CurrentTaskID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentID
}

// MirrorPending reports whether the last mirror call failed.
func (e *Evaluator) MirrorPending() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mirrorPending
}

// Snapshot returns the proximity state of every known task, ordered by id.
func (e *Evaluator) Snapshot() []State {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]State, 0, len(e.state))
	for id, st := range e.state {
		out = append(out, State{
			TaskID:           id,
			InRange:          st.inRange,
			LastTransitionAt: st.lastTransitionAt,
			DistanceMeters:   st.distance,
			Current:          id == e.currentID,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}
