// Package presence converts current-task changes into idle and productive
// time for a tracking session and reconciles it with the remote aggregate.
package presence

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/thruflo/fieldtrack/internal/backend"
	"github.com/thruflo/fieldtrack/internal/logging"
	"github.com/thruflo/fieldtrack/internal/metrics"
)

// Stats is a point-in-time view of the session. Percentages are derived on
// every call.
type Stats struct {
	Active               bool      `json:"active"`
	SessionID            string    `json:"session_id,omitempty"`
	StartedAt            time.Time `json:"started_at,omitempty"`
	IdleMinutes          float64   `json:"idle_minutes"`
	ProductiveMinutes    float64   `json:"productive_minutes"`
	TotalMinutes         float64   `json:"total_minutes"`
	IdlePercentage       float64   `json:"idle_percentage"`
	ProductivePercentage float64   `json:"productive_percentage"`
	CurrentTaskID        string    `json:"current_task_id,omitempty"`
}

// StatsSource supplies the remote aggregate. backend.Client satisfies it.
type StatsSource interface {
	GetPresenceStats(ctx context.Context) (*backend.PresenceStats, error)
}

// Options configures an Accountant.
type Options struct {
	// Remote is the authoritative aggregate used by Reconcile. Optional.
	Remote StatsSource

	Clock   clockwork.Clock
	Logger  *logging.Logger
	Metrics metrics.Recorder
}

// Accountant keeps two buckets. Time is attributed in windows: each window
// starts at the previous change and is added to the productive bucket when a
// task was current during it, otherwise to the idle bucket. Because windows
// partition the session, idle + productive always equals the elapsed time.
type Accountant struct {
	remote  StatsSource
	clock   clockwork.Clock
	logger  *logging.Logger
	metrics metrics.Recorder

	mu          sync.Mutex
	active      bool
	sessionID   string
	startedAt   time.Time
	windowStart time.Time
	idle        time.Duration
	productive  time.Duration
	currentTask string

	lastRemote      *backend.PresenceStats
	lastReconcileAt time.Time
	failures        int
}

// New creates an Accountant.
func New(opts Options) *Accountant {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Component("presence")
	}
	return &Accountant{
		remote:  opts.Remote,
		clock:   clock,
		logger:  logger,
		metrics: metrics.OrNil(opts.Metrics),
	}
}

// Start opens a session at the current clock time with no current task.
// Starting an active session is a no-op.
func (a *Accountant) Start(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.active {
		return
	}
	now := a.clock.Now()
	a.active = true
	a.sessionID = sessionID
	a.startedAt = now
	a.windowStart = now
	a.idle = 0
	a.productive = 0
	a.currentTask = ""
	a.failures = 0
	a.lastRemote = nil
	a.logger.Debug("presence session started", "session", sessionID)
}

// Stop closes the session and returns its final stats. The accountant is reset.
func (a *Accountant) Stop() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.active {
		return Stats{}
	}
	a.closeWindow(a.clock.Now())
	final := a.statsLocked(a.windowStart)
	final.Active = false

	a.active = false
	a.sessionID = ""
	a.startedAt = time.Time{}
	a.windowStart = time.Time{}
	a.idle = 0
	a.productive = 0
	a.currentTask = ""
	a.logger.Debug("presence session stopped", "idle_min", final.IdleMinutes, "productive_min", final.ProductiveMinutes)
	return final
}

// closeWindow attributes [windowStart, now) to the bucket of the current task.
func (a *Accountant) closeWindow(now time.Time) {
	elapsed := now.Sub(a.windowStart)
	if elapsed < 0 {
		return
	}
	if a.currentTask != "" {
		a.productive += elapsed
	} else {
		a.idle += elapsed
	}
	a.windowStart = now
}

// OnEnter makes taskID the current task. Time until now goes to the previous
// bucket; entering a different task while productive switches tasks.
func (a *Accountant) OnEnter(taskID string) {
	if taskID == "" {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.active || a.currentTask == taskID {
		return
	}
	a.closeWindow(a.clock.Now())
	a.currentTask = taskID
}

// OnExit clears the current task if it is taskID and restarts the idle window.
func (a *Accountant) OnExit(taskID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.active || a.currentTask == "" || a.currentTask != taskID {
		return
	}
	a.closeWindow(a.clock.Now())
	a.currentTask = ""
}

// SetCurrent moves to taskID ("" for none) using OnEnter/OnExit semantics.
func (a *Accountant) SetCurrent(taskID string) {
	if taskID == "" {
		a.OnExit(a.CurrentTaskID())
		return
	}
	a.OnEnter(taskID)
}

// CurrentTaskID returns the task being attributed productive time, or "".
func (a *Accountant) CurrentTaskID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentTask
}

// Active reports whether a session is open.
func (a *Accountant) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

// Stats returns the session stats including the open window. With no session
// every value is zero.
func (a *Accountant) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.active {
		return Stats{}
	}
	s := a.statsLocked(a.clock.Now())
	a.metrics.SetPresence(s.IdleMinutes, s.ProductiveMinutes)
	return s
}

func (a *Accountant) statsLocked(now time.Time) Stats {
	idle, productive := a.idle, a.productive
	if open := now.Sub(a.windowStart); open > 0 {
		if a.currentTask != "" {
			productive += open
		} else {
			idle += open
		}
	}
	total := idle + productive

	s := Stats{
		Active:            a.active,
		SessionID:         a.sessionID,
		StartedAt:         a.startedAt,
		IdleMinutes:       idle.Minutes(),
		ProductiveMinutes: productive.Minutes(),
		TotalMinutes:      total.Minutes(),
		CurrentTaskID:     a.currentTask,
	}
	if total > 0 {
		s.IdlePercentage = float64(idle) / float64(total) * 100
		s.ProductivePercentage = float64(productive) / float64(total) * 100
	}
	return s
}

// Reconcile pulls the remote aggregate. It is applied only when both the
// remote and the local session are active: the buckets are rebased onto the
// remote values and the local current task is kept. A failed fetch leaves
// local accounting untouched and is counted.
func (a *Accountant) Reconcile(ctx context.Context) (bool, error) {
	if a.remote == nil {
		return false, nil
	}

	remote, err := a.remote.GetPresenceStats(ctx)

	a.mu.Lock()
	defer a.mu.Unlock()

	if err != nil {
		a.failures++
		a.metrics.RecordBackendError(backend.OpGetPresenceStats)
		a.logger.Warn("presence reconcile failed", "failures", a.failures, "error", err)
		return false, fmt.Errorf("failed to fetch presence stats: %w", err)
	}
	a.failures = 0

	idle, idleOK := minutesToDuration(remote.IdleMinutes)
	productive, productiveOK := minutesToDuration(remote.ProductiveMinutes)
	if !idleOK || !productiveOK {
		a.logger.Warn("ignoring invalid remote presence stats", "idle_min", remote.IdleMinutes, "productive_min", remote.ProductiveMinutes)
		return false, nil
	}
	cp := *remote
	a.lastRemote = &cp

	if !remote.Active || !a.active {
		return false, nil
	}

	now := a.clock.Now()

	a.idle = idle
	a.productive = productive
	a.startedAt = now.Add(-(idle + productive))
	a.windowStart = now
	a.lastReconcileAt = now
	a.logger.Debug("presence reconciled", "idle_min", remote.IdleMinutes, "productive_min", remote.ProductiveMinutes)
	return true, nil
}

// Failures returns the number of consecutive failed reconciliations.
func (a *Accountant) Failures() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.failures
}

// LastRemote returns the last successfully fetched remote aggregate, or nil.
func (a *Accountant) LastRemote() *backend.PresenceStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lastRemote == nil {
		return nil
	}
	cp := *a.lastRemote
	return &cp
}

// LastReconcileAt returns when remote stats were last applied.
func (a *Accountant) LastReconcileAt() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastReconcileAt
}

// maxMinutes is the largest minute count a time.Duration can hold.
const maxMinutes = float64(math.MaxInt64) / float64(time.Minute)

// minutesToDuration converts a remote minute count. NaN, infinite, negative
// and out of range values are rejected.
func minutesToDuration(m float64) (time.Duration, bool) {
	if math.IsNaN(m) || math.IsInf(m, 0) || m < 0 || m >= maxMinutes {
		return 0, false
	}
	return time.Duration(m * float64(time.Minute)), true
}
