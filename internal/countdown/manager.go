package countdown

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/thruflo/fieldtrack/internal/backend"
	"github.com/thruflo/fieldtrack/internal/geo"
	"github.com/thruflo/fieldtrack/internal/logging"
	"github.com/thruflo/fieldtrack/internal/metrics"
	"github.com/thruflo/fieldtrack/internal/store"
)

// Default tick interval and critical threshold.
const (
	DefaultTickInterval      = time.Second
	DefaultCriticalThreshold = 5 * time.Minute
)

// Expiry describes a fired countdown.
type Expiry struct {
	TaskID          string
	EndAt           time.Time
	DurationMinutes int
	At              time.Time
}

// TaskUpdater records lazily-set task fields. backend.Client satisfies it.
type TaskUpdater interface {
	UpdateTask(ctx context.Context, taskID string, update backend.TaskUpdate) error
}

// Options configures a Manager.
type Options struct {
	// Records persists timer records. Required for restart survival; a nil
	// Records keeps timers in memory only.
	Records *store.Records

	// Updater receives lazily-set start instants. Optional.
	Updater TaskUpdater

	// OnExpired is called exactly once per expiry, before the record is
	// deleted. Optional.
	OnExpired func(ctx context.Context, e Expiry)

	TickInterval      time.Duration
	CriticalThreshold time.Duration

	Clock   clockwork.Clock
	Logger  *logging.Logger
	Metrics metrics.Recorder
}

// Manager owns the countdowns of every task, keyed by task id.
type Manager struct {
	records   *store.Records
	updater   TaskUpdater
	onExpired func(ctx context.Context, e Expiry)
	interval  time.Duration
	threshold time.Duration
	clock     clockwork.Clock
	logger    *logging.Logger
	metrics   metrics.Recorder

	mu      sync.Mutex
	timers  map[string]*Timer
	expired map[string]bool
}

// NewManager creates a Manager.
func NewManager(opts Options) *Manager {
	interval := opts.TickInterval
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	threshold := opts.CriticalThreshold
	if threshold <= 0 {
		threshold = DefaultCriticalThreshold
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Component("countdown")
	}
	return &Manager{
		records:   opts.Records,
		updater:   opts.Updater,
		onExpired: opts.OnExpired,
		interval:  interval,
		threshold: threshold,
		clock:     clock,
		logger:    logger,
		metrics:   metrics.OrNil(opts.Metrics),
		timers:    make(map[string]*Timer),
		expired:   make(map[string]bool),
	}
}

// Attach restores or arms the countdown for task. A persisted active record
// wins regardless of the task's status. Without one, a task in an active
// status with a time limit is armed; if it has no start instant yet the start
// is set to now, persisted, and sent to the task service. Attach returns
// false when the task has no countdown.
func (m *Manager) Attach(ctx context.Context, task geo.Task) (Status, bool) {
	if task.ID == "" {
		return Status{}, false
	}

	m.mu.Lock()
	if t, ok := m.timers[task.ID]; ok {
		m.mu.Unlock()
		return t.Status(), true
	}
	if m.expired[task.ID] {
		m.mu.Unlock()
		return Status{TaskID: task.ID, State: StateExpired}, false
	}
	m.mu.Unlock()

	rec := m.loadResumable(ctx, task.ID)
	if rec == nil && m.isExpired(task.ID) {
		return Status{TaskID: task.ID, State: StateExpired}, false
	}
	if rec != nil {
		m.logger.Debug("resuming countdown from record", "task", task.ID, "end_at", rec.EndAt)
	} else {
		rec = m.arm(ctx, task)
		if rec == nil {
			return Status{TaskID: task.ID, State: StateUninitialized}, false
		}
	}
	return m.run(*rec), true
}

// loadResumable returns the task's persisted record if it can drive a
// countdown. Partial, inactive or undecodable records are discarded. A
// tombstone is kept and marks the task expired.
func (m *Manager) loadResumable(ctx context.Context, taskID string) *store.TimerRecord {
	if m.records == nil {
		return nil
	}
	rec, err := m.records.LoadTimer(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrPersistence) {
			m.logger.Warn("failed to read timer record, continuing in memory", "task", taskID, "error", err)
			return nil
		}
		m.logger.Warn("discarding unreadable timer record", "task", taskID, "error", err)
		m.deleteRecord(ctx, taskID)
		return nil
	}
	if rec == nil {
		return nil
	}
	if rec.Tombstone() {
		m.markExpired(taskID)
		return nil
	}
	if !rec.Resumable() {
		m.logger.Info("discarding partial timer record", "task", taskID, "active", rec.Active, "end_at", rec.EndAt)
		m.deleteRecord(ctx, taskID)
		return nil
	}
	return rec
}

// arm builds and persists a fresh record from the task's own fields, or
// returns nil when the task should not have a countdown.
func (m *Manager) arm(ctx context.Context, task geo.Task) *store.TimerRecord {
	if !geo.IsActiveStatus(task.Status) || !task.HasTimeLimit() {
		return nil
	}

	now := m.clock.Now().UTC()
	var startedAt time.Time
	if task.TimeLimitSetAt != nil && !task.TimeLimitSetAt.IsZero() {
		startedAt = task.TimeLimitSetAt.UTC()
	} else {
		startedAt = now
		m.activate(ctx, task.ID, startedAt, *task.TimeLimitMinutes)
	}

	duration := time.Duration(*task.TimeLimitMinutes) * time.Minute
	endAt := startedAt.Add(duration)
	initial := endAt.Sub(now)
	if initial < 0 {
		initial = 0
	}
	rec := &store.TimerRecord{
		TaskID:                  task.ID,
		StartedAt:               startedAt,
		DurationMinutes:         *task.TimeLimitMinutes,
		EndAt:                   endAt,
		Active:                  true,
		LastStatus:              task.Status,
		InitialRemainingSeconds: int64(initial / time.Second),
	}
	if m.records != nil {
		if err := m.records.SaveTimer(ctx, rec); err != nil {
			m.logger.Warn("failed to persist timer record, continuing in memory", "task", task.ID, "error", err)
		}
	}
	m.logger.Info("countdown armed", "task", task.ID, "end_at", endAt, "minutes", rec.DurationMinutes)
	return rec
}

// activate records a lazily-set start instant with the task service. Failure
// is logged; the local record still carries the start.
func (m *Manager) activate(ctx context.Context, taskID string, startedAt time.Time, minutes int) {
	if m.updater == nil {
		return
	}
	at := startedAt
	mins := minutes
	if err := m.updater.UpdateTask(ctx, taskID, backend.TaskUpdate{TimeLimitSetAt: &at, TimeLimitMinutes: &mins}); err != nil {
		m.metrics.RecordBackendError(backend.OpUpdateTask)
		m.logger.Warn("failed to record time limit start", "task", taskID, "error", err)
	}
}

// run registers a timer for rec and starts it.
func (m *Manager) run(rec store.TimerRecord) Status {
	t := newTimer(rec, m.clock, m.interval, m.threshold, m.expire)

	m.mu.Lock()
	if existing, ok := m.timers[rec.TaskID]; ok {
		m.mu.Unlock()
		return existing.Status()
	}
	m.timers[rec.TaskID] = t
	m.metrics.SetActiveTimers(len(m.timers))
	m.mu.Unlock()

	t.start()
	return t.Status()
}

// expire is the timer's expiry hook. The record is replaced by a tombstone
// before the callback runs so a restart never fires it again.
func (m *Manager) expire(ctx context.Context, rec store.TimerRecord) {
	m.mu.Lock()
	delete(m.timers, rec.TaskID)
	m.expired[rec.TaskID] = true
	m.metrics.SetActiveTimers(len(m.timers))
	m.mu.Unlock()

	// The loop's context may already be cancelled by a concurrent Detach.
	m.saveTombstone(context.WithoutCancel(ctx), rec)

	m.metrics.RecordTimerExpired()
	m.logger.Info("countdown expired", "task", rec.TaskID, "end_at", rec.EndAt)

	if m.onExpired != nil {
		m.onExpired(ctx, Expiry{
			TaskID:          rec.TaskID,
			EndAt:           rec.EndAt,
			DurationMinutes: rec.DurationMinutes,
			At:              m.clock.Now(),
		})
	}
}

func (m *Manager) saveTombstone(ctx context.Context, rec store.TimerRecord) {
	if m.records == nil {
		return
	}
	tomb := &store.TimerRecord{
		TaskID:          rec.TaskID,
		StartedAt:       rec.StartedAt,
		DurationMinutes: rec.DurationMinutes,
		EndAt:           rec.EndAt,
		LastStatus:      rec.LastStatus,
		Expired:         true,
	}
	if err := m.records.SaveTimer(ctx, tomb); err != nil {
		m.logger.Warn("failed to persist expired timer record", "task", rec.TaskID, "error", err)
	}
}

func (m *Manager) markExpired(taskID string) {
	m.mu.Lock()
	m.expired[taskID] = true
	m.mu.Unlock()
}

func (m *Manager) isExpired(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expired[taskID]
}

func (m *Manager) deleteRecord(ctx context.Context, taskID string) {
	if m.records == nil {
		return
	}
	if err := m.records.DeleteTimer(ctx, taskID); err != nil {
		m.logger.Warn("failed to delete timer record", "task", taskID, "error", err)
	}
}

// take removes and returns the running timer for taskID.
func (m *Manager) take(taskID string) *Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.timers[taskID]
	delete(m.timers, taskID)
	m.metrics.SetActiveTimers(len(m.timers))
	return t
}

// Detach stops the task's tick loop and keeps its record so a later Attach
// or RestoreAll resumes it.
func (m *Manager) Detach(taskID string) {
	if t := m.take(taskID); t != nil {
		t.halt(StateStopped)
	}
}

// DetachAll detaches every running countdown.
func (m *Manager) DetachAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.timers))
	for id := range m.timers {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Detach(id)
	}
}

// Stop cancels the task's countdown and deletes its record, tombstone
// included, without firing the expiry callback.
func (m *Manager) Stop(ctx context.Context, taskID string) {
	if t := m.take(taskID); t != nil {
		t.halt(StateStopped)
		m.logger.Info("countdown stopped", "task", taskID)
	}
	m.mu.Lock()
	delete(m.expired, taskID)
	m.mu.Unlock()
	m.deleteRecord(ctx, taskID)
}

// Restart discards any countdown for task and arms a fresh one starting now.
func (m *Manager) Restart(ctx context.Context, task geo.Task) (Status, bool) {
	m.Stop(ctx, task.ID)

	task.TimeLimitSetAt = nil
	return m.Attach(ctx, task)
}

// RestoreAll resumes every persisted active record. Tombstones mark their
// task expired and other records that cannot be resumed are deleted. It
// returns the number of countdowns resumed; overdue ones fire immediately.
func (m *Manager) RestoreAll(ctx context.Context) (int, error) {
	if m.records == nil {
		return 0, nil
	}
	recs, bad, err := m.records.ListTimers(ctx)
	if err != nil {
		return 0, err
	}
	for _, key := range bad {
		m.logger.Warn("discarding unreadable timer record", "key", key)
		if err := m.records.KV().Delete(ctx, key); err != nil {
			m.logger.Warn("failed to delete timer record", "key", key, "error", err)
		}
	}

	n := 0
	for _, rec := range recs {
		if rec.Tombstone() {
			m.markExpired(rec.TaskID)
			continue
		}
		if !rec.Resumable() {
			m.logger.Info("discarding partial timer record", "task", rec.TaskID)
			m.deleteRecord(ctx, rec.TaskID)
			continue
		}
		m.run(*rec)
		n++
	}
	return n, nil
}

// Sync applies the task list: finished tasks have their countdown or
// tombstone cleared and tasks with a time limit are attached.
func (m *Manager) Sync(ctx context.Context, tasks []geo.Task) {
	for _, task := range tasks {
		switch {
		case geo.IsFinishedStatus(task.Status):
			m.mu.Lock()
			_, running := m.timers[task.ID]
			expired := m.expired[task.ID]
			m.mu.Unlock()
			if running || expired {
				m.Stop(ctx, task.ID)
			}
		case task.HasTimeLimit():
			m.Attach(ctx, task)
		}
	}
}

// CheckAll evaluates every running countdown against the clock now instead of
// waiting for the next tick. Countdowns that reached zero expire before it
// returns.
func (m *Manager) CheckAll(ctx context.Context) int {
	m.mu.Lock()
	timers := make([]*Timer, 0, len(m.timers))
	for _, t := range m.timers {
		timers = append(timers, t)
	}
	m.mu.Unlock()

	sort.Slice(timers, func(i, j int) bool { return timers[i].TaskID() < timers[j].TaskID() })
	expired := 0
	for _, t := range timers {
		if t.check(ctx) && t.State() == StateExpired {
			expired++
		}
	}
	return expired
}

// Status returns the countdown status for a running task.
func (m *Manager) Status(taskID string) (Status, bool) {
	m.mu.Lock()
	t, ok := m.timers[taskID]
	m.mu.Unlock()
	if !ok {
		return Status{}, false
	}
	return t.Status(), true
}

// Statuses returns the status of every running countdown, ordered by task id.
func (m *Manager) Statuses() []Status {
	m.mu.Lock()
	timers := make([]*Timer, 0, len(m.timers))
	for _, t := range m.timers {
		timers = append(timers, t)
	}
	m.mu.Unlock()

	out := make([]Status, 0, len(timers))
	for _, t := range timers {
		out = append(out, t.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// Running returns the number of running countdowns.
func (m *Manager) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}
