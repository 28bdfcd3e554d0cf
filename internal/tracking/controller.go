// Package tracking composes position sampling, geofence evaluation, presence
// accounting and task countdowns into one tracking session.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/thruflo/fieldtrack/internal/backend"
	"github.com/thruflo/fieldtrack/internal/config"
	"github.com/thruflo/fieldtrack/internal/countdown"
	"github.com/thruflo/fieldtrack/internal/events"
	"github.com/thruflo/fieldtrack/internal/geo"
	"github.com/thruflo/fieldtrack/internal/geofence"
	"github.com/thruflo/fieldtrack/internal/location"
	"github.com/thruflo/fieldtrack/internal/logging"
	"github.com/thruflo/fieldtrack/internal/metrics"
	"github.com/thruflo/fieldtrack/internal/presence"
	"github.com/thruflo/fieldtrack/internal/store"
)

var (
	// ErrAlreadyRunning is returned by Start on a running controller.
	ErrAlreadyRunning = errors.New("tracking already running")

	// ErrNotRunning is returned by operations that need a started session.
	ErrNotRunning = errors.New("tracking not running")

	// ErrPaused is returned by ProcessPosition while tracking is paused.
	ErrPaused = errors.New("tracking paused")
)

// Skip reasons reported to metrics.
const (
	skipSuperseded = "superseded"
	skipPaused     = "paused"
)

// Options holds the dependencies of a Controller.
type Options struct {
	// Config supplies intervals and limits. Defaults are used when nil.
	Config *config.Config

	// Backend is the remote task and presence service. Required.
	Backend backend.Client

	// Provider produces device positions. When nil no sampling loops run and
	// positions are fed through ProcessPosition.
	Provider location.Provider

	// Records persists proximity, timers and the last position. Optional.
	Records *store.Records

	// Bus receives every emitted event. A private bus is created when nil.
	Bus *events.Bus

	Clock   clockwork.Clock
	Logger  *logging.Logger
	Metrics metrics.Recorder
}

// Snapshot is a point-in-time view of the tracking session.
type Snapshot struct {
	Running       bool               `json:"running"`
	Paused        bool               `json:"paused"`
	SessionID     string             `json:"session_id,omitempty"`
	Position      *geo.Position      `json:"position,omitempty"`
	CurrentTaskID string             `json:"current_task_id,omitempty"`
	Tasks         int                `json:"tasks"`
	Ticks         uint64             `json:"ticks"`
	LastTickAt    time.Time          `json:"last_tick_at,omitempty"`
	Proximity     []geofence.State   `json:"proximity"`
	Presence      presence.Stats     `json:"presence"`
	Timers        []countdown.Status `json:"timers"`
	MirrorPending bool               `json:"mirror_pending"`
}

// Controller owns one tracking session. Positions are processed by a single
// worker fed through a one-slot mailbox: a newer position replaces one that
// has not been processed yet, so evaluations never queue up.
type Controller struct {
	cfg     config.Config
	client  backend.Client
	records *store.Records
	bus     *events.Bus
	clock   clockwork.Clock
	logger  *logging.Logger
	metrics metrics.Recorder

	source     *location.Source
	evaluator  *geofence.Evaluator
	accountant *presence.Accountant
	timers     *countdown.Manager

	mailbox chan geo.Position

	mu         sync.Mutex
	running    bool
	paused     bool
	held       *geo.Position
	sessionID  string
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	tasks      []geo.Task
	position   *geo.Position
	ticks      uint64
	lastTickAt time.Time
}

// New creates a Controller.
func New(opts Options) (*Controller, error) {
	if opts.Backend == nil {
		return nil, errors.New("tracking: backend is required")
	}
	cfg := config.DefaultConfig()
	if opts.Config != nil {
		cfg = *opts.Config
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Component("tracking")
	}
	rec := metrics.OrNil(opts.Metrics)
	bus := opts.Bus
	if bus == nil {
		bus = events.NewBus(events.BusOptions{Logger: logger})
	}

	c := &Controller{
		cfg:     cfg,
		client:  opts.Backend,
		records: opts.Records,
		bus:     bus,
		clock:   clock,
		logger:  logger,
		metrics: rec,
		mailbox: make(chan geo.Position, 1),
	}

	if opts.Provider != nil {
		c.source = location.NewSource(location.SourceOptions{
			Provider:          opts.Provider,
			Strategies:        location.StrategiesFromConfig(cfg.Location),
			PollInterval:      cfg.Tracking.PollInterval,
			Continuous:        cfg.Tracking.Continuous,
			MinDistanceMeters: cfg.Tracking.MinDistanceMeters,
			MinInterval:       cfg.Tracking.MinInterval,
			Records:           opts.Records,
			Clock:             clock,
			Logger:            logger.Component("location"),
			Metrics:           rec,
		})
	}
	c.evaluator = geofence.New(geofence.Options{
		Mirror:   opts.Backend,
		Records:  opts.Records,
		Listener: c.onTransition,
		Clock:    clock,
		Logger:   logger.Component("geofence"),
		Metrics:  rec,
	})
	c.accountant = presence.New(presence.Options{
		Remote:  opts.Backend,
		Clock:   clock,
		Logger:  logger.Component("presence"),
		Metrics: rec,
	})
	c.timers = countdown.NewManager(countdown.Options{
		Records:           opts.Records,
		Updater:           opts.Backend,
		OnExpired:         c.onExpired,
		TickInterval:      cfg.Countdown.TickInterval,
		CriticalThreshold: cfg.Countdown.CriticalThreshold,
		Clock:             clock,
		Logger:            logger.Component("countdown"),
		Metrics:           rec,
	})
	return c, nil
}

// Bus returns the event bus.
func (c *Controller) Bus() *events.Bus {
	return c.bus
}

// Timers returns the countdown manager.
func (c *Controller) Timers() *countdown.Manager {
	return c.timers
}

// Start restores persisted state, opens the presence session and starts the
// sampling, processing and reconcile loops. The loops run until Stop is
// called or ctx is done.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	c.running = true
	c.paused = false
	c.held = nil
	c.mu.Unlock()

	if err := c.evaluator.Restore(ctx); err != nil {
		c.logger.Warn("failed to restore proximity state", "error", err)
	}
	if n, err := c.timers.RestoreAll(ctx); err != nil {
		c.logger.Warn("failed to restore countdowns", "error", err)
	} else if n > 0 {
		c.logger.Info("restored countdowns", "count", n)
	}

	sessionID := uuid.NewString()
	if sess, err := c.client.StartPresenceSession(ctx); err != nil {
		c.metrics.RecordBackendError(backend.OpStartPresenceSession)
		c.logger.Warn("failed to start remote presence session, accounting locally", "error", err)
	} else if sess != nil && sess.ID != "" {
		sessionID = sess.ID
	}
	c.accountant.Start(sessionID)

	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.sessionID = sessionID
	c.cancel = cancel
	c.mu.Unlock()

	c.publish(events.TypeTrackingStarted, "", c.statsData(c.accountant.Stats()))

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.work(runCtx)
	}()
	go func() {
		defer c.wg.Done()
		c.reconcileLoop(runCtx)
	}()

	if c.source != nil {
		updates := c.source.Subscribe(runCtx, 4)
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.forward(updates)
		}()
		if err := c.source.Start(runCtx); err != nil {
			c.logger.Warn("failed to start location source", "error", err)
		}
	}

	c.logger.Info("tracking started", "session", sessionID)
	return nil
}

// Stop cancels every loop, detaches countdowns (their records are kept), ends
// the remote session and returns the final presence stats.
func (c *Controller) Stop(ctx context.Context) (presence.Stats, error) {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return presence.Stats{}, ErrNotRunning
	}
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	if c.source != nil {
		c.source.Stop()
	}
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()

	c.timers.DetachAll()
	if err := c.client.EndPresenceSession(ctx); err != nil {
		c.metrics.RecordBackendError(backend.OpEndPresenceSession)
		c.logger.Warn("failed to end remote presence session", "error", err)
	}
	final := c.accountant.Stop()

	c.mu.Lock()
	c.running = false
	c.paused = false
	c.held = nil
	c.sessionID = ""
	c.mu.Unlock()

	c.publish(events.TypeTrackingStopped, "", c.statsData(final))
	c.logger.Info("tracking stopped", "idle_min", final.IdleMinutes, "productive_min", final.ProductiveMinutes)
	return final, nil
}

// Pause suspends position processing. Presence keeps accruing in the
// current bucket.
func (c *Controller) Pause() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return ErrNotRunning
	}
	if c.paused {
		c.mu.Unlock()
		return nil
	}
	c.paused = true
	c.mu.Unlock()

	// Drop a position queued before the pause.
	select {
	case <-c.mailbox:
	default:
	}
	c.publish(events.TypePaused, "", nil)
	return nil
}

// Resume restarts position processing. Countdowns are checked at once and the
// newest position that arrived while paused, if any, is processed first.
func (c *Controller) Resume() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return ErrNotRunning
	}
	if !c.paused {
		c.mu.Unlock()
		return nil
	}
	c.paused = false
	held := c.held
	c.held = nil
	c.mu.Unlock()

	c.publish(events.TypeResumed, "", nil)
	c.timers.CheckAll(context.Background())
	if held != nil {
		c.enqueue(*held)
	}
	return nil
}

// Paused reports whether processing is suspended.
func (c *Controller) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// Submit hands a position to the worker. It replaces a position that is still
// waiting to be processed.
func (c *Controller) Submit(pos geo.Position) {
	c.enqueue(pos)
}

func (c *Controller) enqueue(pos geo.Position) {
	c.mu.Lock()
	if c.paused {
		c.held = &pos
		c.mu.Unlock()
		c.metrics.RecordEvaluationSkipped(skipPaused)
		return
	}
	c.mu.Unlock()

	for {
		select {
		case c.mailbox <- pos:
			return
		default:
		}
		select {
		case <-c.mailbox:
			c.metrics.RecordEvaluationSkipped(skipSuperseded)
		default:
		}
	}
}

// forward moves source updates into the mailbox and publishes acquisition
// errors.
func (c *Controller) forward(updates <-chan location.Update) {
	for u := range updates {
		if u.Err != nil {
			c.publish(events.TypeLocationError, "", events.LocationErrorData{
				Kind:    location.ErrorKind(u.Err),
				Message: u.Err.Error(),
			})
			continue
		}
		c.enqueue(u.Position)
	}
}

func (c *Controller) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case pos := <-c.mailbox:
			if _, err := c.ProcessPosition(ctx, pos); err != nil && !errors.Is(err, ErrPaused) {
				c.logger.Warn("failed to process position", "error", err)
			}
		}
	}
}

// ProcessPosition runs one tick synchronously: refresh the task list, evaluate
// geofences, move presence to the selected task and sync countdowns with the
// task list.
func (c *Controller) ProcessPosition(ctx context.Context, pos geo.Position) (*geofence.Result, error) {
	if c.Paused() {
		return nil, ErrPaused
	}
	if pos.Timestamp.IsZero() {
		pos.Timestamp = c.clock.Now()
	}

	tasks := c.refreshTasks(ctx, pos)

	evalCtx, cancel := context.WithTimeout(ctx, c.cfg.Tracking.EvaluationTimeout)
	defer cancel()
	res, err := c.evaluator.Evaluate(evalCtx, pos, tasks)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate geofences: %w", err)
	}

	c.accountant.SetCurrent(res.CurrentID())
	c.timers.Sync(ctx, tasks)

	c.mu.Lock()
	p := pos
	c.position = &p
	c.ticks++
	c.lastTickAt = c.clock.Now()
	c.mu.Unlock()
	return res, nil
}

// refreshTasks fetches the nearby task list, falling back to the last list
// obtained when the backend is unreachable.
func (c *Controller) refreshTasks(ctx context.Context, pos geo.Position) []geo.Task {
	tasks, err := c.client.ListNearbyTasks(ctx, pos, c.cfg.Tracking.MaxTaskDistanceKm)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.metrics.RecordBackendError(backend.OpListNearbyTasks)
		c.logger.Warn("failed to list nearby tasks, using cached list", "cached", len(c.tasks), "error", err)
		return c.tasks
	}
	c.tasks = tasks
	return tasks
}

func (c *Controller) reconcileLoop(ctx context.Context) {
	ticker := c.clock.NewTicker(c.cfg.Presence.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			c.Reconcile(ctx)
		}
	}
}

// Reconcile pulls the remote presence aggregate and publishes a stats event.
func (c *Controller) Reconcile(ctx context.Context) presence.Stats {
	if _, err := c.accountant.Reconcile(ctx); err != nil {
		c.logger.Debug("presence reconcile failed", "error", err)
	}
	stats := c.accountant.Stats()
	c.publish(events.TypeStats, "", c.statsData(stats))
	return stats
}

func (c *Controller) onTransition(t geofence.Transition) {
	typ := events.TypeEntered
	if t.Kind == geofence.Exited {
		typ = events.TypeExited
	}
	c.publishAt(typ, t.Task.ID, t.At, events.TransitionData{
		TaskID:         t.Task.ID,
		Title:          t.Task.Title,
		DistanceMeters: t.DistanceMeters,
		RadiusMeters:   t.Task.RadiusMeters(),
	})
}

func (c *Controller) onExpired(_ context.Context, e countdown.Expiry) {
	c.publishAt(events.TypeExpired, e.TaskID, e.At, events.ExpiredData{
		TaskID:          e.TaskID,
		EndAt:           e.EndAt,
		DurationMinutes: e.DurationMinutes,
	})
}

func (c *Controller) statsData(s presence.Stats) events.StatsData {
	return events.StatsData{
		Active:               s.Active,
		IdleMinutes:          s.IdleMinutes,
		ProductiveMinutes:    s.ProductiveMinutes,
		TotalMinutes:         s.TotalMinutes,
		IdlePercentage:       s.IdlePercentage,
		ProductivePercentage: s.ProductivePercentage,
		CurrentTaskID:        s.CurrentTaskID,
	}
}

func (c *Controller) publish(t events.Type, taskID string, data any) {
	c.publishAt(t, taskID, c.clock.Now(), data)
}

func (c *Controller) publishAt(t events.Type, taskID string, at time.Time, data any) {
	e, err := events.New(t, taskID, at, data)
	if err != nil {
		c.logger.Error("failed to build event", "type", t, "error", err)
		return
	}
	c.bus.Publish(e)
}

// Snapshot returns the current view of the session.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	s := Snapshot{
		Running:    c.running,
		Paused:     c.paused,
		SessionID:  c.sessionID,
		Tasks:      len(c.tasks),
		Ticks:      c.ticks,
		LastTickAt: c.lastTickAt,
	}
	if c.position != nil {
		p := *c.position
		s.Position = &p
	}
	c.mu.Unlock()

	s.CurrentTaskID = c.evaluator.CurrentTaskID()
	s.Proximity = c.evaluator.Snapshot()
	s.Presence = c.accountant.Stats()
	s.Timers = c.timers.Statuses()
	s.MirrorPending = c.evaluator.MirrorPending()
	return s
}
