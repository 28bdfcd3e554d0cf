// Package countdown runs per-task time-limit countdowns that survive process
// restarts. Each countdown persists its absolute end instant once and derives
// the remaining time from it on every tick.
package countdown

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/thruflo/fieldtrack/internal/store"
)

// State is a countdown's lifecycle state.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateArmed         State = "armed"
	StateTicking       State = "ticking"
	StateExpired       State = "expired"
	StateStopped       State = "stopped"
)

// Status is a point-in-time view of a countdown.
type Status struct {
	TaskID           string        `json:"task_id"`
	State            State         `json:"state"`
	StartedAt        time.Time     `json:"started_at"`
	EndAt            time.Time     `json:"end_at"`
	DurationMinutes  int           `json:"duration_minutes"`
	Remaining        time.Duration `json:"-"`
	RemainingSeconds int64         `json:"remaining_seconds"`
	Critical         bool          `json:"critical"`
}

// Timer is one task's countdown. Its loop never decrements a counter: every
// tick compares the persisted EndAt with the clock.
type Timer struct {
	rec       store.TimerRecord
	clock     clockwork.Clock
	interval  time.Duration
	threshold time.Duration
	onExpire  func(ctx context.Context, rec store.TimerRecord)

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
}

func newTimer(rec store.TimerRecord, clock clockwork.Clock, interval, threshold time.Duration, onExpire func(context.Context, store.TimerRecord)) *Timer {
	return &Timer{
		rec:       rec,
		clock:     clock,
		interval:  interval,
		threshold: threshold,
		onExpire:  onExpire,
		state:     StateArmed,
	}
}

// TaskID returns the task the timer belongs to.
func (t *Timer) TaskID() string {
	return t.rec.TaskID
}

// Record returns a copy of the timer's record.
func (t *Timer) Record() store.TimerRecord {
	return t.rec
}

// Remaining returns max(0, EndAt - now).
func (t *Timer) Remaining() time.Duration {
	r := t.rec.EndAt.Sub(t.clock.Now())
	if r < 0 {
		return 0
	}
	return r
}

// Status returns the current view of the timer.
func (t *Timer) Status() Status {
	t.mu.Lock()
	state := t.state
	t.mu.Unlock()

	remaining := t.Remaining()
	if state == StateExpired || state == StateStopped {
		remaining = 0
	}
	return Status{
		TaskID:           t.rec.TaskID,
		State:            state,
		StartedAt:        t.rec.StartedAt,
		EndAt:            t.rec.EndAt,
		DurationMinutes:  t.rec.DurationMinutes,
		Remaining:        remaining,
		RemainingSeconds: int64(remaining / time.Second),
		Critical:         remaining > 0 && remaining < t.threshold,
	}
}

// start runs one synchronous check and, unless that expired the timer, the
// tick loop.
func (t *Timer) start() {
	t.mu.Lock()
	if t.state != StateArmed {
		t.mu.Unlock()
		return
	}
	t.state = StateTicking
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.done = make(chan struct{})
	done := t.done
	t.mu.Unlock()

	if t.check(ctx) {
		cancel()
		close(done)
		return
	}

	go func() {
		defer close(done)
		ticker := t.clock.NewTicker(t.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				if t.check(ctx) {
					return
				}
			}
		}
	}()
}

// check evaluates the timer once and reports whether it has finished. The
// transition to expired happens under the lock, so onExpire runs at most once
// however many checks observe a zero remaining time.
func (t *Timer) check(ctx context.Context) bool {
	t.mu.Lock()
	if t.state != StateTicking {
		t.mu.Unlock()
		return true
	}
	if t.Remaining() > 0 {
		t.mu.Unlock()
		return false
	}
	t.state = StateExpired
	t.mu.Unlock()

	if t.onExpire != nil {
		t.onExpire(ctx, t.rec)
	}
	return true
}

// halt stops the loop and sets the final state unless the timer already
// expired. It waits for the loop to exit.
func (t *Timer) halt(final State) {
	t.mu.Lock()
	if t.state != StateExpired {
		t.state = final
	}
	cancel, done := t.cancel, t.done
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// State returns the timer's state.
func (t *Timer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}
