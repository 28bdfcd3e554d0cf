package countdown

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thruflo/fieldtrack/internal/backend"
	"github.com/thruflo/fieldtrack/internal/geo"
	"github.com/thruflo/fieldtrack/internal/logging"
	"github.com/thruflo/fieldtrack/internal/store"
	"github.com/thruflo/fieldtrack/internal/testutil"
)

type harness struct {
	clock   *clockwork.FakeClock
	kv      store.KV
	records *store.Records
	mock    *backend.MockClient
	manager *Manager
	expired chan Expiry
}

func newHarness(t *testing.T, kv store.KV) *harness {
	t.Helper()
	if kv == nil {
		kv = store.NewMemoryKV()
	}
	clock := clockwork.NewFakeClockAt(testutil.FixedTime)
	h := &harness{
		clock:   clock,
		kv:      kv,
		records: store.NewRecords(kv, store.WithClock(clock)),
		mock:    backend.NewMockClient(),
		expired: make(chan Expiry, 16),
	}
	h.manager = h.newManager()
	t.Cleanup(h.manager.DetachAll)
	return h
}

// newManager builds a second manager over the same store, as after a restart.
func (h *harness) newManager() *Manager {
	return NewManager(Options{
		Records: h.records,
		Updater: h.mock,
		OnExpired: func(_ context.Context, e Expiry) {
			h.expired <- e
		},
		Clock:  h.clock,
		Logger: logging.Discard(),
	})
}

func (h *harness) waitExpiry(t *testing.T) Expiry {
	t.Helper()
	select {
	case e := <-h.expired:
		return e
	case <-time.After(2 * time.Second):
		require.FailNow(t, "countdown did not expire")
		return Expiry{}
	}
}

// tombstone loads the expired record left for taskID.
func (h *harness) tombstone(t *testing.T, taskID string) *store.TimerRecord {
	t.Helper()
	rec, err := h.records.LoadTimer(context.Background(), taskID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.True(t, rec.Tombstone(), "expired record kept as a tombstone")
	return rec
}

func (h *harness) assertNoExpiry(t *testing.T) {
	t.Helper()
	select {
	case e := <-h.expired:
		assert.Fail(t, "unexpected expiry", "task=%s", e.TaskID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAttach_ArmsFromTaskFields(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	setAt := h.clock.Now().Add(-10 * time.Minute)
	task := testutil.TimedTask("t1", testutil.Origin, 30, &setAt)

	st, ok := h.manager.Attach(context.Background(), task)
	require.True(t, ok)
	assert.Equal(t, StateTicking, st.State)
	assert.Equal(t, setAt.Add(30*time.Minute).UTC(), st.EndAt)
	assert.Equal(t, 20*time.Minute, st.Remaining)
	assert.EqualValues(t, 1200, st.RemainingSeconds)
	assert.False(t, st.Critical)

	rec, err := h.records.LoadTimer(context.Background(), "t1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.Active)
	assert.Equal(t, st.EndAt, rec.EndAt)
	assert.EqualValues(t, 1200, rec.InitialRemainingSeconds)
	assert.Equal(t, geo.StatusAccepted, rec.LastStatus)

	assert.Empty(t, h.mock.UpdateTaskCalls(), "start instant already set")
}

func TestAttach_LazyStartActivatesTask(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.mock.PutTask(testutil.TimedTask("t1", testutil.Origin, 45, nil))
	task := testutil.TimedTask("t1", testutil.Origin, 45, nil)

	st, ok := h.manager.Attach(context.Background(), task)
	require.True(t, ok)
	assert.Equal(t, h.clock.Now().Add(45*time.Minute).UTC(), st.EndAt)

	calls := h.mock.UpdateTaskCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "t1", calls[0].TaskID)
	require.NotNil(t, calls[0].Update.TimeLimitSetAt)
	assert.True(t, calls[0].Update.TimeLimitSetAt.Equal(h.clock.Now()))
	require.NotNil(t, calls[0].Update.TimeLimitMinutes)
	assert.Equal(t, 45, *calls[0].Update.TimeLimitMinutes)

	stored, ok := h.mock.Task("t1")
	require.True(t, ok)
	require.NotNil(t, stored.TimeLimitSetAt)
}

func TestAttach_ActivationFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.mock.SetError(backend.OpUpdateTask, backend.ErrNetwork)

	st, ok := h.manager.Attach(context.Background(), testutil.TimedTask("t1", testutil.Origin, 5, nil))
	require.True(t, ok)
	assert.Equal(t, StateTicking, st.State)

	rec, err := h.records.LoadTimer(context.Background(), "t1")
	require.NoError(t, err)
	require.NotNil(t, rec, "local record keeps the start instant")
	assert.Equal(t, h.clock.Now().UTC(), rec.StartedAt)
}

func TestAttach_NoCountdown(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	tests := []struct {
		name string
		task geo.Task
	}{
		{"no time limit", testutil.Task("a", testutil.Origin, 1)},
		{"zero time limit", testutil.TimedTask("b", testutil.Origin, 0, nil)},
		{"pending status", func() geo.Task {
			task := testutil.TimedTask("c", testutil.Origin, 10, nil)
			task.Status = geo.StatusPending
			return task
		}()},
		{"empty id", geo.Task{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, ok := h.manager.Attach(context.Background(), tt.task)
			assert.False(t, ok)
			assert.NotEqual(t, StateTicking, st.State)
		})
	}
	assert.Zero(t, h.manager.Running())
	assert.Empty(t, h.mock.UpdateTaskCalls())
}

func TestAttach_PrefersPersistedEndAt(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()
	persistedEnd := h.clock.Now().Add(7 * time.Minute).UTC()
	require.NoError(t, h.records.SaveTimer(ctx, &store.TimerRecord{
		TaskID:          "t1",
		StartedAt:       persistedEnd.Add(-30 * time.Minute),
		DurationMinutes: 30,
		EndAt:           persistedEnd,
		Active:          true,
	}))

	// The task's own fields would give a different deadline.
	setAt := h.clock.Now()
	task := testutil.TimedTask("t1", testutil.Origin, 60, &setAt)
	task.Status = geo.StatusCompleted

	st, ok := h.manager.Attach(ctx, task)
	require.True(t, ok)
	assert.Equal(t, persistedEnd, st.EndAt)
	assert.Equal(t, 7*time.Minute, st.Remaining)
}

func TestAttach_ExpiredRecordFiresImmediately(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()
	end := h.clock.Now().Add(-time.Minute).UTC()
	require.NoError(t, h.records.SaveTimer(ctx, &store.TimerRecord{
		TaskID: "t1", StartedAt: end.Add(-10 * time.Minute), DurationMinutes: 10, EndAt: end, Active: true,
	}))

	st, ok := h.manager.Attach(ctx, testutil.TimedTask("t1", testutil.Origin, 10, nil))
	require.True(t, ok)
	assert.Equal(t, StateExpired, st.State)
	assert.Zero(t, st.Remaining)

	e := h.waitExpiry(t)
	assert.Equal(t, "t1", e.TaskID)
	assert.Equal(t, end, e.EndAt)

	h.tombstone(t, "t1")
	assert.Zero(t, h.manager.Running())

	// A later attach for the same task does not fire again.
	_, ok = h.manager.Attach(ctx, testutil.TimedTask("t1", testutil.Origin, 10, nil))
	assert.False(t, ok)
	h.assertNoExpiry(t)
}

func TestAttach_DiscardsUnusableRecords(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tests := []struct {
		name  string
		setup func(t *testing.T, h *harness)
	}{
		{
			name: "inactive",
			setup: func(t *testing.T, h *harness) {
				require.NoError(t, h.records.SaveTimer(ctx, &store.TimerRecord{
					TaskID: "t1", EndAt: h.clock.Now().Add(time.Minute), Active: false,
				}))
			},
		},
		{
			name: "missing end",
			setup: func(t *testing.T, h *harness) {
				require.NoError(t, h.records.SaveTimer(ctx, &store.TimerRecord{TaskID: "t1", Active: true}))
			},
		},
		{
			name: "unknown version",
			setup: func(t *testing.T, h *harness) {
				raw := []byte(`{"v":99,"kind":"timer","data":{"task_id":"t1","active":true,"end_at":"2030-01-01T00:00:00Z"}}`)
				require.NoError(t, h.kv.Put(ctx, store.TimerPrefix+"t1", raw))
			},
		},
		{
			name: "garbage",
			setup: func(t *testing.T, h *harness) {
				require.NoError(t, h.kv.Put(ctx, store.TimerPrefix+"t1", []byte("{not json")))
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			tt.setup(t, h)

			st, ok := h.manager.Attach(ctx, testutil.TimedTask("t1", testutil.Origin, 20, nil))
			require.True(t, ok)
			assert.Equal(t, h.clock.Now().Add(20*time.Minute).UTC(), st.EndAt, "armed fresh from task fields")

			rec, err := h.records.LoadTimer(ctx, "t1")
			require.NoError(t, err)
			require.NotNil(t, rec)
			assert.True(t, rec.Resumable())
			assert.Len(t, h.mock.UpdateTaskCalls(), 1)
		})
	}
}

func TestAttach_Idempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	task := testutil.TimedTask("t1", testutil.Origin, 10, nil)
	first, ok := h.manager.Attach(context.Background(), task)
	require.True(t, ok)

	h.clock.Advance(time.Minute)
	second, ok := h.manager.Attach(context.Background(), task)
	require.True(t, ok)
	assert.Equal(t, first.EndAt, second.EndAt)
	assert.Equal(t, 1, h.manager.Running())
	assert.Len(t, h.mock.UpdateTaskCalls(), 1)
}

func TestRestoreAll(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()
	now := h.clock.Now().UTC()

	require.NoError(t, h.records.SaveTimer(ctx, &store.TimerRecord{
		TaskID: "past", StartedAt: now.Add(-40 * time.Minute), DurationMinutes: 30, EndAt: now.Add(-10 * time.Minute), Active: true,
	}))
	require.NoError(t, h.records.SaveTimer(ctx, &store.TimerRecord{
		TaskID: "future", StartedAt: now, DurationMinutes: 15, EndAt: now.Add(15 * time.Minute), Active: true,
	}))
	require.NoError(t, h.records.SaveTimer(ctx, &store.TimerRecord{TaskID: "partial", Active: true}))
	require.NoError(t, h.kv.Put(ctx, store.TimerPrefix+"broken", []byte("nope")))

	n, err := h.manager.RestoreAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	e := h.waitExpiry(t)
	assert.Equal(t, "past", e.TaskID)
	h.assertNoExpiry(t)

	st, ok := h.manager.Status("future")
	require.True(t, ok)
	assert.Equal(t, 15*time.Minute, st.Remaining)

	h.tombstone(t, "past")
	recs, bad, err := h.records.ListTimers(ctx)
	require.NoError(t, err)
	assert.Empty(t, bad)
	require.Len(t, recs, 2)
	byID := map[string]*store.TimerRecord{recs[0].TaskID: recs[0], recs[1].TaskID: recs[1]}
	assert.True(t, byID["future"].Resumable())
	assert.True(t, byID["past"].Tombstone())
}

func TestRestoreAll_SurvivesRestart(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()
	st, ok := h.manager.Attach(ctx, testutil.TimedTask("t1", testutil.Origin, 10, nil))
	require.True(t, ok)

	// Simulated process death: loops stop, records stay.
	h.manager.DetachAll()
	h.clock.Advance(4 * time.Minute)

	restarted := h.newManager()
	t.Cleanup(restarted.DetachAll)
	n, err := restarted.RestoreAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	resumed, ok := restarted.Status("t1")
	require.True(t, ok)
	assert.Equal(t, st.EndAt, resumed.EndAt)
	assert.Equal(t, 6*time.Minute, resumed.Remaining)
}

func TestTimer_ExpiresOnTick(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	_, ok := h.manager.Attach(context.Background(), testutil.TimedTask("t1", testutil.Origin, 1, nil))
	require.True(t, ok)

	h.clock.BlockUntil(1)
	h.clock.Advance(30 * time.Second)
	h.assertNoExpiry(t)

	h.clock.Advance(31 * time.Second)
	e := h.waitExpiry(t)
	assert.Equal(t, "t1", e.TaskID)
	assert.Equal(t, 1, e.DurationMinutes)
	h.assertNoExpiry(t)
}

func TestTimer_RemainingIsMonotonic(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(testutil.FixedTime)
	rec := store.TimerRecord{TaskID: "t1", EndAt: clock.Now().Add(3 * time.Minute), Active: true}
	timer := newTimer(rec, clock, time.Second, time.Minute, nil)

	prev := timer.Remaining()
	for i := 0; i < 400; i++ {
		clock.Advance(time.Second)
		r := timer.Remaining()
		assert.LessOrEqual(t, r, prev)
		assert.GreaterOrEqual(t, r, time.Duration(0))
		prev = r
	}
	assert.Zero(t, prev)
}

func TestTimer_ExpiresExactlyOnce(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(testutil.FixedTime)
	var fired atomic.Int32
	rec := store.TimerRecord{TaskID: "t1", EndAt: clock.Now().Add(time.Second), Active: true}
	timer := newTimer(rec, clock, time.Hour, time.Minute, func(context.Context, store.TimerRecord) {
		fired.Add(1)
	})
	timer.start()
	t.Cleanup(func() { timer.halt(StateStopped) })
	clock.Advance(2 * time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			timer.check(context.Background())
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, fired.Load())
	assert.Equal(t, StateExpired, timer.State())
}

func TestStatus_Critical(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	_, ok := h.manager.Attach(context.Background(), testutil.TimedTask("t1", testutil.Origin, 6, nil))
	require.True(t, ok)

	st, _ := h.manager.Status("t1")
	assert.False(t, st.Critical)

	h.clock.BlockUntil(1)
	h.clock.Advance(90 * time.Second)
	st, _ = h.manager.Status("t1")
	assert.True(t, st.Critical, "under five minutes remaining")
	assert.EqualValues(t, 270, st.RemainingSeconds)
}

func TestDetach_KeepsRecord(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()
	first, ok := h.manager.Attach(ctx, testutil.TimedTask("t1", testutil.Origin, 10, nil))
	require.True(t, ok)

	h.manager.Detach("t1")
	assert.Zero(t, h.manager.Running())
	rec, err := h.records.LoadTimer(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, rec)

	h.clock.Advance(2 * time.Minute)
	resumed, ok := h.manager.Attach(ctx, testutil.TimedTask("t1", testutil.Origin, 10, nil))
	require.True(t, ok)
	assert.Equal(t, first.EndAt, resumed.EndAt)
	assert.Equal(t, 8*time.Minute, resumed.Remaining)
	assert.Len(t, h.mock.UpdateTaskCalls(), 1, "resume does not reactivate")
}

func TestStop_DeletesWithoutCallback(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()
	_, ok := h.manager.Attach(ctx, testutil.TimedTask("t1", testutil.Origin, 1, nil))
	require.True(t, ok)

	h.manager.Stop(ctx, "t1")
	h.clock.Advance(5 * time.Minute)
	h.assertNoExpiry(t)

	rec, err := h.records.LoadTimer(ctx, "t1")
	require.NoError(t, err)
	assert.Nil(t, rec)
	_, ok = h.manager.Status("t1")
	assert.False(t, ok)
}

func TestRestart(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()
	setAt := h.clock.Now().Add(-2 * time.Hour)
	task := testutil.TimedTask("t1", testutil.Origin, 30, &setAt)

	_, ok := h.manager.Attach(ctx, task)
	require.True(t, ok)
	h.waitExpiry(t)

	st, ok := h.manager.Restart(ctx, task)
	require.True(t, ok)
	assert.Equal(t, StateTicking, st.State)
	assert.Equal(t, h.clock.Now().Add(30*time.Minute).UTC(), st.EndAt)
	h.assertNoExpiry(t)
}

func TestSync(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()
	a := testutil.TimedTask("a", testutil.Origin, 10, nil)
	b := testutil.TimedTask("b", testutil.Origin, 20, nil)
	plain := testutil.Task("c", testutil.Origin, 1)

	h.manager.Sync(ctx, []geo.Task{a, b, plain})
	statuses := h.manager.Statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, "a", statuses[0].TaskID)
	assert.Equal(t, "b", statuses[1].TaskID)

	a.Status = geo.StatusCompleted
	h.manager.Sync(ctx, []geo.Task{a, b})
	assert.Equal(t, 1, h.manager.Running())
	rec, err := h.records.LoadTimer(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, rec)
	h.assertNoExpiry(t)
}

func TestSync_DoesNotRearmExpired(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()
	setAt := h.clock.Now().Add(-time.Hour)
	task := testutil.TimedTask("t1", testutil.Origin, 10, &setAt)

	h.manager.Sync(ctx, []geo.Task{task})
	h.waitExpiry(t)

	for i := 0; i < 3; i++ {
		h.manager.Sync(ctx, []geo.Task{task})
	}
	h.assertNoExpiry(t)
	assert.Zero(t, h.manager.Running())
}

func TestPersistenceFailure_ContinuesInMemory(t *testing.T) {
	t.Parallel()

	kv := testutil.NewFailingKV(nil)
	kv.Fail(testutil.OpGet, testutil.OpPut, testutil.OpDelete)
	h := newHarness(t, kv)
	ctx := context.Background()

	st, ok := h.manager.Attach(ctx, testutil.TimedTask("t1", testutil.Origin, 1, nil))
	require.True(t, ok)
	assert.Equal(t, StateTicking, st.State)
	assert.Positive(t, kv.Calls(testutil.OpPut))

	h.clock.BlockUntil(1)
	h.clock.Advance(2 * time.Minute)
	e := h.waitExpiry(t)
	assert.Equal(t, "t1", e.TaskID)

	kv.Fail(testutil.OpList)
	_, err := h.manager.RestoreAll(ctx)
	assert.ErrorIs(t, err, store.ErrPersistence)
}

func TestExpiry_DoesNotRefireAfterRestart(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()
	setAt := h.clock.Now().Add(-31 * time.Minute)
	task := testutil.TimedTask("t1", testutil.Origin, 30, &setAt)

	h.manager.Sync(ctx, []geo.Task{task})
	e := h.waitExpiry(t)
	assert.Equal(t, "t1", e.TaskID)
	tomb := h.tombstone(t, "t1")
	assert.False(t, tomb.Active)
	assert.Equal(t, setAt.Add(30*time.Minute).UTC(), tomb.EndAt)
	h.manager.DetachAll()

	// A new process over the same store restores and syncs the same task.
	restarted := h.newManager()
	n, err := restarted.RestoreAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	restarted.Sync(ctx, []geo.Task{task})
	st, ok := restarted.Attach(ctx, task)
	assert.False(t, ok)
	assert.Equal(t, StateExpired, st.State)
	h.assertNoExpiry(t)
	assert.Zero(t, restarted.Running())

	// Without RestoreAll the tombstone is honoured by Attach alone.
	fresh := h.newManager()
	_, ok = fresh.Attach(ctx, task)
	assert.False(t, ok)
	h.assertNoExpiry(t)

	// Finishing the task clears the tombstone.
	task.Status = geo.StatusCompleted
	restarted.Sync(ctx, []geo.Task{task})
	rec, err := h.records.LoadTimer(ctx, "t1")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestRestart_ClearsTombstone(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()
	setAt := h.clock.Now().Add(-time.Hour)
	task := testutil.TimedTask("t1", testutil.Origin, 10, &setAt)

	h.manager.Sync(ctx, []geo.Task{task})
	h.waitExpiry(t)
	h.tombstone(t, "t1")

	restarted := h.newManager()
	t.Cleanup(restarted.DetachAll)
	_, err := restarted.RestoreAll(ctx)
	require.NoError(t, err)
	st, ok := restarted.Restart(ctx, task)
	require.True(t, ok)
	assert.Equal(t, StateTicking, st.State)

	rec, err := h.records.LoadTimer(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.Resumable())
	assert.Equal(t, h.clock.Now().Add(10*time.Minute).UTC(), rec.EndAt)
}

func TestCheckAll(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()
	h.manager.Sync(ctx, []geo.Task{
		testutil.TimedTask("short", testutil.Origin, 1, nil),
		testutil.TimedTask("long", testutil.Origin, 60, nil),
	})
	require.Equal(t, 2, h.manager.Running())

	assert.Zero(t, h.manager.CheckAll(ctx))

	h.clock.Advance(2 * time.Minute)
	n := h.manager.CheckAll(ctx)
	assert.LessOrEqual(t, n, 1, "the tick loop may have fired first")

	e := h.waitExpiry(t)
	assert.Equal(t, "short", e.TaskID)
	h.assertNoExpiry(t)
	assert.Equal(t, 1, h.manager.Running())
}
