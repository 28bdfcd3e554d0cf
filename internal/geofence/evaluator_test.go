package geofence

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thruflo/fieldtrack/internal/backend"
	"github.com/thruflo/fieldtrack/internal/geo"
	"github.com/thruflo/fieldtrack/internal/logging"
	"github.com/thruflo/fieldtrack/internal/store"
)

var origin = geo.Point{Lat: -34.603722, Lon: -58.381592}

func at(p geo.Point) geo.Position {
	return geo.Position{Latitude: p.Lat, Longitude: p.Lon}
}

func task(id string, center geo.Point, radiusKm float64) geo.Task {
	return geo.Task{ID: id, Title: "Task " + id, Center: center, RadiusKm: radiusKm, Status: geo.StatusAccepted}
}

func newEvaluator(t *testing.T, opts Options) *Evaluator {
	t.Helper()
	if opts.Clock == nil {
		opts.Clock = clockwork.NewFakeClockAt(time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC))
	}
	opts.Logger = logging.Discard()
	return New(opts)
}

func TestEvaluate_SamePointIsInRange(t *testing.T) {
	t.Parallel()

	e := newEvaluator(t, Options{})
	res, err := e.Evaluate(context.Background(), at(origin), []geo.Task{task("t1", origin, 1.0)})
	require.NoError(t, err)

	require.NotNil(t, res.Current)
	assert.Equal(t, "t1", res.CurrentID())
	assert.InDelta(t, 0, res.CurrentDistanceMeters, 1e-6)
	require.Len(t, res.Transitions, 1)
	assert.Equal(t, Entered, res.Transitions[0].Kind)
}

func TestEvaluate_BoundaryIsInclusive(t *testing.T) {
	t.Parallel()

	edge := geo.Offset(origin, 1000, 45)
	d := geo.Haversine(origin, edge)

	tests := []struct {
		name     string
		radiusKm float64
		want     bool
	}{
		{"radius equals distance", d / 1000, true},
		{"radius one meter larger", (d + 1) / 1000, true},
		{"radius one meter smaller", (d - 1) / 1000, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			e := newEvaluator(t, Options{})
			res, err := e.Evaluate(context.Background(), at(edge), []geo.Task{task("edge", origin, tt.radiusKm)})
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Current != nil)
		})
	}
}

func TestEvaluate_OneKilometerRadius(t *testing.T) {
	t.Parallel()

	// A position one kilometer due north of the center.
	pos := geo.Offset(origin, 1000, 0)
	in, d := InRange(pos, task("t", origin, 1.0))
	assert.True(t, in)
	assert.InDelta(t, 1000, d, 1e-6)
}

func TestEvaluate_NearestTaskIsCurrent(t *testing.T) {
	t.Parallel()

	near := task("z-near", geo.Offset(origin, 200, 90), 1.0)
	far := task("a-far", geo.Offset(origin, 500, 180), 1.0)

	e := newEvaluator(t, Options{})
	res, err := e.Evaluate(context.Background(), at(origin), []geo.Task{far, near})
	require.NoError(t, err)

	assert.Equal(t, "z-near", res.CurrentID())
	assert.InDelta(t, 200, res.CurrentDistanceMeters, 0.01)
	require.Len(t, res.InRange, 2)
	assert.Equal(t, "a-far", res.InRange[1].Task.ID)
}

func TestEvaluate_TiesBrokenByID(t *testing.T) {
	t.Parallel()

	center := geo.Offset(origin, 300, 0)
	tasks := []geo.Task{task("charlie", center, 1), task("alpha", center, 1), task("bravo", center, 1)}

	e := newEvaluator(t, Options{})
	res, err := e.Evaluate(context.Background(), at(origin), tasks)
	require.NoError(t, err)
	assert.Equal(t, "alpha", res.CurrentID())

	// Input order does not matter.
	e2 := newEvaluator(t, Options{})
	res2, err := e2.Evaluate(context.Background(), at(origin), []geo.Task{tasks[2], tasks[0], tasks[1]})
	require.NoError(t, err)
	assert.Equal(t, "alpha", res2.CurrentID())
}

func TestEvaluate_Idempotent(t *testing.T) {
	t.Parallel()

	tasks := []geo.Task{
		task("in", geo.Offset(origin, 100, 0), 0.5),
		task("out", geo.Offset(origin, 5000, 0), 0.5),
	}
	e := newEvaluator(t, Options{})

	first, err := e.Evaluate(context.Background(), at(origin), tasks)
	require.NoError(t, err)
	assert.Len(t, first.Transitions, 1)

	second, err := e.Evaluate(context.Background(), at(origin), tasks)
	require.NoError(t, err)
	assert.Empty(t, second.Transitions)
	assert.Equal(t, first.CurrentID(), second.CurrentID())
}

func TestEvaluate_EnterThenExit(t *testing.T) {
	t.Parallel()

	var seen []Transition
	e := newEvaluator(t, Options{Listener: func(tr Transition) { seen = append(seen, tr) }})
	tasks := []geo.Task{task("t1", origin, 0.2)}

	_, err := e.Evaluate(context.Background(), at(geo.Offset(origin, 1000, 0)), tasks)
	require.NoError(t, err)
	_, err = e.Evaluate(context.Background(), at(origin), tasks)
	require.NoError(t, err)
	res, err := e.Evaluate(context.Background(), at(geo.Offset(origin, 1000, 0)), tasks)
	require.NoError(t, err)

	assert.Nil(t, res.Current)
	require.Len(t, seen, 2)
	assert.Equal(t, Entered, seen[0].Kind)
	assert.Equal(t, Exited, seen[1].Kind)
	assert.InDelta(t, 1000, seen[1].DistanceMeters, 0.01)
}

func TestEvaluate_SkipsFinishedAndMalformed(t *testing.T) {
	t.Parallel()

	done := task("done", origin, 1)
	done.Status = geo.StatusCompleted
	cancelled := task("cancelled", origin, 1)
	cancelled.Status = geo.StatusCancelled
	badRadius := task("bad-radius", origin, 0)
	nanCenter := task("nan", geo.Point{Lat: math.NaN(), Lon: 0}, 1)
	good := task("good", origin, 1)

	e := newEvaluator(t, Options{})
	res, err := e.Evaluate(context.Background(), at(origin), []geo.Task{done, badRadius, cancelled, nanCenter, good, good})
	require.NoError(t, err)

	assert.Equal(t, "good", res.CurrentID())
	require.Len(t, res.Skipped, 3)
	for _, s := range res.Skipped {
		assert.True(t, errors.Is(s.Err, geo.ErrMalformedTask), s.TaskID)
	}
	assert.Equal(t, "bad-radius", res.Skipped[0].TaskID)
	assert.Equal(t, "good", res.Skipped[2].TaskID, "duplicate ids are skipped")
}

func TestEvaluate_TaskLeavingSetExits(t *testing.T) {
	t.Parallel()

	records := store.NewRecords(store.NewMemoryKV())
	e := newEvaluator(t, Options{Records: records})
	t1 := task("t1", origin, 1)

	_, err := e.Evaluate(context.Background(), at(origin), []geo.Task{t1})
	require.NoError(t, err)

	t1.Status = geo.StatusCompleted
	res, err := e.Evaluate(context.Background(), at(origin), []geo.Task{t1})
	require.NoError(t, err)

	require.Len(t, res.Transitions, 1)
	assert.Equal(t, Exited, res.Transitions[0].Kind)
	assert.Equal(t, "t1", res.Transitions[0].Task.ID)
	assert.Nil(t, res.Current)
	assert.Empty(t, e.Snapshot())

	recs, err := records.ListProximity(context.Background())
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestEvaluate_InvalidPosition(t *testing.T) {
	t.Parallel()

	e := newEvaluator(t, Options{})
	_, err := e.Evaluate(context.Background(), geo.Position{Latitude: 91}, nil)
	assert.Error(t, err)

	// The guard is released after an error.
	_, err = e.Evaluate(context.Background(), at(origin), nil)
	assert.NoError(t, err)
}

func TestEvaluate_InFlightGuard(t *testing.T) {
	t.Parallel()

	mock := backend.NewMockClient()
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	mock.SetProximityHook(func(ctx context.Context, u backend.ProximityUpdate) {
		once.Do(func() {
			close(entered)
			<-release
		})
	})

	var transitions int
	var mu sync.Mutex
	e := newEvaluator(t, Options{Mirror: mock, Listener: func(Transition) {
		mu.Lock()
		transitions++
		mu.Unlock()
	}})
	tasks := []geo.Task{task("t1", origin, 1)}

	done := make(chan error, 1)
	go func() {
		_, err := e.Evaluate(context.Background(), at(origin), tasks)
		done <- err
	}()

	<-entered
	_, err := e.Evaluate(context.Background(), at(origin), tasks)
	assert.ErrorIs(t, err, ErrEvaluationInFlight)
	assert.ErrorIs(t, e.Restore(context.Background()), ErrEvaluationInFlight)

	close(release)
	require.NoError(t, <-done)

	mu.Lock()
	assert.Equal(t, 1, transitions, "no duplicate entered from the overlapping call")
	mu.Unlock()
}

func TestEvaluate_MirrorFailureRetriedNextTick(t *testing.T) {
	t.Parallel()

	mock := backend.NewMockClient()
	mock.SetError(backend.OpUpdateProximityState, backend.ErrNetwork)

	var seen []Transition
	e := newEvaluator(t, Options{Mirror: mock, Listener: func(tr Transition) { seen = append(seen, tr) }})
	tasks := []geo.Task{task("t1", origin, 1)}

	res, err := e.Evaluate(context.Background(), at(origin), tasks)
	require.NoError(t, err)
	assert.ErrorIs(t, res.MirrorErr, backend.ErrNetwork)
	assert.Len(t, seen, 1, "listener is notified even when the mirror fails")
	assert.Equal(t, "t1", res.CurrentID(), "local decision stands")
	assert.True(t, e.MirrorPending())

	mock.SetError(backend.OpUpdateProximityState, nil)
	res, err = e.Evaluate(context.Background(), at(origin), tasks)
	require.NoError(t, err)
	assert.NoError(t, res.MirrorErr)
	assert.False(t, e.MirrorPending())
	assert.Len(t, seen, 1)

	calls := mock.ProximityCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, backend.ProximityUpdate{IsInTaskRadius: true, TaskID: "t1"}, calls[1])

	// Unchanged selection is not mirrored again.
	_, err = e.Evaluate(context.Background(), at(origin), tasks)
	require.NoError(t, err)
	assert.Len(t, mock.ProximityCalls(), 2)
}

func TestEvaluate_MirrorsSelectionChanges(t *testing.T) {
	t.Parallel()

	mock := backend.NewMockClient()
	e := newEvaluator(t, Options{Mirror: mock})
	tasks := []geo.Task{task("t1", origin, 0.1)}

	_, err := e.Evaluate(context.Background(), at(geo.Offset(origin, 900, 0)), tasks)
	require.NoError(t, err)
	_, err = e.Evaluate(context.Background(), at(origin), tasks)
	require.NoError(t, err)
	_, err = e.Evaluate(context.Background(), at(geo.Offset(origin, 900, 0)), tasks)
	require.NoError(t, err)

	assert.Equal(t, []backend.ProximityUpdate{
		{IsInTaskRadius: false},
		{IsInTaskRadius: true, TaskID: "t1"},
		{IsInTaskRadius: false},
	}, mock.ProximityCalls())
}

func TestEvaluate_RestoreSuppressesReEntry(t *testing.T) {
	t.Parallel()

	records := store.NewRecords(store.NewMemoryKV())
	tasks := []geo.Task{task("t1", origin, 1), task("t2", geo.Offset(origin, 400, 0), 1)}

	first := newEvaluator(t, Options{Records: records})
	res, err := first.Evaluate(context.Background(), at(origin), tasks)
	require.NoError(t, err)
	require.Len(t, res.Transitions, 2)

	recs, err := records.ListProximity(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.True(t, recs[0].Current)
	assert.False(t, recs[1].Current)

	restarted := newEvaluator(t, Options{Records: records})
	require.NoError(t, restarted.Restore(context.Background()))
	assert.Equal(t, "t1", restarted.CurrentTaskID())

	res, err = restarted.Evaluate(context.Background(), at(origin), tasks)
	require.NoError(t, err)
	assert.Empty(t, res.Transitions)
	assert.Equal(t, "t1", res.CurrentID())
}

func TestEvaluate_IndependentInstances(t *testing.T) {
	t.Parallel()

	a := newEvaluator(t, Options{})
	b := newEvaluator(t, Options{})
	tasks := []geo.Task{task("t1", origin, 1)}

	_, err := a.Evaluate(context.Background(), at(origin), tasks)
	require.NoError(t, err)

	res, err := b.Evaluate(context.Background(), at(origin), tasks)
	require.NoError(t, err)
	assert.Len(t, res.Transitions, 1, "state is not shared between evaluators")
}

func TestSnapshot(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC))
	e := newEvaluator(t, Options{Clock: clock})
	tasks := []geo.Task{task("b", origin, 1), task("a", geo.Offset(origin, 3000, 0), 1)}

	_, err := e.Evaluate(context.Background(), at(origin), tasks)
	require.NoError(t, err)

	snap := e.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "a", snap[0].TaskID)
	assert.False(t, snap[0].InRange)
	assert.True(t, snap[0].LastTransitionAt.IsZero())
	assert.Equal(t, "b", snap[1].TaskID)
	assert.True(t, snap[1].Current)
	assert.Equal(t, clock.Now(), snap[1].LastTransitionAt)
}
