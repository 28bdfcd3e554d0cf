package backend

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/thruflo/fieldtrack/internal/geo"
)

// MockClient implements Client in memory. It records every call, lets tests
// inject per-operation errors, and is exported for use by other packages'
// tests and by the offline simulator.
type MockClient struct {
	mu sync.Mutex

	// Remote state
	tasks   map[string]geo.Task
	session *SessionInfo
	stats   *PresenceStats

	// Injected errors per operation name (e.g. "ListNearbyTasks")
	errs map[string]error

	// Optional hook run before UpdateProximityState returns.
	proximityHook func(ctx context.Context, update ProximityUpdate)

	// Tracking
	startCalls     int
	endCalls       int
	statsCalls     int
	proximityCalls []ProximityUpdate
	listCalls      []MockListCall
	updateCalls    []MockUpdateTaskCall
}

// MockListCall records a ListNearbyTasks call.
type MockListCall struct {
	Position      geo.Position
	MaxDistanceKm float64
}

// MockUpdateTaskCall records an UpdateTask call.
type MockUpdateTaskCall struct {
	TaskID string
	Update TaskUpdate
}

// Operation names accepted by SetError.
const (
	OpStartPresenceSession = "StartPresenceSession"
	OpEndPresenceSession   = "EndPresenceSession"
	OpGetPresenceStats     = "GetPresenceStats"
	OpUpdateProximityState = "UpdateProximityState"
	OpListNearbyTasks      = "ListNearbyTasks"
	OpUpdateTask           = "UpdateTask"
)

// NewMockClient creates a MockClient with the given remote task set.
func NewMockClient(tasks ...geo.Task) *MockClient {
	m := &MockClient{
		tasks: make(map[string]geo.Task),
		errs:  make(map[string]error),
	}
	for _, t := range tasks {
		m.tasks[t.ID] = t
	}
	return m
}

var _ Client = (*MockClient)(nil)

// SetError makes the named operation return err until cleared with nil.
func (m *MockClient) SetError(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.errs, op)
		return
	}
	m.errs[op] = err
}

// SetTasks replaces the remote task set.
func (m *MockClient) SetTasks(tasks ...geo.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = make(map[string]geo.Task, len(tasks))
	for _, t := range tasks {
		m.tasks[t.ID] = t
	}
}

// PutTask inserts or replaces one task.
func (m *MockClient) PutTask(t geo.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = t
}

// Task returns the remote copy of a task.
func (m *MockClient) Task(id string) (geo.Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	return t, ok
}

// SetStats sets the stats returned by GetPresenceStats. A nil value makes
// GetPresenceStats report an inactive session.
func (m *MockClient) SetStats(stats *PresenceStats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if stats == nil {
		m.stats = nil
		return
	}
	cp := *stats
	m.stats = &cp
}

// SetProximityHook installs a function run inside UpdateProximityState.
// Tests use it to hold a mirror call open.
func (m *MockClient) SetProximityHook(fn func(ctx context.Context, update ProximityUpdate)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.proximityHook = fn
}

// StartPresenceSession opens a session with a fresh id.
func (m *MockClient) StartPresenceSession(ctx context.Context) (*SessionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startCalls++
	if err := m.errs[OpStartPresenceSession]; err != nil {
		return nil, err
	}
	m.session = &SessionInfo{ID: uuid.NewString(), StartedAt: time.Now().UTC()}
	info := *m.session
	return &info, nil
}

// EndPresenceSession closes the session.
func (m *MockClient) EndPresenceSession(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endCalls++
	if err := m.errs[OpEndPresenceSession]; err != nil {
		return err
	}
	m.session = nil
	return nil
}

// GetPresenceStats returns the configured stats.
func (m *MockClient) GetPresenceStats(ctx context.Context) (*PresenceStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statsCalls++
	if err := m.errs[OpGetPresenceStats]; err != nil {
		return nil, err
	}
	if m.stats == nil {
		return &PresenceStats{Active: false}, nil
	}
	cp := *m.stats
	return &cp, nil
}

// UpdateProximityState records the update.
func (m *MockClient) UpdateProximityState(ctx context.Context, update ProximityUpdate) error {
	m.mu.Lock()
	hook := m.proximityHook
	m.mu.Unlock()

	if hook != nil {
		hook(ctx, update)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.proximityCalls = append(m.proximityCalls, update)
	return m.errs[OpUpdateProximityState]
}

// ListNearbyTasks returns tasks whose center is within maxDistanceKm of pos,
// ordered by id. A non-positive maxDistanceKm returns every task.
func (m *MockClient) ListNearbyTasks(ctx context.Context, pos geo.Position, maxDistanceKm float64) ([]geo.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls = append(m.listCalls, MockListCall{Position: pos, MaxDistanceKm: maxDistanceKm})
	if err := m.errs[OpListNearbyTasks]; err != nil {
		return nil, err
	}

	var out []geo.Task
	for _, t := range m.tasks {
		if maxDistanceKm > 0 && t.Center.Valid() && geo.Haversine(pos.Point(), t.Center) > maxDistanceKm*1000 {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpdateTask applies the update to the stored task.
func (m *MockClient) UpdateTask(ctx context.Context, taskID string, update TaskUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateCalls = append(m.updateCalls, MockUpdateTaskCall{TaskID: taskID, Update: update})
	if err := m.errs[OpUpdateTask]; err != nil {
		return err
	}
	if t, ok := m.tasks[taskID]; ok {
		if update.TimeLimitSetAt != nil {
			at := *update.TimeLimitSetAt
			t.TimeLimitSetAt = &at
		}
		if update.TimeLimitMinutes != nil {
			mins := *update.TimeLimitMinutes
			t.TimeLimitMinutes = &mins
		}
		m.tasks[taskID] = t
	}
	return nil
}

// Session returns the open session, or nil.
func (m *MockClient) Session() *SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	s := *m.session
	return &s
}

// StartCalls returns the number of StartPresenceSession calls.
func (m *MockClient) StartCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startCalls
}

// EndCalls returns the number of EndPresenceSession calls.
func (m *MockClient) EndCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.endCalls
}

// StatsCalls returns the number of GetPresenceStats calls.
func (m *MockClient) StatsCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statsCalls
}

// ProximityCalls returns a copy of recorded UpdateProximityState payloads.
func (m *MockClient) ProximityCalls() []ProximityUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ProximityUpdate(nil), m.proximityCalls...)
}

// ListCalls returns a copy of recorded ListNearbyTasks calls.
func (m *MockClient) ListCalls() []MockListCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockListCall(nil), m.listCalls...)
}

// UpdateTaskCalls returns a copy of recorded UpdateTask calls.
func (m *MockClient) UpdateTaskCalls() []MockUpdateTaskCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockUpdateTaskCall(nil), m.updateCalls...)
}

// Reset clears all recorded calls.
func (m *MockClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startCalls = 0
	m.endCalls = 0
	m.statsCalls = 0
	m.proximityCalls = nil
	m.listCalls = nil
	m.updateCalls = nil
}
