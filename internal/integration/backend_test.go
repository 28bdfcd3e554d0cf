//go:build e2e

package integration

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/thruflo/fieldtrack/internal/geo"
)

// fakeBackend serves the task and presence API from memory.
type fakeBackend struct {
	mu         sync.Mutex
	tasks      []geo.Task
	sessions   int
	ended      int
	proximity  []json.RawMessage
	taskPatches map[string]int
}

func newFakeBackend(t *testing.T, tasks ...geo.Task) (*fakeBackend, *httptest.Server) {
	t.Helper()
	b := &fakeBackend{tasks: tasks, taskPatches: make(map[string]int)}
	srv := httptest.NewServer(http.HandlerFunc(b.serveHTTP))
	t.Cleanup(srv.Close)
	return b, srv
}

func (b *fakeBackend) serveHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	writeJSON := func(v any) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/presence/sessions":
		b.sessions++
		writeJSON(map[string]any{"id": "sess-e2e", "started_at": time.Now().UTC()})
	case r.Method == http.MethodDelete && r.URL.Path == "/presence/sessions/current":
		b.ended++
		w.WriteHeader(http.StatusNoContent)
	case r.Method == http.MethodGet && r.URL.Path == "/presence/stats":
		writeJSON(map[string]any{"active": b.sessions > b.ended})
	case r.Method == http.MethodPut && r.URL.Path == "/presence/proximity":
		var body json.RawMessage
		_ = json.NewDecoder(r.Body).Decode(&body)
		b.proximity = append(b.proximity, body)
		w.WriteHeader(http.StatusNoContent)
	case r.Method == http.MethodGet && r.URL.Path == "/tasks/nearby":
		writeJSON(map[string]any{"tasks": b.tasks})
	case r.Method == http.MethodPatch && strings.HasPrefix(r.URL.Path, "/tasks/"):
		b.taskPatches[strings.TrimPrefix(r.URL.Path, "/tasks/")]++
		w.WriteHeader(http.StatusNoContent)
	default:
		http.NotFound(w, r)
	}
}

func (b *fakeBackend) counts() (sessions, ended, proximity int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessions, b.ended, len(b.proximity)
}
