package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thruflo/fieldtrack/internal/events"
)

// DefaultEventWait bounds how long CollectEvents waits for each event.
const DefaultEventWait = 2 * time.Second

// CollectEvents reads n events from ch, failing the test if any of them does
// not arrive within DefaultEventWait.
func CollectEvents(t *testing.T, ch <-chan *events.Event, n int) []*events.Event {
	t.Helper()

	out := make([]*events.Event, 0, n)
	for len(out) < n {
		select {
		case e, ok := <-ch:
			require.True(t, ok, "event channel closed after %d of %d events", len(out), n)
			out = append(out, e)
		case <-time.After(DefaultEventWait):
			require.FailNow(t, "timed out waiting for event", "got %d of %d: %v", len(out), n, EventTypes(out))
		}
	}
	return out
}

// EventTypes returns the type of each event.
func EventTypes(evts []*events.Event) []events.Type {
	types := make([]events.Type, len(evts))
	for i, e := range evts {
		types[i] = e.Type
	}
	return types
}

// AssertEventTypes asserts the sequence of event types.
func AssertEventTypes(t *testing.T, evts []*events.Event, want ...events.Type) {
	t.Helper()
	assert.Equal(t, want, EventTypes(evts), "event type sequence mismatch")
}

// AssertNoEvent asserts that nothing arrives on ch within wait.
func AssertNoEvent(t *testing.T, ch <-chan *events.Event, wait time.Duration) {
	t.Helper()
	select {
	case e, ok := <-ch:
		if ok {
			assert.Fail(t, "unexpected event", "type=%s task=%s", e.Type, e.TaskID)
		}
	case <-time.After(wait):
	}
}

// AssertBucketsConsistent asserts idle + productive == total within a
// microsecond expressed in minutes.
func AssertBucketsConsistent(t *testing.T, idle, productive, total float64) {
	t.Helper()
	assert.InDelta(t, total, idle+productive, 1e-6/60, "idle + productive must equal total")
}
