// Package testutil provides shared test utilities for fieldtrack.
//
// This package consolidates common fixtures, fakes and assertions used across
// the engine's package tests so every package builds tasks, positions and
// deadlines the same way.
//
// # Fixtures
//
// The fixtures.go file provides sample data for testing:
//
//   - Origin - the reference point used by most geometry tests
//   - Task(id, center, radiusKm) - an accepted task with a geofence
//   - TimedTask(id, center, minutes, setAt) - a task with a time limit
//   - At(point), Near(distanceMeters, bearing) - positions
//   - IntPtr, TimePtr - pointer helpers for optional task fields
//
// # Fakes
//
// The kv.go file provides FailingKV, a store.KV wrapper whose operations can
// be made to fail, used to exercise persistence degradation.
//
// # Environment Helpers
//
// The env.go file provides test environment setup:
//
//   - SetupTestDir(t) - creates a temp directory with a .fieldtrack config
//   - MustMarshalJSON(t, v), MustUnmarshalJSON(t, data, v)
//   - WriteTestFile(t, base, path, content)
//
// # Assertions
//
// The assertions.go file provides custom test assertions:
//
//   - CollectEvents(t, ch, n) - reads n events or fails
//   - AssertEventTypes(t, events, types...) - compares event type sequences
//   - AssertNoEvent(t, ch, wait) - asserts nothing arrives
//   - AssertBucketsConsistent(t, idle, productive, total)
//
// # Usage
//
// Import the package in your test files:
//
//	import "github.com/thruflo/fieldtrack/internal/testutil"
//
// Then use the helpers:
//
//	func TestSomething(t *testing.T) {
//	    tasks := []geo.Task{testutil.Task("t1", testutil.Origin, 1)}
//	    res, err := evaluator.Evaluate(ctx, testutil.At(testutil.Origin), tasks)
//	    // ...
//	}
package testutil
