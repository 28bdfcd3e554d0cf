// Package metrics defines the observability hooks of the tracking engine and
// a Prometheus implementation of them.
package metrics

import "time"

// Recorder receives engine measurements. Implementations must be safe for
// concurrent use.
type Recorder interface {
	// RecordEvaluation records one completed geofence evaluation.
	RecordEvaluation(duration time.Duration, inRange int)

	// RecordTransition records an entered or exited transition.
	RecordTransition(kind string)

	// RecordEvaluationSkipped records a dropped tick or a skipped task.
	RecordEvaluationSkipped(reason string)

	// RecordMirrorFailure records a failed remote proximity mirror call.
	RecordMirrorFailure()

	// RecordLocation records a position acquisition outcome by strategy name
	// ("" for failures) and result ("ok" or an error kind).
	RecordLocation(strategy, result string)

	// RecordBackendError records a failed remote call.
	RecordBackendError(op string)

	// SetActiveTimers sets the number of ticking countdowns.
	SetActiveTimers(n int)

	// RecordTimerExpired records a countdown expiry.
	RecordTimerExpired()

	// SetPresence sets the current idle and productive minutes.
	SetPresence(idleMinutes, productiveMinutes float64)
}

// Nil is a Recorder that discards everything.
type Nil struct{}

var _ Recorder = Nil{}

func (Nil) RecordEvaluation(time.Duration, int) {}
func (Nil) RecordTransition(string) {}
func (Nil) RecordEvaluationSkipped(string) {}
func (Nil) RecordMirrorFailure() {}
func (Nil) RecordLocation(string, string) {}
func (Nil) RecordBackendError(string) {}
func (Nil) SetActiveTimers(int) {}
func (Nil) RecordTimerExpired() {}
func (Nil) SetPresence(float64, float64) {}

// OrNil returns r, or Nil when r is nil.
func OrNil(r Recorder) Recorder {
	if r == nil {
		return Nil{}
	}
	return r
}
