package testutil

import (
	"time"

	"github.com/thruflo/fieldtrack/internal/geo"
)

// Origin is the reference point for geometry tests (Obelisco, Buenos Aires).
var Origin = geo.Point{Lat: -34.603722, Lon: -58.381592}

// FixedTime is the default start instant for fake clocks.
var FixedTime = time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)

// Task returns an accepted task centered on center.
func Task(id string, center geo.Point, radiusKm float64) geo.Task {
	return geo.Task{
		ID:       id,
		Title:    "Task " + id,
		Center:   center,
		RadiusKm: radiusKm,
		Status:   geo.StatusAccepted,
	}
}

// TimedTask returns an accepted task with a time limit. setAt may be nil for
// a task whose countdown has not started.
func TimedTask(id string, center geo.Point, minutes int, setAt *time.Time) geo.Task {
	t := Task(id, center, 0.5)
	t.TimeLimitMinutes = IntPtr(minutes)
	t.TimeLimitSetAt = setAt
	return t
}

// At returns a position at p with a fixed accuracy.
func At(p geo.Point) geo.Position {
	return geo.Position{Latitude: p.Lat, Longitude: p.Lon, AccuracyMeters: 5}
}

// Near returns a position distanceMeters from Origin along bearing degrees.
func Near(distanceMeters, bearing float64) geo.Position {
	return At(geo.Offset(Origin, distanceMeters, bearing))
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int {
	return &v
}

// TimePtr returns a pointer to v.
func TimePtr(v time.Time) *time.Time {
	return &v
}
