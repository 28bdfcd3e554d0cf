// Package geo holds the domain types shared by the tracking engine (positions,
// task geofences, task status) and the great-circle geometry used to decide
// whether a position falls inside a task's radius.
//
// Distances inside the engine are always meters. Task radii travel in
// kilometers (that is what the task service stores) and are converted once,
// by Task.RadiusMeters.
package geo

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// EarthRadiusMeters is the mean Earth radius used by Haversine.
const EarthRadiusMeters = 6371000.0

// ErrMalformedTask marks a task whose geofence cannot be evaluated.
var ErrMalformedTask = errors.New("malformed task data")

// Point is a WGS84 coordinate pair in decimal degrees.
type Point struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lon float64 `json:"lon" yaml:"lon"`
}

// Valid reports whether the point is a finite coordinate within range.
func (p Point) Valid() bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lon) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lon, 0) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lon >= -180 && p.Lon <= 180
}

// Position is a single device fix.
type Position struct {
	Latitude       float64   `json:"latitude" yaml:"latitude"`
	Longitude      float64   `json:"longitude" yaml:"longitude"`
	AccuracyMeters float64   `json:"accuracy_meters" yaml:"accuracy_meters"`
	Timestamp      time.Time `json:"timestamp" yaml:"timestamp"`
}

// Point returns the position's coordinates.
func (p Position) Point() Point {
	return Point{Lat: p.Latitude, Lon: p.Longitude}
}

// Task status values as reported by the task service.
const (
	StatusPending    = "pending"
	StatusAccepted   = "accepted"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusCancelled  = "cancelled"
)

// IsActiveStatus reports whether a task in this status is being worked and
// should have its time limit running.
func IsActiveStatus(status string) bool {
	return status == StatusAccepted || status == StatusInProgress
}

// IsFinishedStatus reports whether a task in this status no longer takes part
// in geofence evaluation.
func IsFinishedStatus(status string) bool {
	return status == StatusCompleted || status == StatusCancelled
}

// Task is a geofenced unit of work owned by the task service.
type Task struct {
	ID               string     `json:"id" yaml:"id"`
	Title            string     `json:"title" yaml:"title"`
	Center           Point      `json:"center" yaml:"center"`
	RadiusKm         float64    `json:"radius_km" yaml:"radius_km"`
	Status           string     `json:"status" yaml:"status"`
	TimeLimitMinutes *int       `json:"time_limit_minutes,omitempty" yaml:"time_limit_minutes,omitempty"`
	TimeLimitSetAt   *time.Time `json:"time_limit_set_at,omitempty" yaml:"time_limit_set_at,omitempty"`
}

// RadiusMeters converts the task radius into the engine's canonical unit.
func (t Task) RadiusMeters() float64 {
	return t.RadiusKm * 1000
}

// HasTimeLimit reports whether the task carries a positive time limit.
func (t Task) HasTimeLimit() bool {
	return t.TimeLimitMinutes != nil && *t.TimeLimitMinutes > 0
}

// Validate checks that the task can take part in geofence evaluation.
func (t Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("%w: empty id", ErrMalformedTask)
	}
	if !t.Center.Valid() {
		return fmt.Errorf("%w: task %s has invalid center (%v, %v)", ErrMalformedTask, t.ID, t.Center.Lat, t.Center.Lon)
	}
	if math.IsNaN(t.RadiusKm) || math.IsInf(t.RadiusKm, 0) || t.RadiusKm <= 0 {
		return fmt.Errorf("%w: task %s has invalid radius %v", ErrMalformedTask, t.ID, t.RadiusKm)
	}
	return nil
}

// Haversine returns the great-circle distance between a and b in meters.
func Haversine(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)

	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLon*sinLon
	if h > 1 {
		h = 1
	}
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return EarthRadiusMeters * c
}

// Offset returns the point reached by travelling distanceMeters from p along
// the given initial bearing (degrees clockwise from north).
func Offset(p Point, distanceMeters, bearingDeg float64) Point {
	delta := distanceMeters / EarthRadiusMeters
	theta := bearingDeg * math.Pi / 180
	lat1 := p.Lat * math.Pi / 180
	lon1 := p.Lon * math.Pi / 180

	lat2 := math.Asin(math.Sin(lat1)*math.Cos(delta) + math.Cos(lat1)*math.Sin(delta)*math.Cos(theta))
	lon2 := lon1 + math.Atan2(math.Sin(theta)*math.Sin(delta)*math.Cos(lat1), math.Cos(delta)-math.Sin(lat1)*math.Sin(lat2))

	lon := math.Mod(lon2*180/math.Pi+540, 360) - 180
	return Point{Lat: lat2 * 180 / math.Pi, Lon: lon}
}
