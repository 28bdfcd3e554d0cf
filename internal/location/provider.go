// Package location acquires device positions. It tries an ordered list of
// acquisition strategies, each bounded by its own timeout, and funnels both
// periodic polling and continuous subscription updates into one stream of
// positions. The last successful fix is persisted for degraded operation.
package location

import (
	"context"
	"errors"
	"time"

	"github.com/thruflo/fieldtrack/internal/geo"
)

// Sentinel errors. Wrapped errors are matched with errors.Is.
var (
	// ErrPermissionDenied is terminal until the host calls Source.Retry.
	ErrPermissionDenied = errors.New("location permission denied")

	// ErrServicesDisabled means location services are off; the next cycle
	// tries again.
	ErrServicesDisabled = errors.New("location services disabled")

	// ErrAcquisitionTimeout means one strategy ran out of time.
	ErrAcquisitionTimeout = errors.New("location acquisition timed out")

	// ErrLocationUnavailable means every strategy failed.
	ErrLocationUnavailable = errors.New("location unavailable")
)

// Accuracy is a requested accuracy tier.
type Accuracy string

const (
	AccuracyHigh     Accuracy = "high"
	AccuracyBalanced Accuracy = "balanced"
	AccuracyLow      Accuracy = "low"
)

// SubscribeOptions configures a continuous position subscription.
type SubscribeOptions struct {
	Accuracy          Accuracy
	MinDistanceMeters float64
	MinInterval       time.Duration
}

// Provider is the platform positioning adapter.
type Provider interface {
	// Current returns a single fix at the requested accuracy. It must return
	// when ctx is done.
	Current(ctx context.Context, accuracy Accuracy) (geo.Position, error)

	// Subscribe streams fixes until ctx is done, then closes the channel.
	Subscribe(ctx context.Context, opts SubscribeOptions) (<-chan geo.Position, error)
}

// ErrorKind returns a short label for a location error, used in events and
// metrics.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, ErrServicesDisabled):
		return "services_disabled"
	case errors.Is(err, ErrLocationUnavailable):
		// Wraps the last strategy's error, often a timeout.
		return "unavailable"
	case errors.Is(err, ErrAcquisitionTimeout):
		return "timeout"
	default:
		return "error"
	}
}
