package location

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/thruflo/fieldtrack/internal/config"
	"github.com/thruflo/fieldtrack/internal/geo"
)

// Strategy is one step of the acquisition policy.
type Strategy interface {
	// Name identifies the strategy in logs and metrics.
	Name() string

	// Timeout bounds a single Acquire call.
	Timeout() time.Duration

	// Acquire obtains one position from the provider.
	Acquire(ctx context.Context, p Provider) (geo.Position, error)
}

// OneShot asks the provider for a single fix at a fixed accuracy.
type OneShot struct {
	Accuracy Accuracy
	MaxWait  time.Duration
}

// Name returns the accuracy tier.
func (s OneShot) Name() string { return string(s.Accuracy) }

// Timeout returns MaxWait.
func (s OneShot) Timeout() time.Duration { return s.MaxWait }

// Acquire calls Provider.Current.
func (s OneShot) Acquire(ctx context.Context, p Provider) (geo.Position, error) {
	pos, err := p.Current(ctx, s.Accuracy)
	if err != nil {
		return geo.Position{}, timeoutErr(ctx, err)
	}
	return pos, nil
}

// Subscription opens a continuous subscription and takes its first fix.
type Subscription struct {
	Accuracy Accuracy
	MaxWait  time.Duration
}

// Name returns "subscription-<accuracy>".
func (s Subscription) Name() string { return "subscription-" + string(s.Accuracy) }

// Timeout returns MaxWait.
func (s Subscription) Timeout() time.Duration { return s.MaxWait }

// Acquire waits for the first update of a fresh subscription.
func (s Subscription) Acquire(ctx context.Context, p Provider) (geo.Position, error) {
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch, err := p.Subscribe(subCtx, SubscribeOptions{Accuracy: s.Accuracy})
	if err != nil {
		return geo.Position{}, timeoutErr(ctx, err)
	}

	select {
	case pos, ok := <-ch:
		if !ok {
			if ctx.Err() != nil {
				return geo.Position{}, timeoutErr(ctx, ctx.Err())
			}
			return geo.Position{}, errors.New("subscription closed before delivering a position")
		}
		return pos, nil
	case <-ctx.Done():
		return geo.Position{}, timeoutErr(ctx, ctx.Err())
	}
}

// timeoutErr maps a deadline expiry to ErrAcquisitionTimeout.
func timeoutErr(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		if errors.Is(err, ErrAcquisitionTimeout) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrAcquisitionTimeout, err)
	}
	return err
}

// DefaultStrategies returns high, balanced and low one-shot tiers followed by
// a low-accuracy subscription.
func DefaultStrategies() []Strategy {
	return []Strategy{
		OneShot{Accuracy: AccuracyHigh, MaxWait: 10 * time.Second},
		OneShot{Accuracy: AccuracyBalanced, MaxWait: 8 * time.Second},
		OneShot{Accuracy: AccuracyLow, MaxWait: 5 * time.Second},
		Subscription{Accuracy: AccuracyLow, MaxWait: 15 * time.Second},
	}
}

// StrategiesFromConfig builds the one-shot tiers from configuration and
// appends the low-accuracy subscription fallback.
func StrategiesFromConfig(cfg config.Location) []Strategy {
	if len(cfg.Strategies) == 0 {
		return DefaultStrategies()
	}
	out := make([]Strategy, 0, len(cfg.Strategies)+1)
	for _, s := range cfg.Strategies {
		out = append(out, OneShot{Accuracy: Accuracy(s.Accuracy), MaxWait: s.Timeout})
	}
	wait := cfg.SubscriptionTimeout
	if wait <= 0 {
		wait = config.DefaultSubscriptionTimeout
	}
	return append(out, Subscription{Accuracy: AccuracyLow, MaxWait: wait})
}
