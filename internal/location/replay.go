package location

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"gopkg.in/yaml.v3"

	"github.com/thruflo/fieldtrack/internal/geo"
)

// Track is a recorded sequence of positions.
type Track struct {
	// Interval is the spacing between points when streamed by Subscribe.
	Interval  time.Duration  `yaml:"interval"`
	Positions []geo.Position `yaml:"positions"`
}

// LoadTrack reads a YAML track file.
func LoadTrack(path string) (*Track, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read track: %w", err)
	}
	var t Track
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse track: %w", err)
	}
	if len(t.Positions) == 0 {
		return nil, fmt.Errorf("track %s has no positions", path)
	}
	return &t, nil
}

// ReplayProvider is a Provider that replays a recorded track. Each Current
// call returns the next point; after the end it keeps returning the last one.
type ReplayProvider struct {
	mu       sync.Mutex
	track    []geo.Position
	next     int
	interval time.Duration
	clock    clockwork.Clock
	err      error
}

// NewReplayProvider creates a provider over track. Points without a
// timestamp are stamped with the clock's time when served.
func NewReplayProvider(track *Track, clock clockwork.Clock) *ReplayProvider {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	interval := track.Interval
	if interval <= 0 {
		interval = time.Second
	}
	return &ReplayProvider{
		track:    append([]geo.Position(nil), track.Positions...),
		interval: interval,
		clock:    clock,
	}
}

// SetError makes every call fail with err until cleared with nil.
func (p *ReplayProvider) SetError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Remaining returns how many points have not been served yet.
func (p *ReplayProvider) Remaining() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.track) - p.next
}

func (p *ReplayProvider) advance() (geo.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.err != nil {
		return geo.Position{}, p.err
	}
	if len(p.track) == 0 {
		return geo.Position{}, ErrLocationUnavailable
	}
	i := p.next
	if i >= len(p.track) {
		i = len(p.track) - 1
	} else {
		p.next++
	}
	pos := p.track[i]
	if pos.Timestamp.IsZero() {
		pos.Timestamp = p.clock.Now()
	}
	return pos, nil
}

// Current returns the next point of the track.
func (p *ReplayProvider) Current(ctx context.Context, accuracy Accuracy) (geo.Position, error) {
	if err := ctx.Err(); err != nil {
		return geo.Position{}, err
	}
	return p.advance()
}

// Subscribe streams the remaining points every track interval.
func (p *ReplayProvider) Subscribe(ctx context.Context, opts SubscribeOptions) (<-chan geo.Position, error) {
	p.mu.Lock()
	err := p.err
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	ch := make(chan geo.Position, 1)
	go func() {
		defer close(ch)

		ticker := p.clock.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			if p.Remaining() == 0 {
				return
			}
			pos, err := p.advance()
			if err != nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			case ch <- pos:
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
			}
		}
	}()
	return ch, nil
}
