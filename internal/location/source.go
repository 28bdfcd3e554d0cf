package location

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/thruflo/fieldtrack/internal/geo"
	"github.com/thruflo/fieldtrack/internal/logging"
	"github.com/thruflo/fieldtrack/internal/metrics"
	"github.com/thruflo/fieldtrack/internal/store"
)

// Update is one item of the position stream: either a position or an
// acquisition error.
type Update struct {
	Position geo.Position
	// Via names the strategy or "subscription" that produced the position.
	Via string
	Err error
}

// SourceOptions configures a Source.
type SourceOptions struct {
	Provider   Provider
	Strategies []Strategy

	// PollInterval is the periodic sampling interval. Zero disables polling.
	PollInterval time.Duration

	// Continuous enables a subscription whose updates pass a
	// MinDistanceMeters / MinInterval filter.
	Continuous        bool
	MinDistanceMeters float64
	MinInterval       time.Duration

	// Records persists the last known position. Optional.
	Records *store.Records

	Clock   clockwork.Clock
	Logger  *logging.Logger
	Metrics metrics.Recorder
}

// Source acquires positions and fans them out to subscribers.
type Source struct {
	provider    Provider
	strategies  []Strategy
	interval    time.Duration
	continuous  bool
	minDistance float64
	minInterval time.Duration
	records     *store.Records
	clock       clockwork.Clock
	logger      *logging.Logger
	metrics     metrics.Recorder

	denied atomic.Bool

	mu      sync.Mutex
	last    *geo.Position
	lastSub *geo.Position
	subs    map[int]chan Update
	nextSub int
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewSource creates a Source.
func NewSource(opts SourceOptions) *Source {
	strategies := opts.Strategies
	if len(strategies) == 0 {
		strategies = DefaultStrategies()
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Component("location")
	}
	return &Source{
		provider:    opts.Provider,
		strategies:  strategies,
		interval:    opts.PollInterval,
		continuous:  opts.Continuous,
		minDistance: opts.MinDistanceMeters,
		minInterval: opts.MinInterval,
		records:     opts.Records,
		clock:       clock,
		logger:      logger,
		metrics:     metrics.OrNil(opts.Metrics),
		subs:        make(map[int]chan Update),
	}
}

// Acquire tries each strategy in order under its own timeout and publishes the
// first position obtained. Permission and services errors stop the sequence
// immediately. When every strategy fails the error wraps
// ErrLocationUnavailable and the last known position remains available.
func (s *Source) Acquire(ctx context.Context) (geo.Position, error) {
	if s.denied.Load() {
		return geo.Position{}, ErrPermissionDenied
	}

	var lastErr error
	for _, st := range s.strategies {
		stCtx, cancel := clockwork.WithTimeout(ctx, s.clock, st.Timeout())
		pos, err := st.Acquire(stCtx, s.provider)
		cancel()

		if err == nil {
			s.metrics.RecordLocation(st.Name(), "ok")
			s.publish(ctx, pos, st.Name())
			return pos, nil
		}

		if ctx.Err() != nil {
			return geo.Position{}, ctx.Err()
		}

		s.metrics.RecordLocation(st.Name(), ErrorKind(err))
		switch {
		case errors.Is(err, ErrPermissionDenied):
			s.denied.Store(true)
			s.logger.Warn("location permission denied", "strategy", st.Name())
			return geo.Position{}, err
		case errors.Is(err, ErrServicesDisabled):
			s.logger.Warn("location services disabled", "strategy", st.Name())
			return geo.Position{}, err
		}

		s.logger.Debug("location strategy failed", "strategy", st.Name(), "error", err)
		lastErr = err
	}

	if lastErr == nil {
		lastErr = errors.New("no strategies configured")
	}
	return geo.Position{}, fmt.Errorf("%w: %w", ErrLocationUnavailable, lastErr)
}

// LastKnown returns the most recent published position, falling back to the
// persisted one.
func (s *Source) LastKnown(ctx context.Context) (geo.Position, bool) {
	s.mu.Lock()
	last := s.last
	s.mu.Unlock()
	if last != nil {
		return *last, true
	}

	if s.records == nil {
		return geo.Position{}, false
	}
	pos, err := s.records.LoadLastPosition(ctx)
	if err != nil {
		s.logger.Warn("failed to load last known position", "error", err)
		return geo.Position{}, false
	}
	if pos == nil {
		return geo.Position{}, false
	}
	return *pos, true
}

// Denied reports whether permission was denied and not yet retried.
func (s *Source) Denied() bool {
	return s.denied.Load()
}

// Retry clears a permission denial so the next cycle acquires again.
func (s *Source) Retry() {
	if s.denied.Swap(false) {
		s.logger.Info("location permission retry requested")
	}
}

// Subscribe returns a channel of updates. When the channel is full the oldest
// queued update is replaced. The channel closes when ctx is done.
func (s *Source) Subscribe(ctx context.Context, buffer int) <-chan Update {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan Update, buffer)

	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
		close(ch)
	}()

	return ch
}

// Start begins polling and, when configured, the continuous subscription.
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return errors.New("location source already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	if s.interval > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.pollLoop(runCtx)
		}()
	}
	if s.continuous {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.subscribeLoop(runCtx)
		}()
	}
	return nil
}

// Stop cancels polling and the subscription and waits for both to exit.
func (s *Source) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Source) pollLoop(ctx context.Context) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	s.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.poll(ctx)
		}
	}
}

func (s *Source) poll(ctx context.Context) {
	if s.denied.Load() {
		s.logger.Debug("skipping poll, permission denied")
		return
	}
	if _, err := s.Acquire(ctx); err != nil && ctx.Err() == nil {
		s.deliver(Update{Err: err})
	}
}

func (s *Source) subscribeLoop(ctx context.Context) {
	retry := s.interval
	if retry <= 0 {
		retry = 30 * time.Second
	}

	for {
		if !s.denied.Load() {
			s.runSubscription(ctx)
		}
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(retry):
		}
	}
}

func (s *Source) runSubscription(ctx context.Context) {
	ch, err := s.provider.Subscribe(ctx, SubscribeOptions{
		Accuracy:          AccuracyBalanced,
		MinDistanceMeters: s.minDistance,
		MinInterval:       s.minInterval,
	})
	if err != nil {
		if errors.Is(err, ErrPermissionDenied) {
			s.denied.Store(true)
		}
		s.metrics.RecordLocation("subscription", ErrorKind(err))
		s.logger.Warn("location subscription failed", "error", err)
		s.deliver(Update{Err: err})
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case pos, ok := <-ch:
			if !ok {
				s.logger.Debug("location subscription closed")
				return
			}
			if s.accept(pos) {
				s.metrics.RecordLocation("subscription", "ok")
				s.publish(ctx, pos, "subscription")
			}
		}
	}
}

// accept applies the subscription's distance/interval filter.
func (s *Source) accept(pos geo.Position) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pos.Timestamp.IsZero() {
		pos.Timestamp = s.clock.Now()
	}
	prev := s.lastSub
	if prev != nil {
		moved := geo.Haversine(prev.Point(), pos.Point())
		elapsed := pos.Timestamp.Sub(prev.Timestamp)
		if moved < s.minDistance && elapsed < s.minInterval {
			return false
		}
	}
	s.lastSub = &pos
	return true
}

// publish records pos as the last known position and delivers it.
func (s *Source) publish(ctx context.Context, pos geo.Position, via string) {
	if pos.Timestamp.IsZero() {
		pos.Timestamp = s.clock.Now()
	}

	s.mu.Lock()
	p := pos
	s.last = &p
	s.mu.Unlock()

	if s.records != nil {
		if err := s.records.SaveLastPosition(ctx, pos); err != nil {
			s.logger.Warn("failed to persist last known position", "error", err)
		}
	}

	s.deliver(Update{Position: pos, Via: via})
}

func (s *Source) deliver(u Update) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ch := range s.subs {
		select {
		case ch <- u:
			continue
		default:
		}
		// Replace the oldest queued update.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- u:
		default:
		}
	}
}
