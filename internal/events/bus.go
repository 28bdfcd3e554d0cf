package events

import (
	"context"
	"sync"

	"github.com/thruflo/fieldtrack/internal/logging"
)

// Sink receives every published event after it has been sequenced.
type Sink interface {
	Append(e *Event) error
}

// DefaultRecentSize is the number of events kept for Recent.
const DefaultRecentSize = 256

// BusOptions configures a Bus.
type BusOptions struct {
	// RecentSize bounds the in-memory history. Zero uses DefaultRecentSize.
	RecentSize int

	// StartSeq is the last sequence number already used, e.g. by a journal
	// from a previous run.
	StartSeq uint64

	// Sinks receive every event in publish order.
	Sinks []Sink

	Logger *logging.Logger
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber whose
// buffer is full misses the event and the drop is counted.
type Bus struct {
	mu      sync.Mutex
	seq     uint64
	subs    map[int]chan *Event
	nextSub int
	recent  []*Event
	head    int
	full    bool
	dropped uint64
	sinks   []Sink
	closed  bool
	logger  *logging.Logger
}

// NewBus creates a Bus.
func NewBus(opts BusOptions) *Bus {
	size := opts.RecentSize
	if size <= 0 {
		size = DefaultRecentSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Component("events")
	}
	return &Bus{
		seq:    opts.StartSeq,
		subs:   make(map[int]chan *Event),
		recent: make([]*Event, size),
		sinks:  opts.Sinks,
		logger: logger,
	}
}

// Publish sequences e, records it, writes it to every sink and delivers it to
// subscribers. Publishing on a closed bus is a no-op.
func (b *Bus) Publish(e *Event) {
	if e == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.seq++
	e.Seq = b.seq

	b.recent[b.head] = e
	b.head = (b.head + 1) % len(b.recent)
	if b.head == 0 {
		b.full = true
	}

	for _, s := range b.sinks {
		if err := s.Append(e); err != nil {
			b.logger.Warn("event sink append failed", "type", e.Type, "seq", e.Seq, "error", err)
		}
	}

	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped++
		}
	}
}

// Subscribe returns a channel receiving every event published after the call.
// The channel is closed when ctx is done or the bus is closed.
func (b *Bus) Subscribe(ctx context.Context, buffer int) <-chan *Event {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan *Event, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch
	}
	id := b.nextSub
	b.nextSub++
	b.subs[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.unsubscribe(id)
	}()

	return ch
}

func (b *Bus) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Recent returns up to n of the most recent events, oldest first. n <= 0
// returns the whole history.
func (b *Bus) Recent(n int) []*Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	var all []*Event
	if b.full {
		all = append(all, b.recent[b.head:]...)
	}
	all = append(all, b.recent[:b.head]...)

	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	return all
}

// LastSeq returns the sequence number of the last published event.
func (b *Bus) LastSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// Dropped returns how many deliveries were skipped because a subscriber was
// full.
func (b *Bus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close closes every subscriber channel. It is safe to call more than once.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
