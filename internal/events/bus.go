package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Publisher accepts control plane events. The controller only depends on this.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

var (
	// ErrClosed is returned once the bus has been closed.
	ErrClosed = errors.New("event bus closed")

	// ErrOffsetExpired is returned when a replay starts before the oldest
	// retained event.
	ErrOffsetExpired = errors.New("event offset no longer retained")
)

const (
	defaultBufferSize = 256
	defaultRetention  = 1024
)

// Metrics receives bus counters. observability.BusMetrics implements it.
type Metrics interface {
	EventPublished(eventType string, delivered int)
	EventDropped(eventType, subscriber string)
}

type noopMetrics struct{}

func (noopMetrics) EventPublished(string, int) {}
func (noopMetrics) EventDropped(string, string) {}

// Option configures a Bus.
type Option func(*Bus)

// WithBufferSize sets the channel buffer of live subscriptions.
func WithBufferSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

// WithRetention sets how many recent events are kept for replay.
func WithRetention(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.retention = n
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(b *Bus) {
		if m != nil {
			b.metrics = m
		}
	}
}

// WithLogger sets the logger used to report dropped events.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithClock sets the clock used to stamp events published without a
// timestamp.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) {
		if now != nil {
			b.now = now
		}
	}
}

// Bus orders control plane events and fans them out to subscribers.
//
// Every published event gets the next Offset, and events sharing a Key get
// consecutive KeySeq values, so the transitions of one strategy can be
// consumed in order and gaps detected. The most recent events are retained
// for replay. Delivery to a live subscriber never blocks the publisher: a
// subscriber whose buffer is full loses the event and its drop count grows.
type Bus struct {
	mu          sync.Mutex
	offset      uint64
	keySeq      map[string]uint64
	retained    []Event
	subscribers map[uint64]*Subscription
	nextSub     uint64
	closed      bool

	bufferSize int
	retention  int
	metrics    Metrics
	logger     *slog.Logger
	now        func() time.Time
}

// NewBus creates an empty bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		keySeq:      make(map[string]uint64),
		subscribers: make(map[uint64]*Subscription),
		bufferSize:  defaultBufferSize,
		retention:   defaultRetention,
		metrics:     noopMetrics{},
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "event-bus")
	return b
}

// Publish stamps event with its offset and key sequence, retains it and
// delivers it to every matching subscriber.
func (b *Bus) Publish(ctx context.Context, event Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = b.now()
	}
	b.offset++
	event.Offset = b.offset
	if key := event.Key(); key != "" {
		b.keySeq[key]++
		event.KeySeq = b.keySeq[key]
	}

	b.retained = append(b.retained, event)
	if over := len(b.retained) - b.retention; over > 0 {
		b.retained = b.retained[over:]
	}

	delivered := 0
	for _, sub := range b.subscribers {
		if !sub.filter.Matches(event) {
			continue
		}
		select {
		case sub.ch <- event:
			delivered++
		default:
			sub.dropped.Add(1)
			b.metrics.EventDropped(event.Type.String(), sub.name)
			b.logger.Warn("subscriber buffer full, event dropped",
				"subscriber", sub.name,
				"type", event.Type,
				"offset", event.Offset,
				"key", event.Key(),
			)
		}
	}
	b.metrics.EventPublished(event.Type.String(), delivered)
	return nil
}

// Offset returns the offset of the last published event.
func (b *Bus) Offset() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.offset
}

// Since returns up to limit retained events after offset that match filter,
// oldest first. An offset of zero reads from the oldest retained event and a
// limit of zero returns everything retained.
func (b *Bus) Since(filter Filter, after uint64, limit int) ([]Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sinceLocked(filter, after, limit)
}

func (b *Bus) sinceLocked(filter Filter, after uint64, limit int) ([]Event, error) {
	if after > 0 && len(b.retained) > 0 && after+1 < b.retained[0].Offset {
		return nil, ErrOffsetExpired
	}
	out := []Event{}
	for _, e := range b.retained {
		if e.Offset <= after || !filter.Matches(e) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Subscribe delivers events published from now on that match filter. name
// identifies the subscriber in logs and metrics.
func (b *Bus) Subscribe(name string, filter Filter) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subscribeLocked(name, filter, nil)
}

// SubscribeFrom is Subscribe preceded by the retained events after offset.
// Replay and live delivery join without gaps or duplicates.
func (b *Bus) SubscribeFrom(name string, filter Filter, after uint64) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	replay, err := b.sinceLocked(filter, after, 0)
	if err != nil {
		return nil, err
	}
	return b.subscribeLocked(name, filter, replay)
}

func (b *Bus) subscribeLocked(name string, filter Filter, replay []Event) (*Subscription, error) {
	if b.closed {
		return nil, ErrClosed
	}
	b.nextSub++
	sub := &Subscription{
		bus:    b,
		id:     b.nextSub,
		name:   name,
		filter: filter,
		ch:     make(chan Event, b.bufferSize+len(replay)),
	}
	for _, e := range replay {
		sub.ch <- e
	}
	b.subscribers[sub.id] = sub
	b.logger.Debug("subscribed", "subscriber", name, "replayed", len(replay))
	return sub, nil
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[sub.id]; !ok {
		return
	}
	delete(b.subscribers, sub.id)
	close(sub.ch)
}

// Close ends every subscription. Publishing afterwards fails with ErrClosed.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, id)
	}
	return nil
}

// Subscription is one consumer of the bus.
type Subscription struct {
	bus     *Bus
	id      uint64
	name    string
	filter  Filter
	ch      chan Event
	dropped atomic.Uint64
	once    sync.Once
}

// Events returns the delivery channel. It is closed by Close or when the bus
// closes.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Dropped returns how many matching events this subscriber lost to a full
// buffer.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close stops delivery.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.unsubscribe(s)
	})
}
