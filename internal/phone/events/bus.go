package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Publisher is the sending side of the bus.
type Publisher interface {
	// Publish delivers an event to every subscriber. It never blocks on a
	// slow subscriber; overflow is dropped and counted per subscription.
	Publish(ctx context.Context, event Event) error

	// Close releases resources and closes every subscription.
	Close() error
}

// Bus fans events out to subscriptions in publish order.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
	sinks  []Publisher
}

// NewBus creates a bus. Sinks receive every event synchronously before
// subscribers do, e.g. a LoggingPublisher.
func NewBus(sinks ...Publisher) *Bus {
	return &Bus{
		subs:  make(map[uint64]*Subscription),
		sinks: sinks,
	}
}

// DefaultBufferSize is used when Subscribe is given a non-positive size.
const DefaultBufferSize = 256

// Subscribe returns a buffered subscription receiving the given kinds, or
// every kind when none are listed.
func (b *Bus) Subscribe(bufferSize int, kinds ...Kind) *Subscription {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	sub := &Subscription{
		bus: b,
		ch:  make(chan Event, bufferSize),
	}
	if len(kinds) > 0 {
		sub.kinds = make(map[Kind]struct{}, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = struct{}{}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		sub.closed = true
		return sub
	}
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	return sub
}

// SubscribeFunc runs fn on its own goroutine for each matching event until
// the subscription or the bus is closed.
func (b *Bus) SubscribeFunc(fn func(Event), kinds ...Kind) *Subscription {
	sub := b.Subscribe(DefaultBufferSize, kinds...)
	go func() {
		for e := range sub.Events() {
			fn(e)
		}
	}()
	return sub
}

func (b *Bus) Publish(ctx context.Context, event Event) error {
	for _, sink := range b.sinks {
		if err := sink.Publish(ctx, event); err != nil {
			slog.Warn("[Events] Sink failed", "kind", event.Kind, "error", err)
		}
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}
	for _, sub := range b.subs {
		sub.deliver(event)
	}
	return nil
}

// Close closes every subscription. Publishing afterwards is a no-op.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[uint64]*Subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	for _, sink := range b.sinks {
		_ = sink.Close()
	}
	return nil
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Subscription is one consumer's view of the bus.
type Subscription struct {
	bus     *Bus
	id      uint64
	ch      chan Event
	kinds   map[Kind]struct{}
	dropped atomic.Int64

	mu     sync.Mutex
	closed bool
}

// Events returns the channel events arrive on. It is closed on Close.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Dropped returns how many events were discarded because the buffer was full.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close unsubscribes and closes the channel.
func (s *Subscription) Close() {
	s.bus.remove(s.id)
	s.close()
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (s *Subscription) deliver(e Event) {
	if s.kinds != nil {
		if _, ok := s.kinds[e.Kind]; !ok {
			return
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- e:
	default:
		s.dropped.Add(1)
		slog.Warn("[Events] Event dropped: subscriber buffer full",
			"kind", e.Kind,
			"session_id", e.SessionID(),
		)
	}
}

// LoggingPublisher logs every event at debug level.
type LoggingPublisher struct {
	logger *slog.Logger
}

// NewLoggingPublisher creates a logging sink; nil uses slog.Default.
func NewLoggingPublisher(logger *slog.Logger) *LoggingPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingPublisher{logger: logger}
}

func (p *LoggingPublisher) Publish(ctx context.Context, e Event) error {
	p.logger.Debug("[Events] Published",
		"kind", e.Kind,
		"session_id", e.SessionID(),
		"reason", e.Reason,
	)
	return nil
}

func (p *LoggingPublisher) Close() error {
	return nil
}

var (
	_ Publisher = (*Bus)(nil)
	_ Publisher = (*LoggingPublisher)(nil)
)
