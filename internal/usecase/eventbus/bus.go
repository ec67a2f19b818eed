// Package eventbus fans lifecycle events out to in-process observers.
package eventbus

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"morsel/internal/domain"
)

// DefaultQueueSize is the number of events buffered per subscriber.
const DefaultQueueSize = 256

type queued struct {
	ctx   context.Context
	event domain.Event
}

type subscription struct {
	id        uint64
	eventType domain.EventType // empty matches every event
	handler   domain.EventHandler
	queue     chan queued
	done      chan struct{}
	closeOnce sync.Once
}

func (s *subscription) stop() {
	s.closeOnce.Do(func() { close(s.queue) })
}

// Bus is an in-process, goroutine-safe event bus. Each subscriber receives
// events in publish order on its own goroutine; Publish never blocks, and
// events for a subscriber whose queue is full are dropped.
type Bus struct {
	mu        sync.RWMutex
	subs      []*subscription
	nextID    atomic.Uint64
	logger    *slog.Logger
	queueSize int
	closed    atomic.Bool
	dropped   atomic.Uint64
}

// Option configures a Bus.
type Option func(*Bus)

// WithQueueSize sets the per-subscriber buffer.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// New creates an event bus.
func New(logger *slog.Logger, opts ...Option) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{logger: logger, queueSize: DefaultQueueSize}
	for _, o := range opts {
		o(b)
	}
	return b
}

var _ domain.EventBus = (*Bus)(nil)

// Publish queues event for every matching subscriber. The context handed to
// handlers keeps ctx's values but not its cancellation.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}
	q := queued{ctx: context.WithoutCancel(ctx), event: event}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.eventType != "" && sub.eventType != event.Type {
			continue
		}
		select {
		case sub.queue <- q:
		default:
			b.dropped.Add(1)
			b.logger.Warn("event dropped, subscriber queue full",
				"event", string(event.Type),
				"subscriber", sub.id,
			)
		}
	}
}

// Subscribe registers a handler for one event type and returns its
// unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	return b.subscribe(eventType, handler)
}

// SubscribeAll registers a handler that receives every event.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	return b.subscribe("", handler)
}

func (b *Bus) subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	sub := &subscription{
		id:        b.nextID.Add(1),
		eventType: eventType,
		handler:   handler,
		queue:     make(chan queued, b.queueSize),
		done:      make(chan struct{}),
	}
	go b.run(sub)

	b.mu.Lock()
	if b.closed.Load() {
		b.mu.Unlock()
		sub.stop()
		return func() {}
	}
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		b.subs = slices.DeleteFunc(b.subs, func(s *subscription) bool { return s == sub })
		b.mu.Unlock()
		sub.stop()
	}
}

func (b *Bus) run(sub *subscription) {
	defer close(sub.done)
	for q := range sub.queue {
		b.invoke(sub, q)
	}
}

func (b *Bus) invoke(sub *subscription, q queued) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(q.event.Type),
				"panic", r,
			)
		}
	}()
	sub.handler(q.ctx, q.event)
}

// Dropped returns the number of events discarded because a subscriber fell behind.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Close stops accepting events and waits until every queued event has been
// handled. It is idempotent.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	for _, sub := range subs {
		<-sub.done
	}
}

// LogEvents logs every event at debug level until the returned function is called.
func LogEvents(bus domain.EventBus, logger *slog.Logger) func() {
	return bus.SubscribeAll(func(ctx context.Context, e domain.Event) {
		logger.DebugContext(ctx, "event",
			"type", string(e.Type),
			"conn_id", e.ConnectionID,
			"payload", string(e.Payload),
		)
	})
}
