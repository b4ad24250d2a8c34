package core

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// EventPublisher is what mutating services depend on. The ledger publishes
// fire-and-forget: subscriber failures must never reach the publisher.
type EventPublisher interface {
	Publish(evt Event)
}

// EventSink mirrors committed events to an external transport (e.g. AMQP).
// Delivery durability is the sink's contract, not the ledger's.
type EventSink interface {
	Publish(evt Event) error
}

// Handler consumes one event delivery. A non-nil error triggers a retry; the
// delivery is dead-lettered once retries are exhausted.
type Handler func(ctx context.Context, evt Event) error

type subscription struct {
	name    string
	handler Handler
}

// Bus is an in-process publish/subscribe dispatcher backed by a worker queue.
// Subscribers are registered explicitly. Processing is decoupled from the
// mutating transaction: it may be delayed, retried, or dead-lettered, but it
// never blocks or rolls back the originating mutation.
type Bus struct {
	mu         sync.RWMutex // guards subs
	pubMu      sync.RWMutex // guards closed and the queue lifecycle
	subs       map[EventType][]subscription
	queue      chan Event
	wg         sync.WaitGroup
	log        *zap.Logger
	maxRetries uint64
	deadLetter func(evt Event, subscriber string, err error)
	sinks      []EventSink
	workers    int
	queueSize  int
	closed     bool
}

type BusOption func(*Bus)

func WithWorkers(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.workers = n
		}
	}
}

func WithQueueSize(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithMaxRetries sets how many times a failing subscriber is retried before
// the delivery is dead-lettered.
func WithMaxRetries(n uint64) BusOption {
	return func(b *Bus) { b.maxRetries = n }
}

// WithDeadLetter installs a callback for deliveries that exhausted retries.
func WithDeadLetter(fn func(evt Event, subscriber string, err error)) BusOption {
	return func(b *Bus) { b.deadLetter = fn }
}

// WithSink mirrors every published event to an external sink.
func WithSink(sink EventSink) BusOption {
	return func(b *Bus) { b.sinks = append(b.sinks, sink) }
}

func NewBus(log *zap.Logger, opts ...BusOption) *Bus {
	b := &Bus{
		subs:       make(map[EventType][]subscription),
		log:        log,
		maxRetries: 3,
		workers:    4,
		queueSize:  256,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.queue = make(chan Event, b.queueSize)
	for i := 0; i < b.workers; i++ {
		b.wg.Add(1)
		go b.worker()
	}
	return b
}

// Subscribe registers a named handler for an event type. Must be called
// before the first Publish of that type to guarantee delivery.
func (b *Bus) Subscribe(t EventType, name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[t] = append(b.subs[t], subscription{name: name, handler: h})
}

// Publish enqueues the event for asynchronous delivery. Call only after the
// originating transaction has committed.
func (b *Bus) Publish(evt Event) {
	// The read lock is held across the send: Close flips closed under the
	// write lock, so no send can be in flight when the channel closes.
	b.pubMu.RLock()
	defer b.pubMu.RUnlock()
	if b.closed {
		b.log.Warn("event dropped: bus closed",
			zap.String("event_type", string(evt.Type)),
			zap.Int("tenant_id", evt.TenantID))
		return
	}
	b.queue <- evt
}

// Close stops accepting events and blocks until queued deliveries drain.
func (b *Bus) Close() {
	b.pubMu.Lock()
	if b.closed {
		b.pubMu.Unlock()
		return
	}
	b.closed = true
	close(b.queue)
	b.pubMu.Unlock()
	b.wg.Wait()
}

func (b *Bus) worker() {
	defer b.wg.Done()
	for evt := range b.queue {
		b.dispatch(evt)
	}
}

func (b *Bus) dispatch(evt Event) {
	for _, sink := range b.sinks {
		if err := sink.Publish(evt); err != nil {
			b.log.Error("event sink publish failed",
				zap.String("event_id", evt.ID.String()),
				zap.String("event_type", string(evt.Type)),
				zap.Error(err))
		}
	}

	b.mu.RLock()
	subs := b.subs[evt.Type]
	b.mu.RUnlock()

	ctx := context.Background()
	for _, sub := range subs {
		b.deliver(ctx, evt, sub)
	}
}

func (b *Bus) deliver(ctx context.Context, evt Event, sub subscription) {
	policy := backoff.WithMaxRetries(newRetryBackoff(), b.maxRetries)
	err := backoff.Retry(func() error {
		return sub.handler(ctx, evt)
	}, policy)
	if err == nil {
		return
	}

	b.log.Error("event delivery dead-lettered",
		zap.String("event_id", evt.ID.String()),
		zap.String("event_type", string(evt.Type)),
		zap.Int("tenant_id", evt.TenantID),
		zap.String("subscriber", sub.name),
		zap.Error(err))
	if b.deadLetter != nil {
		b.deadLetter(evt, sub.name, err)
	}
}

func newRetryBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = 0 // retry count is bounded by WithMaxRetries
	return bo
}
