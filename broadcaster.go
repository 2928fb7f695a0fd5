package gridsync

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// BroadcasterConfig configures the change broadcaster.
type BroadcasterConfig struct {
	// BufferSize is the channel buffer size per subscriber
	BufferSize int
	// MaxSubscribers limits concurrent subscribers
	MaxSubscribers int
}

// DefaultBroadcasterConfig returns production-ready defaults.
func DefaultBroadcasterConfig() BroadcasterConfig {
	return BroadcasterConfig{
		BufferSize:     64,
		MaxSubscribers: 256,
	}
}

// Subscriber is an active change stream subscription. Events arrive on
// Events in publish order. A subscriber that falls behind has events
// dropped rather than blocking the publisher.
type Subscriber struct {
	ID      string
	Events  chan ChangeEvent
	created time.Time
	closed  int32
	hub     *Broadcaster
}

// Close terminates the subscription. Safe to call more than once.
func (s *Subscriber) Close() {
	if atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		s.hub.remove(s.ID)
		close(s.Events)
	}
}

// BroadcasterStats provides runtime statistics for the broadcaster.
type BroadcasterStats struct {
	ActiveSubscribers int   `json:"active_subscribers"`
	EventsPublished   int64 `json:"events_published"`
	EventsDropped     int64 `json:"events_dropped"`
}

// Broadcaster fans change events out to the currently subscribed set.
//
// Delivery is best-effort: per subscriber the order is FIFO, across
// subscribers no ordering is guaranteed, and nothing is replayed to late
// joiners — a reconnecting client fetches current state instead. It is an
// injectable service owned by the gateway, not package-level state.
type Broadcaster struct {
	config BroadcasterConfig

	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	nextID      int64
	closed      bool

	eventsPublished int64
	eventsDropped   int64
}

// NewBroadcaster creates a new change broadcaster.
func NewBroadcaster(config BroadcasterConfig) *Broadcaster {
	if config.BufferSize <= 0 {
		config.BufferSize = 64
	}
	if config.MaxSubscribers <= 0 {
		config.MaxSubscribers = 256
	}
	return &Broadcaster{
		config:      config,
		subscribers: make(map[string]*Subscriber),
	}
}

// Subscribe registers a new subscriber. A synthetic connected event is
// queued before any real event can arrive.
func (b *Broadcaster) Subscribe() (*Subscriber, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	if len(b.subscribers) >= b.config.MaxSubscribers {
		return nil, ErrTooManySubscribers
	}

	b.nextID++
	sub := &Subscriber{
		ID:      subscriberID(b.nextID),
		Events:  make(chan ChangeEvent, b.config.BufferSize),
		created: time.Now(),
		hub:     b,
	}
	sub.Events <- ChangeEvent{Type: EventConnected}
	b.subscribers[sub.ID] = sub
	return sub, nil
}

// Unsubscribe removes a subscriber by ID. Idempotent.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.RLock()
	sub, ok := b.subscribers[id]
	b.mu.RUnlock()
	if ok {
		sub.Close()
	}
}

func (b *Broadcaster) remove(id string) {
	b.mu.Lock()
	delete(b.subscribers, id)
	b.mu.Unlock()
}

// Publish delivers an event to every current subscriber. A subscriber
// whose buffer is full (or that closed concurrently) is skipped; failures
// never propagate to the publisher or to other subscribers.
func (b *Broadcaster) Publish(event ChangeEvent) {
	b.mu.RLock()
	subs := make([]*Subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		b.send(sub, event)
	}
}

// send writes one event to one subscriber, recovering from a send on a
// channel that closed without unsubscribing first.
func (b *Broadcaster) send(sub *Subscriber, event ChangeEvent) {
	defer func() {
		if recover() != nil {
			atomic.AddInt64(&b.eventsDropped, 1)
		}
	}()

	if atomic.LoadInt32(&sub.closed) == 1 {
		return
	}
	select {
	case sub.Events <- event:
		atomic.AddInt64(&b.eventsPublished, 1)
	default:
		atomic.AddInt64(&b.eventsDropped, 1)
	}
}

// Count returns the number of active subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Stats returns broadcaster statistics.
func (b *Broadcaster) Stats() BroadcasterStats {
	return BroadcasterStats{
		ActiveSubscribers: b.Count(),
		EventsPublished:   atomic.LoadInt64(&b.eventsPublished),
		EventsDropped:     atomic.LoadInt64(&b.eventsDropped),
	}
}

// Close terminates every subscription.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	subs := make([]*Subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.subscribers = make(map[string]*Subscriber)
	b.closed = true
	b.mu.Unlock()

	for _, sub := range subs {
		if atomic.CompareAndSwapInt32(&sub.closed, 0, 1) {
			close(sub.Events)
		}
	}
}

func subscriberID(n int64) string {
	return fmt.Sprintf("sub-%d", n)
}
