// Package changebus provides in-process publish/subscribe of local store
// changes to read-side consumers.
package changebus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Kind describes what happened to an entity.
type Kind string

const (
	KindCreated Kind = "created"
	KindUpdated Kind = "updated"
)

// DefaultBufferSize is the per-subscription channel capacity.
const DefaultBufferSize = 64

// ChangeEvent announces a committed local write.
type ChangeEvent struct {
	OwnerID    string
	EntityType string
	EntityID   string
	Kind       Kind
	At         time.Time
}

// Filter selects events for a subscription. Empty fields match everything.
type Filter struct {
	OwnerID     string
	EntityTypes []string
}

// Matches reports whether e passes the filter.
func (f Filter) Matches(e ChangeEvent) bool {
	if f.OwnerID != "" && f.OwnerID != e.OwnerID {
		return false
	}
	if len(f.EntityTypes) == 0 {
		return true
	}
	for _, t := range f.EntityTypes {
		if t == e.EntityType {
			return true
		}
	}
	return false
}

// Subscription is a live stream of matching events.
type Subscription struct {
	id      uint64
	filter  Filter
	ch      chan ChangeEvent
	bus     *Bus
	once    sync.Once
	dropped atomic.Int64
}

// C returns the event stream. It is closed when the subscription or bus closes.
func (s *Subscription) C() <-chan ChangeEvent {
	return s.ch
}

// Dropped returns how many events were discarded because the subscriber
// was not keeping up.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close removes the subscription from the bus.
func (s *Subscription) Close() {
	s.bus.remove(s.id)
}

func (s *Subscription) closeChannel() {
	s.once.Do(func() { close(s.ch) })
}

// Bus fans events out to subscribers. Delivery is at-most-once: Publish
// never blocks, and a full subscriber buffer drops the event for that
// subscriber only.
type Bus struct {
	mu         sync.RWMutex
	subs       map[uint64]*Subscription
	nextID     uint64
	bufferSize int
	closed     bool
}

// New creates a bus with the given per-subscriber buffer size.
func New(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Bus{
		subs:       make(map[uint64]*Subscription),
		bufferSize: bufferSize,
	}
}

// Publish delivers e to every matching subscriber without blocking.
func (b *Bus) Publish(e ChangeEvent) {
	if e.At.IsZero() {
		e.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, sub := range b.subs {
		if !sub.filter.Matches(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			sub.dropped.Add(1)
		}
	}
}

// Subscribe registers a subscription for events matching filter.
func (b *Bus) Subscribe(filter Filter) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		filter: filter,
		ch:     make(chan ChangeEvent, b.bufferSize),
		bus:    b,
	}

	if b.closed {
		sub.closeChannel()
		return sub
	}

	b.subs[sub.id] = sub
	return sub
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscription. Later publishes are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		sub.closeChannel()
		delete(b.subs, id)
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subs[id]; ok {
		sub.closeChannel()
		delete(b.subs, id)
	}
}
