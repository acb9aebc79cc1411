package bus

import (
	"strings"
	"sync"
	"sync/atomic"
)

const defaultQueueSize = 256

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload any
}

// Policy controls what happens when a subscriber's queue is full.
type Policy int

const (
	// Block makes Publish wait until the subscriber has room. Nothing is
	// lost; use for control-plane consumers.
	Block Policy = iota
	// DropOldest evicts the oldest queued event and counts the loss.
	// Use for observers that tolerate gaps (e.g. live streams).
	DropOldest
)

// Subscription represents an active subscription.
type Subscription struct {
	id      int
	prefix  string
	policy  Policy
	ch      chan Event
	done    chan struct{}
	sendMu  sync.RWMutex
	dropped atomic.Int64
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Dropped returns how many events were evicted because the queue was full.
// Always zero for Block subscriptions.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Bus is an in-process pub/sub message bus with topic prefix matching and
// bounded per-subscriber queues. Ordering is preserved per publisher, so
// serialized producers observe per-key event order on every subscription.
type Bus struct {
	mu        sync.RWMutex
	subs      map[int]*Subscription
	nextID    int
	queueSize int
}

// Option configures a Bus.
type Option func(*Bus)

// WithQueueSize sets the per-subscriber queue capacity.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// New creates a new Bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:      make(map[int]*Subscription),
		queueSize: defaultQueueSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe creates a subscription for events matching the given topic
// prefix. An empty prefix matches all topics.
func (b *Bus) Subscribe(topicPrefix string, policy Policy) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		policy: policy,
		ch:     make(chan Event, b.queueSize),
		done:   make(chan struct{}),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel. It completes
// even while publishers are blocked on the subscription's full queue:
// closing done wakes them, then the channel is closed once the last
// in-flight send has finished.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	_, active := b.subs[sub.id]
	delete(b.subs, sub.id)
	b.mu.Unlock()
	if !active {
		return
	}

	close(sub.done)
	sub.sendMu.Lock()
	close(sub.ch)
	sub.sendMu.Unlock()
}

// Publish sends an event to all matching subscribers. Delivery honors each
// subscription's backpressure policy: Block waits for room, DropOldest
// evicts the oldest queued event and increments the loss counter.
//
// Matching subscriptions are snapshotted first so the bus lock is never
// held across a blocking send; Unsubscribe stays callable while a
// publisher waits on a slow subscriber.
func (b *Bus) Publish(topic string, payload any) {
	event := Event{
		Topic:   topic,
		Payload: payload,
	}

	b.mu.RLock()
	matched := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.prefix != "" && !strings.HasPrefix(topic, sub.prefix) {
			continue
		}
		matched = append(matched, sub)
	}
	b.mu.RUnlock()

	for _, sub := range matched {
		sub.send(event)
	}
}

func (s *Subscription) send(event Event) {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()

	select {
	case <-s.done:
		return
	default:
	}

	switch s.policy {
	case Block:
		select {
		case s.ch <- event:
		case <-s.done:
		}
	case DropOldest:
		select {
		case s.ch <- event:
		default:
			// Queue full: evict one, count the loss, retry once.
			select {
			case <-s.ch:
				s.dropped.Add(1)
			default:
			}
			select {
			case s.ch <- event:
			default:
				s.dropped.Add(1)
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
