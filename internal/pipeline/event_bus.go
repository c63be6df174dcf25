package pipeline

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// EventBus provides pub/sub for session lifecycle events.
// Publishing never blocks on a slow channel subscriber: a full channel
// drops the event and bumps the drop counter.
type EventBus struct {
	subscribers map[*eventSubscription]bool
	mu          sync.RWMutex
	dropped     atomic.Uint64
}

type eventSubscription struct {
	kinds   map[EventKind]bool // Empty means receive all kinds
	channel chan Event
	handler EventHandler
}

func (s *eventSubscription) wants(kind EventKind) bool {
	return len(s.kinds) == 0 || s.kinds[kind]
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[*eventSubscription]bool),
	}
}

// Subscribe registers a handler for events of the given kinds (all kinds
// when none are given). Handlers run on the publisher's goroutine and must
// return quickly.
// Returns an unsubscribe function
func (b *EventBus) Subscribe(handler EventHandler, kinds ...EventKind) func() {
	sub := &eventSubscription{
		kinds:   kindSet(kinds),
		handler: handler,
	}

	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subscribers, sub)
		b.mu.Unlock()
	}
}

// SubscribeChannel returns a channel that receives events
// The channel has the specified buffer size
// Returns the channel and an unsubscribe function
func (b *EventBus) SubscribeChannel(bufferSize int, kinds ...EventKind) (<-chan Event, func()) {
	if bufferSize <= 0 {
		bufferSize = 10
	}

	ch := make(chan Event, bufferSize)
	sub := &eventSubscription{
		kinds:   kindSet(kinds),
		channel: ch,
	}

	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if _, ok := b.subscribers[sub]; ok {
			delete(b.subscribers, sub)
			close(ch)
		}
		b.mu.Unlock()
	}

	return ch, unsubscribe
}

// Publish sends an event to all subscribers. Missing ID and timestamp are
// filled in.
func (b *EventBus) Publish(event Event) {
	if b == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		if !sub.wants(event.Kind) {
			continue
		}
		if sub.handler != nil {
			sub.handler.OnEvent(event)
		} else if sub.channel != nil {
			select {
			case sub.channel <- event:
			default:
				b.dropped.Add(1)
			}
		}
	}
}

// Dropped returns how many events were discarded because a channel
// subscriber was full
func (b *EventBus) Dropped() uint64 {
	return b.dropped.Load()
}

// SubscriberCount returns the number of active subscribers
func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close unsubscribes all subscribers and closes channels
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subscribers {
		if sub.channel != nil {
			close(sub.channel)
		}
		delete(b.subscribers, sub)
	}
}

func kindSet(kinds []EventKind) map[EventKind]bool {
	if len(kinds) == 0 {
		return nil
	}
	set := make(map[EventKind]bool, len(kinds))
	for _, k := range kinds {
		set[k] = true
	}
	return set
}
