// Package eventbus is the dispatch layer's event bus: the object-oriented
// signal/slot wiring of the original design collapses into an explicit
// topic-keyed publish/subscribe interface. Each event kind carries its own
// typed payload rather than an opaque variant, per the project's design
// notes on preferring strong typing where the language supports it.
package eventbus

import (
	"sync"
	"time"

	"github.com/nnatri/modelmesh/internal/dispatchcore"
)

// EventType is one of the topics a caller may subscribe to.
type EventType string

const (
	EventAssigned          EventType = "Assigned"
	EventChunk             EventType = "Chunk"
	EventCompleted         EventType = "Completed"
	EventFailed            EventType = "Failed"
	EventCancelled         EventType = "Cancelled"
	EventHealthChanged     EventType = "HealthChanged"
	EventScaleIntent       EventType = "ScaleIntent"
	EventStatisticsUpdated EventType = "StatisticsUpdated"
	EventModelSwitched    EventType = "ModelSwitched"
)

// HealthChangedPayload accompanies EventHealthChanged.
type HealthChangedPayload struct {
	InstanceID string
	Healthy    bool
}

// ScaleIntentPayload accompanies EventScaleIntent.
type ScaleIntentPayload struct {
	ScaleUp    bool
	InstanceID string // set only for scale-down intents
	Reason     string
}

// ModelSwitchedPayload accompanies a model failover decision.
type ModelSwitchedPayload struct {
	RequestID string
	From      string
	To        string
	Reason    string
}

// Event is the single envelope type carried on the bus. At most one of the
// typed payload fields is populated, matching Type; Assigned, Cancelled and
// StatisticsUpdated events carry none.
type Event struct {
	Type      EventType
	Timestamp time.Time

	RequestID string

	Chunk         *dispatchcore.StreamChunk
	Response      *dispatchcore.Response
	HealthChanged *HealthChangedPayload
	ScaleIntent   *ScaleIntentPayload
	ModelSwitched *ModelSwitchedPayload
}

// Subscription is returned by Subscribe; the caller must call Unsubscribe
// when done listening.
type Subscription struct {
	ch     chan Event
	cancel func()
}

// Events returns the channel to range over.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Unsubscribe detaches the listener and closes its channel. Idempotent.
func (s *Subscription) Unsubscribe() { s.cancel() }

// Bus is the in-process publish/subscribe hub.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]subscriber
	nextID      int
}

type subscriber struct {
	topics map[EventType]bool
	ch     chan Event
}

// New builds an empty Bus.
func New() *Bus {
	return &Bus{subscribers: make(map[int]subscriber)}
}

// Subscribe registers a listener for the given topics (all topics if none
// given) and returns a Subscription whose channel receives matching
// events. The channel is buffered so a slow subscriber cannot stall
// Publish; a subscriber that falls too far behind has the oldest
// unconsumed event dropped rather than blocking the publisher.
func (b *Bus) Subscribe(topics ...EventType) *Subscription {
	b.mu.Lock()
	id := b.nextID
	b.nextID++

	topicSet := make(map[EventType]bool, len(topics))
	for _, t := range topics {
		topicSet[t] = true
	}
	ch := make(chan Event, 256)
	b.subscribers[id] = subscriber{topics: topicSet, ch: ch}
	b.mu.Unlock()

	sub := &Subscription{ch: ch}
	sub.cancel = func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(ch)
		}
	}
	return sub
}

// Publish fans an event out to every subscriber listening on its topic (or
// listening to all topics). Must never be called while holding the
// registry lock — it is designed to be called from outside any other
// component's critical section.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subscribers {
		if len(sub.topics) > 0 && !sub.topics[ev.Type] {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Drop-oldest: make room for the newest event rather than block
			// the publisher on a slow consumer.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- ev:
			default:
			}
		}
	}
}
