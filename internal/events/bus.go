// Package events carries scheduler notifications to in-process observers and
// appends them to a JSONL audit trail.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventType represents the type of event being published.
type EventType string

const (
	// EventPhaseStarted is published before a phase adapter runs.
	EventPhaseStarted EventType = "phase_started"
	// EventPhaseCompleted is published after a phase result is reconciled.
	EventPhaseCompleted EventType = "phase_completed"
	// EventTaskTransition is published on every task status change.
	EventTaskTransition EventType = "task_transition"
	// EventLoopDetected is published when the loop guard returns an intervention.
	EventLoopDetected EventType = "loop_detected"
	// EventAdjudicationRequested is published when an operator verdict is
	// awaited, before the wait starts.
	EventAdjudicationRequested EventType = "adjudication_requested"
	// EventForcedTransition is published when the scheduler overrides a phase.
	EventForcedTransition EventType = "forced_transition"
	// EventMaintenanceEntered is published when expansion is unhealthy.
	EventMaintenanceEntered EventType = "maintenance_entered"
	// EventToolsChanged is published after the tool registry rescans.
	EventToolsChanged EventType = "tools_changed"

	// EventAny subscribes to every event type.
	EventAny EventType = "*"
)

// Event represents a system event.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]interface{}
}

// Subscriber receives events on the subscription's own goroutine.
type Subscriber func(Event)

type subscription struct {
	key  EventType
	ch   chan Event
	done chan struct{}
}

// Bus fans events out to subscribers without ever blocking the publisher.
// Each subscription has a bounded queue; when it is full the event is dropped
// for that subscriber and counted.
type Bus struct {
	mu      sync.RWMutex
	subs    map[EventType][]*subscription
	queue   int
	closed  bool
	dropped atomic.Int64
}

// NewBus creates a bus whose subscriptions each queue up to queue events.
func NewBus(queue int) *Bus {
	if queue <= 0 {
		queue = 100
	}
	return &Bus{subs: make(map[EventType][]*subscription), queue: queue}
}

// Subscribe registers fn for eventType, or for every type with EventAny.
// The returned func unsubscribes and waits until fn has seen every event
// already queued for it; do not call it from inside fn.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}

	sub := &subscription{key: eventType, ch: make(chan Event, b.queue), done: make(chan struct{})}
	b.subs[eventType] = append(b.subs[eventType], sub)
	go func() {
		defer close(sub.done)
		for e := range sub.ch {
			deliver(fn, e)
		}
	}()

	return func() {
		if b.remove(sub) {
			close(sub.ch)
		}
		<-sub.done
	}
}

// remove detaches sub and reports whether this call did so.
func (b *Bus) remove(sub *subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[sub.key]
	for i, s := range list {
		if s == sub {
			b.subs[sub.key] = append(list[:i:i], list[i+1:]...)
			return true
		}
	}
	return false
}

// deliver isolates the bus from a panicking subscriber.
func deliver(fn Subscriber, event Event) {
	defer func() { _ = recover() }()
	fn(event)
}

// Publish queues an event for subscribers of eventType and of EventAny.
func (b *Bus) Publish(eventType EventType, data map[string]interface{}) {
	e := Event{Type: eventType, Timestamp: time.Now().UTC(), Data: data}

	b.mu.RLock()
	defer b.mu.RUnlock()
	b.enqueue(b.subs[eventType], e)
	if eventType != EventAny {
		b.enqueue(b.subs[EventAny], e)
	}
}

func (b *Bus) enqueue(list []*subscription, e Event) {
	for _, sub := range list {
		select {
		case sub.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped is the number of deliveries skipped because a subscriber was
// behind.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Close detaches every subscriber and waits for their queues to drain.
// Publish after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	var all []*subscription
	for key, list := range b.subs {
		all = append(all, list...)
		delete(b.subs, key)
	}
	b.closed = true
	b.mu.Unlock()

	for _, sub := range all {
		close(sub.ch)
	}
	for _, sub := range all {
		<-sub.done
	}
}
