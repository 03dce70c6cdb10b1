// Package events carries batch lifecycle events from the pipeline to the
// activity log and any other subscriber.
package events

import (
	"sync"
	"time"
)

// EventType represents the type of event being published.
type EventType string

const (
	// EventBatchEnqueued is published when discovery queues a manifest set.
	EventBatchEnqueued EventType = "batch_enqueued"
	// EventBatchAbandoned is published when a manifest set exceeded its dequeue limit.
	EventBatchAbandoned EventType = "batch_abandoned"
	// EventBatchChanged is published when a manifest changed after first processing.
	EventBatchChanged EventType = "batch_changed"
	// EventPendingSetMismatch is published when the stored pending files are
	// not a subset of the data manifest.
	EventPendingSetMismatch EventType = "pending_set_mismatch"
	EventDataFileStatus     EventType = "data_file_status"
	EventDuplicateCommands  EventType = "duplicate_commands"
	EventBatchCompleted     EventType = "batch_completed"
	EventFileDeleted        EventType = "file_deleted"
)

// AllTypes lists every event type in publication order of a batch's life.
var AllTypes = []EventType{
	EventBatchEnqueued,
	EventBatchAbandoned,
	EventBatchChanged,
	EventPendingSetMismatch,
	EventDataFileStatus,
	EventDuplicateCommands,
	EventBatchCompleted,
	EventFileDeleted,
}

// Event represents a system event.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]any
}

// Publisher is what pipeline components emit through.
type Publisher interface {
	Publish(eventType EventType, data map[string]any)
}

// Discard drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(EventType, map[string]any) {}

// Subscriber is a function that receives events.
type Subscriber func(Event)

// Bus is a non-blocking event bus. Events are delivered asynchronously via
// buffered channels and dropped for a subscriber whose channel is full.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
	wg          sync.WaitGroup
}

func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers fn for eventType and returns an unsubscribe function.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for event := range ch {
			deliver(fn, event)
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subscribers[eventType]
		for i, subCh := range subs {
			if subCh == ch {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
}

// SubscribeAll registers fn for every type in AllTypes.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	unsubs := make([]func(), 0, len(AllTypes))
	for _, t := range AllTypes {
		unsubs = append(unsubs, b.Subscribe(t, fn))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func deliver(fn Subscriber, event Event) {
	// a panicking subscriber must not take the bus down
	defer func() { _ = recover() }()
	fn(event)
}

// Publish sends an event to all subscribers of the given type without blocking.
func (b *Bus) Publish(eventType EventType, data map[string]any) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	event := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	for _, ch := range b.subscribers[eventType] {
		select {
		case ch <- event:
		default:
		}
	}
}

// Close closes all subscriber channels and waits for queued events to be delivered.
func (b *Bus) Close() {
	b.mu.Lock()
	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
	b.mu.Unlock()
	b.wg.Wait()
}

// Recorder keeps every published event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(eventType EventType, data map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Type: eventType, Timestamp: time.Now().UTC(), Data: data})
}

// Of returns the recorded events of eventType.
func (r *Recorder) Of(eventType EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
