package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

// Standard event types published by the memory engine
const (
	// Memory events
	EventThoughtStored  EventType = "memory.thought_stored"
	EventSynchronized   EventType = "memory.synchronized"
	EventContextUpdated EventType = "memory.context_updated"
	EventRecallComplete EventType = "memory.recall_complete"

	// Backend connectivity events
	EventBackendConnected     EventType = "backend.connected"
	EventBackendDisconnected  EventType = "backend.disconnected"
	EventBackendHealthChanged EventType = "backend.health.changed"
)

// Event represents a system event
type Event struct {
	ID        string
	Type      EventType
	Source    string
	Payload   interface{}
	Timestamp time.Time
	Metadata  map[string]string
}

// NewEvent creates a new event with the given type and payload
func NewEvent(eventType EventType, source string, payload interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Payload:   payload,
		Timestamp: time.Now(),
		Metadata:  make(map[string]string),
	}
}

// WithMetadata adds metadata and returns the event
func (e *Event) WithMetadata(key, value string) *Event {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// Subscriber represents an event subscriber
type Subscriber struct {
	ID      string
	Channel chan *Event
	Types   []EventType
	Closed  bool
	mu      sync.RWMutex
}

// Close closes the subscriber channel
func (s *Subscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.Closed {
		s.Closed = true
		close(s.Channel)
	}
}

// trySend attempts to send an event to the subscriber channel.
// Returns false if the subscriber is closed or the channel stays full
// past the timeout.
func (s *Subscriber) trySend(event *Event, timeout time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.Closed {
		return false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case s.Channel <- event:
		return true
	case <-timer.C:
		return false
	}
}

// BusConfig holds configuration for the event bus
type BusConfig struct {
	BufferSize     int           // Buffer size for subscriber channels
	PublishTimeout time.Duration // Timeout for publishing to subscribers
}

// DefaultBusConfig returns default bus configuration
func DefaultBusConfig() *BusConfig {
	return &BusConfig{
		BufferSize:     256,
		PublishTimeout: 10 * time.Millisecond,
	}
}

// BusMetrics tracks event bus statistics
type BusMetrics struct {
	EventsPublished   int64
	EventsDelivered   int64
	EventsDropped     int64
	SubscribersActive int64
}

// Bus provides in-process pub/sub for memory engine events plus a
// message-handler registration surface for inbound agent messages.
type Bus struct {
	subscribers map[EventType][]*Subscriber
	allSubs     []*Subscriber
	handlers    map[MessageType]HandlerFunc
	mu          sync.RWMutex
	config      *BusConfig
	metrics     BusMetrics
	closed      bool
}

// NewBus creates a new event bus
func NewBus(config *BusConfig) *Bus {
	if config == nil {
		config = DefaultBusConfig()
	}
	return &Bus{
		subscribers: make(map[EventType][]*Subscriber),
		allSubs:     make([]*Subscriber, 0),
		handlers:    make(map[MessageType]HandlerFunc),
		config:      config,
	}
}

// Publish sends an event to all matching subscribers
func (b *Bus) Publish(event *Event) {
	if event == nil {
		return
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	subs := b.subscribers[event.Type]
	allSubs := b.allSubs
	b.mu.RUnlock()

	atomic.AddInt64(&b.metrics.EventsPublished, 1)

	for _, sub := range subs {
		b.publishToSubscriber(sub, event)
	}
	for _, sub := range allSubs {
		b.publishToSubscriber(sub, event)
	}
}

func (b *Bus) publishToSubscriber(sub *Subscriber, event *Event) {
	if sub.trySend(event, b.config.PublishTimeout) {
		atomic.AddInt64(&b.metrics.EventsDelivered, 1)
	} else {
		atomic.AddInt64(&b.metrics.EventsDropped, 1)
	}
}

// Subscribe subscribes to events of a specific type
func (b *Bus) Subscribe(eventType EventType) <-chan *Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan *Event)
		close(ch)
		return ch
	}

	sub := &Subscriber{
		ID:      uuid.New().String(),
		Channel: make(chan *Event, b.config.BufferSize),
		Types:   []EventType{eventType},
	}
	b.subscribers[eventType] = append(b.subscribers[eventType], sub)
	atomic.AddInt64(&b.metrics.SubscribersActive, 1)
	return sub.Channel
}

// SubscribeAll subscribes to every event type
func (b *Bus) SubscribeAll() <-chan *Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan *Event)
		close(ch)
		return ch
	}

	sub := &Subscriber{
		ID:      uuid.New().String(),
		Channel: make(chan *Event, b.config.BufferSize),
	}
	b.allSubs = append(b.allSubs, sub)
	atomic.AddInt64(&b.metrics.SubscribersActive, 1)
	return sub.Channel
}

// Unsubscribe removes a subscriber by channel
func (b *Bus) Unsubscribe(ch <-chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subscribers {
		for i, sub := range subs {
			if sub.Channel == ch {
				sub.Close()
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				atomic.AddInt64(&b.metrics.SubscribersActive, -1)
				return
			}
		}
	}
	for i, sub := range b.allSubs {
		if sub.Channel == ch {
			sub.Close()
			b.allSubs = append(b.allSubs[:i], b.allSubs[i+1:]...)
			atomic.AddInt64(&b.metrics.SubscribersActive, -1)
			return
		}
	}
}

// Metrics returns a snapshot of bus metrics
func (b *Bus) Metrics() BusMetrics {
	return BusMetrics{
		EventsPublished:   atomic.LoadInt64(&b.metrics.EventsPublished),
		EventsDelivered:   atomic.LoadInt64(&b.metrics.EventsDelivered),
		EventsDropped:     atomic.LoadInt64(&b.metrics.EventsDropped),
		SubscribersActive: atomic.LoadInt64(&b.metrics.SubscribersActive),
	}
}

// Close shuts down the bus and closes all subscriber channels
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, subs := range b.subscribers {
		for _, sub := range subs {
			sub.Close()
		}
	}
	for _, sub := range b.allSubs {
		sub.Close()
	}
	b.subscribers = make(map[EventType][]*Subscriber)
	b.allSubs = nil
	atomic.StoreInt64(&b.metrics.SubscribersActive, 0)
}
