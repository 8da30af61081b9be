package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies an inbound agent message
type MessageType string

// Inbound message types handled by the memory engine
const (
	MessageStoreThought MessageType = "store_thought"
	MessageRecall       MessageType = "recall"
	MessageConsolidate  MessageType = "consolidate"
)

// Message is an inbound request delivered over the bus by other agent
// subsystems.
type Message struct {
	ID        string                 `json:"id"`
	Type      MessageType            `json:"type"`
	Source    string                 `json:"source,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// NewMessage creates an inbound message
func NewMessage(msgType MessageType, payload map[string]interface{}) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// HandlerFunc processes an inbound message and returns an optional reply
// payload.
type HandlerFunc func(ctx context.Context, msg *Message) (map[string]interface{}, error)

// RegisterHandler registers a handler for a message type, replacing any
// previous handler.
func (b *Bus) RegisterHandler(msgType MessageType, handler HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[msgType] = handler
}

// Dispatch routes an inbound message to its registered handler.
func (b *Bus) Dispatch(ctx context.Context, msg *Message) (map[string]interface{}, error) {
	if msg == nil {
		return nil, fmt.Errorf("nil message")
	}

	b.mu.RLock()
	handler, ok := b.handlers[msg.Type]
	b.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("no handler registered for message type %q", msg.Type)
	}
	return handler(ctx, msg)
}

// Registry is a minimal service registry used by monitoring collaborators
// to discover engine components.
type Registry struct {
	services map[string]interface{}
	mu       sync.RWMutex
}

// NewRegistry creates an empty service registry
func NewRegistry() *Registry {
	return &Registry{services: make(map[string]interface{})}
}

// Register adds or replaces a named service
func (r *Registry) Register(name string, service interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[name] = service
}

// Unregister removes a named service
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.services, name)
}

// Get returns a named service, or nil and false when absent
func (r *Registry) Get(name string) (interface{}, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[name]
	return svc, ok
}

// List returns the registered service names
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	return names
}
