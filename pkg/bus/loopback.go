package bus

import (
	"sync"
)

// ForwardedEvent is one event captured by the loopback transport.
type ForwardedEvent struct {
	Name     string
	Payload  map[string]any
	TargetID string
}

// PublishedEvent is one analytics event captured by the loopback transport.
type PublishedEvent struct {
	Name    string
	Payload map[string]any
}

// Loopback is an in-process Transport. It records everything handed to it;
// used for single-node deployments and tests.
type Loopback struct {
	mu        sync.Mutex
	forwarded []ForwardedEvent
	published []PublishedEvent
}

func NewLoopback() *Loopback {
	return &Loopback{}
}

func (l *Loopback) Forward(name string, payload map[string]any, targetID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.forwarded = append(l.forwarded, ForwardedEvent{Name: name, Payload: payload, TargetID: targetID})
	return nil
}

func (l *Loopback) Publish(name string, payload map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.published = append(l.published, PublishedEvent{Name: name, Payload: payload})
}

// Forwarded returns a copy of all forwarded events in arrival order.
func (l *Loopback) Forwarded() []ForwardedEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ForwardedEvent, len(l.forwarded))
	copy(out, l.forwarded)
	return out
}

// Published returns a copy of all analytics events in arrival order.
func (l *Loopback) Published() []PublishedEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]PublishedEvent, len(l.published))
	copy(out, l.published)
	return out
}

// Reset clears captured events.
func (l *Loopback) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.forwarded = nil
	l.published = nil
}
