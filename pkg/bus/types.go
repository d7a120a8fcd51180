package bus

import "time"

// InboundMessage is a message arriving from a channel adapter on behalf of
// an agent or user.
type InboundMessage struct {
	Channel       string         `json:"channel"`
	SenderID      string         `json:"sender_id"`
	ChatID        string         `json:"chat_id"`
	Kind          string         `json:"kind"`
	Content       string         `json:"content"`
	Payload       map[string]any `json:"payload,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// SessionKey scopes conversation history to one chat on one channel.
func (m *InboundMessage) SessionKey() string {
	return m.Channel + ":" + m.ChatID
}

// OutboundMessage is a message headed back out through a channel adapter.
type OutboundMessage struct {
	Channel  string         `json:"channel"`
	ChatID   string         `json:"chat_id"`
	Kind     string         `json:"kind"`
	Content  string         `json:"content"`
	Payload  map[string]any `json:"payload,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Publisher is a fire-and-forget sink for analytics events. Implementations
// must never block the caller on delivery failure.
type Publisher interface {
	Publish(name string, payload map[string]any)
}

// Transport is the external event-bus collaborator: the target for forwarded
// batches plus the analytics sink. Retry policy, if any, belongs behind this
// interface, not in front of it.
type Transport interface {
	Forward(name string, payload map[string]any, targetID string) error
	Publisher
}

// Fanout publishes to every sink in order.
type Fanout []Publisher

func (f Fanout) Publish(name string, payload map[string]any) {
	for _, p := range f {
		if p != nil {
			p.Publish(name, payload)
		}
	}
}
