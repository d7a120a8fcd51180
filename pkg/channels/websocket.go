// Package channels holds transport adapters that connect the in-process bus
// to the external event bus.
package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meshwork-ai/meshwork/pkg/config"
	"github.com/meshwork-ai/meshwork/pkg/logger"
)

// wireFrame is one JSON frame on the websocket. Forwarded events and
// analytics events share the framing, distinguished by Type.
type wireFrame struct {
	Type     string         `json:"type"` // forward|event
	Name     string         `json:"name"`
	Payload  map[string]any `json:"payload,omitempty"`
	TargetID string         `json:"target_id,omitempty"`
	SentAt   time.Time      `json:"sent_at"`
}

// WSTransport implements bus.Transport over a single websocket connection to
// the external event-bus endpoint. Reconnection is not handled here: a
// dropped connection surfaces as forward errors until the transport is
// restarted.
type WSTransport struct {
	cfg config.TransportConfig

	mu      sync.Mutex
	conn    *websocket.Conn
	running bool
}

func NewWSTransport(cfg config.TransportConfig) *WSTransport {
	return &WSTransport{cfg: cfg}
}

func (t *WSTransport) Start(ctx context.Context) error {
	if t.cfg.URL == "" {
		return fmt.Errorf("websocket transport url not configured")
	}

	logger.InfoCF("transport", "Connecting to event bus", map[string]any{"url": t.cfg.URL})

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, t.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial event bus: %w", err)
	}

	t.mu.Lock()
	t.conn = conn
	t.running = true
	t.mu.Unlock()

	logger.InfoC("transport", "Event bus connected")
	return nil
}

func (t *WSTransport) Stop(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.running = false
	if t.conn != nil {
		t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err := t.conn.Close()
		t.conn = nil
		return err
	}
	return nil
}

func (t *WSTransport) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Forward sends one event frame to the external bus.
func (t *WSTransport) Forward(name string, payload map[string]any, targetID string) error {
	return t.writeFrame(wireFrame{
		Type:     "forward",
		Name:     name,
		Payload:  payload,
		TargetID: targetID,
		SentAt:   time.Now().UTC(),
	})
}

// Publish sends an analytics frame, best effort.
func (t *WSTransport) Publish(name string, payload map[string]any) {
	err := t.writeFrame(wireFrame{
		Type:    "event",
		Name:    name,
		Payload: payload,
		SentAt:  time.Now().UTC(),
	})
	if err != nil {
		logger.DebugCF("transport", "Analytics publish dropped", map[string]any{
			"name":  name,
			"error": err.Error(),
		})
	}
}

func (t *WSTransport) writeFrame(frame wireFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running || t.conn == nil {
		return fmt.Errorf("transport not running")
	}

	wait := time.Duration(t.cfg.WriteWaitMS) * time.Millisecond
	if wait <= 0 {
		wait = 5 * time.Second
	}
	t.conn.SetWriteDeadline(time.Now().Add(wait))
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}
