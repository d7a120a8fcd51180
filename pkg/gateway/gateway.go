// Package gateway dispatches bus traffic into the MXP layer: inbound
// messages become forwarder events, and per-session history is run through
// the context compressor once it grows past the configured limit. The
// observe/reason/act control loop itself lives outside this repository.
package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meshwork-ai/meshwork/pkg/bus"
	"github.com/meshwork-ai/meshwork/pkg/config"
	"github.com/meshwork-ai/meshwork/pkg/logger"
	"github.com/meshwork-ai/meshwork/pkg/mxp"
)

type Gateway struct {
	cfg        *config.Config
	bus        *bus.MessageBus
	forwarder  *mxp.Forwarder
	compressor *mxp.ContextCompressor

	mu       sync.Mutex
	sessions map[string][]*mxp.Message

	running atomic.Bool
}

func New(cfg *config.Config, msgBus *bus.MessageBus, forwarder *mxp.Forwarder, compressor *mxp.ContextCompressor) *Gateway {
	return &Gateway{
		cfg:        cfg,
		bus:        msgBus,
		forwarder:  forwarder,
		compressor: compressor,
		sessions:   make(map[string][]*mxp.Message),
	}
}

// Run consumes inbound messages until ctx is done or Stop is called.
func (g *Gateway) Run(ctx context.Context) error {
	g.running.Store(true)
	logger.InfoCF("gateway", "Gateway running", map[string]any{
		"agent_id": g.cfg.Gateway.AgentID,
	})

	for g.running.Load() {
		msg, ok := g.bus.ConsumeInbound(ctx)
		if !ok {
			return nil
		}
		g.dispatch(msg)
	}
	return nil
}

func (g *Gateway) Stop() {
	g.running.Store(false)
}

func (g *Gateway) dispatch(msg bus.InboundMessage) {
	entry := &mxp.Message{
		Kind:     msg.Kind,
		Payload:  inboundPayload(msg),
		Metadata: msg.Metadata,
	}

	g.recordHistory(msg.SessionKey(), msg.Channel, entry)

	g.forwarder.Enqueue(
		eventKind(msg.Kind),
		inboundPayload(msg),
		PriorityForKind(msg.Kind),
		g.cfg.Gateway.AgentID,
		msg.Channel,
		msg.SenderID,
	)
}

func inboundPayload(msg bus.InboundMessage) map[string]any {
	p := map[string]any{
		"sender_id": msg.SenderID,
		"chat_id":   msg.ChatID,
		"content":   msg.Content,
	}
	if msg.CorrelationID != "" {
		p["correlation_id"] = msg.CorrelationID
	}
	for k, v := range msg.Payload {
		p[k] = v
	}
	return p
}

func eventKind(kind string) string {
	if kind == "" {
		return "agent.message"
	}
	return kind
}

// recordHistory appends to the session's rolling history and compresses it
// once it grows past the configured limit, folding everything older than the
// verbatim window into a single context marker message.
func (g *Gateway) recordHistory(sessionKey, channelID string, entry *mxp.Message) {
	g.mu.Lock()
	history := append(g.sessions[sessionKey], entry)
	g.sessions[sessionKey] = history
	g.mu.Unlock()

	limit := g.cfg.Gateway.HistoryLimit
	if limit <= 0 || len(history) <= limit {
		return
	}

	result := g.compressor.Compress(history, nil, channelID)
	if result == nil {
		// Compression disabled for this channel; fall back to a hard trim
		// so the session cannot grow without bound.
		g.mu.Lock()
		if len(g.sessions[sessionKey]) > limit {
			g.sessions[sessionKey] = g.sessions[sessionKey][len(g.sessions[sessionKey])-limit:]
		}
		g.mu.Unlock()
		return
	}

	compacted := make([]*mxp.Message, 0, len(result.Recent)+1)
	if result.Compressed != "" {
		compacted = append(compacted, &mxp.Message{
			Kind:    "context.summary",
			Payload: result.Compressed,
			Metadata: map[string]any{
				"references": result.ContextReferences,
				"ratio":      result.Ratio,
			},
		})
	}
	compacted = append(compacted, result.Recent...)

	g.mu.Lock()
	g.sessions[sessionKey] = compacted
	g.mu.Unlock()

	logger.DebugCF("gateway", "Session history compacted", map[string]any{
		"session_key": sessionKey,
		"messages":    len(compacted),
		"ratio":       result.Ratio,
	})
}

// History returns a copy of one session's current history.
func (g *Gateway) History(sessionKey string) []*mxp.Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*mxp.Message, len(g.sessions[sessionKey]))
	copy(out, g.sessions[sessionKey])
	return out
}

// PriorityForKind maps message kinds onto forwarding tiers. Unknown kinds
// travel at normal priority.
func PriorityForKind(kind string) mxp.Priority {
	switch kind {
	case "control", "alert", "error":
		return mxp.PriorityCritical
	case "task", "task.assign", "task.result":
		return mxp.PriorityHigh
	case "telemetry", "status":
		return mxp.PriorityLow
	case "heartbeat", "analytics", "presence":
		return mxp.PriorityBackground
	default:
		return mxp.PriorityNormal
	}
}

// Drain gives pending inbound messages a chance to be consumed before
// shutdown; returns when the bus is empty or the timeout expires.
func (g *Gateway) Drain(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for g.bus.InboundLen() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
}
