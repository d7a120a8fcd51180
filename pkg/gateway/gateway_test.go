package gateway

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/meshwork-ai/meshwork/pkg/bus"
	"github.com/meshwork-ai/meshwork/pkg/config"
	"github.com/meshwork-ai/meshwork/pkg/mxp"
)

func testGateway(t *testing.T, mutate func(*config.Config)) (*Gateway, *bus.MessageBus, *mxp.Forwarder, *bus.Loopback) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.MXP.ProcessingDelayMS = 3600 * 1000
	if mutate != nil {
		mutate(cfg)
	}
	transport := bus.NewLoopback()
	codec := mxp.NewCodec(&cfg.MXP, nil)
	forwarder := mxp.NewForwarder(&cfg.MXP, codec, transport)
	t.Cleanup(forwarder.Stop)
	compressor := mxp.NewContextCompressor(&cfg.MXP, nil)
	msgBus := bus.NewMessageBus()
	return New(cfg, msgBus, forwarder, compressor), msgBus, forwarder, transport
}

func runGateway(t *testing.T, g *Gateway) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = g.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestDispatchEnqueuesAtMappedPriority(t *testing.T) {
	g, msgBus, forwarder, _ := testGateway(t, nil)
	runGateway(t, g)

	msgBus.PublishInbound(bus.InboundMessage{
		Channel: "loopback", SenderID: "agent-b", ChatID: "c1",
		Kind: "alert", Content: "disk full",
	})
	msgBus.PublishInbound(bus.InboundMessage{
		Channel: "loopback", SenderID: "agent-b", ChatID: "c1",
		Kind: "heartbeat",
	})

	waitFor(t, func() bool {
		return forwarder.QueueDepth(mxp.PriorityCritical) == 1 &&
			forwarder.QueueDepth(mxp.PriorityBackground) == 1
	})
}

func TestDispatchForwardsPayloadToTransport(t *testing.T) {
	g, msgBus, forwarder, transport := testGateway(t, nil)
	runGateway(t, g)

	msgBus.PublishInbound(bus.InboundMessage{
		Channel:       "loopback",
		SenderID:      "agent-b",
		ChatID:        "c1",
		Kind:          "task.result",
		Content:       "build finished",
		CorrelationID: "run-42",
	})

	waitFor(t, func() bool { return forwarder.QueueDepth(mxp.PriorityHigh) == 1 })
	forwarder.DrainOnce()

	forwarded := transport.Forwarded()
	if len(forwarded) != 1 {
		t.Fatalf("forwarded = %d, want 1", len(forwarded))
	}
	ev := forwarded[0]
	if ev.Name != "task.result" {
		t.Fatalf("name = %q", ev.Name)
	}
	if ev.TargetID != "main" {
		t.Fatalf("target = %q, want configured agent id", ev.TargetID)
	}
	if ev.Payload["content"] != "build finished" || ev.Payload["correlation_id"] != "run-42" {
		t.Fatalf("payload = %+v", ev.Payload)
	}
}

func TestEmptyKindBecomesAgentMessage(t *testing.T) {
	g, msgBus, forwarder, transport := testGateway(t, nil)
	runGateway(t, g)

	msgBus.PublishInbound(bus.InboundMessage{
		Channel: "loopback", SenderID: "agent-b", ChatID: "c1", Content: "hi",
	})

	waitFor(t, func() bool { return forwarder.QueueDepth(mxp.PriorityNormal) == 1 })
	forwarder.DrainOnce()

	if got := transport.Forwarded()[0].Name; got != "agent.message" {
		t.Fatalf("name = %q", got)
	}
}

func TestPriorityForKind(t *testing.T) {
	cases := []struct {
		kind string
		want mxp.Priority
	}{
		{"control", mxp.PriorityCritical},
		{"alert", mxp.PriorityCritical},
		{"error", mxp.PriorityCritical},
		{"task", mxp.PriorityHigh},
		{"task.assign", mxp.PriorityHigh},
		{"task.result", mxp.PriorityHigh},
		{"telemetry", mxp.PriorityLow},
		{"status", mxp.PriorityLow},
		{"heartbeat", mxp.PriorityBackground},
		{"analytics", mxp.PriorityBackground},
		{"presence", mxp.PriorityBackground},
		{"chat.message", mxp.PriorityNormal},
		{"", mxp.PriorityNormal},
	}
	for _, c := range cases {
		if got := PriorityForKind(c.kind); got != c.want {
			t.Fatalf("PriorityForKind(%q) = %v, want %v", c.kind, got, c.want)
		}
	}
}

func TestHistoryCompactsPastLimit(t *testing.T) {
	g, msgBus, _, _ := testGateway(t, func(cfg *config.Config) {
		cfg.Gateway.HistoryLimit = 8
		cfg.MXP.WindowSize = 4
	})
	runGateway(t, g)

	for i := 0; i < 9; i++ {
		msgBus.PublishInbound(bus.InboundMessage{
			Channel: "loopback", SenderID: "agent-b", ChatID: "c1",
			Kind:    "chat.message",
			Content: fmt.Sprintf("observation number %d with some detail worth keeping", i),
		})
	}

	key := "loopback:c1"
	waitFor(t, func() bool {
		h := g.History(key)
		return len(h) > 0 && h[0].Kind == "context.summary"
	})

	history := g.History(key)
	if len(history) != 5 {
		t.Fatalf("compacted history = %d entries, want summary plus window of 4", len(history))
	}
	if history[0].Kind != "context.summary" {
		t.Fatalf("first entry kind = %q, want context.summary", history[0].Kind)
	}
	summary, ok := history[0].Payload.(string)
	if !ok || summary == "" {
		t.Fatalf("summary payload = %#v", history[0].Payload)
	}
	// The verbatim window survives untouched at the tail.
	last, ok := history[len(history)-1].Payload.(map[string]any)
	if !ok {
		t.Fatalf("tail payload = %#v", history[len(history)-1].Payload)
	}
	if !strings.Contains(last["content"].(string), "observation number 8") {
		t.Fatalf("newest message lost: %v", last["content"])
	}
}

func TestHistoryHardTrimWhenCompressionDisabled(t *testing.T) {
	g, msgBus, _, _ := testGateway(t, func(cfg *config.Config) {
		cfg.Gateway.HistoryLimit = 5
		cfg.MXP.ContextCompression = false
	})
	runGateway(t, g)

	for i := 0; i < 12; i++ {
		msgBus.PublishInbound(bus.InboundMessage{
			Channel: "loopback", SenderID: "agent-b", ChatID: "c1",
			Kind: "chat.message", Content: fmt.Sprintf("msg %d", i),
		})
	}

	key := "loopback:c1"
	waitFor(t, func() bool {
		h := g.History(key)
		if len(h) != 5 {
			return false
		}
		p := h[4].Payload.(map[string]any)
		return strings.Contains(p["content"].(string), "msg 11")
	})
}

func TestSessionsAreIsolated(t *testing.T) {
	g, msgBus, _, _ := testGateway(t, nil)
	runGateway(t, g)

	msgBus.PublishInbound(bus.InboundMessage{Channel: "loopback", ChatID: "c1", Kind: "chat.message", Content: "one"})
	msgBus.PublishInbound(bus.InboundMessage{Channel: "loopback", ChatID: "c2", Kind: "chat.message", Content: "two"})
	msgBus.PublishInbound(bus.InboundMessage{Channel: "websocket", ChatID: "c1", Kind: "chat.message", Content: "three"})

	waitFor(t, func() bool {
		return len(g.History("loopback:c1")) == 1 &&
			len(g.History("loopback:c2")) == 1 &&
			len(g.History("websocket:c1")) == 1
	})
}

func TestRunStopsOnContextCancel(t *testing.T) {
	g, _, _, _ := testGateway(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = g.Run(ctx)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
