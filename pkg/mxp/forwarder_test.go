package mxp

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/meshwork-ai/meshwork/pkg/bus"
	"github.com/meshwork-ai/meshwork/pkg/config"
)

// forwarderFixture builds a forwarder whose periodic tick is effectively
// disabled so tests drive draining explicitly via DrainOnce.
func forwarderFixture(t *testing.T, mutate func(*config.MXPConfig)) (*Forwarder, *bus.Loopback) {
	t.Helper()
	cfg := testMXPConfig()
	cfg.ProcessingDelayMS = 3600 * 1000
	if mutate != nil {
		mutate(cfg)
	}
	transport := bus.NewLoopback()
	f := NewForwarder(cfg, NewCodec(cfg, nil), transport)
	t.Cleanup(f.Stop)
	return f, transport
}

func TestDrainRespectsPriorityOrder(t *testing.T) {
	f, transport := forwarderFixture(t, nil)

	f.Enqueue("ev.background", map[string]any{"n": float64(1)}, PriorityBackground, "agent", "ch", "")
	f.Enqueue("ev.critical", map[string]any{"n": float64(2)}, PriorityCritical, "agent", "ch", "")
	f.Enqueue("ev.normal", map[string]any{"n": float64(3)}, PriorityNormal, "agent", "ch", "")

	f.DrainOnce()

	forwarded := transport.Forwarded()
	if len(forwarded) != 3 {
		t.Fatalf("forwarded = %d, want 3", len(forwarded))
	}
	wantOrder := []string{"ev.critical", "ev.normal", "ev.background"}
	for i, want := range wantOrder {
		if forwarded[i].Name != want {
			t.Fatalf("position %d: got %s, want %s", i, forwarded[i].Name, want)
		}
	}
}

func TestBoundedQueueKeepsNewest(t *testing.T) {
	f, transport := forwarderFixture(t, func(cfg *config.MXPConfig) {
		cfg.MaxQueueSize = 5
		cfg.BatchSize = 10
	})

	for i := 0; i < 8; i++ {
		f.Enqueue("ev.normal", map[string]any{"seq": float64(i)}, PriorityNormal, "agent", "ch", "")
	}

	if depth := f.QueueDepth(PriorityNormal); depth != 5 {
		t.Fatalf("depth = %d, want 5", depth)
	}
	if dropped := f.Stats().DroppedEvents; dropped != 3 {
		t.Fatalf("dropped = %d, want 3", dropped)
	}

	f.DrainOnce()
	forwarded := transport.Forwarded()
	if len(forwarded) != 5 {
		t.Fatalf("forwarded = %d, want 5", len(forwarded))
	}
	for i, ev := range forwarded {
		want := float64(i + 3) // oldest three were evicted
		if got := ev.Payload["seq"].(float64); got != want {
			t.Fatalf("position %d: seq %v, want %v", i, got, want)
		}
	}
}

func TestDrainScenarioCriticalPlusBackground(t *testing.T) {
	f, transport := forwarderFixture(t, func(cfg *config.MXPConfig) {
		cfg.BatchSize = 4
	})

	for i := 0; i < 3; i++ {
		f.Enqueue("ev.critical", map[string]any{"i": float64(i)}, PriorityCritical, "agent", "ch", "")
	}
	for i := 0; i < 3; i++ {
		f.Enqueue("ev.background", map[string]any{"i": float64(i)}, PriorityBackground, "agent", "ch", "")
	}

	f.DrainOnce()

	forwarded := transport.Forwarded()
	if len(forwarded) != 4 {
		t.Fatalf("one tick forwarded %d events, want 4", len(forwarded))
	}
	critical := 0
	for _, ev := range forwarded {
		if ev.Name == "ev.critical" {
			critical++
		}
	}
	if critical != 3 {
		t.Fatalf("critical in batch = %d, want all 3", critical)
	}
	if depth := f.QueueDepth(PriorityBackground); depth != 2 {
		t.Fatalf("background left = %d, want 2", depth)
	}
	if depth := f.QueueDepth(PriorityCritical); depth != 0 {
		t.Fatalf("critical left = %d, want 0", depth)
	}
}

func TestStopPreservesQueuesClearEmptiesThem(t *testing.T) {
	f, _ := forwarderFixture(t, nil)

	for i := 0; i < 3; i++ {
		f.Enqueue("ev.low", map[string]any{"i": float64(i)}, PriorityLow, "agent", "ch", "")
	}

	f.Stop()
	if depth := f.QueueDepth(PriorityLow); depth != 3 {
		t.Fatalf("stop cleared queues: depth %d, want 3", depth)
	}

	f.ClearQueues()
	if depth := f.QueueDepth(PriorityLow); depth != 0 {
		t.Fatalf("clear left depth %d", depth)
	}
}

func TestTierPolicyControlsCompression(t *testing.T) {
	f, _ := forwarderFixture(t, func(cfg *config.MXPConfig) {
		cfg.MinSizeThreshold = 64
		cfg.Tiers.Normal = config.TierPolicy{Enabled: true, MinSize: 128}
		cfg.Tiers.Critical = config.TierPolicy{Enabled: false}
	})

	big := map[string]any{"text": strings.Repeat("steady state report ", 40)}

	f.Enqueue("ev.critical", big, PriorityCritical, "agent", "ch", "")
	if got := f.Stats().CompressedEvents; got != 0 {
		t.Fatalf("critical tier compressed %d events, policy is off", got)
	}

	f.Enqueue("ev.normal", big, PriorityNormal, "agent", "ch", "")
	stats := f.Stats()
	if stats.CompressedEvents != 1 {
		t.Fatalf("compressed = %d, want 1", stats.CompressedEvents)
	}
	if stats.AvgCompressionRatio <= 0 {
		t.Fatalf("avg ratio = %f", stats.AvgCompressionRatio)
	}
}

func TestTierMinSizeGatesCompression(t *testing.T) {
	f, _ := forwarderFixture(t, func(cfg *config.MXPConfig) {
		cfg.MinSizeThreshold = 16
		cfg.Tiers.Normal = config.TierPolicy{Enabled: true, MinSize: 512}
	})

	f.Enqueue("ev.normal", map[string]any{"text": "small"}, PriorityNormal, "agent", "ch", "")
	if got := f.Stats().CompressedEvents; got != 0 {
		t.Fatalf("sub-threshold payload compressed: %d", got)
	}
}

func TestDecodeOnForwardDeliversOriginalPayload(t *testing.T) {
	f, transport := forwarderFixture(t, func(cfg *config.MXPConfig) {
		cfg.MinSizeThreshold = 64
		cfg.Tiers.Normal = config.TierPolicy{Enabled: true, MinSize: 64}
		cfg.DecodeOnForward = true
	})

	payload := map[string]any{"text": strings.Repeat("observation ", 30), "seq": float64(9)}
	f.Enqueue("ev.normal", payload, PriorityNormal, "agent", "ch", "")

	if got := f.Stats().CompressedEvents; got != 1 {
		t.Fatalf("compressed = %d, want 1", got)
	}

	f.DrainOnce()
	forwarded := transport.Forwarded()
	if len(forwarded) != 1 {
		t.Fatalf("forwarded = %d, want 1", len(forwarded))
	}
	if forwarded[0].Payload["seq"].(float64) != 9 {
		t.Fatalf("payload lost in decode-on-forward: %+v", forwarded[0].Payload)
	}
	if forwarded[0].Payload["text"] != payload["text"] {
		t.Fatal("text mismatch after decode-on-forward")
	}
}

func TestBandwidthSavingsAccumulate(t *testing.T) {
	f, _ := forwarderFixture(t, func(cfg *config.MXPConfig) {
		cfg.MinSizeThreshold = 64
		cfg.Tiers.Low = config.TierPolicy{Enabled: true, MinSize: 64}
	})

	for i := 0; i < 4; i++ {
		payload := map[string]any{"text": strings.Repeat(fmt.Sprintf("cycle %d ", i), 400)}
		f.Enqueue("ev.low", payload, PriorityLow, "agent", "ch", "")
	}

	stats := f.Stats()
	if stats.CompressedEvents != 4 {
		t.Fatalf("compressed = %d, want 4", stats.CompressedEvents)
	}
	if stats.BytesSaved <= 0 {
		t.Fatalf("bytes saved = %d, want > 0", stats.BytesSaved)
	}
}

func TestConcurrentEnqueueAndStop(t *testing.T) {
	f, _ := forwarderFixture(t, nil)

	const producers = 8
	const perProducer = 50

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				f.Enqueue("ev.normal", map[string]any{"p": float64(p), "i": float64(i)},
					PriorityNormal, "agent", "ch", "")
			}
		}(p)
	}
	// Cycle the lifecycle while producers keep triggering Start.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 25; i++ {
			f.Stop()
			f.Start()
		}
	}()
	wg.Wait()
	f.Stop()

	if got := f.Stats().TotalEvents; got != producers*perProducer {
		t.Fatalf("total = %d, want %d", got, producers*perProducer)
	}
	if depth := f.QueueDepth(PriorityNormal); depth != producers*perProducer {
		t.Fatalf("depth = %d, want %d (nothing drains with the tick disabled)", depth, producers*perProducer)
	}
}

func TestForwardingStatsCountEvents(t *testing.T) {
	f, _ := forwarderFixture(t, nil)

	for i := 0; i < 6; i++ {
		f.Enqueue("ev.normal", map[string]any{"i": float64(i)}, PriorityNormal, "agent", "ch", "")
	}
	f.DrainOnce()

	stats := f.Stats()
	if stats.TotalEvents != 6 {
		t.Fatalf("total = %d, want 6", stats.TotalEvents)
	}
	if stats.ForwardedEvents != 6 {
		t.Fatalf("forwarded = %d, want 6", stats.ForwardedEvents)
	}
	if stats.ProcessingTime <= 0 {
		t.Fatal("processing time not recorded")
	}
}
