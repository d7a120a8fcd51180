package mxp

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/meshwork-ai/meshwork/pkg/bus"
	"github.com/meshwork-ai/meshwork/pkg/config"
	"github.com/meshwork-ai/meshwork/pkg/logger"
)

// ForwarderStats are cumulative since construction or the last reset.
type ForwarderStats struct {
	TotalEvents         int64
	ForwardedEvents     int64
	CompressedEvents    int64
	DroppedEvents       int64
	BytesSaved          int64
	AvgCompressionRatio float64
	ProcessingTime      time.Duration
}

// Forwarder is a priority-tiered queue in front of the transport. Producers
// enqueue events with a priority; a periodic drain builds one batch per tick
// in strict priority order and hands it to the transport. Per-tier policy
// decides whether an event's payload is compressed on the way in.
//
// Queues are bounded: a full tier evicts its oldest entry, never the
// incoming one, so each tier favors the newest information.
type Forwarder struct {
	cfg       *config.MXPConfig
	codec     *Codec
	transport bus.Transport

	mu     sync.Mutex
	queues map[Priority][]*QueuedEvent
	stats  ForwarderStats

	// lifecycleMu serializes Start and Stop; running doubles as a cheap
	// already-started check for the enqueue path.
	lifecycleMu sync.Mutex
	running     atomic.Bool
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

func NewForwarder(cfg *config.MXPConfig, codec *Codec, transport bus.Transport) *Forwarder {
	f := &Forwarder{
		cfg:       cfg,
		codec:     codec,
		transport: transport,
		queues:    make(map[Priority][]*QueuedEvent, len(Priorities)),
	}
	for _, p := range Priorities {
		f.queues[p] = nil
	}
	return f
}

func (f *Forwarder) tierPolicy(p Priority) config.TierPolicy {
	switch p {
	case PriorityCritical:
		return f.cfg.Tiers.Critical
	case PriorityHigh:
		return f.cfg.Tiers.High
	case PriorityLow:
		return f.cfg.Tiers.Low
	case PriorityBackground:
		return f.cfg.Tiers.Background
	default:
		return f.cfg.Tiers.Normal
	}
}

// Enqueue queues an event for forwarding and starts the drain loop if it is
// not already running. The event is compressed first when the channel has
// bandwidth optimization on, the tier's policy enables it, and the payload
// meets the tier's minimum size.
func (f *Forwarder) Enqueue(kind string, payload map[string]any, priority Priority, targetID, channelID, excludeID string) {
	ev := &QueuedEvent{
		ID:        uuid.NewString(),
		Priority:  priority,
		Kind:      kind,
		Payload:   payload,
		TargetID:  targetID,
		ChannelID: channelID,
		ExcludeID: excludeID,
		Timestamp: time.Now(),
	}

	policy := f.tierPolicy(priority)
	if policy.Enabled && f.cfg.BandwidthOptimizationFor(channelID) {
		if raw, err := json.Marshal(payload); err == nil && len(raw) >= policy.MinSize {
			ev.Compressed = f.codec.Encode(&Message{Kind: kind, Payload: payload}, channelID)
		}
	}

	f.mu.Lock()
	q := f.queues[priority]
	if f.cfg.MaxQueueSize > 0 && len(q) >= f.cfg.MaxQueueSize {
		// Overflow drops the oldest entry in the tier. Clear the slot so
		// the evicted event does not linger in the backing array.
		q[0] = nil
		q = q[1:]
		f.stats.DroppedEvents++
	}
	f.queues[priority] = append(q, ev)
	f.stats.TotalEvents++
	if ev.Compressed != nil {
		f.stats.CompressedEvents++
		f.stats.BytesSaved += int64(ev.Compressed.OriginalSize - ev.Compressed.CompressedSize)
		n := float64(f.stats.CompressedEvents)
		f.stats.AvgCompressionRatio += (ev.Compressed.Ratio - f.stats.AvgCompressionRatio) / n
	}
	f.mu.Unlock()

	f.Start()
}

// Start launches the periodic drain. Safe to call repeatedly and
// concurrently with Stop.
func (f *Forwarder) Start() {
	if f.running.Load() {
		return
	}

	f.lifecycleMu.Lock()
	defer f.lifecycleMu.Unlock()
	if f.running.Load() {
		return
	}
	f.stopCh = make(chan struct{})
	f.wg.Add(1)
	go f.loop(f.stopCh)
	f.running.Store(true)
	logger.DebugCF("mxp", "Forwarder started", map[string]any{
		"delay_ms":   f.cfg.ProcessingDelayMS,
		"batch_size": f.cfg.BatchSize,
	})
}

// Stop cancels the next tick; a drain already in progress runs to
// completion. Queued events persist so forwarding resumes where it left off
// on the next Start.
func (f *Forwarder) Stop() {
	f.lifecycleMu.Lock()
	defer f.lifecycleMu.Unlock()
	if !f.running.Swap(false) {
		return
	}
	close(f.stopCh)
	f.wg.Wait()
}

func (f *Forwarder) loop(stop <-chan struct{}) {
	defer f.wg.Done()
	ticker := time.NewTicker(time.Duration(f.cfg.ProcessingDelayMS) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			f.DrainOnce()
		}
	}
}

// DrainOnce builds and forwards a single batch: up to BatchSize events,
// pulled in strict priority order. Exported so callers with their own
// scheduling (and tests) can tick explicitly.
func (f *Forwarder) DrainOnce() {
	started := time.Now()

	f.mu.Lock()
	batch := make([]*QueuedEvent, 0, f.cfg.BatchSize)
	for _, p := range Priorities {
		for len(batch) < f.cfg.BatchSize && len(f.queues[p]) > 0 {
			batch = append(batch, f.queues[p][0])
			f.queues[p] = f.queues[p][1:]
		}
		if len(batch) >= f.cfg.BatchSize {
			break
		}
	}
	f.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	var plain, compressed []*QueuedEvent
	for _, ev := range batch {
		if ev.Compressed != nil {
			compressed = append(compressed, ev)
		} else {
			plain = append(plain, ev)
		}
	}

	forwarded := 0
	for _, ev := range plain {
		if f.forwardPlain(ev) {
			forwarded++
		}
	}
	for _, ev := range compressed {
		if f.forwardCompressed(ev) {
			forwarded++
		}
	}

	f.mu.Lock()
	f.stats.ForwardedEvents += int64(forwarded)
	f.stats.ProcessingTime += time.Since(started)
	f.mu.Unlock()
}

func (f *Forwarder) forwardPlain(ev *QueuedEvent) bool {
	if err := f.transport.Forward(ev.Kind, ev.Payload, ev.TargetID); err != nil {
		logger.WarnCF("mxp", "Forward failed", map[string]any{
			"event_id": ev.ID,
			"kind":     ev.Kind,
			"error":    err.Error(),
		})
		return false
	}
	return true
}

// forwardCompressed hands a compressed event to the transport. With
// DecodeOnForward set (the default) the payload is decompressed first,
// for transports that do not understand encoded payloads themselves.
func (f *Forwarder) forwardCompressed(ev *QueuedEvent) bool {
	payload := ev.Payload
	if f.cfg.DecodeOnForward {
		if msg := f.codec.Decode(ev.Compressed); msg != nil {
			if p, ok := msg.Payload.(map[string]any); ok {
				payload = p
			}
		} else {
			logger.WarnCF("mxp", "Decode-on-forward failed, sending original payload", map[string]any{
				"event_id": ev.ID,
				"kind":     ev.Kind,
			})
		}
	} else {
		payload = map[string]any{
			"format":    string(ev.Compressed.Format),
			"algorithm": string(ev.Compressed.Algorithm),
			"data":      ev.Compressed.Bytes,
		}
	}

	if err := f.transport.Forward(ev.Kind, payload, ev.TargetID); err != nil {
		logger.WarnCF("mxp", "Forward failed", map[string]any{
			"event_id": ev.ID,
			"kind":     ev.Kind,
			"error":    err.Error(),
		})
		return false
	}
	return true
}

// ClearQueues empties every tier. Never implied by Stop; meant for shutdown
// and test isolation.
func (f *Forwarder) ClearQueues() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range Priorities {
		f.queues[p] = nil
	}
}

// QueueDepth reports the number of events waiting in one tier.
func (f *Forwarder) QueueDepth(p Priority) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queues[p])
}

// Stats returns a snapshot of cumulative counters.
func (f *Forwarder) Stats() ForwarderStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}
