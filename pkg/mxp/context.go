package mxp

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/meshwork-ai/meshwork/pkg/bus"
	"github.com/meshwork-ai/meshwork/pkg/config"
	"github.com/meshwork-ai/meshwork/pkg/logger"
)

// EventTokensOptimized is published after every successful context compression.
const EventTokensOptimized = "mxp.token.optimization.complete"

// ContextCompressor shrinks conversation history: the most recent window is
// kept verbatim, everything older is deduplicated and either summarized
// inline or parked in an addressable cache behind a short reference marker.
// The reference cache is the compressor's only state; it is content-addressed
// and evicts in insertion order once full.
type ContextCompressor struct {
	cfg       *config.MXPConfig
	analytics bus.Publisher

	mu         sync.Mutex
	cache      map[string]*ContextReference
	insertions []string
}

func NewContextCompressor(cfg *config.MXPConfig, analytics bus.Publisher) *ContextCompressor {
	return &ContextCompressor{
		cfg:       cfg,
		analytics: analytics,
		cache:     make(map[string]*ContextReference),
	}
}

// Compress produces a compact representation of messages for channelID.
// Returns nil when context compression is disabled for the channel. Never
// returns an error: on internal failure the result degrades to the verbatim
// recent window with a failure marker.
func (cc *ContextCompressor) Compress(messages []*Message, opts *CompressOptions, channelID string) *CompressedContext {
	if !cc.cfg.ContextCompressionFor(channelID) {
		return nil
	}
	if len(messages) == 0 {
		return &CompressedContext{Recent: []*Message{}, Ratio: 1.0, ContextReferences: []string{}}
	}

	window := cc.cfg.WindowSize
	ratio := cc.cfg.CompressionRatio
	var keywords []string
	if opts != nil {
		if opts.WindowSize > 0 {
			window = opts.WindowSize
		}
		if opts.CompressionRatio > 0 {
			ratio = opts.CompressionRatio
		}
		keywords = opts.PreserveKeywords
	}

	recent := messages
	var older []*Message
	if len(messages) > window {
		older = messages[:len(messages)-window]
		recent = messages[len(messages)-window:]
	}

	originalTokens := estimateMessageTokens(messages)

	if len(older) == 0 {
		return &CompressedContext{
			Recent:            recent,
			Compressed:        "",
			OriginalTokens:    originalTokens,
			CompressedTokens:  estimateMessageTokens(recent),
			Ratio:             1.0,
			ContextReferences: []string{},
		}
	}

	if cc.cfg.EntityDeduplicationFor(channelID) {
		older = Deduplicate(older)
	}

	serialized, err := json.Marshal(older)
	if err != nil {
		logger.WarnCF("mxp", "Context serialization failed, keeping recent window only", map[string]any{
			"channel_id": channelID,
			"error":      err.Error(),
		})
		return cc.fallbackContext(recent, len(messages))
	}

	var compressed string
	refs := []string{}
	if cc.cfg.ReferenceModeFor(channelID) && len(older) >= cc.cfg.ReferenceThreshold {
		id := cc.storeReference(serialized, channelID)
		compressed = fmt.Sprintf("[context-ref:%s messages:%d]", id, len(older))
		refs = []string{id}
	} else {
		compressed = summarize(serialized, ratio, keywords)
	}

	compressedTokens := estimateMessageTokens(recent) + estimateTokens(compressed)
	result := &CompressedContext{
		Recent:            recent,
		Compressed:        compressed,
		OriginalTokens:    originalTokens,
		CompressedTokens:  compressedTokens,
		Ratio:             float64(compressedTokens) / float64(originalTokens),
		ContextReferences: refs,
	}

	cc.emitTokenEvent(result, channelID)
	return result
}

func (cc *ContextCompressor) fallbackContext(recent []*Message, total int) *CompressedContext {
	return &CompressedContext{
		Recent:            recent,
		Compressed:        fmt.Sprintf("<compression failed, showing recent %d only>", len(recent)),
		OriginalTokens:    0,
		CompressedTokens:  0,
		Ratio:             float64(len(recent)) / float64(total),
		ContextReferences: []string{},
	}
}

// GetByReference resolves a reference id stored by a previous Compress call.
// Returns nil with a warning when the entry was evicted or never existed;
// callers must treat that as data loss already accepted by the eviction
// policy, not a retryable condition.
func (cc *ContextCompressor) GetByReference(id string) []*Message {
	cc.mu.Lock()
	ref, ok := cc.cache[id]
	cc.mu.Unlock()

	if !ok {
		logger.WarnCF("mxp", "Context reference not found", map[string]any{"id": id})
		return nil
	}

	var messages []*Message
	if err := json.Unmarshal(ref.ContextData, &messages); err != nil {
		logger.WarnCF("mxp", "Context reference data corrupt", map[string]any{
			"id":    id,
			"error": err.Error(),
		})
		return nil
	}
	return messages
}

// CacheLen reports the number of live cache entries.
func (cc *ContextCompressor) CacheLen() int {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return len(cc.cache)
}

// storeReference inserts serialized context data under its content hash.
// Identical data always maps to the same id, deduplicating across calls.
func (cc *ContextCompressor) storeReference(serialized []byte, channelID string) string {
	sum := sha256.Sum256(serialized)
	id := hex.EncodeToString(sum[:8])

	cc.mu.Lock()
	defer cc.mu.Unlock()

	if _, exists := cc.cache[id]; exists {
		return id
	}

	cc.cache[id] = &ContextReference{
		ID:           id,
		ChannelID:    channelID,
		ContextData:  serialized,
		Timestamp:    time.Now(),
		OriginalSize: len(serialized),
	}
	cc.insertions = append(cc.insertions, id)

	// Insertion-order eviction, deliberately not access-order LRU.
	for len(cc.cache) > cc.cfg.MaxCacheSize && len(cc.insertions) > 0 {
		oldest := cc.insertions[0]
		cc.insertions = cc.insertions[1:]
		delete(cc.cache, oldest)
	}

	return id
}

// Deduplicate keeps the first message per distinct normalized text, in
// original relative order. Running it twice is a no-op.
func Deduplicate(messages []*Message) []*Message {
	seen := make(map[string]struct{}, len(messages))
	out := make([]*Message, 0, len(messages))
	for _, msg := range messages {
		sum := sha256.Sum256([]byte(normalizeText(messageText(msg))))
		key := hex.EncodeToString(sum[:])
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, msg)
	}
	return out
}

// normalizeText lowercases, strips punctuation and collapses whitespace so
// trivially reworded duplicates hash alike.
func normalizeText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	lastSpace := true
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r):
			if !lastSpace {
				b.WriteRune(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// messageText extracts the human-readable text of a message for dedup and
// summarization: string payloads directly, then common text fields, then the
// whole serialized payload.
func messageText(msg *Message) string {
	if msg == nil {
		return ""
	}
	switch p := msg.Payload.(type) {
	case string:
		return p
	case map[string]any:
		for _, key := range []string{"text", "content", "message"} {
			if v, ok := p[key].(string); ok {
				return v
			}
		}
	}
	raw, err := json.Marshal(msg.Payload)
	if err != nil {
		return msg.Kind
	}
	return string(raw)
}

// summarize truncates serialized context to target length and appends the
// preserved keywords as a trailing clause so truncation can never lose them.
func summarize(serialized []byte, ratio float64, keywords []string) string {
	text := string(serialized)
	target := int(float64(len(text)) * ratio)
	if target < 0 {
		target = 0
	}
	truncated := truncateRunes(text, target)
	if len(keywords) > 0 {
		truncated += " [keywords: " + strings.Join(keywords, ", ") + "]"
	}
	return truncated
}

func truncateRunes(s string, max int) string {
	if max >= len(s) {
		return s
	}
	// Back off to a rune boundary.
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

// estimateTokens is the fixed heuristic shared by both analytics directions:
// one token per four characters, rounded up.
func estimateTokens(s string) int {
	n := utf8.RuneCountInString(s)
	return (n + 3) / 4
}

func estimateMessageTokens(messages []*Message) int {
	total := 0
	for _, msg := range messages {
		raw, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		total += estimateTokens(string(raw))
	}
	return total
}

func (cc *ContextCompressor) emitTokenEvent(result *CompressedContext, channelID string) {
	if cc.analytics == nil {
		return
	}
	cc.analytics.Publish(EventTokensOptimized, map[string]any{
		"channel_id":        channelID,
		"original_tokens":   result.OriginalTokens,
		"compressed_tokens": result.CompressedTokens,
		"ratio":             result.Ratio,
		"references":        len(result.ContextReferences),
	})
}
