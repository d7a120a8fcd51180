package mxp

import (
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/meshwork-ai/meshwork/pkg/bus"
	"github.com/meshwork-ai/meshwork/pkg/config"
	"github.com/meshwork-ai/meshwork/pkg/logger"
)

// EventBandwidthOptimized is published after every successful encode.
const EventBandwidthOptimized = "mxp.bandwidth.optimization.complete"

// Codec encodes messages into one of three formats, chosen adaptively by
// size and content, and decodes them losslessly back. Encoding never fails
// upward: transform errors degrade to the plain format, a disabled feature
// yields nil.
type Codec struct {
	cfg       *config.MXPConfig
	analytics bus.Publisher
	zenc      *zstd.Encoder
	zdec      *zstd.Decoder
}

// NewCodec builds a codec against the given settings. analytics may be nil.
func NewCodec(cfg *config.MXPConfig, analytics bus.Publisher) *Codec {
	// EncodeAll/DecodeAll on shared instances are safe for concurrent use.
	zenc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zdec, _ := zstd.NewReader(nil)
	return &Codec{
		cfg:       cfg,
		analytics: analytics,
		zenc:      zenc,
		zdec:      zdec,
	}
}

// Encode serializes msg and picks a format by size and content. It returns
// nil when bandwidth optimization is disabled for channelID; that is a no-op
// signal, not an error. Internal failures fall back to the plain encoding.
func (c *Codec) Encode(msg *Message, channelID string) *EncodedMessage {
	if msg == nil || !c.cfg.BandwidthOptimizationFor(channelID) {
		return nil
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		logger.ErrorCF("mxp", "Message serialization failed, cannot encode", map[string]any{
			"kind":  msg.Kind,
			"error": err.Error(),
		})
		return nil
	}

	enc := c.encodeAs(msg, raw, c.SelectFormat(len(raw), msg.HasBinaryData))
	c.emitBandwidthEvent(enc, channelID)
	return enc
}

// SelectFormat is a pure function of size and binary content: messages below
// the minimum threshold stay plain, binary or oversized payloads get the full
// msgpack+zstd chain, everything else gets msgpack alone.
func (c *Codec) SelectFormat(size int, hasBinaryData bool) Format {
	if size < c.cfg.MinSizeThreshold {
		return FormatPlain
	}
	if hasBinaryData || size > c.cfg.LargeThreshold {
		return FormatPackedCompressed
	}
	return FormatPacked
}

func (c *Codec) encodeAs(msg *Message, raw []byte, format Format) *EncodedMessage {
	switch format {
	case FormatPacked:
		packed, err := msgpack.Marshal(msg)
		if err != nil {
			logger.WarnCF("mxp", "Packed encoding failed, falling back to plain", map[string]any{
				"kind":  msg.Kind,
				"error": err.Error(),
			})
			break
		}
		return finishEncoded(packed, FormatPacked, AlgorithmMsgpack, len(raw))

	case FormatPackedCompressed:
		packed, err := msgpack.Marshal(msg)
		if err != nil {
			logger.WarnCF("mxp", "Packed encoding failed, falling back to plain", map[string]any{
				"kind":  msg.Kind,
				"error": err.Error(),
			})
			break
		}
		compressed := c.zenc.EncodeAll(packed, nil)
		return finishEncoded(compressed, FormatPackedCompressed, AlgorithmMsgpackZstd, len(raw))
	}

	return finishEncoded(raw, FormatPlain, AlgorithmNone, len(raw))
}

func finishEncoded(body []byte, format Format, algorithm Algorithm, originalSize int) *EncodedMessage {
	return &EncodedMessage{
		Bytes:          body,
		Format:         format,
		Algorithm:      algorithm,
		OriginalSize:   originalSize,
		CompressedSize: len(body),
		Ratio:          float64(len(body)) / float64(originalSize),
	}
}

// Decode reverses Encode. It returns nil and logs on corrupt input; a nil
// return never carries partial data.
func (c *Codec) Decode(enc *EncodedMessage) *Message {
	if enc == nil {
		return nil
	}

	msg, err := c.decode(enc)
	if err != nil {
		logger.ErrorCF("mxp", "Decode failed", map[string]any{
			"format": string(enc.Format),
			"error":  err.Error(),
		})
		return nil
	}
	return msg
}

func (c *Codec) decode(enc *EncodedMessage) (*Message, error) {
	switch enc.Format {
	case FormatPlain:
		var msg Message
		if err := json.Unmarshal(enc.Bytes, &msg); err != nil {
			return nil, fmt.Errorf("plain decode: %w", err)
		}
		return &msg, nil

	case FormatPacked:
		return decodePacked(enc.Bytes)

	case FormatPackedCompressed:
		packed, err := c.zdec.DecodeAll(enc.Bytes, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		return decodePacked(packed)

	default:
		return nil, fmt.Errorf("unknown format %q", enc.Format)
	}
}

func decodePacked(packed []byte) (*Message, error) {
	var msg Message
	if err := msgpack.Unmarshal(packed, &msg); err != nil {
		return nil, fmt.Errorf("msgpack decode: %w", err)
	}
	return canonicalMessage(&msg)
}

// canonicalMessage round-trips a message through JSON so payload and metadata
// values land in canonical JSON shape regardless of the intermediate wire
// representation.
func canonicalMessage(msg *Message) (*Message, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	var out Message
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return &out, nil
}

// EncodeBatch wraps messages in batch envelopes and encodes each envelope as
// a single message. An envelope whose serialization exceeds maxBatchSize is
// split at the midpoint and both halves are encoded recursively, so the
// result preserves every input message in original order. A single message
// is never split, even oversized. Returns nil when the feature is disabled
// for channelID or the list is empty.
func (c *Codec) EncodeBatch(messages []*Message, maxBatchSize int, channelID string) []*EncodedMessage {
	if len(messages) == 0 || !c.cfg.BandwidthOptimizationFor(channelID) {
		return nil
	}

	envelope := batchEnvelope(messages)
	raw, err := json.Marshal(envelope)
	if err != nil {
		logger.ErrorCF("mxp", "Batch serialization failed", map[string]any{
			"count": len(messages),
			"error": err.Error(),
		})
		return nil
	}

	if len(raw) > maxBatchSize && len(messages) > 1 {
		mid := len(messages) / 2
		out := c.EncodeBatch(messages[:mid], maxBatchSize, channelID)
		out = append(out, c.EncodeBatch(messages[mid:], maxBatchSize, channelID)...)
		return out
	}

	enc := c.encodeAs(envelope, raw, c.SelectFormat(len(raw), batchHasBinary(messages)))
	c.emitBandwidthEvent(enc, channelID)
	return []*EncodedMessage{enc}
}

func batchEnvelope(messages []*Message) *Message {
	return &Message{
		Kind: "batch",
		Payload: map[string]any{
			"count":    len(messages),
			"messages": messages,
		},
	}
}

func batchHasBinary(messages []*Message) bool {
	for _, m := range messages {
		if m != nil && m.HasBinaryData {
			return true
		}
	}
	return false
}

func (c *Codec) emitBandwidthEvent(enc *EncodedMessage, channelID string) {
	if c.analytics == nil || enc == nil {
		return
	}
	// Best effort; analytics must never fail an encode.
	defer func() {
		if r := recover(); r != nil {
			logger.WarnCF("mxp", "Analytics publish panicked", map[string]any{"reason": fmt.Sprint(r)})
		}
	}()
	c.analytics.Publish(EventBandwidthOptimized, map[string]any{
		"channel_id":      channelID,
		"format":          string(enc.Format),
		"algorithm":       string(enc.Algorithm),
		"original_size":   enc.OriginalSize,
		"compressed_size": enc.CompressedSize,
		"ratio":           enc.Ratio,
	})
}
