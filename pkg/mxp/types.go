// Package mxp implements the Meshwork eXchange Protocol: an adaptive binary
// codec, a priority-aware forwarding scheduler and a lossy conversation
// context compressor. MXP sits between message producers and the transport
// to reduce bandwidth and per-message processing cost without changing
// message semantics for consumers that do not opt in.
package mxp

import (
	"time"
)

// Format identifies the wire encoding of an EncodedMessage.
type Format string

const (
	FormatPlain            Format = "plain"
	FormatPacked           Format = "packed"
	FormatPackedCompressed Format = "packed_compressed"
)

// Algorithm names the transform chain that produced the bytes.
type Algorithm string

const (
	AlgorithmNone        Algorithm = "none"
	AlgorithmMsgpack     Algorithm = "msgpack"
	AlgorithmMsgpackZstd Algorithm = "msgpack+zstd"
)

// Priority is one of five fixed tiers governing queueing order and
// compression aggressiveness. Lower numeric value drains first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityBackground
)

var priorityNames = map[Priority]string{
	PriorityCritical:   "critical",
	PriorityHigh:       "high",
	PriorityNormal:     "normal",
	PriorityLow:        "low",
	PriorityBackground: "background",
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return "unknown"
}

// Priorities lists all tiers in drain order.
var Priorities = []Priority{
	PriorityCritical,
	PriorityHigh,
	PriorityNormal,
	PriorityLow,
	PriorityBackground,
}

// Message is the unit producers hand to the codec. Payload and Metadata hold
// JSON-shaped values (string-keyed maps, slices, strings, float64 numbers,
// bools, nil); the codec canonicalizes to that shape on decode, so messages
// built from other numeric types compare equal only after canonicalization.
type Message struct {
	Kind          string         `json:"kind" msgpack:"kind"`
	Payload       any            `json:"payload,omitempty" msgpack:"payload,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty" msgpack:"metadata,omitempty"`
	ApproxSize    int            `json:"approx_size,omitempty" msgpack:"approx_size,omitempty"`
	HasBinaryData bool           `json:"has_binary_data,omitempty" msgpack:"has_binary_data,omitempty"`
}

// EncodedMessage is the codec's output. Format and Algorithm are consistent:
// plain carries the canonical serialization untouched, packed is msgpack,
// packed_compressed is zstd over msgpack.
type EncodedMessage struct {
	Bytes          []byte    `json:"bytes"`
	Format         Format    `json:"format"`
	Algorithm      Algorithm `json:"algorithm"`
	OriginalSize   int       `json:"original_size"`
	CompressedSize int       `json:"compressed_size"`
	Ratio          float64   `json:"ratio"`
}

// QueuedEvent is one entry in a forwarder priority queue. Compressed is set
// only when the tier's policy enabled compression and the uncompressed size
// met the tier's minimum.
type QueuedEvent struct {
	ID         string
	Priority   Priority
	Kind       string
	Payload    map[string]any
	TargetID   string
	ChannelID  string
	ExcludeID  string
	Timestamp  time.Time
	RetryCount int
	Compressed *EncodedMessage
}

// CompressedContext is the context compressor's output. Recent is always the
// verbatim tail of the input, in original order.
type CompressedContext struct {
	Recent            []*Message `json:"recent"`
	Compressed        string     `json:"compressed"`
	OriginalTokens    int        `json:"original_tokens"`
	CompressedTokens  int        `json:"compressed_tokens"`
	Ratio             float64    `json:"ratio"`
	ContextReferences []string   `json:"context_references"`
}

// ContextReference is one entry in the compressor's addressable cache,
// keyed by a content hash of its data.
type ContextReference struct {
	ID           string    `json:"id"`
	ChannelID    string    `json:"channel_id"`
	ContextData  []byte    `json:"context_data"`
	Timestamp    time.Time `json:"timestamp"`
	OriginalSize int       `json:"original_size"`
}

// CompressOptions overrides the compressor's configured defaults for one
// call. Zero values mean "use the configured default".
type CompressOptions struct {
	WindowSize       int
	CompressionRatio float64
	PreserveKeywords []string
}
