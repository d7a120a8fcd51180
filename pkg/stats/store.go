// Package stats keeps a persistent ledger of MXP optimization analytics:
// one record per bandwidth or token optimization event, queryable and
// aggregatable. The store doubles as an analytics sink for the bus.
package stats

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/meshwork-ai/meshwork/pkg/mxp"
)

// Direction separates the two analytics streams.
type Direction string

const (
	DirectionBandwidth Direction = "bandwidth"
	DirectionTokens    Direction = "tokens"
)

type Record struct {
	Timestamp        time.Time `json:"timestamp"`
	DayKey           string    `json:"day_key"`
	Direction        Direction `json:"direction"`
	ChannelID        string    `json:"channel_id"`
	Format           string    `json:"format,omitempty"`
	OriginalBytes    int       `json:"original_bytes,omitempty"`
	CompressedBytes  int       `json:"compressed_bytes,omitempty"`
	OriginalTokens   int       `json:"original_tokens,omitempty"`
	CompressedTokens int       `json:"compressed_tokens,omitempty"`
	Ratio            float64   `json:"ratio"`
}

type Filter struct {
	Direction Direction
	ChannelID string
	DayKey    string
	Limit     int
}

type Aggregate struct {
	Records          int
	BytesSaved       int
	TokensSaved      int
	OriginalBytes    int
	CompressedBytes  int
	OriginalTokens   int
	CompressedTokens int
}

type Store struct {
	mu      sync.RWMutex
	records []Record
	path    string
}

// NewStore loads any existing ledger at path; an empty path keeps the store
// in memory only.
func NewStore(path string) *Store {
	s := &Store{records: make([]Record, 0, 256)}
	if path == "" {
		return s
	}
	_ = os.MkdirAll(filepath.Dir(path), 0755)
	s.path = path
	s.load()
	return s
}

func todayKey() string {
	return time.Now().UTC().Format("2006-01-02")
}

func (s *Store) Add(r Record) {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	if r.DayKey == "" {
		r.DayKey = todayKey()
	}

	s.mu.Lock()
	s.records = append(s.records, r)
	s.mu.Unlock()

	s.save()
}

// Publish makes the store a bus.Publisher so it can fan in with the real
// transport: it parses the two MXP analytics events and ignores the rest.
func (s *Store) Publish(name string, payload map[string]any) {
	switch name {
	case mxp.EventBandwidthOptimized:
		s.Add(Record{
			Direction:       DirectionBandwidth,
			ChannelID:       asString(payload["channel_id"]),
			Format:          asString(payload["format"]),
			OriginalBytes:   asInt(payload["original_size"]),
			CompressedBytes: asInt(payload["compressed_size"]),
			Ratio:           asFloat(payload["ratio"]),
		})
	case mxp.EventTokensOptimized:
		s.Add(Record{
			Direction:        DirectionTokens,
			ChannelID:        asString(payload["channel_id"]),
			OriginalTokens:   asInt(payload["original_tokens"]),
			CompressedTokens: asInt(payload["compressed_tokens"]),
			Ratio:            asFloat(payload["ratio"]),
		})
	}
}

func (s *Store) Query(f Filter) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		if f.Direction != "" && r.Direction != f.Direction {
			continue
		}
		if f.ChannelID != "" && r.ChannelID != f.ChannelID {
			continue
		}
		if f.DayKey != "" && r.DayKey != f.DayKey {
			continue
		}
		out = append(out, r)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

func (s *Store) AggregateFor(f Filter) Aggregate {
	var agg Aggregate
	for _, r := range s.Query(f) {
		agg.Records++
		agg.OriginalBytes += r.OriginalBytes
		agg.CompressedBytes += r.CompressedBytes
		agg.OriginalTokens += r.OriginalTokens
		agg.CompressedTokens += r.CompressedTokens
	}
	agg.BytesSaved = agg.OriginalBytes - agg.CompressedBytes
	agg.TokensSaved = agg.OriginalTokens - agg.CompressedTokens
	return agg
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *Store) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return
	}
	s.mu.Lock()
	s.records = records
	s.mu.Unlock()
}

func (s *Store) save() {
	if s.path == "" {
		return
	}
	s.mu.RLock()
	data, err := json.MarshalIndent(s.records, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return
	}
	_ = os.WriteFile(s.path, data, 0644)
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return 0
	}
}
