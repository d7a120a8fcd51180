package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Bus       BusConfig       `json:"bus"`
	Transport TransportConfig `json:"transport"`
	MXP       MXPConfig       `json:"mxp"`
	Logging   LoggingConfig   `json:"logging"`
	mu        sync.RWMutex
}

type GatewayConfig struct {
	AgentID string `json:"agent_id" env:"MESHWORK_GATEWAY_AGENT_ID"`
	// HistoryLimit is the per-session message count beyond which the gateway
	// runs the context compressor before persisting history.
	HistoryLimit int `json:"history_limit" env:"MESHWORK_GATEWAY_HISTORY_LIMIT"`
}

type BusConfig struct {
	BufferSize int `json:"buffer_size" env:"MESHWORK_BUS_BUFFER_SIZE"`
}

type TransportConfig struct {
	Mode string `json:"mode" env:"MESHWORK_TRANSPORT_MODE"` // loopback|websocket
	// URL of the external event-bus endpoint, websocket mode only.
	URL         string `json:"url" env:"MESHWORK_TRANSPORT_URL"`
	WriteWaitMS int    `json:"write_wait_ms" env:"MESHWORK_TRANSPORT_WRITE_WAIT_MS"`
}

type LoggingConfig struct {
	FileEnabled     bool   `json:"file_enabled" env:"MESHWORK_LOGGING_FILE_ENABLED"`
	FilePath        string `json:"file_path" env:"MESHWORK_LOGGING_FILE_PATH"`
	RotationEnabled bool   `json:"rotation_enabled" env:"MESHWORK_LOGGING_ROTATION_ENABLED"`
	MaxAgeDays      int    `json:"max_age_days" env:"MESHWORK_LOGGING_MAX_AGE_DAYS"`
	MaxSizeMB       int    `json:"max_size_mb" env:"MESHWORK_LOGGING_MAX_SIZE_MB"`
}

// TierPolicy decides whether events in one priority tier are compressed
// before queueing, and from what uncompressed size on.
type TierPolicy struct {
	Enabled bool `json:"enabled"`
	MinSize int  `json:"min_size"`
}

// TierPolicies is the per-tier compression policy table.
type TierPolicies struct {
	Critical   TierPolicy `json:"critical"`
	High       TierPolicy `json:"high"`
	Normal     TierPolicy `json:"normal"`
	Low        TierPolicy `json:"low"`
	Background TierPolicy `json:"background"`
}

// ChannelOverride overrides the global MXP feature toggles for one channel.
// Nil fields inherit the global setting.
type ChannelOverride struct {
	BandwidthOptimization *bool `json:"bandwidth_optimization,omitempty"`
	ContextCompression    *bool `json:"context_compression,omitempty"`
	EntityDeduplication   *bool `json:"entity_deduplication,omitempty"`
	ReferenceMode         *bool `json:"reference_mode,omitempty"`
}

// MXPConfig holds every knob of the protocol layer. The MXP components treat
// it as a read-only oracle; absent values fall back to DefaultConfig.
type MXPConfig struct {
	BandwidthOptimization bool `json:"bandwidth_optimization" env:"MESHWORK_MXP_BANDWIDTH_OPTIMIZATION"`
	ContextCompression    bool `json:"context_compression" env:"MESHWORK_MXP_CONTEXT_COMPRESSION"`
	EntityDeduplication   bool `json:"entity_deduplication" env:"MESHWORK_MXP_ENTITY_DEDUPLICATION"`
	ReferenceMode         bool `json:"reference_mode" env:"MESHWORK_MXP_REFERENCE_MODE"`

	ChannelOverrides map[string]ChannelOverride `json:"channel_overrides,omitempty"`

	// Codec thresholds, bytes of canonical serialization.
	MinSizeThreshold int `json:"min_size_threshold" env:"MESHWORK_MXP_MIN_SIZE_THRESHOLD"`
	LargeThreshold   int `json:"large_threshold" env:"MESHWORK_MXP_LARGE_THRESHOLD"`

	// Context compressor settings.
	WindowSize         int     `json:"window_size" env:"MESHWORK_MXP_WINDOW_SIZE"`
	CompressionRatio   float64 `json:"compression_ratio" env:"MESHWORK_MXP_COMPRESSION_RATIO"`
	ReferenceThreshold int     `json:"reference_threshold" env:"MESHWORK_MXP_REFERENCE_THRESHOLD"`
	MaxCacheSize       int     `json:"max_cache_size" env:"MESHWORK_MXP_MAX_CACHE_SIZE"`

	// Forwarding scheduler settings.
	MaxQueueSize      int  `json:"max_queue_size" env:"MESHWORK_MXP_MAX_QUEUE_SIZE"`
	BatchSize         int  `json:"batch_size" env:"MESHWORK_MXP_BATCH_SIZE"`
	ProcessingDelayMS int  `json:"processing_delay_ms" env:"MESHWORK_MXP_PROCESSING_DELAY_MS"`
	DecodeOnForward   bool `json:"decode_on_forward" env:"MESHWORK_MXP_DECODE_ON_FORWARD"`

	Tiers TierPolicies `json:"tiers"`

	// Savings ledger persistence, empty disables it.
	StatsPath string `json:"stats_path" env:"MESHWORK_MXP_STATS_PATH"`
}

// BandwidthOptimizationFor reports whether the codec path is enabled for a
// channel, honoring per-channel overrides.
func (m *MXPConfig) BandwidthOptimizationFor(channelID string) bool {
	if o, ok := m.ChannelOverrides[channelID]; ok && o.BandwidthOptimization != nil {
		return *o.BandwidthOptimization
	}
	return m.BandwidthOptimization
}

func (m *MXPConfig) ContextCompressionFor(channelID string) bool {
	if o, ok := m.ChannelOverrides[channelID]; ok && o.ContextCompression != nil {
		return *o.ContextCompression
	}
	return m.ContextCompression
}

func (m *MXPConfig) EntityDeduplicationFor(channelID string) bool {
	if o, ok := m.ChannelOverrides[channelID]; ok && o.EntityDeduplication != nil {
		return *o.EntityDeduplication
	}
	return m.EntityDeduplication
}

func (m *MXPConfig) ReferenceModeFor(channelID string) bool {
	if o, ok := m.ChannelOverrides[channelID]; ok && o.ReferenceMode != nil {
		return *o.ReferenceMode
	}
	return m.ReferenceMode
}

func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			AgentID:      "main",
			HistoryLimit: 50,
		},
		Bus: BusConfig{
			BufferSize: 256,
		},
		Transport: TransportConfig{
			Mode:        "loopback",
			URL:         "ws://127.0.0.1:18890/bus",
			WriteWaitMS: 5000,
		},
		MXP: MXPConfig{
			BandwidthOptimization: true,
			ContextCompression:    true,
			EntityDeduplication:   true,
			ReferenceMode:         false,
			MinSizeThreshold:      1024,
			LargeThreshold:        10240,
			WindowSize:            5,
			CompressionRatio:      0.3,
			ReferenceThreshold:    20,
			MaxCacheSize:          100,
			MaxQueueSize:          1000,
			BatchSize:             50,
			ProcessingDelayMS:     100,
			DecodeOnForward:       true,
			Tiers: TierPolicies{
				Critical:   TierPolicy{Enabled: false, MinSize: 0},
				High:       TierPolicy{Enabled: true, MinSize: 2048},
				Normal:     TierPolicy{Enabled: true, MinSize: 1024},
				Low:        TierPolicy{Enabled: true, MinSize: 512},
				Background: TierPolicy{Enabled: true, MinSize: 256},
			},
			StatsPath: "~/.meshwork/stats.json",
		},
		Logging: LoggingConfig{
			FileEnabled:     true,
			FilePath:        "~/.meshwork/meshwork.log",
			RotationEnabled: true,
			MaxAgeDays:      7,
			MaxSizeMB:       50,
		},
	}
}

// LoadConfig reads path (missing file is fine, defaults apply) and then
// applies MESHWORK_* environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := env.Parse(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// ExpandHome resolves a leading ~ against the user's home directory.
func ExpandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
