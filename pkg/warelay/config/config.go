// Package config defines the service configuration and the per-tenant
// delivery settings surface.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/inovachat/warelay/pkg/warelay/session"
)

// Config holds all service configuration.
type Config struct {
	// Storage configures the subsystem's own SQLite database.
	Storage StorageConfig `yaml:"storage"`

	// Transport configures the whatsmeow credential stores.
	Transport session.WhatsmeowConfig `yaml:"transport"`

	// Session configures reconnect behavior.
	Session session.Config `yaml:"session"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`

	// Janitor configures the periodic maintenance job.
	Janitor JanitorConfig `yaml:"janitor"`

	// TenantDefaults apply to tenants with no explicit settings.
	TenantDefaults TenantConfig `yaml:"tenant_defaults"`
}

// StorageConfig configures persistence.
type StorageConfig struct {
	// Path is the SQLite database file (default: ./data/warelay.db).
	Path string `yaml:"path"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	// Level is "debug" or "info" (default: info).
	Level string `yaml:"level"`

	// Format is "text" or "json" (default: json).
	Format string `yaml:"format"`
}

// JanitorConfig configures the maintenance cron job.
type JanitorConfig struct {
	// Schedule is a cron expression (default: every minute).
	Schedule string `yaml:"schedule"`
}

// TenantConfig is the per-tenant delivery configuration surface read by
// the message buffer and the response humanizer.
type TenantConfig struct {
	// BufferEnabled coalesces inbound bursts before reply generation.
	BufferEnabled bool `yaml:"buffer_enabled"`

	// BufferWindowSeconds is the debounce window, clamped to [3,30]
	// (default: 5).
	BufferWindowSeconds int `yaml:"buffer_window_seconds"`

	// HumanizeEnabled splits long replies into paced message sequences.
	HumanizeEnabled bool `yaml:"humanize_enabled"`

	// InterChunkDelaySeconds is the pause between chunk sends, clamped
	// to [1,10] (default: 2).
	InterChunkDelaySeconds int `yaml:"inter_chunk_delay_seconds"`

	// MaxChunksPerResponse caps chunks per reply, clamped to [1,6]
	// (default: 4).
	MaxChunksPerResponse int `yaml:"max_chunks_per_response"`

	// ShortTextThreshold is the reply length at or below which no
	// splitting happens (default: 500).
	ShortTextThreshold int `yaml:"short_text_threshold"`

	// MaxChunkChars is the soft per-chunk size limit (default: 900).
	MaxChunkChars int `yaml:"max_chunk_chars"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{Path: "./data/warelay.db"},
		Transport: session.WhatsmeowConfig{
			SessionDir: "./data/sessions",
			DeviceName: "WaRelay",
		},
		Session: session.DefaultConfig(),
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Janitor: JanitorConfig{Schedule: "* * * * *"},
		TenantDefaults: TenantConfig{
			BufferEnabled:          true,
			BufferWindowSeconds:    5,
			HumanizeEnabled:        true,
			InterChunkDelaySeconds: 2,
			MaxChunksPerResponse:   4,
		}.Effective(),
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.TenantDefaults = cfg.TenantDefaults.Effective()
	return cfg, nil
}

// Effective returns a copy with defaults filled in and every knob clamped
// to its documented range.
func (c TenantConfig) Effective() TenantConfig {
	out := c
	if out.BufferWindowSeconds == 0 {
		out.BufferWindowSeconds = 5
	}
	out.BufferWindowSeconds = clamp(out.BufferWindowSeconds, 3, 30)
	if out.InterChunkDelaySeconds == 0 {
		out.InterChunkDelaySeconds = 2
	}
	out.InterChunkDelaySeconds = clamp(out.InterChunkDelaySeconds, 1, 10)
	if out.MaxChunksPerResponse == 0 {
		out.MaxChunksPerResponse = 4
	}
	out.MaxChunksPerResponse = clamp(out.MaxChunksPerResponse, 1, 6)
	if out.ShortTextThreshold <= 0 {
		out.ShortTextThreshold = 500
	}
	if out.MaxChunkChars <= 0 {
		out.MaxChunkChars = 900
	}
	return out
}

// BufferWindow returns the debounce window as a duration, zero when
// buffering is disabled.
func (c TenantConfig) BufferWindow() time.Duration {
	if !c.BufferEnabled {
		return 0
	}
	return time.Duration(c.BufferWindowSeconds) * time.Second
}

// InterChunkDelay returns the pause between chunk sends.
func (c TenantConfig) InterChunkDelay() time.Duration {
	return time.Duration(c.InterChunkDelaySeconds) * time.Second
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
