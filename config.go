package raopd

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config carries the engine's tunables, loadable from YAML. A nil *Config
// is treated as DefaultConfig() everywhere it is accepted.
type Config struct {
	// BufferCapacity is the reorder window capacity in slots, keyed by RTP
	// sequence number modulo this value. Must be a power of two.
	BufferCapacity int `yaml:"buffer_capacity"`

	// ResendHorizon bounds how many slots past the cursor handleResends
	// inspects per call. 0 means "derive as BufferCapacity/2 at load time".
	ResendHorizon int `yaml:"resend_horizon"`

	// SelectTimeout is the worker loop's polling granularity.
	SelectTimeout time.Duration `yaml:"select_timeout"`

	// RecvBufferBytes is the SO_RCVBUF size requested for the data and
	// control sockets. 0 leaves the OS default untouched.
	RecvBufferBytes int `yaml:"recv_buffer_bytes"`

	// LogLevel gates the session's logger, see LogLevel.
	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns the engine's documented defaults: 512-slot buffer,
// 5ms select timeout, no explicit recv buffer sizing.
func DefaultConfig() *Config {
	return &Config{
		BufferCapacity:  512,
		ResendHorizon:   0,
		SelectTimeout:   5 * time.Millisecond,
		RecvBufferBytes: 0,
		LogLevel:        "info",
	}
}

// normalize fills in derived fields and validates ranges, returning a new
// Config so callers' originals are never mutated.
func (c *Config) normalize() (*Config, error) {
	if c == nil {
		c = DefaultConfig()
	}
	out := *c
	if out.BufferCapacity <= 0 {
		out.BufferCapacity = DefaultConfig().BufferCapacity
	}
	if out.BufferCapacity&(out.BufferCapacity-1) != 0 {
		return nil, fmt.Errorf("raopd: buffer_capacity %d is not a power of two", out.BufferCapacity)
	}
	if out.BufferCapacity >= 1<<16 {
		return nil, fmt.Errorf("raopd: buffer_capacity %d must be less than 65536 (RTP sequence numbers are 16-bit)", out.BufferCapacity)
	}
	if out.ResendHorizon <= 0 || out.ResendHorizon > out.BufferCapacity {
		out.ResendHorizon = out.BufferCapacity / 2
	}
	if out.SelectTimeout <= 0 {
		out.SelectTimeout = DefaultConfig().SelectTimeout
	}
	if out.LogLevel == "" {
		out.LogLevel = "info"
	}
	return &out, nil
}

func (c *Config) logLevel() LogLevel {
	switch c.LogLevel {
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// LoadConfig reads and parses a YAML config file into a tagged Config
// struct.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, newKindError(KindResourceExhausted, fmt.Errorf("reading config %s: %w", path, err))
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, newKindError(KindInvalidArgument, fmt.Errorf("parsing config %s: %w", path, err))
	}
	return cfg.normalize()
}
