// Package config loads the bot configuration from a YAML or JSON file.
//
// Decoding is strict: unknown keys are rejected so typos surface at startup
// instead of silently doing nothing. All durations are Go duration strings
// (e.g. "500ms", "2s", "15m").
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Store    StoreConfig    `json:"store"`
	Engine   EngineConfig   `json:"engine"`
	Flow     FlowConfig     `json:"flow"`
	Logging  LoggingConfig  `json:"logging"`
	Debug    DebugConfig    `json:"debug,omitempty"`
}

type DebugConfig struct {
	// PprofAddr enables the pprof listener when set, e.g. "127.0.0.1:6060".
	// Keep it on loopback.
	PprofAddr string `json:"pprof_addr,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is the long-poll timeout (Go duration string).
	PollTimeout string `json:"poll_timeout,omitempty"`
	// SendRatePerSec caps outbound sends. 0 disables the limiter.
	SendRatePerSec int `json:"send_rate_per_sec,omitempty"`
}

// StoreConfig selects and configures the job store backend.
//
// Driver values:
//   - "mongo": MongoDB collection (uri/database/collection)
//   - "sqlite": SQLite database file (path)
type StoreConfig struct {
	Driver     string `json:"driver"`
	URI        string `json:"uri,omitempty"`
	Database   string `json:"database,omitempty"`
	Collection string `json:"collection,omitempty"`
	Path       string `json:"path,omitempty"`

	ConnectTimeout string `json:"connect_timeout,omitempty"`
	BusyTimeout    string `json:"busy_timeout,omitempty"` // sqlite only
}

type EngineConfig struct {
	// TickInterval bounds delivery latency, not delivery frequency.
	TickInterval string `json:"tick_interval,omitempty"`
	// Recovery retry policy for the startup store scan.
	RecoverRetries    int    `json:"recover_retries,omitempty"`
	RecoverRetryDelay string `json:"recover_retry_delay,omitempty"`
}

type FlowConfig struct {
	// SessionTTL drops abandoned scheduling conversations.
	SessionTTL string `json:"session_ttl,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// Load reads, decodes, and validates the config file at path.
// The BOT_TOKEN environment variable overrides telegram.token.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	jb, format, err := coerceToJSONBytes(path, data)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode %s config: %w", format, err)
	}

	if tok := strings.TrimSpace(os.Getenv("BOT_TOKEN")); tok != "" {
		cfg.Telegram.Token = tok
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Store.Driver == "" {
		c.Store.Driver = "mongo"
	}
	if c.Store.URI == "" {
		c.Store.URI = "mongodb://localhost:27017/"
	}
	if c.Store.Database == "" {
		c.Store.Database = "telegram_scheduler"
	}
	if c.Store.Collection == "" {
		c.Store.Collection = "messages"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required (or set BOT_TOKEN)")
	}
	driver := strings.ToLower(strings.TrimSpace(c.Store.Driver))
	switch driver {
	case "mongo", "mongodb":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(c.Store.Path) == "" {
			return fmt.Errorf("store.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	// Fail early on malformed durations rather than at the component that uses them.
	for name, v := range map[string]string{
		"telegram.poll_timeout":       c.Telegram.PollTimeout,
		"store.connect_timeout":       c.Store.ConnectTimeout,
		"store.busy_timeout":          c.Store.BusyTimeout,
		"engine.tick_interval":        c.Engine.TickInterval,
		"engine.recover_retry_delay":  c.Engine.RecoverRetryDelay,
		"flow.session_ttl":            c.Flow.SessionTTL,
	} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// DurationOr parses a duration string, falling back to def when empty or invalid.
func DurationOr(s string, def time.Duration) time.Duration {
	if strings.TrimSpace(s) == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// coerceToJSONBytes converts YAML config to JSON bytes so the strict JSON
// decoder (DisallowUnknownFields) serves both formats.
func coerceToJSONBytes(path string, data []byte) ([]byte, string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return data, "json", nil
	}

	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, "yaml", fmt.Errorf("yaml unmarshal: %w", err)
	}
	v = normalizeYAML(v)

	j, err := json.Marshal(v)
	if err != nil {
		return nil, "yaml", fmt.Errorf("yaml->json marshal: %w", err)
	}
	return j, "yaml", nil
}

// normalizeYAML ensures all map keys are strings so the result can be JSON-marshaled.
func normalizeYAML(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalizeYAML(v)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[k] = normalizeYAML(v)
		}
		return m
	case []any:
		for i := range x {
			x[i] = normalizeYAML(x[i])
		}
		return x
	default:
		return in
	}
}
