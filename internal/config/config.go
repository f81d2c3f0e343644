// Package config holds the single root configuration struct for the
// transcription core, loaded from YAML with environment variable overrides,
// in the same layered style as the backend this module was adapted from.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config aggregates every tunable of the transcription core.
type Config struct {
	Listen    string          `yaml:"listen"`
	Lock      LockConfig      `yaml:"lock"`
	Store     StoreConfig     `yaml:"store"`
	STT       STTConfig       `yaml:"stt"`
	Session   SessionConfig   `yaml:"session"`
	Merge     MergeConfig     `yaml:"merge"`
	Translate TranslateConfig `yaml:"translate"`
	Control   ControlConfig   `yaml:"control"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// LockConfig configures the C1 Lock Service.
type LockConfig struct {
	Store             string        `yaml:"store"` // "memory" or "redis"
	Addr              string        `yaml:"addr"`
	Password          string        `yaml:"password"`
	DB                int           `yaml:"db"`
	KeyPrefix         string        `yaml:"key_prefix"`
	ConversationWait  time.Duration `yaml:"conversation_wait"`  // default 60s
	ConversationLease time.Duration `yaml:"conversation_lease"` // default 120s
	UserWait          time.Duration `yaml:"user_wait"`          // default 30s
	UserLease         time.Duration `yaml:"user_lease"`         // default 60s
	RenewInterval     time.Duration `yaml:"renew_interval"`     // default 40s; lease/3 when unset or >= lease
}

// StoreConfig configures the C2 Conversation Store Adapter.
type StoreConfig struct {
	Driver string `yaml:"driver"` // "sqlite" (only implementation)
	Path   string `yaml:"path"`
}

// STTConfig configures the C3 Audio Processor's provider table.
type STTConfig struct {
	DefaultProvider       string                      `yaml:"default_provider"`
	Endpoints             map[string]ProviderEndpoint `yaml:"endpoints"`
	ProfileWindowPaddingS float64                     `yaml:"profile_window_padding_s"` // default 5
	RetryBackoff          []time.Duration             `yaml:"retry_backoff"`            // default 100ms,500ms,2s
}

// ProviderEndpoint is one provider's wire endpoint and auth.
type ProviderEndpoint struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
}

// SessionConfig configures the C5 Transcription Session's cooperative
// background tasks and timeouts.
type SessionConfig struct {
	InactivityTimeout      time.Duration `yaml:"inactivity_timeout"`       // default 30s
	HeartbeatInterval      time.Duration `yaml:"heartbeat_interval"`       // default 10s
	UsageInterval          time.Duration `yaml:"usage_interval"`           // default 60s
	ConversationTimeoutMin time.Duration `yaml:"conversation_timeout_min"` // default 120s
	ConversationTimeoutMax time.Duration `yaml:"conversation_timeout_max"` // default 14400s
	MonitorInterval        time.Duration `yaml:"monitor_interval"`        // default 5s
	SilentUserThreshold    time.Duration `yaml:"silent_user_threshold"`   // default 15m
	ReadBufferSize         int           `yaml:"read_buffer_size"`
	MaxMessageSize         int64         `yaml:"max_message_size"`
}

// MergeConfig configures the §4.2 segment merge policy.
type MergeConfig struct {
	CoalesceGapSeconds float64 `yaml:"coalesce_gap_seconds"` // default 0.5, see §9 Open Question
}

// TranslateConfig holds the translation settings. MaxConcurrent is parsed
// but not read by any component: the session starts one goroutine per
// emitted segment, with no concurrency bound.
type TranslateConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"` // default 2 (unused)
}

// ControlConfig configures the admin/control HTTP API.
type ControlConfig struct {
	Listen  string `yaml:"listen"`
	Enabled bool   `yaml:"enabled"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// TelemetryConfig configures the OpenTelemetry tracer provider.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // "otlp", "stdout", or "none"
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

// Load reads and parses the configuration file, falling back to defaults()
// when the file does not exist, then applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- config path from trusted CLI flag
	if err != nil {
		if os.IsNotExist(err) {
			cfg := defaults()
			cfg.applyEnvOverrides()
			if err := cfg.validate(); err != nil {
				return nil, fmt.Errorf("validating config: %w", err)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaults returns a Config with the defaults enumerated in spec.md §9.
func defaults() *Config {
	return &Config{
		Listen: ":8080",
		Lock: LockConfig{
			Store:             "memory",
			Addr:              "localhost:6379",
			KeyPrefix:         "transcribe:lock:",
			ConversationWait:  60 * time.Second,
			ConversationLease: 120 * time.Second,
			UserWait:          30 * time.Second,
			UserLease:         60 * time.Second,
			RenewInterval:     40 * time.Second,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "data/conversations.db",
		},
		STT: STTConfig{
			DefaultProvider:       "deepgram",
			ProfileWindowPaddingS: 5,
			RetryBackoff: []time.Duration{
				100 * time.Millisecond,
				500 * time.Millisecond,
				2 * time.Second,
			},
			Endpoints: map[string]ProviderEndpoint{
				"deepgram":     {URL: "wss://api.deepgram.com/v1/listen"},
				"soniox":       {URL: "wss://stt-rt.soniox.com/transcribe-websocket"},
				"speechmatics": {URL: "wss://eu2.rt.speechmatics.com/v2"},
			},
		},
		Session: SessionConfig{
			InactivityTimeout:      30 * time.Second,
			HeartbeatInterval:      10 * time.Second,
			UsageInterval:          60 * time.Second,
			ConversationTimeoutMin: 120 * time.Second,
			ConversationTimeoutMax: 14400 * time.Second,
			MonitorInterval:        5 * time.Second,
			SilentUserThreshold:    15 * time.Minute,
			ReadBufferSize:         4096,
			MaxMessageSize:         10 * 1024 * 1024,
		},
		Merge: MergeConfig{
			CoalesceGapSeconds: 0.5,
		},
		Translate: TranslateConfig{
			MaxConcurrent: 2,
		},
		Control: ControlConfig{
			Listen:  ":9090",
			Enabled: true,
		},
		Logging: LoggingConfig{
			Format: "json",
			Level:  "info",
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			Exporter:    "none",
			ServiceName: "transcribe",
			Endpoint:    "localhost:4317",
			Insecure:    true,
		},
	}
}

// applyEnvOverrides applies TRANSCRIBE_* environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("TRANSCRIBE_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("TRANSCRIBE_CONTROL_LISTEN"); v != "" {
		c.Control.Listen = v
	}
	if v := os.Getenv("TRANSCRIBE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("TRANSCRIBE_LOCK_STORE"); v != "" {
		c.Lock.Store = v
	}
	if v := os.Getenv("TRANSCRIBE_REDIS_ADDR"); v != "" {
		c.Lock.Addr = v
	}
	if v := os.Getenv("TRANSCRIBE_REDIS_PASSWORD"); v != "" {
		c.Lock.Password = v
	}
	if v := os.Getenv("TRANSCRIBE_STORE_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("TRANSCRIBE_STT_DEFAULT_PROVIDER"); v != "" {
		c.STT.DefaultProvider = v
	}

	if os.Getenv("TRANSCRIBE_TELEMETRY_ENABLED") == "true" {
		c.Telemetry.Enabled = true
	}
	if v := os.Getenv("TRANSCRIBE_TELEMETRY_EXPORTER"); v != "" {
		c.Telemetry.Exporter = v
	}
	if v := os.Getenv("TRANSCRIBE_TELEMETRY_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
	}
	// Standard OTel env vars, honored the same way the teacher does.
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
	}

	if v := os.Getenv("TRANSCRIBE_INACTIVITY_TIMEOUT_S"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Session.InactivityTimeout = time.Duration(n) * time.Second
		}
	}
}

// validate checks internal consistency beyond what YAML unmarshaling
// catches.
func (c *Config) validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.Lock.Store != "memory" && c.Lock.Store != "redis" {
		return fmt.Errorf("invalid lock store %q: must be memory or redis", c.Lock.Store)
	}
	if c.Store.Driver != "sqlite" {
		return fmt.Errorf("invalid store driver %q: must be sqlite", c.Store.Driver)
	}
	if c.Session.ConversationTimeoutMin <= 0 || c.Session.ConversationTimeoutMax < c.Session.ConversationTimeoutMin {
		return fmt.Errorf("invalid conversation timeout bounds")
	}
	if c.Merge.CoalesceGapSeconds < 0 {
		return fmt.Errorf("merge.coalesce_gap_seconds must be >= 0")
	}
	return nil
}

// ClampConversationTimeout clamps a requested timeout to [min, max] per §4.5
// and boundary behaviors B1.
func (c *Config) ClampConversationTimeout(requested time.Duration) time.Duration {
	if requested < c.Session.ConversationTimeoutMin {
		return c.Session.ConversationTimeoutMin
	}
	if requested > c.Session.ConversationTimeoutMax {
		return c.Session.ConversationTimeoutMax
	}
	return requested
}
