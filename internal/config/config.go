// Package config loads and validates client configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Build modes understood by the supervisor.
const (
	ModeDevelopment = "development"
	ModePackaged    = "packaged"
)

// Legacy environment overrides honored alongside the SKETCH_ prefixed keys.
const (
	EnvBackendURL  = "BACKEND_URL"
	EnvBackendPort = "BACKEND_PORT"
)

// Config captures all client configuration knobs loaded via Viper.
type Config struct {
	Mode      string          `mapstructure:"mode"`
	Backend   BackendConfig   `mapstructure:"backend"`
	Client    ClientConfig    `mapstructure:"client"`
	Events    EventsConfig    `mapstructure:"events"`
	UI        UIConfig        `mapstructure:"ui"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// BackendConfig controls how the backend process is located and probed.
type BackendConfig struct {
	URL                  string        `mapstructure:"url"`
	Port                 int           `mapstructure:"port"`
	ResourcesDir         string        `mapstructure:"resources_dir"`
	Executable           string        `mapstructure:"executable"`
	DevProbeTimeout      time.Duration `mapstructure:"dev_probe_timeout"`
	SpawnProbeTimeout    time.Duration `mapstructure:"spawn_probe_timeout"`
	PortDiscoveryTimeout time.Duration `mapstructure:"port_discovery_timeout"`
	PortPollInterval     time.Duration `mapstructure:"port_poll_interval"`
	ProbeInterval        time.Duration `mapstructure:"probe_interval"`
}

// ClientConfig configures the API client.
type ClientConfig struct {
	ProjectID      string        `mapstructure:"project_id"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// EventsConfig configures the push-event channel.
type EventsConfig struct {
	Path                 string `mapstructure:"path"`
	Buffer               int    `mapstructure:"buffer"`
	Reconnect            bool   `mapstructure:"reconnect"`
	ReconnectMaxAttempts int    `mapstructure:"reconnect_max_attempts"`
	AcceptUnkeyed        bool   `mapstructure:"accept_unkeyed"`
}

// UIConfig controls the local UI boundary listener.
type UIConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// TelemetryConfig toggles the OpenTelemetry tracer provider.
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// Load builds a Config from disk/environment. With an empty path, an optional
// sketch-tutor.{yaml,json,toml} is searched in the working directory and in
// $HOME/.sketch-tutor.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SKETCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("sketch-tutor")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.sketch-tutor")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	// Dotenv has to populate the environment before viper resolves SKETCH_*
	// keys. Missing files are the normal case.
	if v.GetString("mode") != ModePackaged {
		_ = godotenv.Load(".env", ".env.local")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	applyLegacyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", ModeDevelopment)
	v.SetDefault("backend.url", "")
	v.SetDefault("backend.port", 0)
	v.SetDefault("backend.resources_dir", "resources")
	v.SetDefault("backend.executable", "")
	v.SetDefault("backend.dev_probe_timeout", 1500*time.Millisecond)
	v.SetDefault("backend.spawn_probe_timeout", 15*time.Second)
	v.SetDefault("backend.port_discovery_timeout", 5*time.Second)
	v.SetDefault("backend.port_poll_interval", 50*time.Millisecond)
	v.SetDefault("backend.probe_interval", 300*time.Millisecond)
	v.SetDefault("client.project_id", "p123")
	v.SetDefault("client.request_timeout", 30*time.Second)
	v.SetDefault("events.path", "/ws")
	v.SetDefault("events.buffer", 64)
	v.SetDefault("events.reconnect", false)
	v.SetDefault("events.reconnect_max_attempts", 5)
	v.SetDefault("events.accept_unkeyed", false)
	v.SetDefault("ui.addr", "127.0.0.1:0")
	v.SetDefault("logging.development", true)
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "sketch-tutor")
}

// applyLegacyEnv folds BACKEND_URL and BACKEND_PORT into the config when the
// namespaced keys were left empty.
func applyLegacyEnv(cfg *Config) {
	if cfg.Backend.URL == "" {
		cfg.Backend.URL = strings.TrimSpace(os.Getenv(EnvBackendURL))
	}
	if cfg.Backend.Port == 0 {
		if port, ok := ParsePort(os.Getenv(EnvBackendPort)); ok {
			cfg.Backend.Port = port
		}
	}
}

// ParsePort converts a textual port into an int, rejecting anything outside
// the TCP port range.
func ParsePort(raw string) (int, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > 65535 {
		return 0, false
	}
	return n, true
}

// Development reports whether the supervisor must never spawn a process.
func (c Config) Development() bool {
	return c.Mode != ModePackaged
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Mode != ModeDevelopment && c.Mode != ModePackaged {
		return fmt.Errorf("mode must be %q or %q, got %q", ModeDevelopment, ModePackaged, c.Mode)
	}
	if c.Backend.Port < 0 || c.Backend.Port > 65535 {
		return fmt.Errorf("backend.port must be within 0-65535")
	}
	if c.Backend.DevProbeTimeout <= 0 {
		return fmt.Errorf("backend.dev_probe_timeout must be > 0")
	}
	if c.Backend.SpawnProbeTimeout <= 0 {
		return fmt.Errorf("backend.spawn_probe_timeout must be > 0")
	}
	if c.Backend.PortDiscoveryTimeout <= 0 {
		return fmt.Errorf("backend.port_discovery_timeout must be > 0")
	}
	if c.Backend.PortPollInterval <= 0 || c.Backend.ProbeInterval <= 0 {
		return fmt.Errorf("backend poll intervals must be > 0")
	}
	if c.Client.RequestTimeout <= 0 {
		return fmt.Errorf("client.request_timeout must be > 0")
	}
	if !strings.HasPrefix(c.Events.Path, "/") {
		return fmt.Errorf("events.path must start with /")
	}
	if c.Events.Buffer <= 0 {
		return fmt.Errorf("events.buffer must be > 0")
	}
	if c.Events.Reconnect && c.Events.ReconnectMaxAttempts <= 0 {
		return fmt.Errorf("events.reconnect_max_attempts must be > 0 when reconnect is enabled")
	}
	return nil
}
