package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
mode: packaged
backend:
  url: http://127.0.0.1:9911
  port: 9911
  resources_dir: /opt/sketch/resources
  dev_probe_timeout: 2s
  spawn_probe_timeout: 20s
  port_discovery_timeout: 7s
  port_poll_interval: 25ms
  probe_interval: 100ms
client:
  project_id: p999
  request_timeout: 12s
events:
  path: /events
  buffer: 16
  reconnect: true
  reconnect_max_attempts: 3
ui:
  addr: 127.0.0.1:7070
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Development() {
		t.Fatalf("expected packaged mode, got %q", cfg.Mode)
	}
	if cfg.Backend.URL != "http://127.0.0.1:9911" || cfg.Backend.Port != 9911 {
		t.Fatalf("expected backend overrides to apply: %+v", cfg.Backend)
	}
	if cfg.Backend.SpawnProbeTimeout != 20*time.Second || cfg.Backend.PortPollInterval != 25*time.Millisecond {
		t.Fatalf("expected duration overrides to apply: %+v", cfg.Backend)
	}
	if cfg.Client.ProjectID != "p999" || cfg.Client.RequestTimeout != 12*time.Second {
		t.Fatalf("expected client overrides to apply: %+v", cfg.Client)
	}
	if cfg.Events.Path != "/events" || !cfg.Events.Reconnect || cfg.Events.ReconnectMaxAttempts != 3 {
		t.Fatalf("expected events overrides to apply: %+v", cfg.Events)
	}
	if cfg.Logging.Development {
		t.Fatalf("expected production logging")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv(EnvBackendURL, "")
	t.Setenv(EnvBackendPort, "")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Development() {
		t.Fatalf("expected development mode by default")
	}
	if cfg.Backend.DevProbeTimeout != 1500*time.Millisecond {
		t.Fatalf("expected 1.5s dev probe timeout, got %v", cfg.Backend.DevProbeTimeout)
	}
	if cfg.Backend.SpawnProbeTimeout != 15*time.Second || cfg.Backend.PortDiscoveryTimeout != 5*time.Second {
		t.Fatalf("unexpected spawn timeouts: %+v", cfg.Backend)
	}
	if cfg.Backend.ProbeInterval != 300*time.Millisecond || cfg.Backend.PortPollInterval != 50*time.Millisecond {
		t.Fatalf("unexpected poll intervals: %+v", cfg.Backend)
	}
	if cfg.Events.Path != "/ws" {
		t.Fatalf("expected /ws event path, got %q", cfg.Events.Path)
	}
}

func TestLoadLegacyEnv(t *testing.T) {
	t.Setenv(EnvBackendURL, " http://10.0.0.5:8123 ")
	t.Setenv(EnvBackendPort, "8123")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Backend.URL != "http://10.0.0.5:8123" {
		t.Fatalf("expected BACKEND_URL to apply, got %q", cfg.Backend.URL)
	}
	if cfg.Backend.Port != 8123 {
		t.Fatalf("expected BACKEND_PORT to apply, got %d", cfg.Backend.Port)
	}
}

func TestLoadDevelopmentDotenv(t *testing.T) {
	for _, key := range []string{"SKETCH_BACKEND_PORT", "SKETCH_EVENTS_RECONNECT", "SKETCH_MODE", EnvBackendPort} {
		t.Setenv(key, "")
		if err := os.Unsetenv(key); err != nil {
			t.Fatalf("unset %s: %v", key, err)
		}
	}
	dir := t.TempDir()
	dotenv := "SKETCH_BACKEND_PORT=9001\nSKETCH_EVENTS_RECONNECT=true\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(dotenv), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Chdir(dir)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Backend.Port != 9001 {
		t.Fatalf("expected port 9001 from .env, got %d", cfg.Backend.Port)
	}
	if !cfg.Events.Reconnect {
		t.Fatalf("expected reconnect enabled from .env")
	}
}

func TestParsePort(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want int
		ok   bool
	}{
		{"8000", 8000, true},
		{" 5123 ", 5123, true},
		{"", 0, false},
		{"abc", 0, false},
		{"0", 0, false},
		{"70000", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParsePort(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Fatalf("ParsePort(%q) = %d, %v; want %d, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Mode: ModeDevelopment,
		Backend: BackendConfig{
			DevProbeTimeout:      time.Second,
			SpawnProbeTimeout:    time.Second,
			PortDiscoveryTimeout: time.Second,
			PortPollInterval:     time.Millisecond,
			ProbeInterval:        time.Millisecond,
		},
		Client: ClientConfig{RequestTimeout: time.Second},
		Events: EventsConfig{Path: "/ws", Buffer: 1},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config should validate: %v", err)
	}

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "invalid mode",
			cfg: func() Config {
				c := base
				c.Mode = "staging"
				return c
			}(),
			want: "mode",
		},
		{
			name: "invalid port",
			cfg: func() Config {
				c := base
				c.Backend.Port = 70000
				return c
			}(),
			want: "backend.port",
		},
		{
			name: "invalid request timeout",
			cfg: func() Config {
				c := base
				c.Client.RequestTimeout = 0
				return c
			}(),
			want: "client.request_timeout",
		},
		{
			name: "relative event path",
			cfg: func() Config {
				c := base
				c.Events.Path = "ws"
				return c
			}(),
			want: "events.path",
		},
		{
			name: "reconnect without attempts",
			cfg: func() Config {
				c := base
				c.Events.Reconnect = true
				return c
			}(),
			want: "events.reconnect_max_attempts",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
