// Package config loads the gateway's static configuration: listen
// addresses, control-plane credentials, store connection settings, and
// ambient concerns (logging, telemetry, storage, policy mode). It follows a
// YAML-file-plus-env-override-plus-validate pipeline, the same shape used
// throughout the wider example pack's services.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every setting the gateway process needs at startup. Runtime
// policy (URI rules, rate limits, whitelist) is NOT here — that lives in
// the versioned snapshot pulled from the control plane (internal/snapshot);
// this struct is the process's own bootstrap configuration.
type Config struct {
	Listen        string        `yaml:"listen"`
	ControlListen string        `yaml:"control_listen"`

	ControlPlane  ControlPlaneConfig `yaml:"control_plane"`
	Redis         RedisConfig        `yaml:"redis"`
	Upstream      UpstreamConfig     `yaml:"upstream"`
	Intervals     IntervalsConfig    `yaml:"intervals"`
	Logging       LoggingConfig      `yaml:"logging"`
	Telemetry     TelemetryConfig    `yaml:"telemetry"`
	Storage       StorageConfig      `yaml:"storage"`
	Policy        PolicyRuntimeConfig `yaml:"policy"`
	ControlAuth   ControlAuthConfig  `yaml:"control_auth"`
}

// ControlPlaneConfig is the UHDAdmin control-plane base and credentials.
type ControlPlaneConfig struct {
	BaseURL   string `yaml:"base_url"`   // UHDADMIN_URL
	AppToken  string `yaml:"app_token"`  // APP_TOKEN
	UserAgent string `yaml:"user_agent"` // e.g. "UHDSlave/1.0"
}

// RedisConfig is the gateway's shared store connection.
type RedisConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	DB        int    `yaml:"db"`
	Password  string `yaml:"password"`
	KeyPrefix string `yaml:"key_prefix"`
}

// UpstreamConfig is the optional upstream media server used by the
// token-resolve background loop.
type UpstreamConfig struct {
	EmbyServerURL string `yaml:"emby_server_url"`
	EmbyAPIKey    string `yaml:"emby_api_key"`
}

// IntervalsConfig holds the background agent's six loop periods. YAML values
// are Go duration strings (e.g. "30s"); the *_INTERVAL environment overrides
// are whole seconds. Defaults are in the trailing comments.
type IntervalsConfig struct {
	ConfigPull       time.Duration `yaml:"config_pull"`       // 30s
	TelemetryFlush   time.Duration `yaml:"telemetry_flush"`   // 60s
	QuotaSync        time.Duration `yaml:"quota_sync"`        // 300s
	Heartbeat        time.Duration `yaml:"heartbeat"`         // 60s
	SessionHeartbeat time.Duration `yaml:"session_heartbeat"` // 30s
	TokenResolve      time.Duration `yaml:"token_resolve"`     // 30s
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Format string `yaml:"format"` // "json" or "text"
	Level  string `yaml:"level"`
}

// TelemetryConfig mirrors internal/telemetry.Config's YAML shape so it can
// be loaded directly from this file.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"`
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

// StorageConfig controls the optional SQLite denial ledger.
type StorageConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// PolicyRuntimeConfig controls enforcement vs audit-only behavior; the
// rules themselves come from the control-plane snapshot, not here.
type PolicyRuntimeConfig struct {
	Mode string `yaml:"mode"` // "enforce" (default) or "audit"
}

// ControlAuthConfig guards the admin HTTP API.
type ControlAuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
}

// Load reads path as YAML over a defaulted Config, applies environment
// overrides, then validates. A missing file is not an error: the process
// can run on defaults plus environment variables alone, matching the
// deployment model of a container-injected config.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: reading file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing file: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validating: %w", err)
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Listen:        ":8096",
		ControlListen: ":9090",
		Redis: RedisConfig{
			Host:      "127.0.0.1",
			Port:      6379,
			DB:        0,
			KeyPrefix: "mediagate:",
		},
		Intervals: IntervalsConfig{
			ConfigPull:       30 * time.Second,
			TelemetryFlush:   60 * time.Second,
			QuotaSync:        300 * time.Second,
			Heartbeat:        60 * time.Second,
			SessionHeartbeat: 30 * time.Second,
			TokenResolve:     30 * time.Second,
		},
		Logging: LoggingConfig{Format: "json", Level: "info"},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			Exporter:    "none",
			ServiceName: "mediagate",
		},
		Storage: StorageConfig{
			Enabled: false,
			Path:    "data/mediagate.db",
		},
		Policy: PolicyRuntimeConfig{Mode: "enforce"},
	}
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("UHDADMIN_URL"); v != "" {
		c.ControlPlane.BaseURL = v
	}
	if v := os.Getenv("APP_TOKEN"); v != "" {
		c.ControlPlane.AppToken = v
	}
	if v := os.Getenv("REDIS_HOST"); v != "" {
		c.Redis.Host = v
	}
	if v := os.Getenv("REDIS_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Redis.Port = n
		}
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = n
		}
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("EMBY_API_KEY"); v != "" {
		c.Upstream.EmbyAPIKey = v
	}
	if v := os.Getenv("EMBY_SERVER_URL"); v != "" {
		c.Upstream.EmbyServerURL = v
	}

	setSeconds(&c.Intervals.ConfigPull, "CONFIG_PULL_INTERVAL")
	setSeconds(&c.Intervals.TelemetryFlush, "TELEMETRY_FLUSH_INTERVAL")
	setSeconds(&c.Intervals.QuotaSync, "QUOTA_SYNC_INTERVAL")
	setSeconds(&c.Intervals.Heartbeat, "HEARTBEAT_INTERVAL")
	setSeconds(&c.Intervals.SessionHeartbeat, "SESSION_HEARTBEAT_INTERVAL")
	setSeconds(&c.Intervals.TokenResolve, "TOKEN_RESOLVE_INTERVAL")

	if v := os.Getenv("GATE_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("GATE_CONTROL_LISTEN"); v != "" {
		c.ControlListen = v
	}
	if v := os.Getenv("GATE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("GATE_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if getEnvBool("GATE_STORAGE_ENABLED") {
		c.Storage.Enabled = true
	}
	if v := os.Getenv("GATE_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("GATE_POLICY_MODE"); v != "" {
		c.Policy.Mode = v
	}
	if getEnvBool("GATE_TELEMETRY_ENABLED") {
		c.Telemetry.Enabled = true
	}
	if v := os.Getenv("GATE_TELEMETRY_EXPORTER"); v != "" {
		c.Telemetry.Exporter = v
	}
	if v := os.Getenv("GATE_TELEMETRY_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
	}
	if v := os.Getenv("GATE_CONTROL_API_KEY"); v != "" {
		c.ControlAuth.APIKey = v
		c.ControlAuth.Enabled = true
	}
}

// getEnvBool and setSeconds are small env-parsing helpers in the style of
// the wider pack's infrastructure/config loaders (GetEnvBool/ParseEnvInt),
// folded directly into this package rather than kept as a separate layer.
func getEnvBool(key string) bool {
	return os.Getenv(key) == "true"
}

func setSeconds(d *time.Duration, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return
	}
	*d = time.Duration(n) * time.Second
}

func (c *Config) validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.ControlPlane.BaseURL == "" {
		return fmt.Errorf("UHDADMIN_URL (control_plane.base_url) is required")
	}
	if c.ControlPlane.AppToken == "" {
		return fmt.Errorf("APP_TOKEN (control_plane.app_token) is required")
	}
	if c.Policy.Mode != "" && c.Policy.Mode != "enforce" && c.Policy.Mode != "audit" {
		return fmt.Errorf("policy mode must be \"enforce\" or \"audit\", got %q", c.Policy.Mode)
	}
	return nil
}

// RedisAddr formats the host:port pair the store client expects.
func (r RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}
