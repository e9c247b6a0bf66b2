package config

import (
	"os"
	"testing"
)

func clearGatewayEnv(t *testing.T) {
	keys := []string{
		"UHDADMIN_URL", "APP_TOKEN", "REDIS_HOST", "REDIS_PORT", "REDIS_DB", "REDIS_PASSWORD",
		"EMBY_API_KEY", "EMBY_SERVER_URL", "CONFIG_PULL_INTERVAL", "TELEMETRY_FLUSH_INTERVAL",
		"QUOTA_SYNC_INTERVAL", "HEARTBEAT_INTERVAL", "SESSION_HEARTBEAT_INTERVAL", "TOKEN_RESOLVE_INTERVAL",
		"GATE_LISTEN", "GATE_CONTROL_LISTEN", "GATE_LOG_LEVEL", "GATE_LOG_FORMAT",
		"GATE_STORAGE_ENABLED", "GATE_STORAGE_PATH", "GATE_POLICY_MODE",
		"GATE_TELEMETRY_ENABLED", "GATE_TELEMETRY_EXPORTER", "GATE_TELEMETRY_ENDPOINT", "GATE_CONTROL_API_KEY",
	}
	for _, k := range keys {
		os.Unsetenv(k)
	}
	t.Cleanup(func() {
		for _, k := range keys {
			os.Unsetenv(k)
		}
	})
}

func TestLoad_FailsWithoutAppTokenOrControlPlaneURL(t *testing.T) {
	clearGatewayEnv(t)

	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error when APP_TOKEN/UHDADMIN_URL are unset")
	}
}

func TestLoad_AppliesEnvOverrides(t *testing.T) {
	clearGatewayEnv(t)
	os.Setenv("UHDADMIN_URL", "https://admin.example.com")
	os.Setenv("APP_TOKEN", "secret-token")
	os.Setenv("REDIS_HOST", "redis.internal")
	os.Setenv("REDIS_PORT", "6380")
	os.Setenv("GATE_LISTEN", ":9999")
	os.Setenv("GATE_TELEMETRY_ENABLED", "true")
	os.Setenv("GATE_TELEMETRY_EXPORTER", "otlp")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.ControlPlane.BaseURL != "https://admin.example.com" {
		t.Errorf("unexpected base url: %s", cfg.ControlPlane.BaseURL)
	}
	if cfg.ControlPlane.AppToken != "secret-token" {
		t.Errorf("unexpected app token: %s", cfg.ControlPlane.AppToken)
	}
	if cfg.Redis.RedisAddr() != "redis.internal:6380" {
		t.Errorf("unexpected redis addr: %s", cfg.Redis.RedisAddr())
	}
	if cfg.Listen != ":9999" {
		t.Errorf("unexpected listen addr: %s", cfg.Listen)
	}
	if !cfg.Telemetry.Enabled || cfg.Telemetry.Exporter != "otlp" {
		t.Errorf("unexpected telemetry config: %+v", cfg.Telemetry)
	}
}

func TestLoad_DefaultIntervalsWhenUnset(t *testing.T) {
	clearGatewayEnv(t)
	os.Setenv("UHDADMIN_URL", "https://admin.example.com")
	os.Setenv("APP_TOKEN", "secret-token")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Intervals.ConfigPull.Seconds() != 30 {
		t.Errorf("expected default 30s config pull interval, got %v", cfg.Intervals.ConfigPull)
	}
	if cfg.Intervals.QuotaSync.Seconds() != 300 {
		t.Errorf("expected default 300s quota sync interval, got %v", cfg.Intervals.QuotaSync)
	}
}

func TestLoad_RejectsInvalidPolicyMode(t *testing.T) {
	clearGatewayEnv(t)
	os.Setenv("UHDADMIN_URL", "https://admin.example.com")
	os.Setenv("APP_TOKEN", "secret-token")
	os.Setenv("GATE_POLICY_MODE", "bogus")

	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error for invalid policy mode")
	}
}

func TestLoad_ConfigPullIntervalOverride(t *testing.T) {
	clearGatewayEnv(t)
	os.Setenv("UHDADMIN_URL", "https://admin.example.com")
	os.Setenv("APP_TOKEN", "secret-token")
	os.Setenv("CONFIG_PULL_INTERVAL", "45")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Intervals.ConfigPull.Seconds() != 45 {
		t.Errorf("expected 45s override, got %v", cfg.Intervals.ConfigPull)
	}
}
