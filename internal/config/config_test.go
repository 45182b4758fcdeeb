package config

import "testing"

func TestLoadDoesNotInjectWeakSecretDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")
	t.Setenv("BRIDGE_TOKEN_SALT", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
	if cfg.BridgeTokenSalt != "" {
		t.Fatalf("expected empty BRIDGE_TOKEN_SALT when unset, got %q", cfg.BridgeTokenSalt)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("RETRY_MAX_ATTEMPTS", "")
	t.Setenv("PROCESSING_TIMEOUT_SECONDS", "")
	t.Setenv("DEFAULT_FISCAL_CONFIG_ID", "")

	cfg := Load()
	if cfg.RetryMaxAttempts != 3 {
		t.Fatalf("expected default retry cap 3, got %d", cfg.RetryMaxAttempts)
	}
	if cfg.ProcessingTimeoutSeconds != 300 {
		t.Fatalf("expected default processing timeout 300, got %d", cfg.ProcessingTimeoutSeconds)
	}
	if cfg.DefaultConfigID != "main-device" {
		t.Fatalf("expected default config id main-device, got %q", cfg.DefaultConfigID)
	}
}

func TestLoadIgnoresInvalidIntegers(t *testing.T) {
	t.Setenv("RETRY_MAX_ATTEMPTS", "zero")
	t.Setenv("SWEEP_INTERVAL_SECONDS", "-5")

	cfg := Load()
	if cfg.RetryMaxAttempts != 3 {
		t.Fatalf("expected fallback retry cap, got %d", cfg.RetryMaxAttempts)
	}
	if cfg.SweepIntervalSeconds != 60 {
		t.Fatalf("expected fallback sweep interval, got %d", cfg.SweepIntervalSeconds)
	}
}
