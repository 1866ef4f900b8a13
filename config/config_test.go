package config

import (
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("SESSION_SECRET", "  0123456789abcdef0123456789abcdef  ")
	t.Setenv("RATE_LIMIT_ENABLED", "false")
	t.Setenv("OIDC_TIMEOUT", "3s")

	cfg := LoadConfig()

	if cfg.ServerPort != 8080 {
		t.Fatalf("unexpected server port: %d", cfg.ServerPort)
	}
	if cfg.Session.Secret != "0123456789abcdef0123456789abcdef" {
		t.Fatalf("expected trimmed secret, got %q", cfg.Session.Secret)
	}
	if cfg.RateLimit.Enabled {
		t.Fatalf("expected rate limiting to be disabled")
	}
	if !cfg.Session.AdminRoleRecheck {
		t.Fatalf("expected admin role recheck to default on")
	}
	if cfg.OIDC.Timeout != 3*time.Second {
		t.Fatalf("unexpected oidc timeout: %s", cfg.OIDC.Timeout)
	}
	if cfg.OIDC.Enabled() {
		t.Fatalf("oidc should be disabled without issuer and client id")
	}
}

func TestGetEnvBoolFallsBackOnGarbage(t *testing.T) {
	t.Setenv("MB_TEST_BOOL", "maybe")
	if got := getEnvBool("MB_TEST_BOOL", true); !got {
		t.Fatalf("expected default for unparsable value")
	}
	t.Setenv("MB_TEST_BOOL", "off")
	if got := getEnvBool("MB_TEST_BOOL", true); got {
		t.Fatalf("expected false for off")
	}
}
