package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("session.signing_secret", "test-secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}

	if cfg.HTTPAddress != "0.0.0.0:8080" {
		t.Fatalf("unexpected http address %q", cfg.HTTPAddress)
	}
	if cfg.DatabasePath != "ensemble.db" {
		t.Fatalf("unexpected database path %q", cfg.DatabasePath)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("unexpected log level %q", cfg.LogLevel)
	}
	if cfg.SessionCookieName != "ensemble_session" {
		t.Fatalf("unexpected cookie name %q", cfg.SessionCookieName)
	}
	if cfg.SessionIssuer != "ensemble-relay" {
		t.Fatalf("unexpected issuer %q", cfg.SessionIssuer)
	}
	if cfg.PersistInterval != time.Minute {
		t.Fatalf("unexpected persist interval %v", cfg.PersistInterval)
	}
	if cfg.InviteTTL != 24*time.Hour {
		t.Fatalf("unexpected invite ttl %v", cfg.InviteTTL)
	}
}

func TestLoadReadsEnvironmentOverrides(t *testing.T) {
	t.Setenv("ENSEMBLE_HTTP_ADDRESS", "127.0.0.1:9090")
	t.Setenv("ENSEMBLE_SESSION_SIGNING_SECRET", "env-secret")
	t.Setenv("ENSEMBLE_SYNC_PERSIST_INTERVAL", "15s")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.HTTPAddress != "127.0.0.1:9090" {
		t.Fatalf("unexpected http address %q", cfg.HTTPAddress)
	}
	if cfg.SessionSigningKey != "env-secret" {
		t.Fatalf("unexpected signing key %q", cfg.SessionSigningKey)
	}
	if cfg.PersistInterval != 15*time.Second {
		t.Fatalf("unexpected persist interval %v", cfg.PersistInterval)
	}
}

func TestLoadRejectsMissingSigningSecret(t *testing.T) {
	if _, err := Load(NewViper()); err == nil || !strings.Contains(err.Error(), "signing_secret") {
		t.Fatalf("expected a signing secret error, got %v", err)
	}
}

func TestLoadRejectsBlankValues(t *testing.T) {
	cases := []struct {
		name string
		key  string
	}{
		{name: "database path", key: "database.path"},
		{name: "cookie name", key: "session.cookie_name"},
	}
	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			configViper.Set("session.signing_secret", "test-secret")
			configViper.Set(testCase.key, "   ")
			if _, err := Load(configViper); err == nil || !strings.Contains(err.Error(), testCase.key) {
				t.Fatalf("expected an error naming %s, got %v", testCase.key, err)
			}
		})
	}
}

func TestLoadRejectsNonPositiveDurations(t *testing.T) {
	cases := []string{"sync.persist_interval", "invite.ttl"}
	for _, key := range cases {
		configViper := NewViper()
		configViper.Set("session.signing_secret", "test-secret")
		configViper.Set(key, "0s")
		if _, err := Load(configViper); err == nil || !strings.Contains(err.Error(), key) {
			t.Fatalf("expected an error naming %s, got %v", key, err)
		}
	}
}
