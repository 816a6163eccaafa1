package config

import (
	"testing"
	"time"
)

func validLocal() Config {
	return Config{
		App:   AppConfig{Env: "local", Port: 8080},
		DB:    DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "dialcore", SSLMode: ""},
		Redis: RedisConfig{Host: "localhost", Port: 6379},
		Auth:  AuthConfig{JWTSecret: "secret"},
	}
}

func TestLoad_ReportsMissingRequired(t *testing.T) {
	// Ensure a clean env by not setting anything and calling validation directly.
	c := Config{}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestValidate_ProductionRequiresSSLMode(t *testing.T) {
	c := validLocal()
	c.App.Env = "production"
	c.Auth.JWTIssuer = "issuer"
	c.Auth.JWTAudience = "aud"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for production without DB_SSLMODE")
	}
}

func TestValidate_LocalDefaultsSSLMode(t *testing.T) {
	c := validLocal()
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.DB.SSLMode != "disable" {
		t.Fatalf("expected sslmode disable default, got %q", c.DB.SSLMode)
	}
}

func TestValidate_CoreDefaults(t *testing.T) {
	c := validLocal()
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.Core.ClaimTTL != 30*time.Second {
		t.Fatalf("claim ttl default: got %s", c.Core.ClaimTTL)
	}
	if c.Core.SetupTimeout != 45*time.Second {
		t.Fatalf("setup timeout default: got %s", c.Core.SetupTimeout)
	}
	if c.Core.StepTimeout != 60*time.Second {
		t.Fatalf("step timeout default: got %s", c.Core.StepTimeout)
	}
	if c.Core.DeliveryMaxAttempts != 5 {
		t.Fatalf("delivery attempts default: got %d", c.Core.DeliveryMaxAttempts)
	}
	if c.Core.ReconcileSpec != "@every 1m" {
		t.Fatalf("reconcile spec default: got %q", c.Core.ReconcileSpec)
	}
	if len(c.Core.RedialOutcomes) != 2 {
		t.Fatalf("redial outcomes default: got %v", c.Core.RedialOutcomes)
	}
	if c.Core.ReplayWindow != 15*time.Minute {
		t.Fatalf("replay window default: got %s", c.Core.ReplayWindow)
	}
}

func TestValidate_PreservesExplicitCoreValues(t *testing.T) {
	c := validLocal()
	c.Core.ClaimTTL = 10 * time.Second
	c.Core.RedialOutcomes = []string{"voicemail"}
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.Core.ClaimTTL != 10*time.Second {
		t.Fatalf("explicit claim ttl overwritten: %s", c.Core.ClaimTTL)
	}
	if len(c.Core.RedialOutcomes) != 1 || c.Core.RedialOutcomes[0] != "voicemail" {
		t.Fatalf("explicit redial outcomes overwritten: %v", c.Core.RedialOutcomes)
	}
}
