package auth

import (
	"testing"
	"time"

	"dialcore/internal/config"
)

func TestIssueAndVerifyAccessToken(t *testing.T) {
	m, err := NewManager(config.AuthConfig{
		JWTSecret:      "secret",
		JWTIssuer:      "issuer",
		JWTAudience:    "aud",
		AccessTokenTTL: 15 * time.Minute,
	})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}

	now := time.Now().UTC()
	token, err := m.Issue(now, "agent-1", "org-1", "agent")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if token == "" {
		t.Fatalf("expected token string")
	}

	claims, err := m.Verify(token, now.Add(1*time.Minute))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.AgentID != "agent-1" || claims.OrgID != "org-1" || claims.Role != "agent" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	m, _ := NewManager(config.AuthConfig{JWTSecret: "secret", AccessTokenTTL: time.Minute})
	now := time.Now().UTC()
	token, err := m.Issue(now, "agent-1", "org-1", "agent")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := m.Verify(token, now.Add(10*time.Minute)); err == nil {
		t.Fatalf("expected expiry rejection")
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	m1, _ := NewManager(config.AuthConfig{JWTSecret: "secret-a", AccessTokenTTL: time.Minute})
	m2, _ := NewManager(config.AuthConfig{JWTSecret: "secret-b", AccessTokenTTL: time.Minute})

	now := time.Now().UTC()
	token, err := m1.Issue(now, "agent-1", "org-1", "agent")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := m2.Verify(token, now); err == nil {
		t.Fatalf("expected signature rejection")
	}
}

func TestVerifyEnforcesIssuerAndAudience(t *testing.T) {
	issuing, _ := NewManager(config.AuthConfig{JWTSecret: "secret", AccessTokenTTL: time.Minute})
	strict, _ := NewManager(config.AuthConfig{
		JWTSecret:      "secret",
		JWTIssuer:      "dialcore",
		JWTAudience:    "console",
		AccessTokenTTL: time.Minute,
	})

	now := time.Now().UTC()
	token, err := issuing.Issue(now, "agent-1", "org-1", "agent")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := strict.Verify(token, now); err == nil {
		t.Fatalf("expected issuer/audience rejection")
	}

	token, err = strict.Issue(now, "agent-1", "org-1", "agent")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := strict.Verify(token, now); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestIssueRequiresIdentityFields(t *testing.T) {
	m, _ := NewManager(config.AuthConfig{JWTSecret: "secret", AccessTokenTTL: time.Minute})
	if _, err := m.Issue(time.Now(), "", "org-1", "agent"); err == nil {
		t.Fatalf("expected error for missing agent_id")
	}
	if _, err := m.Issue(time.Now(), "agent-1", "org-1", ""); err == nil {
		t.Fatalf("expected error for missing role")
	}
}
