package main

import (
	"testing"

	"retailpos/internal/config"
)

func TestValidateSecurityConfigRejectsShortSecret(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "short"})
	if err == nil {
		t.Fatalf("expected short AUTH_SECRET to be rejected")
	}
}

func TestValidateSecurityConfigAcceptsStrongSecret(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "0123456789abcdef0123456789abcdef"})
	if err != nil {
		t.Fatalf("expected strong secret to pass, got %v", err)
	}
}

func TestValidateSecurityConfigAllowsUnsetSecret(t *testing.T) {
	if err := validateSecurityConfig(config.Config{}); err != nil {
		t.Fatalf("unset secret should fall back to an ephemeral one, got %v", err)
	}
}
