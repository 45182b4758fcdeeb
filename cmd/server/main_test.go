package main

import (
	"testing"

	"fiscalbridge/backend/internal/config"
)

func TestValidateSecurityConfigRejectsWeakValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "short", BridgeTokenSalt: "0123456789abcdef"})
	if err == nil {
		t.Fatalf("expected weak security config to be rejected")
	}

	err = validateSecurityConfig(config.Config{AuthSecret: "0123456789abcdef0123456789abcdef", BridgeTokenSalt: "short"})
	if err == nil {
		t.Fatalf("expected short bridge token salt to be rejected")
	}
}

func TestValidateSecurityConfigAcceptsStrongValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{
		AuthSecret:      "0123456789abcdef0123456789abcdef",
		BridgeTokenSalt: "0123456789abcdef",
	})
	if err != nil {
		t.Fatalf("expected strong config to pass, got %v", err)
	}
}
