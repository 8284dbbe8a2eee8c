package auth

import (
	"context"
	"testing"
	"time"
)

func TestTokenIssuerIssuesDeviceTokensAcceptedByValidator(t *testing.T) {
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		Issuer:        testSessionIssuer,
		TokenTTL:      time.Hour,
		Clock:         func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	tokenString, expiresIn, err := issuer.IssueDeviceToken(context.Background(), DeviceGrant{
		DeviceID: "pos-7",
		ClientID: "merchant-1",
		BranchID: "branch-2",
		Role:     "admin",
	})
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if expiresIn != int64(time.Hour.Seconds()) {
		t.Fatalf("unexpected expiry seconds %d", expiresIn)
	}

	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		Issuer:        testSessionIssuer,
		Clock:         func() time.Time { return now.Add(time.Minute) },
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	claims, err := validator.ValidateToken(tokenString)
	if err != nil {
		t.Fatalf("issued token rejected: %v", err)
	}
	if claims.Subject != "pos-7" || claims.BranchID != "branch-2" || claims.Role != "admin" {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestTokenIssuerRejectsMissingSecret(t *testing.T) {
	_, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: nil,
		Issuer:        testSessionIssuer,
	})
	if err == nil {
		t.Fatalf("expected error when signing secret missing")
	}
}

func TestTokenIssuerRequiresDeviceScope(t *testing.T) {
	issuer, err := NewTokenIssuer(TokenIssuerConfig{SigningSecret: []byte("secret"), Issuer: testSessionIssuer})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	if _, _, err := issuer.IssueDeviceToken(context.Background(), DeviceGrant{DeviceID: "pos-1"}); err == nil {
		t.Fatalf("expected error for missing client and branch")
	}
}
