package auth

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestGenerateAndParseToken(t *testing.T) {
	t.Setenv(secretEnvVariable, "test-secret")
	ResetSecretForTests()
	t.Cleanup(ResetSecretForTests)

	token, err := GenerateToken("owner-42", []string{"Owner", "owner", " "}, 30*time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	claims, err := ParseAndValidate(token)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if claims.Subject != "owner-42" {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}
	if len(claims.Roles) != 1 || claims.Roles[0] != RoleOwner {
		t.Fatalf("roles not deduplicated: %v", claims.Roles)
	}
	if claims.ID == "" {
		t.Fatal("expected non-empty jti")
	}
}

func TestParseRejectsTampering(t *testing.T) {
	t.Setenv(secretEnvVariable, "test-secret")
	ResetSecretForTests()
	t.Cleanup(ResetSecretForTests)

	token, err := GenerateToken("guardian-1", []string{RoleGuardian}, time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		t.Fatalf("unexpected token shape: %s", token)
	}
	tampered := parts[0] + "." + parts[1] + ".AAAA"
	if _, err := ParseAndValidate(tampered); err == nil {
		t.Fatal("expected tampered token to fail validation")
	}
}

func TestMissingSecret(t *testing.T) {
	t.Setenv(secretEnvVariable, "")
	ResetSecretForTests()
	t.Cleanup(ResetSecretForTests)

	if _, err := GenerateToken("owner-1", nil, time.Minute); err == nil {
		t.Fatal("expected error when secret is unset")
	}
}

func TestContextRoles(t *testing.T) {
	ctx := ContextWithUser(context.Background(), "owner-7", []string{"Owner", "claimant"})
	id, ok := UserIDFromContext(ctx)
	if !ok || id != "owner-7" {
		t.Fatalf("unexpected user id: %q ok=%v", id, ok)
	}
	if !HasRole(ctx, RoleOwner) || !HasRole(ctx, RoleClaimant) {
		t.Fatalf("expected roles present, got %v", RolesFromContext(ctx))
	}
	if HasRole(ctx, RoleGuardian) {
		t.Fatal("unexpected guardian role")
	}
}
