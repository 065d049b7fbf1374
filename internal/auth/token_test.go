package auth

import (
	"errors"
	"testing"
	"time"
)

func newTestIssuer(t *testing.T) *TokenIssuer {
	t.Helper()
	issuer, err := NewTokenIssuer([]byte("test-secret-with-enough-entropy"), 30*time.Minute, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("NewTokenIssuer: %v", err)
	}
	return issuer
}

func TestIssueAndVerifyAccessToken(t *testing.T) {
	issuer := newTestIssuer(t)

	token, exp, err := issuer.IssueAccess("user-1", RoleDoctor)
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}
	if !exp.After(time.Now()) {
		t.Fatalf("expected future expiry, got %v", exp)
	}

	claims, err := issuer.Verify(token, TokenTypeAccess)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "user-1" {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}
	if claims.Role != RoleDoctor {
		t.Fatalf("unexpected role: %s", claims.Role)
	}
	if claims.ID == "" {
		t.Fatal("expected jti")
	}
}

func TestVerifyRejectsWrongTokenType(t *testing.T) {
	issuer := newTestIssuer(t)

	refresh, _, err := issuer.IssueRefresh("user-1")
	if err != nil {
		t.Fatalf("IssueRefresh: %v", err)
	}
	if _, err := issuer.Verify(refresh, TokenTypeAccess); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for refresh-as-access, got %v", err)
	}

	access, _, err := issuer.IssueAccess("user-1", RoleNurse)
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}
	if _, err := issuer.Verify(access, TokenTypeRefresh); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for access-as-refresh, got %v", err)
	}
}

func TestVerifyRejectsForeignSignature(t *testing.T) {
	issuer := newTestIssuer(t)
	other, err := NewTokenIssuer([]byte("a-different-secret-entirely"), 30*time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("NewTokenIssuer: %v", err)
	}

	token, _, err := other.IssueAccess("user-1", RoleAdmin)
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}
	if _, err := issuer.Verify(token, TokenTypeAccess); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	issuer := newTestIssuer(t)
	base := time.Now()
	issuer.now = func() time.Time { return base }

	token, _, err := issuer.IssueAccess("user-1", RolePatient)
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}

	issuer.now = func() time.Time { return base.Add(30*time.Minute - time.Second) }
	if _, err := issuer.Verify(token, TokenTypeAccess); err != nil {
		t.Fatalf("token should still verify just before expiry: %v", err)
	}

	issuer.now = func() time.Time { return base.Add(30*time.Minute + time.Second) }
	if _, err := issuer.Verify(token, TokenTypeAccess); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken past expiry, got %v", err)
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	issuer := newTestIssuer(t)
	for _, token := range []string{"", "  ", "not-a-jwt", "a.b.c"} {
		if _, err := issuer.Verify(token, TokenTypeAccess); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("expected ErrInvalidToken for %q, got %v", token, err)
		}
	}
}

func TestIssuerRequiresSecret(t *testing.T) {
	if _, err := NewTokenIssuer(nil, time.Minute, time.Hour); err == nil {
		t.Fatal("expected error for missing secret")
	}
}
