package auth

import (
	"testing"
	"time"
)

func TestTokenRoundTripCarriesIdentity(t *testing.T) {
	issued := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	svc := NewService("secret", 30)
	svc.now = func() time.Time { return issued }

	token, err := svc.GenerateToken(Identity{UserID: "u1", Name: "Ana", Role: "analyst", Sector: "finance"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	id, err := svc.ParseIdentity(token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if id.UserID != "u1" || id.Name != "Ana" || id.Role != "analyst" || id.Sector != "finance" {
		t.Fatalf("unexpected identity %+v", id)
	}
	if !id.ExpiresAt.Equal(issued.Add(30 * time.Minute)) {
		t.Fatalf("expected expiry 30m after issue, got %s", id.ExpiresAt)
	}
}

func TestExpiredAndForeignTokensAreRejected(t *testing.T) {
	issued := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	svc := NewService("secret", 1)
	svc.now = func() time.Time { return issued }
	token, _ := svc.GenerateToken(Identity{UserID: "u1"})

	svc.now = func() time.Time { return issued.Add(2 * time.Minute) }
	if _, err := svc.ParseIdentity(token); err == nil {
		t.Fatalf("expected expired token to fail")
	}

	other := NewService("other-secret", 1)
	other.now = func() time.Time { return issued }
	svc.now = func() time.Time { return issued }
	if _, err := other.ParseIdentity(token); err == nil {
		t.Fatalf("expected token signed with another secret to fail")
	}
	if _, err := svc.GenerateToken(Identity{}); err == nil {
		t.Fatalf("expected empty user id to fail")
	}
}
