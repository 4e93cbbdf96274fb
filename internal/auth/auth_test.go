package auth

import (
	"errors"
	"testing"
	"time"
)

func newTestTokens(t *testing.T, secret, alg string, now func() time.Time) *TokenService {
	t.Helper()
	svc, err := NewTokenService(secret, alg, time.Hour, WithClock(now))
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	return svc
}

func TestIssueAndVerify(t *testing.T) {
	svc := newTestTokens(t, "secret", "HS256", time.Now)

	token, exp, err := svc.Issue(Identity{UserID: "user-42", Role: "support", Email: "a@b.c"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if time.Until(exp) <= 0 {
		t.Fatalf("expected future expiry, got %v", exp)
	}

	for _, presented := range []string{token, "Bearer " + token, "bearer   " + token} {
		claims, err := svc.Verify(presented)
		if err != nil {
			t.Fatalf("Verify(%q): %v", presented[:10], err)
		}
		if claims.UserID != "user-42" || claims.Role != "support" || claims.Email != "a@b.c" {
			t.Fatalf("unexpected claims: %+v", claims)
		}
		if claims.ID == "" {
			t.Fatal("expected jti to be set")
		}
	}
}

func TestVerifyExpired(t *testing.T) {
	issued := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	issuer := newTestTokens(t, "secret", "HS256", func() time.Time { return issued })
	token, _, err := issuer.Issue(Identity{UserID: "u1", Role: "support"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	later := newTestTokens(t, "secret", "HS256", func() time.Time { return issued.Add(time.Hour + time.Second) })
	if _, err := later.Verify(token); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}

	justBefore := newTestTokens(t, "secret", "HS256", func() time.Time { return issued.Add(time.Hour - time.Second) })
	if _, err := justBefore.Verify(token); err != nil {
		t.Fatalf("token should still be valid: %v", err)
	}
}

func TestVerifyBadSignature(t *testing.T) {
	good := newTestTokens(t, "secret", "HS256", time.Now)
	forged := newTestTokens(t, "other-secret", "HS256", time.Now)
	token, _, err := forged.Issue(Identity{UserID: "u1", Role: "admin"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := good.Verify(token); !errors.Is(err, ErrTokenBadSignature) {
		t.Fatalf("expected ErrTokenBadSignature, got %v", err)
	}
}

func TestVerifyRejectsOtherAlgorithm(t *testing.T) {
	hs256 := newTestTokens(t, "secret", "HS256", time.Now)
	hs512 := newTestTokens(t, "secret", "HS512", time.Now)
	token, _, err := hs512.Issue(Identity{UserID: "u1", Role: "support"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := hs256.Verify(token); !errors.Is(err, ErrTokenBadSignature) {
		t.Fatalf("expected ErrTokenBadSignature, got %v", err)
	}
}

func TestVerifyMalformed(t *testing.T) {
	svc := newTestTokens(t, "secret", "HS256", time.Now)
	for _, raw := range []string{"", "Bearer ", "not-a-token", "a.b.c"} {
		if _, err := svc.Verify(raw); !errors.Is(err, ErrTokenMalformed) {
			t.Fatalf("Verify(%q): expected ErrTokenMalformed, got %v", raw, err)
		}
	}
}

func TestNewTokenServiceValidation(t *testing.T) {
	if _, err := NewTokenService("", "HS256", time.Hour); err == nil {
		t.Fatal("expected error for empty secret")
	}
	if _, err := NewTokenService("s", "RS256", time.Hour); err == nil {
		t.Fatal("expected error for asymmetric algorithm")
	}
	if _, err := NewTokenService("s", "none", time.Hour); err == nil {
		t.Fatal("expected error for none algorithm")
	}
	if _, err := NewTokenService("s", "HS256", 0); err == nil {
		t.Fatal("expected error for zero ttl")
	}
	if _, _, err := newTestTokens(t, "s", "HS256", time.Now).Issue(Identity{}); err == nil {
		t.Fatal("expected error for missing user id")
	}
}

func TestStripBearer(t *testing.T) {
	cases := map[string]string{
		"":               "",
		"abc":            "abc",
		"Bearer abc":     "abc",
		"BEARER abc":     "abc",
		"  bearer abc  ": "abc",
		"Bearerabc":      "Bearerabc",
	}
	for in, want := range cases {
		if got := StripBearer(in); got != want {
			t.Fatalf("StripBearer(%q)=%q, want %q", in, got, want)
		}
	}
}
