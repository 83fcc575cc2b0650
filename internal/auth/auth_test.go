package auth

import (
	"strings"
	"testing"
	"time"
)

func TestHashTokenDeterministic(t *testing.T) {
	t.Parallel()

	a := HashToken("abc", "pepper")
	b := HashToken("abc", "pepper")
	if a != b {
		t.Fatalf("expected deterministic hash")
	}
	if a == HashToken("abc", "other") {
		t.Fatalf("expected pepper to change the hash")
	}
}

func TestGenerateToken(t *testing.T) {
	t.Parallel()

	a, err := GenerateToken()
	if err != nil {
		t.Fatal(err)
	}
	b, err := GenerateToken()
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(a))
	}
	if a == b {
		t.Fatal("expected distinct tokens")
	}
}

func TestConstantTimeHashEquals(t *testing.T) {
	t.Parallel()

	if !ConstantTimeHashEquals("abc", "abc") {
		t.Fatalf("expected equal hashes")
	}
	if ConstantTimeHashEquals("abc", "abd") {
		t.Fatalf("expected non-equal hashes")
	}
}

func TestHashPassword(t *testing.T) {
	t.Parallel()

	first, err := HashPassword("secret")
	if err != nil {
		t.Fatal(err)
	}
	second, err := HashPassword("secret")
	if err != nil {
		t.Fatal(err)
	}
	if first == second {
		t.Fatal("expected distinct bcrypt hashes for same password")
	}
	if !CheckPassword(first, "secret") || CheckPassword(first, "nope") {
		t.Fatal("expected bcrypt comparison to match only the original password")
	}
}

func TestNewAdminUnconfigured(t *testing.T) {
	t.Parallel()

	a, err := NewAdmin("", "pw", "")
	if err != nil || a != nil {
		t.Fatalf("expected nil admin without username, got %v (%v)", a, err)
	}
}

func TestAdminSessionRoundTrip(t *testing.T) {
	t.Parallel()

	a, err := NewAdmin("root", "pw", "s3cret")
	if err != nil {
		t.Fatal(err)
	}
	if !a.Verify("root", "pw") || a.Verify("root", "bad") || a.Verify("other", "pw") {
		t.Fatal("unexpected credential verification result")
	}

	now := time.Unix(1_700_000_000, 0)
	cookie, err := a.IssueSession(now)
	if err != nil {
		t.Fatal(err)
	}
	user, err := a.ParseSession(cookie, now.Add(time.Hour))
	if err != nil || user != "root" {
		t.Fatalf("expected valid session for root, got %q (%v)", user, err)
	}
	if _, err := a.ParseSession(cookie, now.Add(SessionTTL)); err == nil {
		t.Fatal("expected expired session to be rejected")
	}

	payload, sig, _ := strings.Cut(cookie, ".")
	tampered := payload + "x." + sig
	if _, err := a.ParseSession(tampered, now); err == nil {
		t.Fatal("expected tampered session to be rejected")
	}

	other, err := NewAdmin("root", "pw", "different")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := other.ParseSession(cookie, now); err == nil {
		t.Fatal("expected session signed with another secret to be rejected")
	}
}
