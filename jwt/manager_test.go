package jwt

import (
	"crypto/ed25519"
	"errors"
	"testing"
	"time"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func newHS256Manager(t *testing.T, mutate func(*Config)) *Manager {
	t.Helper()

	cfg := Config{
		AccessTTL:     15 * time.Minute,
		SigningMethod: MethodHS256,
		Secret:        testSecret,
		Issuer:        "authgate-test",
	}
	if mutate != nil {
		mutate(&cfg)
	}

	m, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return m
}

func TestIssueVerifyRoundTrip(t *testing.T) {
	m := newHS256Manager(t, nil)

	token, err := m.Issue("u1", "admin", 0)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	claims, err := m.Verify(token)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if claims.Subject != "u1" || claims.Role != "admin" || claims.TokenType != TokenTypeAccess {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if claims.Issuer != "authgate-test" {
		t.Fatalf("unexpected issuer: %q", claims.Issuer)
	}
}

func TestVerifyExpired(t *testing.T) {
	m := newHS256Manager(t, nil)

	token, err := m.Issue("u1", "user", time.Nanosecond)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	if _, err := m.Verify(token); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestVerifyLeewayTolerance(t *testing.T) {
	m := newHS256Manager(t, func(cfg *Config) { cfg.Leeway = time.Minute })

	token, err := m.Issue("u1", "user", time.Nanosecond)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	// Just past expiry but inside the leeway window.
	if _, err := m.Verify(token); err != nil {
		t.Fatalf("expected leeway to accept, got %v", err)
	}
}

func TestVerifyTamperedSignature(t *testing.T) {
	m := newHS256Manager(t, nil)
	other := newHS256Manager(t, func(cfg *Config) {
		cfg.Secret = []byte("ffffffffffffffffffffffffffffffff")
	})

	token, err := other.Issue("u1", "user", 0)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	if _, err := m.Verify(token); !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("expected ErrSignatureMismatch, got %v", err)
	}
}

func TestVerifyMalformed(t *testing.T) {
	m := newHS256Manager(t, nil)

	for _, token := range []string{"", "garbage", "a.b.c"} {
		if _, err := m.Verify(token); !errors.Is(err, ErrTokenMalformed) {
			t.Fatalf("Verify(%q): expected ErrTokenMalformed, got %v", token, err)
		}
	}
}

func TestVerifyWrongIssuer(t *testing.T) {
	minter := newHS256Manager(t, func(cfg *Config) { cfg.Issuer = "someone-else" })
	m := newHS256Manager(t, nil)

	token, err := minter.Issue("u1", "user", 0)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	if _, err := m.Verify(token); !errors.Is(err, ErrTokenMalformed) {
		t.Fatalf("expected ErrTokenMalformed for wrong issuer, got %v", err)
	}
}

func TestEd25519RoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	m, err := NewManager(Config{
		AccessTTL:     time.Minute,
		SigningMethod: MethodEd25519,
		PrivateKey:    priv,
		PublicKey:     pub,
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	token, err := m.Issue("u1", "user", 0)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	claims, err := m.Verify(token)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if claims.Subject != "u1" {
		t.Fatalf("unexpected subject: %q", claims.Subject)
	}
}

func TestKeyRotationGrace(t *testing.T) {
	oldPub, oldPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	newPub, newPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	oldManager, err := NewManager(Config{
		AccessTTL:     time.Minute,
		SigningMethod: MethodEd25519,
		PrivateKey:    oldPriv,
		PublicKey:     oldPub,
		KeyID:         "k1",
		VerifyKeys:    map[string][]byte{"k1": oldPub},
	})
	if err != nil {
		t.Fatalf("NewManager(old) failed: %v", err)
	}

	// Post-rotation codec signs with k2 and still trusts k1.
	rotated, err := NewManager(Config{
		AccessTTL:     time.Minute,
		SigningMethod: MethodEd25519,
		PrivateKey:    newPriv,
		KeyID:         "k2",
		VerifyKeys: map[string][]byte{
			"k1": oldPub,
			"k2": newPub,
		},
	})
	if err != nil {
		t.Fatalf("NewManager(rotated) failed: %v", err)
	}

	oldToken, err := oldManager.Issue("u1", "user", 0)
	if err != nil {
		t.Fatalf("Issue(old) failed: %v", err)
	}
	newToken, err := rotated.Issue("u1", "user", 0)
	if err != nil {
		t.Fatalf("Issue(new) failed: %v", err)
	}

	if _, err := rotated.Verify(oldToken); err != nil {
		t.Fatalf("expected grace-period verification of old kid, got %v", err)
	}
	if _, err := rotated.Verify(newToken); err != nil {
		t.Fatalf("expected verification of current kid, got %v", err)
	}

	// Fully retired key: k1 removed from the verify set.
	retired, err := NewManager(Config{
		AccessTTL:     time.Minute,
		SigningMethod: MethodEd25519,
		PrivateKey:    newPriv,
		KeyID:         "k2",
		VerifyKeys:    map[string][]byte{"k2": newPub},
	})
	if err != nil {
		t.Fatalf("NewManager(retired) failed: %v", err)
	}
	if _, err := retired.Verify(oldToken); !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("expected ErrSignatureMismatch for retired kid, got %v", err)
	}
}

func TestNewManagerValidation(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{"zero ttl", Config{SigningMethod: MethodHS256, Secret: testSecret}},
		{"short secret", Config{AccessTTL: time.Minute, SigningMethod: MethodHS256, Secret: []byte("short")}},
		{"unknown method", Config{AccessTTL: time.Minute, SigningMethod: "rot13", Secret: testSecret}},
		{"excessive leeway", Config{AccessTTL: time.Minute, SigningMethod: MethodHS256, Secret: testSecret, Leeway: time.Hour}},
		{"kid missing from verify keys", Config{
			AccessTTL:     time.Minute,
			SigningMethod: MethodHS256,
			Secret:        testSecret,
			KeyID:         "k1",
			VerifyKeys:    map[string][]byte{"k2": testSecret},
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewManager(tc.cfg); err == nil {
				t.Fatal("expected configuration error")
			}
		})
	}
}

func TestIssueEmptySubject(t *testing.T) {
	m := newHS256Manager(t, nil)
	if _, err := m.Issue("", "user", 0); err == nil {
		t.Fatal("expected error for empty subject")
	}
}
