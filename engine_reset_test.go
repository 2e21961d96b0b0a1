package authgate

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPasswordResetFlow(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	engine, up, notifier := newTestEngine(t, rdb, testEngineConfig())
	ctx := context.Background()

	pair, err := engine.Login(ctx, "alice@example.com", testPassword)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	if err := engine.RequestPasswordReset(ctx, "alice@example.com"); err != nil {
		t.Fatalf("RequestPasswordReset failed: %v", err)
	}
	token := notifier.token(TemplatePasswordReset)
	if token == "" {
		t.Fatal("expected reset token delivered to notifier")
	}

	const newPassword = "brand-new-password"
	if err := engine.ConfirmPasswordReset(ctx, token, newPassword); err != nil {
		t.Fatalf("ConfirmPasswordReset failed: %v", err)
	}

	// Every pre-reset session is cut.
	if state, _ := engine.ValidateRefresh(ctx, pair.RefreshToken); state != TokenStateRevoked {
		t.Fatalf("expected pre-reset refresh token revoked, got %v", state)
	}
	if _, err := engine.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected ErrTokenRevoked for pre-reset token, got %v", err)
	}

	if _, err := engine.Login(ctx, "alice@example.com", testPassword); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected old password rejected, got %v", err)
	}
	if _, err := engine.Login(ctx, "alice@example.com", newPassword); err != nil {
		t.Fatalf("Login with new password failed: %v", err)
	}

	// Replay of the consumed token.
	if err := engine.ConfirmPasswordReset(ctx, token, "yet-another-pass"); !errors.Is(err, ErrResetTokenConsumed) {
		t.Fatalf("expected ErrResetTokenConsumed, got %v", err)
	}

	if got := up.get("u1").PasswordHash; got == "" {
		t.Fatal("expected stored password hash")
	}
}

func TestPasswordResetUnknownEmailIsSilent(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	engine, _, notifier := newTestEngine(t, rdb, testEngineConfig())
	ctx := context.Background()

	// Success-shaped response, nothing delivered.
	if err := engine.RequestPasswordReset(ctx, "nobody@example.com"); err != nil {
		t.Fatalf("expected silence for unknown email, got %v", err)
	}
	if notifier.callCount() != 0 {
		t.Fatalf("expected no notification, got %d calls", notifier.callCount())
	}
}

func TestPasswordResetNotifierFailureDoesNotLeak(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	engine, _, notifier := newTestEngine(t, rdb, testEngineConfig())
	notifier.fail = true
	ctx := context.Background()

	if err := engine.RequestPasswordReset(ctx, "alice@example.com"); err != nil {
		t.Fatalf("expected delivery failure swallowed, got %v", err)
	}
	if got := engine.MetricsSnapshot().Counters[MetricNotifyFailure]; got != 1 {
		t.Fatalf("expected notify failure counted, got %d", got)
	}
}

func TestPasswordResetReissueInvalidatesPrior(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	engine, _, notifier := newTestEngine(t, rdb, testEngineConfig())
	ctx := context.Background()

	if err := engine.RequestPasswordReset(ctx, "alice@example.com"); err != nil {
		t.Fatalf("first RequestPasswordReset failed: %v", err)
	}
	first := notifier.token(TemplatePasswordReset)

	if err := engine.RequestPasswordReset(ctx, "alice@example.com"); err != nil {
		t.Fatalf("second RequestPasswordReset failed: %v", err)
	}
	second := notifier.token(TemplatePasswordReset)
	if first == second {
		t.Fatal("expected a fresh token per request")
	}

	if err := engine.ConfirmPasswordReset(ctx, first, "whatever-password"); !errors.Is(err, ErrResetTokenNotFound) {
		t.Fatalf("expected superseded token gone, got %v", err)
	}
	if err := engine.ConfirmPasswordReset(ctx, second, "whatever-password"); err != nil {
		t.Fatalf("expected live token to confirm, got %v", err)
	}
}

func TestPasswordResetPolicyRejection(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	engine, _, notifier := newTestEngine(t, rdb, testEngineConfig())
	ctx := context.Background()

	if err := engine.RequestPasswordReset(ctx, "alice@example.com"); err != nil {
		t.Fatalf("RequestPasswordReset failed: %v", err)
	}
	token := notifier.token(TemplatePasswordReset)

	if err := engine.ConfirmPasswordReset(ctx, token, "short"); !errors.Is(err, ErrPasswordPolicy) {
		t.Fatalf("expected ErrPasswordPolicy, got %v", err)
	}

	// A policy rejection must not burn the token.
	if err := engine.ConfirmPasswordReset(ctx, token, "long-enough-pass"); err != nil {
		t.Fatalf("expected token still live after policy rejection, got %v", err)
	}
}

func TestPasswordResetClearsThrottleDespiteTransientLookup(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	cfg := testEngineConfig()
	cfg.RateLimit.Login = RatePolicy{Limit: 3, Window: time.Minute}

	engine, up, notifier := newTestEngine(t, rdb, cfg)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := engine.Login(ctx, "alice@example.com", "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: expected ErrInvalidCredentials, got %v", i, err)
		}
	}
	if _, err := engine.Login(ctx, "alice@example.com", testPassword); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected throttled login, got %v", err)
	}

	if err := engine.RequestPasswordReset(ctx, "alice@example.com"); err != nil {
		t.Fatalf("RequestPasswordReset failed: %v", err)
	}

	// The limiter-reset lookup must survive one transient provider failure.
	up.failNextIDLookup(errors.New("connection reset by peer"))
	if err := engine.ConfirmPasswordReset(ctx, notifier.token(TemplatePasswordReset), "fresh-password-1"); err != nil {
		t.Fatalf("ConfirmPasswordReset failed: %v", err)
	}

	if _, err := engine.Login(ctx, "alice@example.com", "fresh-password-1"); err != nil {
		t.Fatalf("expected throttle cleared after reset, got %v", err)
	}
}

func TestEmailVerificationFlow(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	engine, up, notifier := newTestEngine(t, rdb, testEngineConfig())
	ctx := context.Background()

	hash, err := fastHasher(t).Hash(testPassword)
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	up.put(UserRecord{UserID: "u2", Email: "bob@example.com", PasswordHash: hash, Role: "user"})

	if _, err := engine.Login(ctx, "bob@example.com", testPassword); !errors.Is(err, ErrAccountUnverified) {
		t.Fatalf("expected ErrAccountUnverified before verification, got %v", err)
	}

	if err := engine.RequestEmailVerification(ctx, "bob@example.com"); err != nil {
		t.Fatalf("RequestEmailVerification failed: %v", err)
	}
	token := notifier.token(TemplateEmailVerification)
	if token == "" {
		t.Fatal("expected verification token delivered")
	}

	if err := engine.ConfirmEmailVerification(ctx, token); err != nil {
		t.Fatalf("ConfirmEmailVerification failed: %v", err)
	}
	if !up.get("u2").Verified {
		t.Fatal("expected account marked verified")
	}

	if _, err := engine.Login(ctx, "bob@example.com", testPassword); err != nil {
		t.Fatalf("Login after verification failed: %v", err)
	}
}

func TestEmailVerificationDisabled(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	cfg := testEngineConfig()
	cfg.Verification.Enabled = false
	cfg.Security.RequireVerified = false

	engine, _, _ := newTestEngine(t, rdb, cfg)
	ctx := context.Background()

	if err := engine.RequestEmailVerification(ctx, "alice@example.com"); !errors.Is(err, ErrEngineNotReady) {
		t.Fatalf("expected ErrEngineNotReady with verification disabled, got %v", err)
	}
	if err := engine.ConfirmEmailVerification(ctx, "token"); !errors.Is(err, ErrEngineNotReady) {
		t.Fatalf("expected ErrEngineNotReady with verification disabled, got %v", err)
	}
}

func TestIdentityCachingAndInvalidation(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	engine, up, _ := newTestEngine(t, rdb, testEngineConfig())
	ctx := context.Background()

	snap, err := engine.Identity(ctx, "u1")
	if err != nil {
		t.Fatalf("Identity failed: %v", err)
	}
	if snap.Email != "alice@example.com" || snap.Role != "admin" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	before := up.idReads()
	if _, err := engine.Identity(ctx, "u1"); err != nil {
		t.Fatalf("cached Identity failed: %v", err)
	}
	if up.idReads() != before {
		t.Fatal("expected cached read to skip the provider")
	}

	if err := engine.InvalidateIdentity(ctx, "u1"); err != nil {
		t.Fatalf("InvalidateIdentity failed: %v", err)
	}
	if _, err := engine.Identity(ctx, "u1"); err != nil {
		t.Fatalf("Identity after invalidation failed: %v", err)
	}
	if up.idReads() != before+1 {
		t.Fatal("expected invalidation to force a provider reload")
	}

	if _, err := engine.Identity(ctx, "ghost"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
	if _, err := engine.Identity(ctx, ""); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound for empty id, got %v", err)
	}
}

func TestPasswordResetInvalidatesCachedIdentity(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	engine, up, notifier := newTestEngine(t, rdb, testEngineConfig())
	ctx := context.Background()

	if _, err := engine.Identity(ctx, "u1"); err != nil {
		t.Fatalf("Identity failed: %v", err)
	}
	before := up.idReads()

	if err := engine.RequestPasswordReset(ctx, "alice@example.com"); err != nil {
		t.Fatalf("RequestPasswordReset failed: %v", err)
	}
	if err := engine.ConfirmPasswordReset(ctx, notifier.token(TemplatePasswordReset), "fresh-password-1"); err != nil {
		t.Fatalf("ConfirmPasswordReset failed: %v", err)
	}

	if _, err := engine.Identity(ctx, "u1"); err != nil {
		t.Fatalf("Identity after reset failed: %v", err)
	}
	if up.idReads() <= before {
		t.Fatal("expected reset to evict the cached identity")
	}
}
