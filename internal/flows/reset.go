package flows

import (
	"context"
	"errors"
	"time"

	"github.com/mpetrenko/authgate/internal/audit"
	"github.com/mpetrenko/authgate/internal/ledger"
	"github.com/mpetrenko/authgate/internal/metrics"
	"github.com/mpetrenko/authgate/internal/rate"
)

// ResetDeps captures password reset flow dependencies.
type ResetDeps struct {
	FindByEmail        func(ctx context.Context, email string) (UserRecord, error)
	IssueReset         func(ctx context.Context, userID string) (string, error)
	ConsumeReset       func(ctx context.Context, token string) (string, error)
	ValidatePassword   func(plain string) error
	HashPassword       func(plain string) (string, error)
	UpdatePasswordHash func(ctx context.Context, userID, digest string) error
	RevokeUser         func(ctx context.Context, userID string) error
	InvalidateIdentity func(ctx context.Context, userID string) error
	Notify             func(ctx context.Context, userID string, payload map[string]string) error

	AdmitReset func(ctx context.Context, email string) (rate.Decision, error)
	// ResetLogin clears the login throttle for the user whose credential
	// just changed; the engine resolves the limiter key from the user id.
	ResetLogin func(ctx context.Context, userID string) error

	Now         func() time.Time
	Warn        func(string, ...any)
	Metrics     *metrics.Metrics
	Audit       func(context.Context, audit.Event)
	Errors      Errors
	RateLimited func(retryAfter time.Duration) error
}

// RunRequestReset issues a one-time reset token and hands it to the
// notifier. The outcome is shaped identically whether or not the email
// exists, so the endpoint cannot be used for account enumeration. Notifier
// failures are logged, never surfaced.
func RunRequestReset(ctx context.Context, email string, deps ResetDeps) error {
	deps.Now = defaultNow(deps.Now)
	deps.Warn = defaultWarn(deps.Warn)
	if deps.FindByEmail == nil || deps.IssueReset == nil {
		return deps.Errors.EngineNotReady
	}

	if deps.AdmitReset != nil {
		decision, err := deps.AdmitReset(ctx, email)
		if err != nil {
			return err
		}
		if !decision.Allowed {
			deps.Metrics.Inc(metrics.MetricResetRateLimited)
			emitAudit(ctx, deps.Audit, audit.Event{
				Timestamp: deps.Now(),
				EventType: audit.EventRateLimited,
				Success:   false,
				Metadata:  map[string]string{"scope": "reset", "email": email},
			})
			return deps.RateLimited(decision.RetryAfter)
		}
	}

	deps.Metrics.Inc(metrics.MetricResetRequest)

	user, err := deps.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, deps.Errors.UserNotFound) {
			emitAudit(ctx, deps.Audit, audit.Event{
				Timestamp: deps.Now(),
				EventType: audit.EventResetRequest,
				Success:   true,
				Metadata:  map[string]string{"email": email, "reason": "user_not_found"},
			})
			return nil
		}
		return err
	}

	token, err := deps.IssueReset(ctx, user.UserID)
	if err != nil {
		return err
	}

	if deps.Notify != nil {
		if err := deps.Notify(ctx, user.UserID, map[string]string{
			"email": user.Email,
			"token": token,
		}); err != nil {
			deps.Metrics.Inc(metrics.MetricNotifyFailure)
			deps.Warn("authgate: reset notification delivery failed")
		}
	}

	emitAudit(ctx, deps.Audit, audit.Event{
		Timestamp: deps.Now(),
		EventType: audit.EventResetRequest,
		UserID:    user.UserID,
		Success:   true,
	})
	return nil
}

// RunConfirmReset consumes the one-time token, installs the new credential,
// invalidates the cached identity, and revokes every refresh family so all
// outstanding sessions must re-authenticate.
func RunConfirmReset(ctx context.Context, token, newPassword string, deps ResetDeps) error {
	deps.Now = defaultNow(deps.Now)
	deps.Warn = defaultWarn(deps.Warn)
	if deps.ConsumeReset == nil ||
		deps.HashPassword == nil ||
		deps.UpdatePasswordHash == nil ||
		deps.RevokeUser == nil ||
		deps.InvalidateIdentity == nil {
		return deps.Errors.EngineNotReady
	}

	if deps.ValidatePassword != nil {
		if err := deps.ValidatePassword(newPassword); err != nil {
			return resetConfirmFailure(ctx, deps, "", deps.Errors.PasswordPolicy)
		}
	}

	userID, err := deps.ConsumeReset(ctx, token)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrChallengeConsumed):
			return resetConfirmFailure(ctx, deps, "", deps.Errors.ResetTokenConsumed)
		case errors.Is(err, ledger.ErrChallengeExpired):
			return resetConfirmFailure(ctx, deps, "", deps.Errors.TokenExpired)
		case errors.Is(err, ledger.ErrChallengeNotFound):
			return resetConfirmFailure(ctx, deps, "", deps.Errors.ResetTokenNotFound)
		default:
			return err
		}
	}

	digest, err := deps.HashPassword(newPassword)
	if err != nil {
		return resetConfirmFailure(ctx, deps, userID, deps.Errors.PasswordPolicy)
	}
	newPassword = ""

	if err := deps.UpdatePasswordHash(ctx, userID, digest); err != nil {
		return err
	}

	// Invalidate before revoking so no reader can observe the old hash via
	// the cache once any session has been cut.
	if err := deps.InvalidateIdentity(ctx, userID); err != nil {
		deps.Warn("authgate: identity invalidation after reset failed")
	}
	if err := deps.RevokeUser(ctx, userID); err != nil {
		return err
	}

	if deps.ResetLogin != nil {
		if err := deps.ResetLogin(ctx, userID); err != nil {
			deps.Warn("authgate: login limiter reset after password change failed")
		}
	}

	deps.Metrics.Inc(metrics.MetricResetConfirmSuccess)
	emitAudit(ctx, deps.Audit, audit.Event{
		Timestamp: deps.Now(),
		EventType: audit.EventResetConfirm,
		UserID:    userID,
		Success:   true,
	})
	return nil
}

func resetConfirmFailure(ctx context.Context, deps ResetDeps, userID string, cause error) error {
	deps.Metrics.Inc(metrics.MetricResetConfirmFailure)
	emitAudit(ctx, deps.Audit, audit.Event{
		Timestamp: deps.Now(),
		EventType: audit.EventResetConfirm,
		UserID:    userID,
		Success:   false,
		Error:     errString(cause),
	})
	return cause
}
