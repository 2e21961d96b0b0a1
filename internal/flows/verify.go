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

// VerifyDeps captures email verification flow dependencies.
type VerifyDeps struct {
	FindByEmail        func(ctx context.Context, email string) (UserRecord, error)
	IssueChallenge     func(ctx context.Context, userID string) (string, error)
	ConsumeChallenge   func(ctx context.Context, token string) (string, error)
	SetVerified        func(ctx context.Context, userID string, verified bool) error
	InvalidateIdentity func(ctx context.Context, userID string) error
	Notify             func(ctx context.Context, userID string, payload map[string]string) error

	AdmitVerify func(ctx context.Context, email string) (rate.Decision, error)

	Now         func() time.Time
	Warn        func(string, ...any)
	Metrics     *metrics.Metrics
	Audit       func(context.Context, audit.Event)
	Errors      Errors
	RateLimited func(retryAfter time.Duration) error
}

// RunRequestVerification issues a one-time verification token for an
// unverified account. Enumeration-safe like the reset request: already
// verified and unknown addresses both return success without a token.
func RunRequestVerification(ctx context.Context, email string, deps VerifyDeps) error {
	deps.Now = defaultNow(deps.Now)
	deps.Warn = defaultWarn(deps.Warn)
	if deps.FindByEmail == nil || deps.IssueChallenge == nil {
		return deps.Errors.EngineNotReady
	}

	if deps.AdmitVerify != nil {
		decision, err := deps.AdmitVerify(ctx, email)
		if err != nil {
			return err
		}
		if !decision.Allowed {
			emitAudit(ctx, deps.Audit, audit.Event{
				Timestamp: deps.Now(),
				EventType: audit.EventRateLimited,
				Success:   false,
				Metadata:  map[string]string{"scope": "verify", "email": email},
			})
			return deps.RateLimited(decision.RetryAfter)
		}
	}

	deps.Metrics.Inc(metrics.MetricVerifyRequest)

	user, err := deps.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, deps.Errors.UserNotFound) {
			return nil
		}
		return err
	}
	if user.Verified {
		return nil
	}

	token, err := deps.IssueChallenge(ctx, user.UserID)
	if err != nil {
		return err
	}

	if deps.Notify != nil {
		if err := deps.Notify(ctx, user.UserID, map[string]string{
			"email": user.Email,
			"token": token,
		}); err != nil {
			deps.Metrics.Inc(metrics.MetricNotifyFailure)
			deps.Warn("authgate: verification notification delivery failed")
		}
	}

	emitAudit(ctx, deps.Audit, audit.Event{
		Timestamp: deps.Now(),
		EventType: audit.EventVerifyRequest,
		UserID:    user.UserID,
		Success:   true,
	})
	return nil
}

// RunConfirmVerification consumes the one-time token and flips the account
// to verified, invalidating the cached identity snapshot.
func RunConfirmVerification(ctx context.Context, token string, deps VerifyDeps) error {
	deps.Now = defaultNow(deps.Now)
	deps.Warn = defaultWarn(deps.Warn)
	if deps.ConsumeChallenge == nil || deps.SetVerified == nil || deps.InvalidateIdentity == nil {
		return deps.Errors.EngineNotReady
	}

	userID, err := deps.ConsumeChallenge(ctx, token)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrChallengeConsumed):
			return verifyConfirmFailure(ctx, deps, "", deps.Errors.ResetTokenConsumed)
		case errors.Is(err, ledger.ErrChallengeExpired):
			return verifyConfirmFailure(ctx, deps, "", deps.Errors.TokenExpired)
		case errors.Is(err, ledger.ErrChallengeNotFound):
			return verifyConfirmFailure(ctx, deps, "", deps.Errors.ResetTokenNotFound)
		default:
			return err
		}
	}

	if err := deps.SetVerified(ctx, userID, true); err != nil {
		return err
	}
	if err := deps.InvalidateIdentity(ctx, userID); err != nil {
		deps.Warn("authgate: identity invalidation after verification failed")
	}

	deps.Metrics.Inc(metrics.MetricVerifySuccess)
	emitAudit(ctx, deps.Audit, audit.Event{
		Timestamp: deps.Now(),
		EventType: audit.EventVerifyConfirm,
		UserID:    userID,
		Success:   true,
	})
	return nil
}

func verifyConfirmFailure(ctx context.Context, deps VerifyDeps, userID string, cause error) error {
	deps.Metrics.Inc(metrics.MetricVerifyFailure)
	emitAudit(ctx, deps.Audit, audit.Event{
		Timestamp: deps.Now(),
		EventType: audit.EventVerifyConfirm,
		UserID:    userID,
		Success:   false,
		Error:     errString(cause),
	})
	return cause
}
