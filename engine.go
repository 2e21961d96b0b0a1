package authgate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mpetrenko/authgate/internal"
	"github.com/mpetrenko/authgate/internal/audit"
	"github.com/mpetrenko/authgate/internal/flows"
	"github.com/mpetrenko/authgate/internal/identity"
	"github.com/mpetrenko/authgate/internal/ledger"
	"github.com/mpetrenko/authgate/internal/metrics"
	"github.com/mpetrenko/authgate/internal/rate"
	"github.com/mpetrenko/authgate/jwt"
)

// transientRetryBackoff separates the single orchestrator-level retry from
// the failed attempt.
const transientRetryBackoff = 50 * time.Millisecond

// Engine composes the token codec, ledgers, identity cache, and rate
// limiter into the credential lifecycle flows. Build one with a Builder;
// all methods are safe for concurrent use.
type Engine struct {
	config Config
	redis  redis.UniversalClient

	userProvider UserProvider
	notifier     Notifier
	hasher       PasswordHasher

	jwtManager    *jwt.Manager
	refreshLedger *ledger.RefreshLedger
	resetStore    *ledger.OneTimeStore
	verifyStore   *ledger.OneTimeStore
	identityCache *identity.Cache
	limiter       *rate.Limiter
	metrics       *metrics.Metrics
	audit         *audit.Dispatcher

	flows flows.Service
}

// Close drains and stops the audit dispatcher. The Redis client is owned by
// the caller and stays open.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.audit.Close()
}

// MetricsSnapshot returns a point-in-time copy of all internal counters.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil {
		return MetricsSnapshot{}
	}
	return e.metrics.Snapshot()
}

// AuditDropped reports how many audit events were shed under backpressure.
func (e *Engine) AuditDropped() uint64 {
	if e == nil {
		return 0
	}
	return e.audit.Dropped()
}

func (e *Engine) ready() bool {
	return e != nil && e.flows.Initialized()
}

func (e *Engine) emitAudit(ctx context.Context, event audit.Event) {
	e.audit.Emit(ctx, event)
}

// retryTransient runs op, and if it fails with a transient backend error,
// retries exactly once after a short backoff. A failure that survives the
// retry surfaces as ErrServiceUnavailable. Terminal errors pass through
// untouched; retrying a rejected credential is meaningless.
func (e *Engine) retryTransient(ctx context.Context, transient func(error) bool, op func() error) error {
	err := op()
	if err == nil || !transient(err) {
		return err
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	case <-time.After(transientRetryBackoff):
	}

	e.metrics.Inc(metrics.MetricStoreRetry)
	if err = op(); err == nil {
		return nil
	}
	if transient(err) {
		return fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	return err
}

func isBackendUnavailable(err error) bool {
	return errors.Is(err, ledger.ErrRedisUnavailable) ||
		errors.Is(err, rate.ErrRedisUnavailable) ||
		errors.Is(err, identity.ErrRedisUnavailable)
}

// Provider errors are opaque; anything that is not the not-found sentinel is
// treated as transient connectivity.
func isProviderTransient(err error) bool {
	return !errors.Is(err, ErrUserNotFound)
}

func (e *Engine) findByEmail(ctx context.Context, email string) (flows.UserRecord, error) {
	var rec UserRecord
	err := e.retryTransient(ctx, isProviderTransient, func() error {
		var opErr error
		rec, opErr = e.userProvider.FindByEmail(ctx, email)
		return opErr
	})
	if err != nil {
		return flows.UserRecord{}, err
	}
	return flows.UserRecord{
		UserID:       rec.UserID,
		Email:        rec.Email,
		PasswordHash: rec.PasswordHash,
		Role:         rec.Role,
		Verified:     rec.Verified,
	}, nil
}

func (e *Engine) updatePasswordHash(ctx context.Context, userID, digest string) error {
	return e.retryTransient(ctx, isProviderTransient, func() error {
		return e.userProvider.UpdatePasswordHash(ctx, userID, digest)
	})
}

func (e *Engine) setVerified(ctx context.Context, userID string, verified bool) error {
	return e.retryTransient(ctx, isProviderTransient, func() error {
		return e.userProvider.SetVerified(ctx, userID, verified)
	})
}

func (e *Engine) loadSnapshot(ctx context.Context, userID string) (identity.Snapshot, error) {
	var rec UserRecord
	err := e.retryTransient(ctx, isProviderTransient, func() error {
		var opErr error
		rec, opErr = e.userProvider.FindByID(ctx, userID)
		return opErr
	})
	if err != nil {
		return identity.Snapshot{}, err
	}
	return identity.Snapshot{
		UserID:   rec.UserID,
		Email:    rec.Email,
		Role:     rec.Role,
		Verified: rec.Verified,
	}, nil
}

func (e *Engine) resolveIdentity(ctx context.Context, userID string) (identity.Snapshot, bool, error) {
	return e.identityCache.Get(ctx, userID, e.loadSnapshot)
}

func (e *Engine) admit(scope rate.Scope) func(context.Context, string) (rate.Decision, error) {
	return func(ctx context.Context, key string) (rate.Decision, error) {
		var decision rate.Decision
		err := e.retryTransient(ctx, isBackendUnavailable, func() error {
			var opErr error
			decision, opErr = e.limiter.Admit(ctx, scope, key)
			return opErr
		})
		return decision, err
	}
}

func (e *Engine) admitLoginIP(ctx context.Context, ip string) (rate.Decision, error) {
	var decision rate.Decision
	err := e.retryTransient(ctx, isBackendUnavailable, func() error {
		var opErr error
		decision, opErr = e.limiter.AdmitLoginIP(ctx, ip)
		return opErr
	})
	return decision, err
}

func (e *Engine) issueRefresh(ctx context.Context, userID string) (string, ledger.Record, error) {
	var (
		token  string
		record ledger.Record
	)
	err := e.retryTransient(ctx, isBackendUnavailable, func() error {
		var opErr error
		token, record, opErr = e.refreshLedger.Issue(ctx, userID, "")
		return opErr
	})
	return token, record, err
}

// rotateRefresh deliberately skips the retry wrapper. A rotation whose
// response was lost has already revoked the presented token, and replaying
// it would trip reuse detection and revoke the whole family.
func (e *Engine) rotateRefresh(ctx context.Context, token string) (string, ledger.Record, error) {
	next, record, err := e.refreshLedger.Rotate(ctx, token)
	if err != nil && isBackendUnavailable(err) {
		return "", ledger.Record{}, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	return next, record, err
}

func (e *Engine) revokeUser(ctx context.Context, userID string) error {
	return e.retryTransient(ctx, isBackendUnavailable, func() error {
		return e.refreshLedger.RevokeUser(ctx, userID)
	})
}

func (e *Engine) revokeFamily(ctx context.Context, familyID string) error {
	return e.retryTransient(ctx, isBackendUnavailable, func() error {
		return e.refreshLedger.RevokeFamily(ctx, familyID)
	})
}

func (e *Engine) invalidateIdentity(ctx context.Context, userID string) error {
	err := e.retryTransient(ctx, isBackendUnavailable, func() error {
		return e.identityCache.Invalidate(ctx, userID)
	})
	if err == nil {
		e.metrics.Inc(metrics.MetricCacheInvalidation)
	}
	return err
}

func (e *Engine) notify(kind TemplateKind) func(context.Context, string, map[string]string) error {
	return func(ctx context.Context, userID string, payload map[string]string) error {
		if e.notifier == nil {
			return nil
		}
		return e.notifier.Send(ctx, userID, kind, payload)
	}
}

func (e *Engine) resetLoginLimitByUser(ctx context.Context, userID string) error {
	var rec UserRecord
	err := e.retryTransient(ctx, isProviderTransient, func() error {
		var opErr error
		rec, opErr = e.userProvider.FindByID(ctx, userID)
		return opErr
	})
	if err != nil {
		return err
	}
	return e.retryTransient(ctx, isBackendUnavailable, func() error {
		return e.limiter.Reset(ctx, rate.ScopeLogin, rec.Email)
	})
}

func (e *Engine) validatePasswordPolicy(plain string) error {
	if len(plain) < e.config.Security.MinPasswordLength {
		return ErrPasswordPolicy
	}
	return nil
}

func flowErrors() flows.Errors {
	return flows.Errors{
		EngineNotReady:     ErrEngineNotReady,
		InvalidCredentials: ErrInvalidCredentials,
		AccountUnverified:  ErrAccountUnverified,
		TokenExpired:       ErrTokenExpired,
		TokenRevoked:       ErrTokenRevoked,
		TokenMalformed:     ErrTokenMalformed,
		ResetTokenConsumed: ErrResetTokenConsumed,
		ResetTokenNotFound: ErrResetTokenNotFound,
		ServiceUnavailable: ErrServiceUnavailable,
		UserNotFound:       ErrUserNotFound,
		PasswordPolicy:     ErrPasswordPolicy,
	}
}

func newFlowService(e *Engine) flows.Service {
	errs := flowErrors()
	warn := func(format string, args ...any) {
		log.Printf(format, args...)
	}
	issueAccess := func(userID, role string) (string, error) {
		return e.jwtManager.Issue(userID, role, 0)
	}

	var needsUpgrade func(string) (bool, error)
	if u, ok := e.hasher.(interface{ NeedsUpgrade(string) (bool, error) }); ok {
		needsUpgrade = u.NeedsUpgrade
	}

	deps := flows.Deps{
		Login: flows.LoginDeps{
			RequireVerified:    e.config.Security.RequireVerified,
			UpgradeOnLogin:     e.config.Security.PasswordUpgradeOnLogin,
			FindByEmail:        e.findByEmail,
			VerifyPassword:     e.hasher.Verify,
			NeedsUpgrade:       needsUpgrade,
			HashPassword:       e.hasher.Hash,
			UpdatePasswordHash: e.updatePasswordHash,
			AdmitLogin:         e.admit(rate.ScopeLogin),
			AdmitLoginIP:       e.admitLoginIP,
			ResetLogin: func(ctx context.Context, email string) error {
				return e.limiter.Reset(ctx, rate.ScopeLogin, email)
			},
			IssueAccess:  issueAccess,
			IssueRefresh: e.issueRefresh,
			ClientIP:     clientIPFromContext,
			Warn:         warn,
			Metrics:      e.metrics,
			Audit:        e.emitAudit,
			Errors:       errs,
			RateLimited:  rateLimited,
		},
		Refresh: flows.RefreshDeps{
			RequireVerified: e.config.Security.RequireVerified,
			DecodeTokenID: func(token string) (string, error) {
				id, _, err := internal.DecodeOpaqueToken(token)
				if err != nil {
					return "", err
				}
				return id.String(), nil
			},
			Rotate:          e.rotateRefresh,
			RevokeFamily:    e.revokeFamily,
			ResolveIdentity: e.resolveSnapshotOnly,
			IssueAccess:     issueAccess,
			AdmitRefresh:    e.admit(rate.ScopeRefresh),
			Warn:            warn,
			Metrics:         e.metrics,
			Audit:           e.emitAudit,
			Errors:          errs,
			RateLimited:     rateLimited,
		},
		Logout: flows.LogoutDeps{
			RevokeByToken: func(ctx context.Context, token string) error {
				return e.retryTransient(ctx, isBackendUnavailable, func() error {
					return e.refreshLedger.RevokeByToken(ctx, token)
				})
			},
			RevokeUser:         e.revokeUser,
			InvalidateIdentity: e.invalidateIdentity,
			Warn:               warn,
			Metrics:            e.metrics,
			Audit:              e.emitAudit,
			Errors:             errs,
		},
		Reset: flows.ResetDeps{
			FindByEmail: e.findByEmail,
			IssueReset: func(ctx context.Context, userID string) (string, error) {
				var token string
				err := e.retryTransient(ctx, isBackendUnavailable, func() error {
					var opErr error
					token, opErr = e.resetStore.Issue(ctx, userID)
					return opErr
				})
				return token, err
			},
			ConsumeReset: func(ctx context.Context, token string) (string, error) {
				var userID string
				err := e.retryTransient(ctx, isBackendUnavailable, func() error {
					var opErr error
					userID, opErr = e.resetStore.Consume(ctx, token)
					return opErr
				})
				return userID, err
			},
			ValidatePassword:   e.validatePasswordPolicy,
			HashPassword:       e.hasher.Hash,
			UpdatePasswordHash: e.updatePasswordHash,
			RevokeUser:         e.revokeUser,
			InvalidateIdentity: e.invalidateIdentity,
			Notify:             e.notify(TemplatePasswordReset),
			AdmitReset:         e.admit(rate.ScopeReset),
			ResetLogin:         e.resetLoginLimitByUser,
			Warn:               warn,
			Metrics:            e.metrics,
			Audit:              e.emitAudit,
			Errors:             errs,
			RateLimited:        rateLimited,
		},
		Identity: flows.IdentityDeps{
			Resolve: e.resolveIdentity,
			Metrics: e.metrics,
			Errors:  errs,
		},
	}

	if e.verifyStore != nil {
		deps.Verify = flows.VerifyDeps{
			FindByEmail: e.findByEmail,
			IssueChallenge: func(ctx context.Context, userID string) (string, error) {
				var token string
				err := e.retryTransient(ctx, isBackendUnavailable, func() error {
					var opErr error
					token, opErr = e.verifyStore.Issue(ctx, userID)
					return opErr
				})
				return token, err
			},
			ConsumeChallenge: func(ctx context.Context, token string) (string, error) {
				var userID string
				err := e.retryTransient(ctx, isBackendUnavailable, func() error {
					var opErr error
					userID, opErr = e.verifyStore.Consume(ctx, token)
					return opErr
				})
				return userID, err
			},
			SetVerified:        e.setVerified,
			InvalidateIdentity: e.invalidateIdentity,
			Notify:             e.notify(TemplateEmailVerification),
			AdmitVerify:        e.admit(rate.ScopeVerify),
			Warn:               warn,
			Metrics:            e.metrics,
			Audit:              e.emitAudit,
			Errors:             errs,
			RateLimited:        rateLimited,
		}
	}

	return flows.New(deps)
}

func (e *Engine) resolveSnapshotOnly(ctx context.Context, userID string) (identity.Snapshot, error) {
	snap, hit, err := e.resolveIdentity(ctx, userID)
	if err != nil {
		return identity.Snapshot{}, err
	}
	if hit {
		e.metrics.Inc(metrics.MetricCacheHit)
	} else {
		e.metrics.Inc(metrics.MetricCacheMiss)
	}
	return snap, nil
}
