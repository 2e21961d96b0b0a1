package flows

import (
	"context"
	"time"

	"github.com/mpetrenko/authgate/internal/audit"
	"github.com/mpetrenko/authgate/internal/metrics"
)

// LogoutDeps captures logout flow dependencies.
type LogoutDeps struct {
	RevokeByToken      func(ctx context.Context, token string) error
	RevokeUser         func(ctx context.Context, userID string) error
	InvalidateIdentity func(ctx context.Context, userID string) error

	Now     func() time.Time
	Warn    func(string, ...any)
	Metrics *metrics.Metrics
	Audit   func(context.Context, audit.Event)
	Errors  Errors
}

// RunLogout revokes the family of the presented refresh token. Logout is
// idempotent: unknown, malformed, and already-revoked tokens all succeed,
// since the caller's goal state already holds.
func RunLogout(ctx context.Context, refreshToken string, deps LogoutDeps) error {
	deps.Now = defaultNow(deps.Now)
	if deps.RevokeByToken == nil {
		return deps.Errors.EngineNotReady
	}

	if err := deps.RevokeByToken(ctx, refreshToken); err != nil {
		return err
	}

	deps.Metrics.Inc(metrics.MetricLogout)
	emitAudit(ctx, deps.Audit, audit.Event{
		Timestamp: deps.Now(),
		EventType: audit.EventLogout,
		Success:   true,
	})
	return nil
}

// RunLogoutAll revokes every refresh family belonging to the user and
// evicts the cached identity snapshot.
func RunLogoutAll(ctx context.Context, userID string, deps LogoutDeps) error {
	deps.Now = defaultNow(deps.Now)
	deps.Warn = defaultWarn(deps.Warn)
	if deps.RevokeUser == nil {
		return deps.Errors.EngineNotReady
	}
	if userID == "" {
		return deps.Errors.UserNotFound
	}

	if err := deps.RevokeUser(ctx, userID); err != nil {
		return err
	}
	if deps.InvalidateIdentity != nil {
		if err := deps.InvalidateIdentity(ctx, userID); err != nil {
			deps.Warn("authgate: identity invalidation after logout failed")
		}
	}

	deps.Metrics.Inc(metrics.MetricLogoutAll)
	emitAudit(ctx, deps.Audit, audit.Event{
		Timestamp: deps.Now(),
		EventType: audit.EventLogoutAll,
		UserID:    userID,
		Success:   true,
	})
	return nil
}
