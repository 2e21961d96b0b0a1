package flows

import (
	"context"
	"errors"
	"time"

	"github.com/mpetrenko/authgate/internal/audit"
	"github.com/mpetrenko/authgate/internal/identity"
	"github.com/mpetrenko/authgate/internal/ledger"
	"github.com/mpetrenko/authgate/internal/metrics"
	"github.com/mpetrenko/authgate/internal/rate"
)

// RefreshFailureKind classifies refresh flow failures for root-level mapping.
type RefreshFailureKind int

const (
	RefreshFailureNone RefreshFailureKind = iota
	RefreshFailureNotReady
	RefreshFailureMalformed
	RefreshFailureRateLimited
	RefreshFailureExpired
	RefreshFailureReuse
	RefreshFailureRevoked
	RefreshFailureUnverified
	RefreshFailureStore
	RefreshFailureIssue
)

// RefreshResult carries either the rotated token pair or failure metadata.
type RefreshResult struct {
	Failure      RefreshFailureKind
	Err          error
	UserID       string
	FamilyID     string
	TokenID      string
	RetryAfter   time.Duration
	AccessToken  string
	RefreshToken string
}

// RefreshDeps captures refresh flow dependencies.
type RefreshDeps struct {
	RequireVerified bool

	DecodeTokenID   func(token string) (string, error)
	Rotate          func(ctx context.Context, token string) (string, ledger.Record, error)
	RevokeFamily    func(ctx context.Context, familyID string) error
	ResolveIdentity func(ctx context.Context, userID string) (identity.Snapshot, error)
	IssueAccess     func(userID, role string) (string, error)

	AdmitRefresh func(ctx context.Context, key string) (rate.Decision, error)

	Now         func() time.Time
	Warn        func(string, ...any)
	Metrics     *metrics.Metrics
	Audit       func(context.Context, audit.Event)
	Errors      Errors
	RateLimited func(retryAfter time.Duration) error
}

// RunRefresh rotates the presented refresh token and pairs the replacement
// with a freshly minted access token. Replay of a rotated token revokes the
// whole family.
func RunRefresh(ctx context.Context, refreshToken string, deps RefreshDeps) RefreshResult {
	deps.Now = defaultNow(deps.Now)
	deps.Warn = defaultWarn(deps.Warn)
	if deps.DecodeTokenID == nil ||
		deps.Rotate == nil ||
		deps.ResolveIdentity == nil ||
		deps.IssueAccess == nil {
		return RefreshResult{Failure: RefreshFailureNotReady, Err: deps.Errors.EngineNotReady}
	}

	tokenID, err := deps.DecodeTokenID(refreshToken)
	if err != nil {
		deps.Metrics.Inc(metrics.MetricRefreshFailure)
		return RefreshResult{Failure: RefreshFailureMalformed, Err: deps.Errors.TokenMalformed}
	}

	if deps.AdmitRefresh != nil {
		decision, err := deps.AdmitRefresh(ctx, tokenID)
		if err != nil {
			return refreshStoreFailure(ctx, deps, tokenID, err)
		}
		if !decision.Allowed {
			deps.Metrics.Inc(metrics.MetricRefreshRateLimited)
			emitAudit(ctx, deps.Audit, audit.Event{
				Timestamp: deps.Now(),
				EventType: audit.EventRateLimited,
				TokenID:   tokenID,
				Success:   false,
				Metadata:  map[string]string{"scope": "refresh"},
			})
			return RefreshResult{
				Failure:    RefreshFailureRateLimited,
				Err:        deps.RateLimited(decision.RetryAfter),
				TokenID:    tokenID,
				RetryAfter: decision.RetryAfter,
			}
		}
	}

	next, record, err := deps.Rotate(ctx, refreshToken)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrReuseDetected):
			deps.Metrics.Inc(metrics.MetricRefreshReuseDetected)
			deps.Metrics.Inc(metrics.MetricRefreshFailure)
			emitAudit(ctx, deps.Audit, audit.Event{
				Timestamp: deps.Now(),
				EventType: audit.EventRefreshReuse,
				UserID:    record.UserID,
				TokenID:   tokenID,
				Success:   false,
				Error:     errString(deps.Errors.TokenRevoked),
				Metadata:  map[string]string{"family_id": record.FamilyID},
			})
			return RefreshResult{
				Failure:  RefreshFailureReuse,
				Err:      deps.Errors.TokenRevoked,
				UserID:   record.UserID,
				FamilyID: record.FamilyID,
				TokenID:  tokenID,
			}
		case errors.Is(err, ledger.ErrTokenExpired):
			return refreshTerminal(ctx, deps, tokenID, RefreshFailureExpired, deps.Errors.TokenExpired)
		case errors.Is(err, ledger.ErrTokenUnknown):
			// Unknown and revoked collapse: a pruned record is
			// indistinguishable from a revoked one.
			return refreshTerminal(ctx, deps, tokenID, RefreshFailureRevoked, deps.Errors.TokenRevoked)
		case errors.Is(err, ledger.ErrTokenMalformed):
			return refreshTerminal(ctx, deps, tokenID, RefreshFailureMalformed, deps.Errors.TokenMalformed)
		default:
			return refreshStoreFailure(ctx, deps, tokenID, err)
		}
	}

	snap, err := deps.ResolveIdentity(ctx, record.UserID)
	if err != nil {
		if errors.Is(err, deps.Errors.UserNotFound) {
			// Account deleted underneath a live session. Kill the family.
			if deps.RevokeFamily != nil {
				if revokeErr := deps.RevokeFamily(ctx, record.FamilyID); revokeErr != nil {
					deps.Warn("authgate: family revocation after identity loss failed")
				}
			}
			return refreshTerminal(ctx, deps, tokenID, RefreshFailureRevoked, deps.Errors.TokenRevoked)
		}
		return refreshStoreFailure(ctx, deps, tokenID, err)
	}

	if deps.RequireVerified && !snap.Verified {
		if deps.RevokeFamily != nil {
			if revokeErr := deps.RevokeFamily(ctx, record.FamilyID); revokeErr != nil {
				deps.Warn("authgate: family revocation for unverified account failed")
			}
		}
		return refreshTerminal(ctx, deps, tokenID, RefreshFailureUnverified, deps.Errors.AccountUnverified)
	}

	access, err := deps.IssueAccess(record.UserID, snap.Role)
	if err != nil {
		deps.Metrics.Inc(metrics.MetricRefreshFailure)
		return RefreshResult{
			Failure:  RefreshFailureIssue,
			Err:      err,
			UserID:   record.UserID,
			FamilyID: record.FamilyID,
			TokenID:  record.TokenID,
		}
	}

	deps.Metrics.Inc(metrics.MetricRefreshSuccess)
	emitAudit(ctx, deps.Audit, audit.Event{
		Timestamp: deps.Now(),
		EventType: audit.EventRefresh,
		UserID:    record.UserID,
		TokenID:   record.TokenID,
		Success:   true,
		Metadata:  map[string]string{"family_id": record.FamilyID, "rotated_from": tokenID},
	})

	return RefreshResult{
		UserID:       record.UserID,
		FamilyID:     record.FamilyID,
		TokenID:      record.TokenID,
		AccessToken:  access,
		RefreshToken: next,
	}
}

func refreshTerminal(ctx context.Context, deps RefreshDeps, tokenID string, kind RefreshFailureKind, cause error) RefreshResult {
	deps.Metrics.Inc(metrics.MetricRefreshFailure)
	emitAudit(ctx, deps.Audit, audit.Event{
		Timestamp: deps.Now(),
		EventType: audit.EventRefresh,
		TokenID:   tokenID,
		Success:   false,
		Error:     errString(cause),
	})
	return RefreshResult{Failure: kind, Err: cause, TokenID: tokenID}
}

func refreshStoreFailure(ctx context.Context, deps RefreshDeps, tokenID string, err error) RefreshResult {
	deps.Metrics.Inc(metrics.MetricRefreshFailure)
	emitAudit(ctx, deps.Audit, audit.Event{
		Timestamp: deps.Now(),
		EventType: audit.EventRefresh,
		TokenID:   tokenID,
		Success:   false,
		Error:     errString(err),
		Metadata:  map[string]string{"reason": "store_failure"},
	})
	return RefreshResult{Failure: RefreshFailureStore, Err: err, TokenID: tokenID}
}
