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

// LoginFailureKind classifies login flow failures for root-level mapping.
type LoginFailureKind int

const (
	LoginFailureNone LoginFailureKind = iota
	LoginFailureNotReady
	LoginFailureRateLimited
	LoginFailureInvalidCredentials
	LoginFailureUnverified
	LoginFailureStore
	LoginFailureIssue
)

// LoginResult carries either the issued token pair or failure metadata.
type LoginResult struct {
	Failure      LoginFailureKind
	Err          error
	UserID       string
	TokenID      string
	RetryAfter   time.Duration
	AccessToken  string
	RefreshToken string
}

// LoginDeps captures login flow dependencies. Store-facing functions are
// injected already wrapped with the engine's transient-retry policy.
type LoginDeps struct {
	RequireVerified bool
	UpgradeOnLogin  bool

	FindByEmail        func(ctx context.Context, email string) (UserRecord, error)
	VerifyPassword     func(plain, digest string) (bool, error)
	NeedsUpgrade       func(digest string) (bool, error)
	HashPassword       func(plain string) (string, error)
	UpdatePasswordHash func(ctx context.Context, userID, digest string) error

	AdmitLogin   func(ctx context.Context, email string) (rate.Decision, error)
	AdmitLoginIP func(ctx context.Context, ip string) (rate.Decision, error)
	ResetLogin   func(ctx context.Context, email string) error

	IssueAccess  func(userID, role string) (string, error)
	IssueRefresh func(ctx context.Context, userID string) (string, ledger.Record, error)

	ClientIP    func(context.Context) string
	Now         func() time.Time
	Warn        func(string, ...any)
	Metrics     *metrics.Metrics
	Audit       func(context.Context, audit.Event)
	Errors      Errors
	RateLimited func(retryAfter time.Duration) error
}

// RunLogin verifies credentials and issues an access token plus a fresh
// refresh family. All credential failures collapse into InvalidCredentials.
func RunLogin(ctx context.Context, email, password string, deps LoginDeps) LoginResult {
	deps.Now = defaultNow(deps.Now)
	deps.Warn = defaultWarn(deps.Warn)
	if deps.ClientIP == nil {
		deps.ClientIP = func(context.Context) string { return "" }
	}
	if deps.FindByEmail == nil ||
		deps.VerifyPassword == nil ||
		deps.IssueAccess == nil ||
		deps.IssueRefresh == nil {
		return LoginResult{Failure: LoginFailureNotReady, Err: deps.Errors.EngineNotReady}
	}

	ip := deps.ClientIP(ctx)

	if deps.AdmitLoginIP != nil && ip != "" {
		decision, err := deps.AdmitLoginIP(ctx, ip)
		if err != nil {
			return loginStoreFailure(ctx, deps, "", err)
		}
		if !decision.Allowed {
			return loginRateLimited(ctx, deps, "", email, ip, decision.RetryAfter)
		}
	}

	decision, err := deps.AdmitLogin(ctx, email)
	if err != nil {
		return loginStoreFailure(ctx, deps, "", err)
	}
	if !decision.Allowed {
		return loginRateLimited(ctx, deps, "", email, ip, decision.RetryAfter)
	}

	if email == "" || password == "" {
		return loginInvalid(ctx, deps, "", email, ip, "empty_input")
	}

	user, err := deps.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, deps.Errors.UserNotFound) {
			return loginInvalid(ctx, deps, "", email, ip, "user_not_found")
		}
		return loginStoreFailure(ctx, deps, "", err)
	}

	ok, err := deps.VerifyPassword(password, user.PasswordHash)
	if err != nil || !ok {
		if err != nil {
			deps.Warn("authgate: password verification failed for stored hash")
		}
		return loginInvalid(ctx, deps, user.UserID, email, ip, "password_mismatch")
	}

	// Unverified accounts learn their state only after the password checks
	// out, so the error does not become an account-existence oracle.
	if deps.RequireVerified && !user.Verified {
		deps.Metrics.Inc(metrics.MetricLoginFailure)
		emitAudit(ctx, deps.Audit, audit.Event{
			Timestamp: deps.Now(),
			EventType: audit.EventLogin,
			UserID:    user.UserID,
			IP:        ip,
			Success:   false,
			Error:     errString(deps.Errors.AccountUnverified),
			Metadata:  map[string]string{"reason": "pending_verification"},
		})
		return LoginResult{
			Failure: LoginFailureUnverified,
			Err:     deps.Errors.AccountUnverified,
			UserID:  user.UserID,
		}
	}

	if deps.UpgradeOnLogin && deps.NeedsUpgrade != nil && deps.HashPassword != nil && deps.UpdatePasswordHash != nil {
		if needs, err := deps.NeedsUpgrade(user.PasswordHash); err == nil && needs {
			if upgraded, err := deps.HashPassword(password); err == nil {
				if err := deps.UpdatePasswordHash(ctx, user.UserID, upgraded); err != nil {
					deps.Warn("authgate: password hash upgrade failed")
				}
			}
		}
	}
	password = ""

	// Mint the access token before touching the ledger so a failed mint
	// never leaves an orphan refresh family behind.
	access, err := deps.IssueAccess(user.UserID, user.Role)
	if err != nil {
		deps.Metrics.Inc(metrics.MetricLoginFailure)
		return LoginResult{Failure: LoginFailureIssue, Err: err, UserID: user.UserID}
	}

	refresh, record, err := deps.IssueRefresh(ctx, user.UserID)
	if err != nil {
		return loginStoreFailure(ctx, deps, user.UserID, err)
	}

	if deps.ResetLogin != nil {
		if err := deps.ResetLogin(ctx, email); err != nil {
			deps.Warn("authgate: login limiter reset failed")
		}
	}

	deps.Metrics.Inc(metrics.MetricLoginSuccess)
	emitAudit(ctx, deps.Audit, audit.Event{
		Timestamp: deps.Now(),
		EventType: audit.EventLogin,
		UserID:    user.UserID,
		TokenID:   record.TokenID,
		IP:        ip,
		Success:   true,
	})

	return LoginResult{
		UserID:       user.UserID,
		TokenID:      record.TokenID,
		AccessToken:  access,
		RefreshToken: refresh,
	}
}

func loginRateLimited(ctx context.Context, deps LoginDeps, userID, email, ip string, retryAfter time.Duration) LoginResult {
	deps.Metrics.Inc(metrics.MetricLoginRateLimited)
	emitAudit(ctx, deps.Audit, audit.Event{
		Timestamp: deps.Now(),
		EventType: audit.EventRateLimited,
		UserID:    userID,
		IP:        ip,
		Success:   false,
		Metadata:  map[string]string{"scope": "login", "email": email},
	})
	return LoginResult{
		Failure:    LoginFailureRateLimited,
		Err:        deps.RateLimited(retryAfter),
		UserID:     userID,
		RetryAfter: retryAfter,
	}
}

func loginInvalid(ctx context.Context, deps LoginDeps, userID, email, ip, reason string) LoginResult {
	deps.Metrics.Inc(metrics.MetricLoginFailure)
	emitAudit(ctx, deps.Audit, audit.Event{
		Timestamp: deps.Now(),
		EventType: audit.EventLogin,
		UserID:    userID,
		IP:        ip,
		Success:   false,
		Error:     errString(deps.Errors.InvalidCredentials),
		Metadata:  map[string]string{"email": email, "reason": reason},
	})
	return LoginResult{
		Failure: LoginFailureInvalidCredentials,
		Err:     deps.Errors.InvalidCredentials,
		UserID:  userID,
	}
}

func loginStoreFailure(ctx context.Context, deps LoginDeps, userID string, err error) LoginResult {
	deps.Metrics.Inc(metrics.MetricLoginFailure)
	emitAudit(ctx, deps.Audit, audit.Event{
		Timestamp: deps.Now(),
		EventType: audit.EventLogin,
		UserID:    userID,
		Success:   false,
		Error:     errString(err),
		Metadata:  map[string]string{"reason": "store_failure"},
	})
	return LoginResult{Failure: LoginFailureStore, Err: err, UserID: userID}
}
