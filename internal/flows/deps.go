package flows

import (
	"context"
	"time"

	"github.com/mpetrenko/authgate/internal/audit"
)

// UserRecord is the flow-local view of a credential-store user.
type UserRecord struct {
	UserID       string
	Email        string
	PasswordHash string
	Role         string
	Verified     bool
}

// Errors carries host-level sentinel errors so flows stay decoupled from the
// root package. The engine fills every field; flows never construct public
// errors themselves except through RateLimited.
type Errors struct {
	EngineNotReady     error
	InvalidCredentials error
	AccountUnverified  error
	TokenExpired       error
	TokenRevoked       error
	TokenMalformed     error
	ResetTokenConsumed error
	ResetTokenNotFound error
	ServiceUnavailable error
	UserNotFound       error
	PasswordPolicy     error
}

// Deps groups per-flow dependency sets. The root engine builds this once and
// delegates request methods to the matching flow implementation.
type Deps struct {
	Login    LoginDeps
	Refresh  RefreshDeps
	Logout   LogoutDeps
	Reset    ResetDeps
	Verify   VerifyDeps
	Identity IdentityDeps
}

func emitAudit(ctx context.Context, sink func(context.Context, audit.Event), event audit.Event) {
	if sink != nil {
		sink(ctx, event)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func defaultNow(now func() time.Time) func() time.Time {
	if now == nil {
		return time.Now
	}
	return now
}

func defaultWarn(warn func(string, ...any)) func(string, ...any) {
	if warn == nil {
		return func(string, ...any) {}
	}
	return warn
}
