package authgate

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidCredentials is the normalized login failure. It never
	// distinguishes a missing account from a wrong password.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountUnverified is returned for a correct password on an
	// account that has not confirmed its email.
	ErrAccountUnverified = errors.New("account unverified")
	// ErrTokenExpired is a structurally valid token past its lifetime.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenRevoked covers revoked, rotated, and unknown refresh tokens.
	ErrTokenRevoked = errors.New("token revoked")
	// ErrTokenMalformed is a token that failed decoding or signature checks.
	ErrTokenMalformed = errors.New("token malformed")
	// ErrRateLimited is the match target for RateLimitedError.
	ErrRateLimited = errors.New("rate limited")
	// ErrResetTokenConsumed is a one-time token redeemed a second time.
	ErrResetTokenConsumed = errors.New("reset token already consumed")
	// ErrResetTokenNotFound is a one-time token that was never issued or
	// has aged out.
	ErrResetTokenNotFound = errors.New("reset token not found")
	// ErrServiceUnavailable is a transient backend failure that persisted
	// through the retry policy.
	ErrServiceUnavailable = errors.New("service unavailable")
	// ErrEngineNotReady means the engine was not built before use.
	ErrEngineNotReady = errors.New("engine not initialized")
	// ErrPasswordPolicy is a new password that fails the configured policy.
	ErrPasswordPolicy = errors.New("password policy violation")
	// ErrUserNotFound is returned by identity resolution for an unknown id.
	ErrUserNotFound = errors.New("user not found")
)

// RateLimitedError carries the machine-readable retry interval alongside the
// ErrRateLimited identity, so callers can set a Retry-After header with
// errors.As and still match with errors.Is.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

func rateLimited(retryAfter time.Duration) error {
	return &RateLimitedError{RetryAfter: retryAfter}
}
