package authgate

import (
	"context"
	"errors"
	"fmt"

	"github.com/mpetrenko/authgate/internal"
	"github.com/mpetrenko/authgate/internal/flows"
	"github.com/mpetrenko/authgate/jwt"
)

// Login verifies the email/password pair and returns a fresh token pair. A
// failed lookup and a failed password check are indistinguishable to the
// caller: both return ErrInvalidCredentials.
func (e *Engine) Login(ctx context.Context, email, password string) (TokenPair, error) {
	if !e.ready() {
		return TokenPair{}, ErrEngineNotReady
	}

	res := e.flows.Login(ctx, email, password)
	switch res.Failure {
	case flows.LoginFailureNone:
		return TokenPair{AccessToken: res.AccessToken, RefreshToken: res.RefreshToken}, nil
	case flows.LoginFailureStore, flows.LoginFailureIssue:
		return TokenPair{}, serviceUnavailable(res.Err)
	default:
		return TokenPair{}, res.Err
	}
}

// Refresh rotates the presented refresh token and returns a new pair. A
// replayed token revokes its whole family and returns ErrTokenRevoked.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	if !e.ready() {
		return TokenPair{}, ErrEngineNotReady
	}

	res := e.flows.Refresh(ctx, refreshToken)
	switch res.Failure {
	case flows.RefreshFailureNone:
		return TokenPair{AccessToken: res.AccessToken, RefreshToken: res.RefreshToken}, nil
	case flows.RefreshFailureStore, flows.RefreshFailureIssue:
		return TokenPair{}, serviceUnavailable(res.Err)
	default:
		return TokenPair{}, res.Err
	}
}

// Logout revokes the family of the presented refresh token. Idempotent:
// succeeds even if the token is unknown or already revoked.
func (e *Engine) Logout(ctx context.Context, refreshToken string) error {
	if !e.ready() {
		return ErrEngineNotReady
	}
	return e.flows.Logout(ctx, refreshToken)
}

// LogoutAll revokes every refresh family belonging to the user.
func (e *Engine) LogoutAll(ctx context.Context, userID string) error {
	if !e.ready() {
		return ErrEngineNotReady
	}
	return e.flows.LogoutAll(ctx, userID)
}

// VerifyAccess checks an access token's signature, expiry, and type, and
// returns its claims. Purely local; never touches Redis or the store.
func (e *Engine) VerifyAccess(token string) (*jwt.AccessClaims, error) {
	if e == nil || e.jwtManager == nil {
		return nil, ErrEngineNotReady
	}

	claims, err := e.jwtManager.Verify(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenMalformed
	}
	return claims, nil
}

// ValidateRefresh reports the ledger state of a refresh token without
// rotating or consuming it.
func (e *Engine) ValidateRefresh(ctx context.Context, refreshToken string) (TokenState, error) {
	if !e.ready() {
		return TokenStateUnknown, ErrEngineNotReady
	}

	id, _, err := internal.DecodeOpaqueToken(refreshToken)
	if err != nil {
		return TokenStateUnknown, ErrTokenMalformed
	}

	var state TokenState
	err = e.retryTransient(ctx, isBackendUnavailable, func() error {
		var opErr error
		state, opErr = e.refreshLedger.Validate(ctx, id.String())
		return opErr
	})
	if err != nil {
		return TokenStateUnknown, err
	}
	return state, nil
}

func serviceUnavailable(err error) error {
	if err == nil {
		return ErrServiceUnavailable
	}
	if errors.Is(err, ErrServiceUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
}
