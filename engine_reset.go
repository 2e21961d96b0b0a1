package authgate

import "context"

// RequestPasswordReset issues a one-time reset token and hands it to the
// notifier. Always returns success for unknown emails so the endpoint
// cannot be used to probe account existence. Issuing a new token
// invalidates any prior unconsumed one for the same user.
func (e *Engine) RequestPasswordReset(ctx context.Context, email string) error {
	if !e.ready() {
		return ErrEngineNotReady
	}
	return e.flows.RequestReset(ctx, email)
}

// ConfirmPasswordReset redeems the one-time token, installs the new
// password, invalidates the cached identity, and revokes all of the user's
// refresh families. Every outstanding session must log in again.
func (e *Engine) ConfirmPasswordReset(ctx context.Context, token, newPassword string) error {
	if !e.ready() {
		return ErrEngineNotReady
	}
	return e.flows.ConfirmReset(ctx, token, newPassword)
}

// RequestEmailVerification issues a one-time verification token for an
// unverified account. Enumeration-safe like RequestPasswordReset.
func (e *Engine) RequestEmailVerification(ctx context.Context, email string) error {
	if !e.ready() {
		return ErrEngineNotReady
	}
	if e.verifyStore == nil {
		return ErrEngineNotReady
	}
	return e.flows.RequestVerification(ctx, email)
}

// ConfirmEmailVerification redeems the token and marks the account verified.
func (e *Engine) ConfirmEmailVerification(ctx context.Context, token string) error {
	if !e.ready() {
		return ErrEngineNotReady
	}
	if e.verifyStore == nil {
		return ErrEngineNotReady
	}
	return e.flows.ConfirmVerification(ctx, token)
}
