package authgate

import "context"

// Identity resolves a user snapshot through the read-through cache. On a
// cache backend failure the snapshot is served directly from the credential
// store, so a Redis outage degrades to higher read amplification rather
// than failed requests.
func (e *Engine) Identity(ctx context.Context, userID string) (UserSnapshot, error) {
	if !e.ready() {
		return UserSnapshot{}, ErrEngineNotReady
	}
	return e.flows.Identity(ctx, userID)
}

// InvalidateIdentity evicts the cached snapshot for a user. Call it from
// any code path that mutates the underlying identity record outside the
// engine (role change, deactivation); the engine's own mutating flows
// invalidate automatically.
func (e *Engine) InvalidateIdentity(ctx context.Context, userID string) error {
	if !e.ready() {
		return ErrEngineNotReady
	}
	return e.invalidateIdentity(ctx, userID)
}
