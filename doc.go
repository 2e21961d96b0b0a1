// Package authgate is a Redis-backed authentication and credential
// lifecycle engine: signed short-lived access tokens, rotating single-use
// refresh tokens with family-wide reuse detection, one-time password reset
// and email verification tokens, per-scope rate limiting, and a
// read-through identity cache.
//
// The host application supplies a credential store (UserProvider) and an
// optional out-of-band Notifier; the engine owns all token state in Redis.
// Refresh tokens handed to clients are opaque random identifiers: the
// server, not the client, is the source of truth for refresh validity.
//
// Build an engine with the Builder:
//
//	engine, err := authgate.New().
//		WithRedis(client).
//		WithUserProvider(store).
//		WithConfig(cfg).
//		Build()
//
// Every credential mutation (password reset, verification) invalidates the
// cached identity snapshot and, for resets, revokes all refresh families so
// outstanding sessions must re-authenticate.
package authgate
