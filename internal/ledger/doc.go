// Package ledger holds the durable token state machines: the refresh token
// ledger (rotation chains, families, reuse detection) and the one-time
// challenge store shared by password reset and email verification. All
// mutations that must be all-or-nothing run as Lua scripts or WATCH
// transactions against Redis.
package ledger
