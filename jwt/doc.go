// Package jwt is the stateless access-token codec: signed, self-describing
// credentials with a short lifetime. Verification is pure and lock-free; the
// server-side source of truth for long-lived credentials is the refresh
// ledger, never this package.
package jwt
