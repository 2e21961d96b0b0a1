package authgate

import (
	"context"

	"github.com/mpetrenko/authgate/internal/identity"
	"github.com/mpetrenko/authgate/internal/ledger"
)

// UserRecord is the credential-store view of an account. The engine never
// persists these; they are loaded on demand through the UserProvider.
type UserRecord struct {
	UserID       string
	Email        string
	PasswordHash string
	Role         string
	Verified     bool
}

// UserProvider is the credential-store contract. Implementations should
// return ErrUserNotFound for unknown identifiers; any other error is treated
// as a transient store failure and retried once.
type UserProvider interface {
	FindByEmail(ctx context.Context, email string) (UserRecord, error)
	FindByID(ctx context.Context, id string) (UserRecord, error)
	UpdatePasswordHash(ctx context.Context, id, passwordHash string) error
	SetVerified(ctx context.Context, id string, verified bool) error
}

// TemplateKind identifies the out-of-band message a Notifier should send.
type TemplateKind string

const (
	TemplatePasswordReset     TemplateKind = "password_reset"
	TemplateEmailVerification TemplateKind = "email_verification"
)

// Notifier delivers one-time tokens out of band. Delivery is fire and
// forget: the engine logs failures and never fails the issuing flow on them.
type Notifier interface {
	Send(ctx context.Context, userID string, kind TemplateKind, payload map[string]string) error
}

// PasswordHasher is the swappable credential hashing capability. The
// password subpackage ships argon2id and bcrypt implementations.
type PasswordHasher interface {
	Hash(plain string) (string, error)
	Verify(plain, digest string) (bool, error)
}

// TokenPair is the result of a successful login or refresh.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// UserSnapshot is the cached identity view served on hot paths.
type UserSnapshot = identity.Snapshot

// TokenState reports refresh token status from ValidateRefresh.
type TokenState = ledger.State

const (
	TokenStateUnknown = ledger.StateUnknown
	TokenStateActive  = ledger.StateActive
	TokenStateExpired = ledger.StateExpired
	TokenStateRevoked = ledger.StateRevoked
)
