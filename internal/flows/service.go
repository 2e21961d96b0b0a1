package flows

import (
	"context"

	"github.com/mpetrenko/authgate/internal/identity"
)

// Service is the centralized flow runner built once by the root engine.
type Service struct {
	deps Deps
}

// New returns a flow service with immutable dependency wiring.
func New(deps Deps) Service {
	return Service{deps: deps}
}

// Initialized reports whether the service has been wired with flow deps.
func (s Service) Initialized() bool {
	return s.deps.Login.FindByEmail != nil
}

func (s Service) Login(ctx context.Context, email, password string) LoginResult {
	return RunLogin(ctx, email, password, s.deps.Login)
}

func (s Service) Refresh(ctx context.Context, refreshToken string) RefreshResult {
	return RunRefresh(ctx, refreshToken, s.deps.Refresh)
}

func (s Service) Logout(ctx context.Context, refreshToken string) error {
	return RunLogout(ctx, refreshToken, s.deps.Logout)
}

func (s Service) LogoutAll(ctx context.Context, userID string) error {
	return RunLogoutAll(ctx, userID, s.deps.Logout)
}

func (s Service) RequestReset(ctx context.Context, email string) error {
	return RunRequestReset(ctx, email, s.deps.Reset)
}

func (s Service) ConfirmReset(ctx context.Context, token, newPassword string) error {
	return RunConfirmReset(ctx, token, newPassword, s.deps.Reset)
}

func (s Service) RequestVerification(ctx context.Context, email string) error {
	return RunRequestVerification(ctx, email, s.deps.Verify)
}

func (s Service) ConfirmVerification(ctx context.Context, token string) error {
	return RunConfirmVerification(ctx, token, s.deps.Verify)
}

func (s Service) Identity(ctx context.Context, userID string) (identity.Snapshot, error) {
	return RunIdentity(ctx, userID, s.deps.Identity)
}
