package driving

import (
	"context"

	"github.com/custodia-labs/sercha-connect/internal/core/domain"
)

// AuthFlow drives client-side OAuth authentication attempts.
// Neither method returns a Go error: every failure is a typed AuthResult.
type AuthFlow interface {
	// Authenticate runs one authorization flow end-to-end for provider.
	Authenticate(ctx context.Context, provider *domain.ProviderConfig) *domain.AuthResult

	// AuthenticateAccount is Authenticate serialized per account, so two
	// flows for the same account never overlap.
	AuthenticateAccount(ctx context.Context, key domain.AccountKey, provider *domain.ProviderConfig) *domain.AuthResult

	// Refresh exchanges a refresh token for a new access token.
	Refresh(ctx context.Context, refreshToken, refreshURL, clientID string) *domain.AuthResult
}
