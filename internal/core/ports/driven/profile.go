package driven

import (
	"context"

	"github.com/custodia-labs/sercha-connect/internal/core/domain"
)

// ResolvedAccount identifies the account behind a freshly issued token.
type ResolvedAccount struct {
	// UserID is the stable provider account id used in the AccountKey.
	UserID  string
	Profile *domain.Profile
}

// ProfileResolver determines which account a successful auth result belongs to.
type ProfileResolver interface {
	// Resolve returns the account for result. Returns domain.ErrNotFound when
	// the result carries nothing this resolver can use.
	Resolve(ctx context.Context, provider *domain.ProviderConfig, result *domain.AuthResult) (*ResolvedAccount, error)
}
