package driven

import (
	"context"

	"github.com/custodia-labs/sercha-connect/internal/core/domain"
)

// TokenStore persists credentials keyed by (provider, user) and tracks the
// active account per provider.
//
// Absence is not an error: GetToken returns nil, nil for an unknown key and
// GetActiveUser returns "", false, nil when no account is active. A record
// that cannot be decoded is treated as absent and removed from the backend.
type TokenStore interface {
	// StoreToken creates or replaces the credential for key.
	StoreToken(ctx context.Context, key domain.AccountKey, cred *domain.Credential) error

	// GetToken returns the credential for key or nil if none is stored.
	GetToken(ctx context.Context, key domain.AccountKey) (*domain.Credential, error)

	// GetAllTokens returns every credential for a provider keyed by user id.
	GetAllTokens(ctx context.Context, providerID string) (map[string]*domain.Credential, error)

	// RemoveToken deletes the credential for key. Removing the active
	// account also clears the provider's active pointer.
	RemoveToken(ctx context.Context, key domain.AccountKey) error

	// RemoveAllTokens deletes every credential for a provider and clears its
	// active pointer.
	RemoveAllTokens(ctx context.Context, providerID string) error

	// HasToken reports whether a readable credential is stored for key.
	HasToken(ctx context.Context, key domain.AccountKey) (bool, error)

	// GetActiveUser returns the active user id for a provider.
	GetActiveUser(ctx context.Context, providerID string) (string, bool, error)

	// SetActiveUser marks userID active. Returns domain.ErrNotFound if no
	// credential exists for the key.
	SetActiveUser(ctx context.Context, providerID, userID string) error

	// ClearActiveUser unsets the provider's active pointer.
	ClearActiveUser(ctx context.Context, providerID string) error
}

// AccountManager is an optional bulk-management capability. Backends that
// cannot support it (read-mostly remote stores) simply don't implement it.
type AccountManager interface {
	// DeleteUserAccount removes everything stored for one account.
	DeleteUserAccount(ctx context.Context, key domain.AccountKey) error

	// DeleteAllAccountsForProvider removes every account of a provider.
	DeleteAllAccountsForProvider(ctx context.Context, providerID string) error

	// ListUserIDsForProvider lists stored user ids without decoding records.
	ListUserIDsForProvider(ctx context.Context, providerID string) ([]string, error)

	// UserAccountExists reports whether any record exists for key.
	UserAccountExists(ctx context.Context, key domain.AccountKey) (bool, error)
}

// AsAccountManager returns the bulk-management capability of store, if any.
func AsAccountManager(store TokenStore) (AccountManager, bool) {
	m, ok := store.(AccountManager)
	return m, ok
}
