package driving

import (
	"context"

	"github.com/custodia-labs/sercha-connect/internal/core/domain"
)

// AccountService owns the per-account connection state machine.
type AccountService interface {
	// Connect authenticates a new (or returning) account for a provider.
	// A failed or cancelled flow persists nothing and returns the result
	// with a nil view.
	Connect(ctx context.Context, providerID string) (*domain.AccountView, *domain.AuthResult, error)

	// Reauthenticate repairs an existing account in place.
	Reauthenticate(ctx context.Context, key domain.AccountKey) (*domain.AccountView, *domain.AuthResult, error)

	// EnsureFresh returns a usable credential, refreshing it when expired.
	EnsureFresh(ctx context.Context, key domain.AccountKey) (*domain.Credential, error)

	// ReportPermissionError is the single entry point for downstream API
	// calls that failed on authorization. The credential is retained.
	ReportPermissionError(ctx context.Context, key domain.AccountKey, cause error) error

	// Disconnect explicitly removes an account.
	Disconnect(ctx context.Context, key domain.AccountKey) error

	// DisconnectAll explicitly removes every account of a provider.
	DisconnectAll(ctx context.Context, providerID string) error

	// SetActiveAccount switches the provider's current account.
	SetActiveAccount(ctx context.Context, key domain.AccountKey) (*domain.AccountView, error)

	// State returns the connection state of one account.
	State(ctx context.Context, key domain.AccountKey) (domain.ConnectionState, error)

	// ProviderState returns the state of the provider's active account.
	ProviderState(ctx context.Context, providerID string) (domain.ConnectionState, error)

	// ListAccounts lists every stored account, broken ones included.
	ListAccounts(ctx context.Context, providerID string) ([]*domain.AccountView, error)

	// Subscribe streams state changes for a provider until cancel is called.
	Subscribe(providerID string) (<-chan domain.StateChange, func())
}
