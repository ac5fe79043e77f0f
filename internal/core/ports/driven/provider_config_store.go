package driven

import "github.com/custodia-labs/sercha-connect/internal/core/domain"

// ProviderRegistry resolves configured provider instances by id.
type ProviderRegistry interface {
	// Get returns the provider or domain.ErrProviderNotFound.
	Get(providerID string) (*domain.ProviderConfig, error)

	// List returns all configured providers.
	List() []*domain.ProviderConfig
}
