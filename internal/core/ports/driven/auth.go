package driven

import (
	"time"

	"github.com/custodia-labs/sercha-connect/internal/core/domain"
)

// AdminTokens issues and verifies bearer tokens for the account-management API.
type AdminTokens interface {
	// GenerateToken signs a token for subject valid for ttl.
	GenerateToken(subject string, ttl time.Duration) (string, error)

	// ParseToken verifies token. Returns domain.ErrTokenExpired or
	// domain.ErrTokenInvalid.
	ParseToken(token string) (*domain.AdminClaims, error)
}
