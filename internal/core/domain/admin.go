package domain

import "time"

// AdminClaims identifies the caller of the account-management API.
type AdminClaims struct {
	Subject   string    `json:"sub"`
	IssuedAt  time.Time `json:"iat"`
	ExpiresAt time.Time `json:"exp"`
}

// IsExpired reports whether the claims are past their expiry.
func (c *AdminClaims) IsExpired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}
