package driven

import (
	"context"
	"net/url"
)

// UserAgent presents an authorization URL to the user (system browser,
// embedded web view) and waits for the provider to redirect to a URL
// starting with redirectScheme.
//
// Open must return an error wrapping domain.ErrUserCancelled when the user
// dismisses the page, and must honour ctx for timeouts.
type UserAgent interface {
	Open(ctx context.Context, authURL, redirectScheme string) (*url.URL, error)
}

// UserAgentFunc adapts a function to the UserAgent interface.
type UserAgentFunc func(ctx context.Context, authURL, redirectScheme string) (*url.URL, error)

// Open calls f.
func (f UserAgentFunc) Open(ctx context.Context, authURL, redirectScheme string) (*url.URL, error) {
	return f(ctx, authURL, redirectScheme)
}

// StateGenerator produces CSRF state strings. Implementations must be safe
// for concurrent use.
type StateGenerator interface {
	Generate() (string, error)
}
