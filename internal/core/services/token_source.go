package services

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/custodia-labs/sercha-connect/internal/core/domain"
	"github.com/custodia-labs/sercha-connect/internal/core/ports/driving"
)

// accountTokenSource adapts an account to oauth2.TokenSource.
type accountTokenSource struct {
	ctx      context.Context
	accounts driving.AccountService
	key      domain.AccountKey
}

// NewTokenSource returns a token source backed by a stored account.
// Tokens are refreshed through the account service so the lifecycle
// state stays accurate.
func NewTokenSource(ctx context.Context, accounts driving.AccountService, key domain.AccountKey) oauth2.TokenSource {
	src := &accountTokenSource{ctx: ctx, accounts: accounts, key: key}
	return oauth2.ReuseTokenSource(nil, src)
}

func (s *accountTokenSource) Token() (*oauth2.Token, error) {
	cred, err := s.accounts.EnsureFresh(s.ctx, s.key)
	if err != nil {
		return nil, fmt.Errorf("token for %s: %w", s.key, err)
	}
	return credentialToken(cred), nil
}

func credentialToken(cred *domain.Credential) *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		TokenType:    cred.Extra.TokenType,
	}
	if cred.ExpiresAt != nil {
		// Expire early so the reuse cache hands back to EnsureFresh
		// at the same point it would refresh.
		tok.Expiry = cred.ExpiresAt.Add(-refreshWindow)
	}
	return tok
}

// refreshWindow mirrors the credential refresh skew.
const refreshWindow = 5 * time.Minute

// permissionTransport reports 403 responses as permission problems. A 401
// means the access token itself was refused, which is for the refresh path
// to settle, so it is passed through untouched.
type permissionTransport struct {
	base     http.RoundTripper
	accounts driving.AccountService
	key      domain.AccountKey
}

func (t *permissionTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusForbidden {
		cause := fmt.Errorf("%w: %s %s returned %d", domain.ErrForbidden, req.Method, req.URL.Host, resp.StatusCode)
		_ = t.accounts.ReportPermissionError(req.Context(), t.key, cause)
	}
	return resp, nil
}

// NewHTTPClient returns a client that authorizes requests as the account and
// reports permission failures back to the account service.
func NewHTTPClient(ctx context.Context, accounts driving.AccountService, key domain.AccountKey) *http.Client {
	base := http.DefaultTransport
	if c, ok := ctx.Value(oauth2.HTTPClient).(*http.Client); ok && c.Transport != nil {
		base = c.Transport
	}
	return &http.Client{
		Transport: &oauth2.Transport{
			Source: NewTokenSource(ctx, accounts, key),
			Base:   &permissionTransport{base: base, accounts: accounts, key: key},
		},
	}
}
