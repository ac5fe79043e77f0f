// Package profile resolves the provider account behind a freshly issued token.
package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/custodia-labs/sercha-connect/internal/core/domain"
	"github.com/custodia-labs/sercha-connect/internal/core/ports/driven"
)

var (
	_ driven.ProfileResolver = (*IDTokenResolver)(nil)
	_ driven.ProfileResolver = (*UserInfoResolver)(nil)
	_ driven.ProfileResolver = Chain(nil)
)

// maxUserInfoBody bounds the userinfo response read into memory.
const maxUserInfoBody = 1 << 20

// Claim names tried in order when reading identity documents.
var (
	idClaims      = []string{"sub", "id", "user_id", "account_id", "uid"}
	nameClaims    = []string{"name", "display_name", "alias", "preferred_username"}
	emailClaims   = []string{"email", "mail"}
	pictureClaims = []string{"picture", "avatar_url", "avatar"}
)

// IDTokenResolver reads identity claims from the id_token returned with the
// access token. The signature is not verified: the token came straight from
// the token endpoint over TLS and is only used to label the account.
type IDTokenResolver struct {
	parser *jwt.Parser
}

// NewIDTokenResolver creates an IDTokenResolver.
func NewIDTokenResolver() *IDTokenResolver {
	return &IDTokenResolver{parser: jwt.NewParser()}
}

// Resolve implements driven.ProfileResolver.
func (r *IDTokenResolver) Resolve(_ context.Context, _ *domain.ProviderConfig, result *domain.AuthResult) (*driven.ResolvedAccount, error) {
	if result == nil || result.Extra.IDToken == "" {
		return nil, fmt.Errorf("%w: no id_token", domain.ErrNotFound)
	}
	claims := jwt.MapClaims{}
	if _, _, err := r.parser.ParseUnverified(result.Extra.IDToken, claims); err != nil {
		return nil, fmt.Errorf("parse id_token: %w", err)
	}
	return accountFromClaims(claims)
}

// UserInfoResolver calls the provider's UserInfoURL with the new access token.
type UserInfoResolver struct {
	client *http.Client
	logger *slog.Logger
}

// NewUserInfoResolver creates a UserInfoResolver. client may be nil.
func NewUserInfoResolver(client *http.Client, logger *slog.Logger) *UserInfoResolver {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &UserInfoResolver{client: client, logger: logger}
}

// Resolve implements driven.ProfileResolver.
func (r *UserInfoResolver) Resolve(ctx context.Context, provider *domain.ProviderConfig, result *domain.AuthResult) (*driven.ResolvedAccount, error) {
	if provider == nil || provider.UserInfoURL == "" {
		return nil, fmt.Errorf("%w: no userinfo endpoint", domain.ErrNotFound)
	}
	if result == nil || result.AccessToken == "" {
		return nil, fmt.Errorf("%w: no access token", domain.ErrNotFound)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, provider.UserInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+result.AccessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("userinfo request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUserInfoBody))
	if err != nil {
		return nil, fmt.Errorf("read userinfo: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		r.logger.Warn("userinfo request failed",
			"provider", provider.ID,
			"status", resp.StatusCode)
		return nil, fmt.Errorf("userinfo returned HTTP %d", resp.StatusCode)
	}

	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode userinfo: %w", err)
	}
	return accountFromClaims(doc)
}

// Chain tries resolvers in order. A resolver reporting domain.ErrNotFound
// passes to the next; any other error stops the chain.
type Chain []driven.ProfileResolver

// Resolve implements driven.ProfileResolver.
func (c Chain) Resolve(ctx context.Context, provider *domain.ProviderConfig, result *domain.AuthResult) (*driven.ResolvedAccount, error) {
	for _, r := range c {
		account, err := r.Resolve(ctx, provider, result)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return account, nil
	}
	return nil, fmt.Errorf("%w: no resolver produced an account", domain.ErrNotFound)
}

// NewDefault returns the id_token resolver followed by the userinfo resolver.
func NewDefault(client *http.Client, logger *slog.Logger) Chain {
	return Chain{NewIDTokenResolver(), NewUserInfoResolver(client, logger)}
}

func accountFromClaims(claims map[string]any) (*driven.ResolvedAccount, error) {
	id := firstClaim(claims, idClaims)
	if id == "" {
		return nil, fmt.Errorf("%w: identity document has no account id", domain.ErrNotFound)
	}
	account := &driven.ResolvedAccount{UserID: id}
	p := &domain.Profile{
		Name:       firstClaim(claims, nameClaims),
		Email:      firstClaim(claims, emailClaims),
		PictureURL: firstClaim(claims, pictureClaims),
	}
	if !p.IsZero() {
		account.Profile = p
	}
	return account, nil
}

func firstClaim(claims map[string]any, names []string) string {
	for _, name := range names {
		switch v := claims[name].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case json.Number:
			return v.String()
		}
	}
	return ""
}
