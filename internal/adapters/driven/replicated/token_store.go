// Package replicated composes two TokenStores into one: a fast store that
// is authoritative for reads and a durable store that every write also
// reaches on a best-effort basis.
package replicated

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/custodia-labs/sercha-connect/internal/core/domain"
	"github.com/custodia-labs/sercha-connect/internal/core/ports/driven"
)

var (
	_ driven.TokenStore     = (*TokenStore)(nil)
	_ driven.AccountManager = (*TokenStore)(nil)
)

var tracer = otel.Tracer("github.com/custodia-labs/sercha-connect/internal/adapters/driven/replicated")

// TokenStore writes to fast then durable. A fast failure fails the call; a
// durable failure is logged and swallowed. Reads go to durable only when
// fast reports absence. There is no reconciliation.
type TokenStore struct {
	fast    driven.TokenStore
	durable driven.TokenStore
	logger  *slog.Logger
}

// New composes fast and durable.
func New(fast, durable driven.TokenStore, logger *slog.Logger) *TokenStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenStore{fast: fast, durable: durable, logger: logger}
}

// mutate runs op on fast, then on durable.
func (s *TokenStore) mutate(ctx context.Context, name string, attrs []attribute.KeyValue, op func(driven.TokenStore) error) error {
	ctx, span := tracer.Start(ctx, "replicated."+name, trace.WithAttributes(attrs...))
	defer span.End()

	if err := op(s.fast); err != nil {
		return err
	}
	s.mirror(ctx, span, name, op)
	return nil
}

// mirror applies op to durable, logging a failure.
func (s *TokenStore) mirror(ctx context.Context, span trace.Span, name string, op func(driven.TokenStore) error) {
	if err := op(s.durable); err != nil {
		span.SetAttributes(attribute.Bool("replicated.durable_failed", true))
		s.logger.WarnContext(ctx, "durable token store write failed",
			"op", name,
			"error", err)
	}
}

func keyAttrs(key domain.AccountKey) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("provider.id", key.ProviderID),
		attribute.String("account.user_id", key.UserID),
	}
}

func providerAttrs(providerID string) []attribute.KeyValue {
	return []attribute.KeyValue{attribute.String("provider.id", providerID)}
}

// StoreToken writes cred to both stores.
func (s *TokenStore) StoreToken(ctx context.Context, key domain.AccountKey, cred *domain.Credential) error {
	return s.mutate(ctx, "store_token", keyAttrs(key), func(ts driven.TokenStore) error {
		return ts.StoreToken(ctx, key, cred)
	})
}

// GetToken reads fast, falling back to durable when fast has nothing.
func (s *TokenStore) GetToken(ctx context.Context, key domain.AccountKey) (*domain.Credential, error) {
	cred, err := s.fast.GetToken(ctx, key)
	if err != nil {
		return nil, err
	}
	if cred != nil {
		return cred, nil
	}
	cred, err = s.durable.GetToken(ctx, key)
	if err != nil {
		s.logger.WarnContext(ctx, "durable token store read failed", "key", key.String(), "error", err)
		return nil, nil
	}
	return cred, nil
}

// GetAllTokens merges both stores; fast wins on conflicts.
func (s *TokenStore) GetAllTokens(ctx context.Context, providerID string) (map[string]*domain.Credential, error) {
	fast, err := s.fast.GetAllTokens(ctx, providerID)
	if err != nil {
		return nil, err
	}
	durable, err := s.durable.GetAllTokens(ctx, providerID)
	if err != nil {
		s.logger.WarnContext(ctx, "durable token store list failed", "provider", providerID, "error", err)
		return fast, nil
	}
	out := make(map[string]*domain.Credential, len(fast)+len(durable))
	for user, cred := range durable {
		out[user] = cred
	}
	for user, cred := range fast {
		out[user] = cred
	}
	return out, nil
}

// RemoveToken deletes key from both stores.
func (s *TokenStore) RemoveToken(ctx context.Context, key domain.AccountKey) error {
	return s.mutate(ctx, "remove_token", keyAttrs(key), func(ts driven.TokenStore) error {
		return ts.RemoveToken(ctx, key)
	})
}

// RemoveAllTokens deletes every credential of a provider from both stores.
func (s *TokenStore) RemoveAllTokens(ctx context.Context, providerID string) error {
	return s.mutate(ctx, "remove_all_tokens", providerAttrs(providerID), func(ts driven.TokenStore) error {
		return ts.RemoveAllTokens(ctx, providerID)
	})
}

// HasToken reports whether either store has a readable credential.
func (s *TokenStore) HasToken(ctx context.Context, key domain.AccountKey) (bool, error) {
	cred, err := s.GetToken(ctx, key)
	if err != nil {
		return false, err
	}
	return cred != nil, nil
}

// GetActiveUser reads fast, falling back to durable.
func (s *TokenStore) GetActiveUser(ctx context.Context, providerID string) (string, bool, error) {
	user, ok, err := s.fast.GetActiveUser(ctx, providerID)
	if err != nil {
		return "", false, err
	}
	if ok {
		return user, true, nil
	}
	user, ok, err = s.durable.GetActiveUser(ctx, providerID)
	if err != nil {
		s.logger.WarnContext(ctx, "durable token store read failed", "provider", providerID, "error", err)
		return "", false, nil
	}
	return user, ok, nil
}

// SetActiveUser sets the pointer in both stores. An account only the
// durable store holds is copied into fast first, since fast refuses a
// pointer to a record it lacks.
func (s *TokenStore) SetActiveUser(ctx context.Context, providerID, userID string) error {
	key := domain.NewAccountKey(providerID, userID)
	ctx, span := tracer.Start(ctx, "replicated.set_active_user", trace.WithAttributes(keyAttrs(key)...))
	defer span.End()

	err := s.fast.SetActiveUser(ctx, providerID, userID)
	if errors.Is(err, domain.ErrNotFound) {
		err = s.promote(ctx, key, err)
		if err == nil {
			span.SetAttributes(attribute.Bool("replicated.promoted", true))
			err = s.fast.SetActiveUser(ctx, providerID, userID)
		}
	}
	if err != nil {
		return err
	}
	s.mirror(ctx, span, "set_active_user", func(ts driven.TokenStore) error {
		return ts.SetActiveUser(ctx, providerID, userID)
	})
	return nil
}

// promote copies key from durable into fast. notFound is returned when
// durable has no readable record either.
func (s *TokenStore) promote(ctx context.Context, key domain.AccountKey, notFound error) error {
	cred, err := s.durable.GetToken(ctx, key)
	if err != nil {
		s.logger.WarnContext(ctx, "durable token store read failed", "key", key.String(), "error", err)
		return notFound
	}
	if cred == nil {
		return notFound
	}
	if err := s.fast.StoreToken(ctx, key, cred); err != nil {
		return fmt.Errorf("copy %s into fast store: %w", key, err)
	}
	return nil
}

// ClearActiveUser clears the pointer in both stores.
func (s *TokenStore) ClearActiveUser(ctx context.Context, providerID string) error {
	return s.mutate(ctx, "clear_active_user", providerAttrs(providerID), func(ts driven.TokenStore) error {
		return ts.ClearActiveUser(ctx, providerID)
	})
}

// DeleteUserAccount uses each store's AccountManager when it has one.
func (s *TokenStore) DeleteUserAccount(ctx context.Context, key domain.AccountKey) error {
	return s.mutate(ctx, "delete_user_account", keyAttrs(key), func(ts driven.TokenStore) error {
		if m, ok := driven.AsAccountManager(ts); ok {
			return m.DeleteUserAccount(ctx, key)
		}
		return ts.RemoveToken(ctx, key)
	})
}

// DeleteAllAccountsForProvider uses each store's AccountManager when it has one.
func (s *TokenStore) DeleteAllAccountsForProvider(ctx context.Context, providerID string) error {
	return s.mutate(ctx, "delete_all_accounts", providerAttrs(providerID), func(ts driven.TokenStore) error {
		if m, ok := driven.AsAccountManager(ts); ok {
			return m.DeleteAllAccountsForProvider(ctx, providerID)
		}
		return ts.RemoveAllTokens(ctx, providerID)
	})
}

// ListUserIDsForProvider returns the union of both stores' user ids.
func (s *TokenStore) ListUserIDsForProvider(ctx context.Context, providerID string) ([]string, error) {
	seen := make(map[string]bool)
	var ids []string
	for i, ts := range []driven.TokenStore{s.fast, s.durable} {
		part, err := listUserIDs(ctx, ts, providerID)
		if err != nil {
			if i == 0 {
				return nil, err
			}
			s.logger.WarnContext(ctx, "durable token store list failed", "provider", providerID, "error", err)
			continue
		}
		for _, id := range part {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}

func listUserIDs(ctx context.Context, ts driven.TokenStore, providerID string) ([]string, error) {
	if m, ok := driven.AsAccountManager(ts); ok {
		return m.ListUserIDsForProvider(ctx, providerID)
	}
	all, err := ts.GetAllTokens(ctx, providerID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(all))
	for id := range all {
		ids = append(ids, id)
	}
	return ids, nil
}

// UserAccountExists reports whether either store has a record for key.
func (s *TokenStore) UserAccountExists(ctx context.Context, key domain.AccountKey) (bool, error) {
	for i, ts := range []driven.TokenStore{s.fast, s.durable} {
		var exists bool
		var err error
		if m, ok := driven.AsAccountManager(ts); ok {
			exists, err = m.UserAccountExists(ctx, key)
		} else {
			exists, err = ts.HasToken(ctx, key)
		}
		if err != nil {
			if i == 0 {
				return false, err
			}
			s.logger.WarnContext(ctx, "durable token store read failed", "key", key.String(), "error", err)
			continue
		}
		if exists {
			return true, nil
		}
	}
	return false, nil
}
