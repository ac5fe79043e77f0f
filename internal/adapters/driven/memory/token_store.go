// Package memory provides an in-process TokenStore.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/custodia-labs/sercha-connect/internal/adapters/driven/record"
	"github.com/custodia-labs/sercha-connect/internal/core/domain"
	"github.com/custodia-labs/sercha-connect/internal/core/ports/driven"
)

// Verify interface compliance
var (
	_ driven.TokenStore     = (*TokenStore)(nil)
	_ driven.AccountManager = (*TokenStore)(nil)
)

// TokenStore keeps encoded credentials in a map. Records are stored in
// their serialized form so decoding behaves like the persistent backends.
type TokenStore struct {
	mu      sync.RWMutex
	records map[string]map[string][]byte // provider -> user -> record
	active  map[string]string
	codec   *record.Codec
	logger  *slog.Logger
}

// NewTokenStore creates an empty in-memory store.
func NewTokenStore(logger *slog.Logger) *TokenStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenStore{
		records: make(map[string]map[string][]byte),
		active:  make(map[string]string),
		codec:   record.NewCodec(nil),
		logger:  logger,
	}
}

// StoreToken creates or replaces the credential for key.
func (s *TokenStore) StoreToken(ctx context.Context, key domain.AccountKey, cred *domain.Credential) error {
	if err := key.Validate(); err != nil {
		return err
	}
	data, err := s.codec.Encode(cred)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	users, ok := s.records[key.ProviderID]
	if !ok {
		users = make(map[string][]byte)
		s.records[key.ProviderID] = users
	}
	users[key.UserID] = data
	return nil
}

// GetToken returns the credential for key, nil when absent or corrupted.
// A record sealed with a key this store lacks is kept and reported as
// domain.ErrRecordKeyMismatch.
func (s *TokenStore) GetToken(ctx context.Context, key domain.AccountKey) (*domain.Credential, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	data, ok := s.records[key.ProviderID][key.UserID]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	cred, err := s.codec.Decode(data)
	if err != nil && !record.Discardable(err) {
		return nil, fmt.Errorf("read credential %s: %w", key, err)
	}
	if err != nil {
		s.discard(key, data, err)
		return nil, nil
	}
	return cred, nil
}

// GetAllTokens returns every readable credential of a provider.
func (s *TokenStore) GetAllTokens(ctx context.Context, providerID string) (map[string]*domain.Credential, error) {
	s.mu.RLock()
	snapshot := make(map[string][]byte, len(s.records[providerID]))
	for user, data := range s.records[providerID] {
		snapshot[user] = data
	}
	s.mu.RUnlock()

	out := make(map[string]*domain.Credential, len(snapshot))
	for user, data := range snapshot {
		cred, err := s.codec.Decode(data)
		if err != nil && record.Discardable(err) {
			s.discard(domain.NewAccountKey(providerID, user), data, err)
		}
		if err != nil {
			continue
		}
		out[user] = cred
	}
	return out, nil
}

// discard drops an undecodable record, unless it was replaced after data
// was read.
func (s *TokenStore) discard(key domain.AccountKey, data []byte, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.records[key.ProviderID][key.UserID]
	if !ok || !bytes.Equal(current, data) {
		return
	}
	s.logger.Warn("discarding corrupted credential record",
		"provider", key.ProviderID,
		"user", key.UserID,
		"error", cause)
	s.removeLocked(key)
}

// RemoveToken deletes the credential for key.
func (s *TokenStore) RemoveToken(ctx context.Context, key domain.AccountKey) error {
	if err := key.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(key)
	return nil
}

func (s *TokenStore) removeLocked(key domain.AccountKey) {
	if users, ok := s.records[key.ProviderID]; ok {
		delete(users, key.UserID)
		if len(users) == 0 {
			delete(s.records, key.ProviderID)
		}
	}
	if s.active[key.ProviderID] == key.UserID {
		delete(s.active, key.ProviderID)
	}
}

// RemoveAllTokens deletes every credential of a provider.
func (s *TokenStore) RemoveAllTokens(ctx context.Context, providerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, providerID)
	delete(s.active, providerID)
	return nil
}

// HasToken reports whether a readable credential exists for key.
func (s *TokenStore) HasToken(ctx context.Context, key domain.AccountKey) (bool, error) {
	cred, err := s.GetToken(ctx, key)
	if err != nil {
		return false, err
	}
	return cred != nil, nil
}

// GetActiveUser returns the provider's active user id.
func (s *TokenStore) GetActiveUser(ctx context.Context, providerID string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.active[providerID]
	return user, ok, nil
}

// SetActiveUser marks an existing account active.
func (s *TokenStore) SetActiveUser(ctx context.Context, providerID, userID string) error {
	key := domain.NewAccountKey(providerID, userID)
	if err := key.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[providerID][userID]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, key)
	}
	s.active[providerID] = userID
	return nil
}

// ClearActiveUser unsets the provider's active pointer.
func (s *TokenStore) ClearActiveUser(ctx context.Context, providerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, providerID)
	return nil
}

// DeleteUserAccount removes everything stored for key.
func (s *TokenStore) DeleteUserAccount(ctx context.Context, key domain.AccountKey) error {
	return s.RemoveToken(ctx, key)
}

// DeleteAllAccountsForProvider removes every account of a provider.
func (s *TokenStore) DeleteAllAccountsForProvider(ctx context.Context, providerID string) error {
	return s.RemoveAllTokens(ctx, providerID)
}

// ListUserIDsForProvider lists stored user ids without decoding.
func (s *TokenStore) ListUserIDsForProvider(ctx context.Context, providerID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.records[providerID]))
	for user := range s.records[providerID] {
		ids = append(ids, user)
	}
	return ids, nil
}

// UserAccountExists reports whether any record, readable or not, exists for key.
func (s *TokenStore) UserAccountExists(ctx context.Context, key domain.AccountKey) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[key.ProviderID][key.UserID]
	return ok, nil
}

// PutRaw stores bytes as-is for key, bypassing the codec. Used to seed
// records written by other versions.
func (s *TokenStore) PutRaw(key domain.AccountKey, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	users, ok := s.records[key.ProviderID]
	if !ok {
		users = make(map[string][]byte)
		s.records[key.ProviderID] = users
	}
	users[key.UserID] = data
}
