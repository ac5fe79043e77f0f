package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/custodia-labs/sercha-connect/internal/adapters/driven/record"
	"github.com/custodia-labs/sercha-connect/internal/core/domain"
	"github.com/custodia-labs/sercha-connect/internal/core/ports/driven"
)

// Verify interface compliance
var (
	_ driven.TokenStore     = (*TokenStore)(nil)
	_ driven.AccountManager = (*TokenStore)(nil)
)

const (
	// Key prefixes for Redis
	credentialPrefix = "sercha:cred:"
	indexPrefix      = "sercha:cred-index:"
	activePrefix     = "sercha:cred-active:"
)

// credentialKey uses the encoded key so ids containing ':' cannot collide.
func credentialKey(key domain.AccountKey) string {
	return credentialPrefix + key.Encoded()
}

// TokenStore implements driven.TokenStore using Redis.
// Each credential is a string value; a per-provider set indexes user ids
// and a per-provider string holds the active user.
type TokenStore struct {
	client *redis.Client
	codec  *record.Codec
	logger *slog.Logger
}

// NewTokenStore creates a new Redis-backed TokenStore. codec may be nil
// for plain JSON records.
func NewTokenStore(client *redis.Client, codec *record.Codec, logger *slog.Logger) *TokenStore {
	if codec == nil {
		codec = record.NewCodec(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenStore{client: client, codec: codec, logger: logger}
}

// StoreToken writes the record and indexes the user in one pipeline.
func (s *TokenStore) StoreToken(ctx context.Context, key domain.AccountKey, cred *domain.Credential) error {
	if err := key.Validate(); err != nil {
		return err
	}
	data, err := s.codec.Encode(cred)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, credentialKey(key), data, 0)
	pipe.SAdd(ctx, indexPrefix+key.ProviderID, key.UserID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	return nil
}

// GetToken retrieves a credential, nil when absent or corrupted. A record
// sealed with another key is kept and reported as domain.ErrRecordKeyMismatch.
func (s *TokenStore) GetToken(ctx context.Context, key domain.AccountKey) (*domain.Credential, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	data, err := s.client.Get(ctx, credentialKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return s.decode(ctx, key, data)
}

// decode drops records no key can read and surfaces records sealed with
// another key, which are kept.
func (s *TokenStore) decode(ctx context.Context, key domain.AccountKey, data []byte) (*domain.Credential, error) {
	cred, err := s.codec.Decode(data)
	if err == nil {
		return cred, nil
	}
	if !record.Discardable(err) {
		s.logger.Warn("keeping credential record sealed with another key",
			"provider", key.ProviderID,
			"user", key.UserID,
			"error", err)
		return nil, fmt.Errorf("read credential %s: %w", key, err)
	}
	s.logger.Warn("discarding corrupted credential record",
		"provider", key.ProviderID,
		"user", key.UserID,
		"error", err)
	if err := discardScript.Run(ctx, s.client, recordKeys(key), key.UserID, data).Err(); err != nil {
		s.logger.Error("failed to remove corrupted record", "key", key.String(), "error", err)
	}
	return nil, nil
}

// GetAllTokens returns every readable credential of a provider.
func (s *TokenStore) GetAllTokens(ctx context.Context, providerID string) (map[string]*domain.Credential, error) {
	userIDs, err := s.ListUserIDsForProvider(ctx, providerID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*domain.Credential, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}

	keys := make([]string, len(userIDs))
	for i, user := range userIDs {
		keys[i] = credentialKey(domain.NewAccountKey(providerID, user))
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get credentials: %w", err)
	}

	for i, value := range values {
		key := domain.NewAccountKey(providerID, userIDs[i])
		raw, ok := value.(string)
		if !ok {
			// Indexed but the value is gone; drop the stale index entry.
			s.client.SRem(ctx, indexPrefix+providerID, userIDs[i])
			continue
		}
		cred, err := s.decode(ctx, key, []byte(raw))
		if err != nil {
			// Sealed with another key: kept, but not listed.
			continue
		}
		if cred != nil {
			out[userIDs[i]] = cred
		}
	}
	return out, nil
}

// removeScript deletes a record, its index entry and the active pointer
// if it references the removed user.
var removeScript = redis.NewScript(`
	redis.call("del", KEYS[1])
	redis.call("srem", KEYS[2], ARGV[1])
	if redis.call("get", KEYS[3]) == ARGV[1] then
		redis.call("del", KEYS[3])
	end
	return 1
`)

// discardScript is removeScript guarded by ARGV[2]: the record is only
// removed while it still holds the bytes that failed to decode.
var discardScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) ~= ARGV[2] then
		return 0
	end
	redis.call("del", KEYS[1])
	redis.call("srem", KEYS[2], ARGV[1])
	if redis.call("get", KEYS[3]) == ARGV[1] then
		redis.call("del", KEYS[3])
	end
	return 1
`)

// recordKeys are the keys removeScript and discardScript touch.
func recordKeys(key domain.AccountKey) []string {
	return []string{credentialKey(key), indexPrefix + key.ProviderID, activePrefix + key.ProviderID}
}

// RemoveToken deletes the credential and clears the active pointer if needed.
func (s *TokenStore) RemoveToken(ctx context.Context, key domain.AccountKey) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if err := removeScript.Run(ctx, s.client, recordKeys(key), key.UserID).Err(); err != nil {
		return fmt.Errorf("failed to remove credential: %w", err)
	}
	return nil
}

// RemoveAllTokens deletes every credential of a provider.
func (s *TokenStore) RemoveAllTokens(ctx context.Context, providerID string) error {
	userIDs, err := s.ListUserIDsForProvider(ctx, providerID)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	for _, user := range userIDs {
		pipe.Del(ctx, credentialKey(domain.NewAccountKey(providerID, user)))
	}
	pipe.Del(ctx, indexPrefix+providerID, activePrefix+providerID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove credentials: %w", err)
	}
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
	user, err := s.client.Get(ctx, activePrefix+providerID).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get active user: %w", err)
	}
	return user, true, nil
}

// setActiveScript sets the pointer only when the credential exists.
var setActiveScript = redis.NewScript(`
	if redis.call("exists", KEYS[1]) == 0 then
		return 0
	end
	redis.call("set", KEYS[2], ARGV[1])
	return 1
`)

// SetActiveUser marks an existing account active.
func (s *TokenStore) SetActiveUser(ctx context.Context, providerID, userID string) error {
	key := domain.NewAccountKey(providerID, userID)
	if err := key.Validate(); err != nil {
		return err
	}
	set, err := setActiveScript.Run(ctx, s.client, []string{credentialKey(key), activePrefix + providerID}, userID).Int()
	if err != nil {
		return fmt.Errorf("failed to set active user: %w", err)
	}
	if set == 0 {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, key)
	}
	return nil
}

// ClearActiveUser unsets the provider's active pointer.
func (s *TokenStore) ClearActiveUser(ctx context.Context, providerID string) error {
	if err := s.client.Del(ctx, activePrefix+providerID).Err(); err != nil {
		return fmt.Errorf("failed to clear active user: %w", err)
	}
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

// ListUserIDsForProvider lists indexed user ids without decoding records.
func (s *TokenStore) ListUserIDsForProvider(ctx context.Context, providerID string) ([]string, error) {
	ids, err := s.client.SMembers(ctx, indexPrefix+providerID).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return ids, nil
}

// UserAccountExists reports whether a record exists for key.
func (s *TokenStore) UserAccountExists(ctx context.Context, key domain.AccountKey) (bool, error) {
	n, err := s.client.Exists(ctx, credentialKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check account: %w", err)
	}
	return n > 0, nil
}

// Ping checks if Redis is reachable.
func (s *TokenStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
