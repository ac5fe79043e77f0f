package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/custodia-labs/sercha-connect/internal/adapters/driven/record"
	"github.com/custodia-labs/sercha-connect/internal/core/domain"
	"github.com/custodia-labs/sercha-connect/internal/core/ports/driven"
)

// Ensure TokenStore implements the interfaces.
var (
	_ driven.TokenStore     = (*TokenStore)(nil)
	_ driven.AccountManager = (*TokenStore)(nil)
)

// foreignKeyViolation is the SQLSTATE for a foreign key violation.
const foreignKeyViolation = "23503"

// TokenStore implements driven.TokenStore using PostgreSQL.
// Records are sealed with the codec's encryptor when one is configured.
type TokenStore struct {
	db     *DB
	codec  *record.Codec
	logger *slog.Logger
	now    func() time.Time
}

// NewTokenStore creates a new PostgreSQL-backed token store.
func NewTokenStore(db *DB, codec *record.Codec, logger *slog.Logger) *TokenStore {
	if codec == nil {
		codec = record.NewCodec(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenStore{db: db, codec: codec, logger: logger, now: time.Now}
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

	query := `
		INSERT INTO credentials (provider_id, user_id, record, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (provider_id, user_id) DO UPDATE SET
			record = EXCLUDED.record,
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, key.ProviderID, key.UserID, data, NullTime(cred.ExpiresAt), s.now()); err != nil {
		return fmt.Errorf("store credential: %w", err)
	}
	return nil
}

// GetToken retrieves a credential, nil when absent or corrupted. A record
// sealed with another key is kept and reported as domain.ErrRecordKeyMismatch.
func (s *TokenStore) GetToken(ctx context.Context, key domain.AccountKey) (*domain.Credential, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT record FROM credentials WHERE provider_id = $1 AND user_id = $2`,
		key.ProviderID, key.UserID,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
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
	// Guarded by the bytes read so a concurrent rewrite survives.
	_, err = s.db.ExecContext(ctx,
		`DELETE FROM credentials WHERE provider_id = $1 AND user_id = $2 AND record = $3`,
		key.ProviderID, key.UserID, data,
	)
	if err != nil {
		s.logger.Error("failed to remove corrupted record", "key", key.String(), "error", err)
	}
	return nil, nil
}

// GetAllTokens returns every readable credential of a provider.
func (s *TokenStore) GetAllTokens(ctx context.Context, providerID string) (map[string]*domain.Credential, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, record FROM credentials WHERE provider_id = $1`,
		providerID,
	)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}

	raw := make(map[string][]byte)
	for rows.Next() {
		var user string
		var data []byte
		if err := rows.Scan(&user, &data); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		raw[user] = data
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate credentials: %w", err)
	}
	rows.Close()

	// Decode after the rows are closed; discarding a record issues a DELETE.
	out := make(map[string]*domain.Credential, len(raw))
	for user, data := range raw {
		cred, err := s.decode(ctx, domain.NewAccountKey(providerID, user), data)
		if err != nil {
			// Sealed with another key: kept, but not listed.
			continue
		}
		if cred != nil {
			out[user] = cred
		}
	}
	return out, nil
}

// RemoveToken deletes the credential. The active pointer cascades.
func (s *TokenStore) RemoveToken(ctx context.Context, key domain.AccountKey) error {
	if err := key.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM credentials WHERE provider_id = $1 AND user_id = $2`,
		key.ProviderID, key.UserID,
	)
	if err != nil {
		return fmt.Errorf("remove credential: %w", err)
	}
	return nil
}

// RemoveAllTokens deletes every credential of a provider.
func (s *TokenStore) RemoveAllTokens(ctx context.Context, providerID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE provider_id = $1`, providerID); err != nil {
		return fmt.Errorf("remove credentials: %w", err)
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
	var user string
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id FROM active_accounts WHERE provider_id = $1`,
		providerID,
	).Scan(&user)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get active user: %w", err)
	}
	return user, true, nil
}

// SetActiveUser marks an existing account active.
func (s *TokenStore) SetActiveUser(ctx context.Context, providerID, userID string) error {
	key := domain.NewAccountKey(providerID, userID)
	if err := key.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO active_accounts (provider_id, user_id, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (provider_id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			updated_at = EXCLUDED.updated_at
	`
	_, err := s.db.ExecContext(ctx, query, providerID, userID, s.now())
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == foreignKeyViolation {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, key)
	}
	if err != nil {
		return fmt.Errorf("set active user: %w", err)
	}
	return nil
}

// ClearActiveUser unsets the provider's active pointer.
func (s *TokenStore) ClearActiveUser(ctx context.Context, providerID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM active_accounts WHERE provider_id = $1`, providerID); err != nil {
		return fmt.Errorf("clear active user: %w", err)
	}
	return nil
}

// DeleteUserAccount removes everything stored for key.
func (s *TokenStore) DeleteUserAccount(ctx context.Context, key domain.AccountKey) error {
	return s.RemoveToken(ctx, key)
}

// DeleteAllAccountsForProvider removes every account of a provider in one transaction.
func (s *TokenStore) DeleteAllAccountsForProvider(ctx context.Context, providerID string) error {
	return s.db.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM active_accounts WHERE provider_id = $1`, providerID); err != nil {
			return fmt.Errorf("clear active user: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM credentials WHERE provider_id = $1`, providerID); err != nil {
			return fmt.Errorf("remove credentials: %w", err)
		}
		return nil
	})
}

// ListUserIDsForProvider lists stored user ids without decoding records.
func (s *TokenStore) ListUserIDsForProvider(ctx context.Context, providerID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM credentials WHERE provider_id = $1 ORDER BY user_id`,
		providerID,
	)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UserAccountExists reports whether a record exists for key.
func (s *TokenStore) UserAccountExists(ctx context.Context, key domain.AccountKey) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM credentials WHERE provider_id = $1 AND user_id = $2)`,
		key.ProviderID, key.UserID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check account: %w", err)
	}
	return exists, nil
}
