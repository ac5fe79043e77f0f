// Package sqlite provides a SQLite-backed TokenStore for single-machine installs.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/custodia-labs/sercha-connect/internal/adapters/driven/record"
	"github.com/custodia-labs/sercha-connect/internal/core/domain"
	"github.com/custodia-labs/sercha-connect/internal/core/ports/driven"
)

//go:embed schema.sql
var schema string

var (
	_ driven.TokenStore     = (*TokenStore)(nil)
	_ driven.AccountManager = (*TokenStore)(nil)
)

// TokenStore persists credentials in a local SQLite file.
type TokenStore struct {
	sqlDB  *sql.DB
	codec  *record.Codec
	logger *slog.Logger
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// Open opens the database at path and creates the schema.
func Open(path string, codec *record.Codec, logger *slog.Logger) (*TokenStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if codec == nil {
		codec = record.NewCodec(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}

	dsn := filepath.Clean(path) +
		"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer at a time; SQLite serializes writes anyway.
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return &TokenStore{sqlDB: sqlDB, codec: codec, logger: logger}, nil
}

// Close closes the SQLite handle.
func (s *TokenStore) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
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

	var expiresAt sql.NullInt64
	if cred.ExpiresAt != nil {
		expiresAt = sql.NullInt64{Int64: toMillis(*cred.ExpiresAt), Valid: true}
	}

	_, err = s.sqlDB.ExecContext(ctx,
		`INSERT INTO credentials (provider_id, user_id, record, expires_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (provider_id, user_id) DO UPDATE SET
		   record = excluded.record,
		   expires_at = excluded.expires_at,
		   updated_at = excluded.updated_at`,
		key.ProviderID, key.UserID, data, expiresAt, toMillis(time.Now()),
	)
	if err != nil {
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
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT record FROM credentials WHERE provider_id = ? AND user_id = ?`,
		key.ProviderID, key.UserID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
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
	_, err = s.sqlDB.ExecContext(ctx,
		`DELETE FROM credentials WHERE provider_id = ? AND user_id = ? AND record = ?`,
		key.ProviderID, key.UserID, data,
	)
	if err != nil {
		s.logger.Error("failed to remove corrupted record", "key", key.String(), "error", err)
	}
	return nil, nil
}

// GetAllTokens returns every readable credential of a provider.
func (s *TokenStore) GetAllTokens(ctx context.Context, providerID string) (map[string]*domain.Credential, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT user_id, record FROM credentials WHERE provider_id = ?`, providerID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	raw := make(map[string][]byte)
	for rows.Next() {
		var user string
		var data []byte
		if err := rows.Scan(&user, &data); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		raw[user] = data
	}
	err = rows.Err()
	_ = rows.Close()
	if err != nil {
		return nil, fmt.Errorf("iterate credentials: %w", err)
	}

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

// RemoveToken deletes the credential; the active pointer cascades.
func (s *TokenStore) RemoveToken(ctx context.Context, key domain.AccountKey) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM credentials WHERE provider_id = ? AND user_id = ?`,
		key.ProviderID, key.UserID,
	); err != nil {
		return fmt.Errorf("remove credential: %w", err)
	}
	return nil
}

// RemoveAllTokens deletes every credential of a provider.
func (s *TokenStore) RemoveAllTokens(ctx context.Context, providerID string) error {
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM credentials WHERE provider_id = ?`, providerID); err != nil {
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
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT user_id FROM active_accounts WHERE provider_id = ?`, providerID,
	).Scan(&user)
	if errors.Is(err, sql.ErrNoRows) {
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
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO active_accounts (provider_id, user_id) VALUES (?, ?)
		 ON CONFLICT (provider_id) DO UPDATE SET user_id = excluded.user_id`,
		providerID, userID,
	)
	if isForeignKeyViolation(err) {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, key)
	}
	if err != nil {
		return fmt.Errorf("set active user: %w", err)
	}
	return nil
}

func isForeignKeyViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_FOREIGNKEY
	}
	return strings.Contains(strings.ToLower(err.Error()), "foreign key constraint failed")
}

// ClearActiveUser unsets the provider's active pointer.
func (s *TokenStore) ClearActiveUser(ctx context.Context, providerID string) error {
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM active_accounts WHERE provider_id = ?`, providerID); err != nil {
		return fmt.Errorf("clear active user: %w", err)
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

// ListUserIDsForProvider lists stored user ids without decoding records.
func (s *TokenStore) ListUserIDsForProvider(ctx context.Context, providerID string) ([]string, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT user_id FROM credentials WHERE provider_id = ? ORDER BY user_id`, providerID)
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
	var n int
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM credentials WHERE provider_id = ? AND user_id = ?`,
		key.ProviderID, key.UserID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check account: %w", err)
	}
	return n > 0, nil
}
