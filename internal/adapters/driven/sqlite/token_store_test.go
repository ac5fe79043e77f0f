package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/sercha-connect/internal/adapters/driven/record"
	"github.com/custodia-labs/sercha-connect/internal/adapters/driven/storetest"
	"github.com/custodia-labs/sercha-connect/internal/core/domain"
	"github.com/custodia-labs/sercha-connect/internal/core/ports/driven"
)

func openTestStore(t *testing.T, path string) *TokenStore {
	t.Helper()
	store, err := Open(path, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestTokenStore(t *testing.T) {
	storetest.Run(t, storetest.Harness{
		New: func(t *testing.T) driven.TokenStore {
			return openTestStore(t, filepath.Join(t.TempDir(), "tokens.db"))
		},
		Corrupt: func(t *testing.T, store driven.TokenStore, key domain.AccountKey) {
			s := store.(*TokenStore)
			_, err := s.sqlDB.Exec(
				`UPDATE credentials SET record = ? WHERE provider_id = ? AND user_id = ?`,
				[]byte("not a record"), key.ProviderID, key.UserID)
			require.NoError(t, err)
		},
		Reopen: func(t *testing.T, store driven.TokenStore, codec *record.Codec) driven.TokenStore {
			s := store.(*TokenStore)
			return &TokenStore{sqlDB: s.sqlDB, codec: codec, logger: s.logger}
		},
	})
}

func TestTokenStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tokens.db")
	enc, err := record.NewSecretEncryptorFromPassphrase("passphrase", "salt")
	require.NoError(t, err)
	key := domain.NewAccountKey("hidrive", "alice")

	first, err := Open(path, record.NewCodec(enc), nil)
	require.NoError(t, err)
	require.NoError(t, first.StoreToken(ctx, key, storetest.Credential("persisted")))
	require.NoError(t, first.SetActiveUser(ctx, "hidrive", "alice"))
	require.NoError(t, first.Close())

	second, err := Open(path, record.NewCodec(enc), nil)
	require.NoError(t, err)
	defer second.Close()

	got, err := second.GetToken(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "persisted", got.AccessToken)

	user, ok, err := second.GetActiveUser(ctx, "hidrive")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "alice", user)
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open("  ", nil, nil)
	assert.Error(t, err)
}
