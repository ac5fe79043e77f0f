// Package storetest holds the behaviour every TokenStore backend shares.
package storetest

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/sercha-connect/internal/adapters/driven/record"
	"github.com/custodia-labs/sercha-connect/internal/core/domain"
	"github.com/custodia-labs/sercha-connect/internal/core/ports/driven"
)

// Harness describes a backend under test.
type Harness struct {
	// New returns an empty store.
	New func(t *testing.T) driven.TokenStore

	// Corrupt overwrites the stored record for key with undecodable bytes.
	// Corruption tests are skipped when nil.
	Corrupt func(t *testing.T, store driven.TokenStore, key domain.AccountKey)

	// Reopen returns a store over the same data as store using codec.
	// Key rotation tests are skipped when nil.
	Reopen func(t *testing.T, store driven.TokenStore, codec *record.Codec) driven.TokenStore
}

// Credential returns a populated credential for tests.
func Credential(access string) *domain.Credential {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	expires := created.Add(time.Hour)
	cred := &domain.Credential{
		AccessToken:  access,
		RefreshToken: "refresh-" + access,
		ExpiresAt:    &expires,
		Profile:      &domain.Profile{Name: "Alice", Email: "alice@example.com"},
		CreatedAt:    created,
		UpdatedAt:    created,
	}
	cred.Extra.TokenType = "Bearer"
	cred.Extra.Scope = "files.read"
	cred.Extra.SetField("alias", access)
	return cred
}

// Run exercises the TokenStore contract, and AccountManager when implemented.
func Run(t *testing.T, h Harness) {
	t.Run("RoundTrip", func(t *testing.T) { testRoundTrip(t, h) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, h) })
	t.Run("Replace", func(t *testing.T) { testReplace(t, h) })
	t.Run("RemoveToken", func(t *testing.T) { testRemoveToken(t, h) })
	t.Run("ActiveUser", func(t *testing.T) { testActiveUser(t, h) })
	t.Run("RemoveActiveClearsPointer", func(t *testing.T) { testRemoveActiveClearsPointer(t, h) })
	t.Run("SetActiveUnknown", func(t *testing.T) { testSetActiveUnknown(t, h) })
	t.Run("GetAllTokens", func(t *testing.T) { testGetAllTokens(t, h) })
	t.Run("RemoveAllTokens", func(t *testing.T) { testRemoveAllTokens(t, h) })
	t.Run("RejectsInvalid", func(t *testing.T) { testRejectsInvalid(t, h) })
	if h.Corrupt != nil {
		t.Run("CorruptedRecordIsAbsent", func(t *testing.T) { testCorrupted(t, h) })
	}
	if h.Reopen != nil {
		t.Run("SealedWithAnotherKeyIsKept", func(t *testing.T) { testKeyMismatch(t, h) })
	}
	t.Run("AccountManager", func(t *testing.T) { testAccountManager(t, h) })
}

func testRoundTrip(t *testing.T, h Harness) {
	ctx := context.Background()
	store := h.New(t)
	key := domain.NewAccountKey("hidrive", "alice")

	require.NoError(t, store.StoreToken(ctx, key, Credential("at-1")))

	got, err := store.GetToken(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "at-1", got.AccessToken)
	assert.Equal(t, "refresh-at-1", got.RefreshToken)
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, Credential("at-1").ExpiresAt.Equal(*got.ExpiresAt))
	assert.Equal(t, "Bearer", got.Extra.TokenType)
	assert.Equal(t, "at-1", got.Extra.Fields["alias"])
	assert.Equal(t, "Alice", got.Profile.Name)

	has, err := store.HasToken(ctx, key)
	require.NoError(t, err)
	assert.True(t, has)
}

func testGetMissing(t *testing.T, h Harness) {
	ctx := context.Background()
	store := h.New(t)

	got, err := store.GetToken(ctx, domain.NewAccountKey("hidrive", "nobody"))
	require.NoError(t, err)
	assert.Nil(t, got)

	has, err := store.HasToken(ctx, domain.NewAccountKey("hidrive", "nobody"))
	require.NoError(t, err)
	assert.False(t, has)

	_, ok, err := store.GetActiveUser(ctx, "hidrive")
	require.NoError(t, err)
	assert.False(t, ok)
}

func testReplace(t *testing.T, h Harness) {
	ctx := context.Background()
	store := h.New(t)
	key := domain.NewAccountKey("hidrive", "alice")

	require.NoError(t, store.StoreToken(ctx, key, Credential("old")))
	updated := Credential("new")
	updated.HasPermissionIssues = true
	require.NoError(t, store.StoreToken(ctx, key, updated))

	got, err := store.GetToken(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "new", got.AccessToken)
	assert.True(t, got.HasPermissionIssues)
}

func testRemoveToken(t *testing.T, h Harness) {
	ctx := context.Background()
	store := h.New(t)
	key := domain.NewAccountKey("hidrive", "alice")

	require.NoError(t, store.StoreToken(ctx, key, Credential("at")))
	require.NoError(t, store.RemoveToken(ctx, key))

	got, err := store.GetToken(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, got)

	// Removing again is not an error.
	require.NoError(t, store.RemoveToken(ctx, key))
}

func testActiveUser(t *testing.T, h Harness) {
	ctx := context.Background()
	store := h.New(t)

	require.NoError(t, store.StoreToken(ctx, domain.NewAccountKey("hidrive", "alice"), Credential("a")))
	require.NoError(t, store.StoreToken(ctx, domain.NewAccountKey("hidrive", "bob"), Credential("b")))

	require.NoError(t, store.SetActiveUser(ctx, "hidrive", "alice"))
	user, ok, err := store.GetActiveUser(ctx, "hidrive")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "alice", user)

	require.NoError(t, store.SetActiveUser(ctx, "hidrive", "bob"))
	user, _, err = store.GetActiveUser(ctx, "hidrive")
	require.NoError(t, err)
	assert.Equal(t, "bob", user)

	require.NoError(t, store.ClearActiveUser(ctx, "hidrive"))
	_, ok, err = store.GetActiveUser(ctx, "hidrive")
	require.NoError(t, err)
	assert.False(t, ok)
}

func testRemoveActiveClearsPointer(t *testing.T, h Harness) {
	ctx := context.Background()
	store := h.New(t)
	alice := domain.NewAccountKey("hidrive", "alice")
	bob := domain.NewAccountKey("hidrive", "bob")

	require.NoError(t, store.StoreToken(ctx, alice, Credential("a")))
	require.NoError(t, store.StoreToken(ctx, bob, Credential("b")))
	require.NoError(t, store.SetActiveUser(ctx, "hidrive", "alice"))

	// Removing a non-active account leaves the pointer alone.
	require.NoError(t, store.RemoveToken(ctx, bob))
	user, ok, err := store.GetActiveUser(ctx, "hidrive")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "alice", user)

	require.NoError(t, store.RemoveToken(ctx, alice))
	_, ok, err = store.GetActiveUser(ctx, "hidrive")
	require.NoError(t, err)
	assert.False(t, ok)
}

func testSetActiveUnknown(t *testing.T, h Harness) {
	ctx := context.Background()
	store := h.New(t)

	err := store.SetActiveUser(ctx, "hidrive", "ghost")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, ok, err := store.GetActiveUser(ctx, "hidrive")
	require.NoError(t, err)
	assert.False(t, ok)
}

func testGetAllTokens(t *testing.T, h Harness) {
	ctx := context.Background()
	store := h.New(t)

	require.NoError(t, store.StoreToken(ctx, domain.NewAccountKey("hidrive", "alice"), Credential("a")))
	require.NoError(t, store.StoreToken(ctx, domain.NewAccountKey("hidrive", "bob"), Credential("b")))
	require.NoError(t, store.StoreToken(ctx, domain.NewAccountKey("dropbox", "carol"), Credential("c")))

	all, err := store.GetAllTokens(ctx, "hidrive")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all["alice"].AccessToken)
	assert.Equal(t, "b", all["bob"].AccessToken)

	none, err := store.GetAllTokens(ctx, "onedrive")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testRemoveAllTokens(t *testing.T, h Harness) {
	ctx := context.Background()
	store := h.New(t)

	require.NoError(t, store.StoreToken(ctx, domain.NewAccountKey("hidrive", "alice"), Credential("a")))
	require.NoError(t, store.StoreToken(ctx, domain.NewAccountKey("hidrive", "bob"), Credential("b")))
	require.NoError(t, store.StoreToken(ctx, domain.NewAccountKey("dropbox", "carol"), Credential("c")))
	require.NoError(t, store.SetActiveUser(ctx, "hidrive", "bob"))

	require.NoError(t, store.RemoveAllTokens(ctx, "hidrive"))

	all, err := store.GetAllTokens(ctx, "hidrive")
	require.NoError(t, err)
	assert.Empty(t, all)
	_, ok, err := store.GetActiveUser(ctx, "hidrive")
	require.NoError(t, err)
	assert.False(t, ok)

	other, err := store.GetToken(ctx, domain.NewAccountKey("dropbox", "carol"))
	require.NoError(t, err)
	assert.NotNil(t, other)
}

func testRejectsInvalid(t *testing.T, h Harness) {
	ctx := context.Background()
	store := h.New(t)

	err := store.StoreToken(ctx, domain.NewAccountKey("", "alice"), Credential("a"))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	err = store.StoreToken(ctx, domain.NewAccountKey("hidrive", "alice"), &domain.Credential{})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func testCorrupted(t *testing.T, h Harness) {
	ctx := context.Background()
	store := h.New(t)
	good := domain.NewAccountKey("hidrive", "alice")
	bad := domain.NewAccountKey("hidrive", "mallory")

	require.NoError(t, store.StoreToken(ctx, good, Credential("a")))
	require.NoError(t, store.StoreToken(ctx, bad, Credential("m")))
	require.NoError(t, store.SetActiveUser(ctx, "hidrive", "mallory"))
	h.Corrupt(t, store, bad)

	got, err := store.GetToken(ctx, bad)
	require.NoError(t, err)
	assert.Nil(t, got)

	// The record was removed, not just skipped.
	if manager, ok := driven.AsAccountManager(store); ok {
		exists, err := manager.UserAccountExists(ctx, bad)
		require.NoError(t, err)
		assert.False(t, exists)
	}
	_, ok, err := store.GetActiveUser(ctx, "hidrive")
	require.NoError(t, err)
	assert.False(t, ok, "active pointer must not reference a discarded record")

	all, err := store.GetAllTokens(ctx, "hidrive")
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Contains(t, all, "alice")
}

func sealedCodec(t *testing.T, passphrase string) *record.Codec {
	t.Helper()
	enc, err := record.NewSecretEncryptorFromPassphrase(passphrase, "storetest-salt")
	require.NoError(t, err)
	return record.NewCodec(enc)
}

func testKeyMismatch(t *testing.T, h Harness) {
	ctx := context.Background()
	base := h.New(t)
	keyA := sealedCodec(t, "passphrase-a")
	alice := domain.NewAccountKey("hidrive", "alice")
	bob := domain.NewAccountKey("hidrive", "bob")

	sealed := h.Reopen(t, base, keyA)
	require.NoError(t, sealed.StoreToken(ctx, alice, Credential("a")))
	require.NoError(t, sealed.SetActiveUser(ctx, "hidrive", "alice"))

	// bob is written in plain JSON, which every codec can read.
	require.NoError(t, h.Reopen(t, base, record.NewCodec(nil)).StoreToken(ctx, bob, Credential("b")))

	for name, codec := range map[string]*record.Codec{
		"no key":    record.NewCodec(nil),
		"wrong key": sealedCodec(t, "passphrase-b"),
	} {
		store := h.Reopen(t, base, codec)

		got, err := store.GetToken(ctx, alice)
		require.ErrorIs(t, err, domain.ErrRecordKeyMismatch, name)
		assert.NotErrorIs(t, err, domain.ErrCorruptedRecord, name)
		assert.Nil(t, got, name)

		_, err = store.HasToken(ctx, alice)
		assert.ErrorIs(t, err, domain.ErrRecordKeyMismatch, name)

		all, err := store.GetAllTokens(ctx, "hidrive")
		require.NoError(t, err, name)
		assert.NotContains(t, all, "alice", name)
		assert.Contains(t, all, "bob", name)
	}

	// The right key still opens the untouched record.
	store := h.Reopen(t, base, keyA)
	got, err := store.GetToken(ctx, alice)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "a", got.AccessToken)
	assert.Equal(t, "refresh-a", got.RefreshToken)

	user, ok, err := store.GetActiveUser(ctx, "hidrive")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "alice", user)
}

func testAccountManager(t *testing.T, h Harness) {
	ctx := context.Background()
	store := h.New(t)
	manager, ok := driven.AsAccountManager(store)
	if !ok {
		t.Skip("backend does not implement AccountManager")
	}

	alice := domain.NewAccountKey("hidrive", "alice")
	require.NoError(t, store.StoreToken(ctx, alice, Credential("a")))
	require.NoError(t, store.StoreToken(ctx, domain.NewAccountKey("hidrive", "bob"), Credential("b")))

	ids, err := manager.ListUserIDsForProvider(ctx, "hidrive")
	require.NoError(t, err)
	sort.Strings(ids)
	assert.Equal(t, []string{"alice", "bob"}, ids)

	exists, err := manager.UserAccountExists(ctx, alice)
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, store.SetActiveUser(ctx, "hidrive", "alice"))
	require.NoError(t, manager.DeleteUserAccount(ctx, alice))
	exists, err = manager.UserAccountExists(ctx, alice)
	require.NoError(t, err)
	assert.False(t, exists)
	_, ok, err = store.GetActiveUser(ctx, "hidrive")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, manager.DeleteAllAccountsForProvider(ctx, "hidrive"))
	ids, err = manager.ListUserIDsForProvider(ctx, "hidrive")
	require.NoError(t, err)
	assert.Empty(t, ids)
}
