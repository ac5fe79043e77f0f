package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/sercha-connect/internal/adapters/driven/memory"
	"github.com/custodia-labs/sercha-connect/internal/core/domain"
	"github.com/custodia-labs/sercha-connect/internal/core/ports/driven"
	"github.com/custodia-labs/sercha-connect/internal/core/ports/driven/mocks"
)

// scriptedFlow is an AuthFlow returning queued results.
type scriptedFlow struct {
	mu        sync.Mutex
	auth      []*domain.AuthResult
	refresh   []*domain.AuthResult
	authCalls int32
	refreshes int32

	// refreshDelay slows Refresh down to widen race windows.
	refreshDelay time.Duration
}

func (f *scriptedFlow) queueAuth(results ...*domain.AuthResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auth = append(f.auth, results...)
}

func (f *scriptedFlow) queueRefresh(results ...*domain.AuthResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refresh = append(f.refresh, results...)
}

func (f *scriptedFlow) Authenticate(ctx context.Context, provider *domain.ProviderConfig) *domain.AuthResult {
	atomic.AddInt32(&f.authCalls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.auth) == 0 {
		return domain.NewErrorResult(domain.AuthErrorNetworkFailure, domain.ErrorCodeNetwork, "no scripted result")
	}
	r := f.auth[0]
	f.auth = f.auth[1:]
	return r
}

func (f *scriptedFlow) AuthenticateAccount(ctx context.Context, key domain.AccountKey, provider *domain.ProviderConfig) *domain.AuthResult {
	return f.Authenticate(ctx, provider)
}

func (f *scriptedFlow) Refresh(ctx context.Context, refreshToken, refreshURL, clientID string) *domain.AuthResult {
	atomic.AddInt32(&f.refreshes, 1)
	if f.refreshDelay > 0 {
		time.Sleep(f.refreshDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.refresh) == 0 {
		return domain.NewErrorResult(domain.AuthErrorAuthorizationDenied, "invalid_grant", "no scripted result")
	}
	r := f.refresh[0]
	f.refresh = f.refresh[1:]
	return r
}

type mapRegistry map[string]*domain.ProviderConfig

func (r mapRegistry) Get(providerID string) (*domain.ProviderConfig, error) {
	p, ok := r[providerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrProviderNotFound, providerID)
	}
	return p, nil
}

func (r mapRegistry) List() []*domain.ProviderConfig {
	out := make([]*domain.ProviderConfig, 0, len(r))
	for _, p := range r {
		out = append(out, p)
	}
	return out
}

// tokenResolver maps access tokens to accounts.
type tokenResolver map[string]*driven.ResolvedAccount

func (r tokenResolver) Resolve(ctx context.Context, provider *domain.ProviderConfig, result *domain.AuthResult) (*driven.ResolvedAccount, error) {
	account, ok := r[result.AccessToken]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *account
	return &copied, nil
}

type accountsFixture struct {
	svc   *accountService
	store *memory.TokenStore
	flow  *scriptedFlow
	lock  *mocks.MockDistributedLock
}

func newAccountsFixture(t *testing.T, resolver driven.ProfileResolver, withLock bool) *accountsFixture {
	t.Helper()
	f := &accountsFixture{
		store: memory.NewTokenStore(discardLogger()),
		flow:  &scriptedFlow{},
	}
	cfg := AccountServiceConfig{
		Store:     f.store,
		Providers: mapRegistry{"hidrive": testProvider("https://api.hidrive.example")},
		AuthFlow:  f.flow,
		Resolver:  resolver,
		Logger:    discardLogger(),
		Now:       fixedNow,
	}
	if withLock {
		f.lock = mocks.NewMockDistributedLock()
		cfg.RefreshLock = f.lock
	}
	f.svc = newAccountService(cfg)
	return f
}

func expiringAt(offset time.Duration) *time.Time {
	t := fixedNow().Add(offset)
	return &t
}

func aliceAndBob() tokenResolver {
	return tokenResolver{
		"alice-token": {UserID: "alice", Profile: &domain.Profile{Name: "Alice", Email: "alice@example.com"}},
		"bob-token":   {UserID: "bob", Profile: &domain.Profile{Name: "Bob"}},
	}
}

// seed stores a credential directly and returns its key.
func (f *accountsFixture) seed(t *testing.T, userID string, cred *domain.Credential, active bool) domain.AccountKey {
	t.Helper()
	ctx := context.Background()
	key := domain.NewAccountKey("hidrive", userID)
	require.NoError(t, f.store.StoreToken(ctx, key, cred))
	if active {
		require.NoError(t, f.store.SetActiveUser(ctx, "hidrive", userID))
	}
	return key
}

func drain(ch <-chan domain.StateChange) []domain.StateChange {
	var out []domain.StateChange
	for {
		select {
		case c := <-ch:
			out = append(out, c)
		default:
			return out
		}
	}
}

func TestAccountService_ConnectSuccess(t *testing.T) {
	f := newAccountsFixture(t, aliceAndBob(), false)
	ctx := context.Background()
	events, cancel := f.svc.Subscribe("hidrive")
	defer cancel()

	f.flow.queueAuth(domain.NewSuccessResult("alice-token", "alice-refresh", expiringAt(time.Hour)))

	view, result, err := f.svc.Connect(ctx, "hidrive")
	require.NoError(t, err)
	require.True(t, result.Success)
	require.NotNil(t, view)

	assert.Equal(t, domain.NewAccountKey("hidrive", "alice"), view.Key)
	assert.Equal(t, domain.StateConnected, view.State)
	assert.True(t, view.Active)
	assert.Equal(t, "Alice", view.DisplayName())

	cred, err := f.store.GetToken(ctx, view.Key)
	require.NoError(t, err)
	require.NotNil(t, cred)
	assert.Equal(t, "alice-token", cred.AccessToken)
	assert.Equal(t, "alice-refresh", cred.RefreshToken)
	assert.True(t, cred.IsHealthy())

	changes := drain(events)
	require.Len(t, changes, 2)
	assert.Equal(t, domain.StateDisconnected, changes[0].From)
	assert.Equal(t, domain.StateConnecting, changes[0].To)
	assert.Equal(t, domain.StateConnected, changes[1].To)

	state, err := f.svc.ProviderState(ctx, "hidrive")
	require.NoError(t, err)
	assert.Equal(t, domain.StateConnected, state)
}

func TestAccountService_ConnectFailurePersistsNothing(t *testing.T) {
	tests := []struct {
		name   string
		result *domain.AuthResult
	}{
		{"cancelled", domain.NewCancelledResult()},
		{"timed out", domain.NewTimedOutResult("no redirect")},
		{"denied", domain.NewErrorResult(domain.AuthErrorAuthorizationDenied, "access_denied", "user said no")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAccountsFixture(t, aliceAndBob(), false)
			ctx := context.Background()
			f.flow.queueAuth(tt.result)

			view, result, err := f.svc.Connect(ctx, "hidrive")
			require.NoError(t, err)
			assert.Nil(t, view)
			assert.Same(t, tt.result, result)

			tokens, err := f.store.GetAllTokens(ctx, "hidrive")
			require.NoError(t, err)
			assert.Empty(t, tokens)

			_, ok, err := f.store.GetActiveUser(ctx, "hidrive")
			require.NoError(t, err)
			assert.False(t, ok)

			state, err := f.svc.ProviderState(ctx, "hidrive")
			require.NoError(t, err)
			assert.Equal(t, domain.StateDisconnected, state)
		})
	}
}

func TestAccountService_ConnectUnknownProvider(t *testing.T) {
	f := newAccountsFixture(t, nil, false)

	_, _, err := f.svc.Connect(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrProviderNotFound)
	assert.Zero(t, atomic.LoadInt32(&f.flow.authCalls))
}

func TestAccountService_ConnectWithoutResolverUsesDefaultUser(t *testing.T) {
	f := newAccountsFixture(t, nil, false)
	f.flow.queueAuth(domain.NewSuccessResult("anon-token", "", nil))

	view, _, err := f.svc.Connect(context.Background(), "hidrive")
	require.NoError(t, err)
	assert.Equal(t, DefaultUserID, view.Key.UserID)
	assert.True(t, view.Active)
}

func TestAccountService_ConnectSecondAccountBecomesActive(t *testing.T) {
	f := newAccountsFixture(t, aliceAndBob(), false)
	ctx := context.Background()
	f.flow.queueAuth(
		domain.NewSuccessResult("alice-token", "r1", nil),
		domain.NewSuccessResult("bob-token", "r2", nil),
	)

	_, _, err := f.svc.Connect(ctx, "hidrive")
	require.NoError(t, err)
	_, _, err = f.svc.Connect(ctx, "hidrive")
	require.NoError(t, err)

	views, err := f.svc.ListAccounts(ctx, "hidrive")
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, "alice", views[0].Key.UserID)
	assert.False(t, views[0].Active)
	assert.Equal(t, "bob", views[1].Key.UserID)
	assert.True(t, views[1].Active)
}

func TestAccountService_ReauthenticateClearsFlags(t *testing.T) {
	f := newAccountsFixture(t, aliceAndBob(), false)
	ctx := context.Background()
	created := fixedNow().Add(-30 * 24 * time.Hour)
	key := f.seed(t, "alice", &domain.Credential{
		AccessToken:         "stale",
		RefreshToken:        "stale-refresh",
		NeedsReauth:         true,
		HasPermissionIssues: true,
		Profile:             &domain.Profile{Name: "Alice"},
		CreatedAt:           created,
	}, false)

	state, err := f.svc.State(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, domain.StateNeedsReauth, state)

	// The resolver knows nothing about this token; the key's user id is kept.
	f.flow.queueAuth(domain.NewSuccessResult("fresh-token", "fresh-refresh", expiringAt(time.Hour)))

	view, result, err := f.svc.Reauthenticate(ctx, key)
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, domain.StateConnected, view.State)
	assert.False(t, view.NeedsReauth)
	assert.False(t, view.HasPermissionIssues)
	assert.True(t, view.Active)

	cred, err := f.store.GetToken(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", cred.AccessToken)
	assert.True(t, cred.IsHealthy())
	assert.True(t, cred.CreatedAt.Equal(created))
	assert.Equal(t, "Alice", cred.Profile.Name)
}

func TestAccountService_ReauthenticateAccountMismatch(t *testing.T) {
	f := newAccountsFixture(t, aliceAndBob(), false)
	ctx := context.Background()
	key := f.seed(t, "alice", &domain.Credential{AccessToken: "old", NeedsReauth: true}, true)

	f.flow.queueAuth(domain.NewSuccessResult("bob-token", "r", nil))

	_, _, err := f.svc.Reauthenticate(ctx, key)
	assert.ErrorIs(t, err, domain.ErrAccountMismatch)

	cred, err := f.store.GetToken(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "old", cred.AccessToken)

	bob, err := f.store.GetToken(ctx, domain.NewAccountKey("hidrive", "bob"))
	require.NoError(t, err)
	assert.Nil(t, bob)

	state, err := f.svc.State(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, domain.StateNeedsReauth, state)
}

func TestAccountService_ReauthenticateCancelledRestoresState(t *testing.T) {
	f := newAccountsFixture(t, aliceAndBob(), false)
	ctx := context.Background()
	key := f.seed(t, "alice", &domain.Credential{AccessToken: "old", HasPermissionIssues: true}, true)

	f.flow.queueAuth(domain.NewCancelledResult())

	view, result, err := f.svc.Reauthenticate(ctx, key)
	require.NoError(t, err)
	assert.True(t, result.Cancelled)
	require.NotNil(t, view)
	assert.Equal(t, domain.StateError, view.State)

	cred, err := f.store.GetToken(ctx, key)
	require.NoError(t, err)
	assert.True(t, cred.HasPermissionIssues)
}

func TestAccountService_ReauthenticateUnknownAccount(t *testing.T) {
	f := newAccountsFixture(t, nil, false)

	_, _, err := f.svc.Reauthenticate(context.Background(), domain.NewAccountKey("hidrive", "ghost"))
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Zero(t, atomic.LoadInt32(&f.flow.authCalls))
}

func TestAccountService_EnsureFreshNotDue(t *testing.T) {
	f := newAccountsFixture(t, nil, false)
	key := f.seed(t, "alice", &domain.Credential{
		AccessToken:  "valid",
		RefreshToken: "r",
		ExpiresAt:    expiringAt(time.Hour),
	}, true)

	cred, err := f.svc.EnsureFresh(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, "valid", cred.AccessToken)
	assert.Zero(t, atomic.LoadInt32(&f.flow.refreshes))
}

func TestAccountService_EnsureFreshRefreshes(t *testing.T) {
	f := newAccountsFixture(t, nil, false)
	ctx := context.Background()
	key := f.seed(t, "alice", &domain.Credential{
		AccessToken:  "expired",
		RefreshToken: "r1",
		ExpiresAt:    expiringAt(-time.Minute),
		Extra:        domain.TokenExtras{IDToken: "id-1", Scope: "files"},
	}, true)
	events, cancel := f.svc.Subscribe("hidrive")
	defer cancel()

	refreshed := domain.NewSuccessResult("renewed", "", expiringAt(time.Hour))
	refreshed.Extra = domain.TokenExtras{TokenType: "Bearer"}
	f.flow.queueRefresh(refreshed)

	cred, err := f.svc.EnsureFresh(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "renewed", cred.AccessToken)
	assert.Equal(t, "r1", cred.RefreshToken, "refresh token kept when the response omits it")
	assert.Equal(t, "id-1", cred.Extra.IDToken)
	assert.Equal(t, "Bearer", cred.Extra.TokenType)

	stored, err := f.store.GetToken(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "renewed", stored.AccessToken)

	changes := drain(events)
	require.Len(t, changes, 2)
	assert.Equal(t, domain.StateTokenExpired, changes[0].To)
	assert.Equal(t, domain.StateConnected, changes[1].To)
}

func TestAccountService_EnsureFreshFailureNeedsReauth(t *testing.T) {
	f := newAccountsFixture(t, nil, false)
	ctx := context.Background()
	key := f.seed(t, "alice", &domain.Credential{
		AccessToken:  "expired",
		RefreshToken: "revoked",
		ExpiresAt:    expiringAt(-time.Minute),
	}, true)

	f.flow.queueRefresh(domain.NewErrorResult(domain.AuthErrorAuthorizationDenied, "invalid_grant", "revoked"))

	_, err := f.svc.EnsureFresh(ctx, key)
	require.ErrorIs(t, err, domain.ErrReauthRequired)

	cred, err := f.store.GetToken(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, cred, "credential is retained")
	assert.True(t, cred.NeedsReauth)
	assert.Equal(t, "revoked", cred.RefreshToken)

	state, err := f.svc.State(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, domain.StateNeedsReauth, state)

	// No further refresh is attempted until the user reauthenticates.
	_, err = f.svc.EnsureFresh(ctx, key)
	assert.ErrorIs(t, err, domain.ErrReauthRequired)
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.flow.refreshes))

	views, err := f.svc.ListAccounts(ctx, "hidrive")
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, domain.StateNeedsReauth, views[0].State)
	assert.Contains(t, views[0].LastError, "invalid_grant")
}

func TestAccountService_EnsureFreshWithoutRefreshToken(t *testing.T) {
	f := newAccountsFixture(t, nil, false)
	key := f.seed(t, "alice", &domain.Credential{
		AccessToken: "expired",
		ExpiresAt:   expiringAt(-time.Minute),
	}, true)

	_, err := f.svc.EnsureFresh(context.Background(), key)
	assert.ErrorIs(t, err, domain.ErrReauthRequired)
	assert.Zero(t, atomic.LoadInt32(&f.flow.refreshes))
}

func TestAccountService_EnsureFreshFailureFromErrorState(t *testing.T) {
	f := newAccountsFixture(t, nil, false)
	ctx := context.Background()
	key := f.seed(t, "alice", &domain.Credential{
		AccessToken:         "expired",
		RefreshToken:        "revoked",
		ExpiresAt:           expiringAt(-time.Minute),
		HasPermissionIssues: true,
	}, true)

	state, err := f.svc.State(ctx, key)
	require.NoError(t, err)
	require.Equal(t, domain.StateError, state)

	events, cancel := f.svc.Subscribe("hidrive")
	defer cancel()
	f.flow.queueRefresh(domain.NewErrorResult(domain.AuthErrorAuthorizationDenied, "invalid_grant", "revoked"))

	_, err = f.svc.EnsureFresh(ctx, key)
	require.ErrorIs(t, err, domain.ErrReauthRequired)

	// error has no edge to needs_reauth, so the state stays and nothing is published.
	state, err = f.svc.State(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, domain.StateError, state)
	assert.Empty(t, drain(events))

	views, err := f.svc.ListAccounts(ctx, "hidrive")
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Contains(t, views[0].LastError, "invalid_grant")

	// The flag is persisted, so a restarted service derives needs_reauth.
	cred, err := f.store.GetToken(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, cred)
	assert.True(t, cred.NeedsReauth)

	restarted := newAccountService(AccountServiceConfig{
		Store:     f.store,
		Providers: mapRegistry{"hidrive": testProvider("https://api.hidrive.example")},
		AuthFlow:  f.flow,
		Logger:    discardLogger(),
		Now:       fixedNow,
	})
	state, err = restarted.State(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, domain.StateNeedsReauth, state)
}

func TestAccountService_EnsureFreshUnknownAccount(t *testing.T) {
	f := newAccountsFixture(t, nil, false)

	_, err := f.svc.EnsureFresh(context.Background(), domain.NewAccountKey("hidrive", "ghost"))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAccountService_ConcurrentEnsureFreshRefreshesOnce(t *testing.T) {
	f := newAccountsFixture(t, nil, true)
	key := f.seed(t, "alice", &domain.Credential{
		AccessToken:  "expired",
		RefreshToken: "r1",
		ExpiresAt:    expiringAt(-time.Minute),
	}, true)
	f.flow.refreshDelay = 20 * time.Millisecond
	f.flow.queueRefresh(domain.NewSuccessResult("renewed", "r2", expiringAt(time.Hour)))

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cred, err := f.svc.EnsureFresh(context.Background(), key)
			if err == nil && cred.AccessToken != "renewed" {
				err = fmt.Errorf("got token %q", cred.AccessToken)
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.flow.refreshes))
	assert.False(t, f.lock.IsHeld("refresh:"+key.Encoded()))
}

func TestAccountService_EnsureFreshWaitsForPeerRefresh(t *testing.T) {
	f := newAccountsFixture(t, nil, true)
	ctx := context.Background()
	key := f.seed(t, "alice", &domain.Credential{
		AccessToken:  "expired",
		RefreshToken: "r1",
		ExpiresAt:    expiringAt(-time.Minute),
	}, true)

	// Another instance holds the refresh lock and writes its result shortly.
	f.lock.HoldAsPeer("refresh:"+key.Encoded(), time.Minute)
	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = f.store.StoreToken(ctx, key, &domain.Credential{
			AccessToken:  "peer-renewed",
			RefreshToken: "r2",
			ExpiresAt:    expiringAt(time.Hour),
		})
	}()

	cred, err := f.svc.EnsureFresh(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "peer-renewed", cred.AccessToken)
	assert.Zero(t, atomic.LoadInt32(&f.flow.refreshes))

	_, refused := f.lock.Counts()
	assert.GreaterOrEqual(t, refused, 1)
}

func TestAccountService_EnsureFreshLockUnavailable(t *testing.T) {
	f := newAccountsFixture(t, nil, true)
	f.lock.AcquireFn = func(string, time.Duration) (bool, error) {
		return false, errors.New("redis down")
	}
	key := f.seed(t, "alice", &domain.Credential{
		AccessToken:  "expired",
		RefreshToken: "r1",
		ExpiresAt:    expiringAt(-time.Minute),
	}, true)
	f.flow.queueRefresh(domain.NewSuccessResult("renewed", "r2", expiringAt(time.Hour)))

	cred, err := f.svc.EnsureFresh(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, "renewed", cred.AccessToken)
}

func TestAccountService_ReportPermissionError(t *testing.T) {
	f := newAccountsFixture(t, aliceAndBob(), false)
	ctx := context.Background()
	key := f.seed(t, "alice", &domain.Credential{AccessToken: "a", RefreshToken: "r"}, true)

	err := f.svc.ReportPermissionError(ctx, key, fmt.Errorf("%w: 403 on /files", domain.ErrForbidden))
	require.NoError(t, err)

	cred, err := f.store.GetToken(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, cred)
	assert.True(t, cred.HasPermissionIssues)
	assert.Equal(t, "a", cred.AccessToken)

	state, err := f.svc.ProviderState(ctx, "hidrive")
	require.NoError(t, err)
	assert.Equal(t, domain.StateError, state)

	views, err := f.svc.ListAccounts(ctx, "hidrive")
	require.NoError(t, err)
	assert.Contains(t, views[0].LastError, "403")

	// Reauthenticating the same account clears the flag.
	f.flow.queueAuth(domain.NewSuccessResult("alice-token", "r2", nil))
	view, _, err := f.svc.Reauthenticate(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, domain.StateConnected, view.State)
	assert.False(t, view.HasPermissionIssues)
	assert.Empty(t, view.LastError)
}

func TestAccountService_ReportPermissionErrorUnknownAccount(t *testing.T) {
	f := newAccountsFixture(t, nil, false)

	err := f.svc.ReportPermissionError(context.Background(), domain.NewAccountKey("hidrive", "ghost"), nil)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAccountService_DisconnectClearsActive(t *testing.T) {
	f := newAccountsFixture(t, nil, false)
	ctx := context.Background()
	alice := f.seed(t, "alice", &domain.Credential{AccessToken: "a"}, false)
	bob := f.seed(t, "bob", &domain.Credential{AccessToken: "b"}, true)

	require.NoError(t, f.svc.Disconnect(ctx, bob))

	cred, err := f.store.GetToken(ctx, bob)
	require.NoError(t, err)
	assert.Nil(t, cred)

	_, ok, err := f.store.GetActiveUser(ctx, "hidrive")
	require.NoError(t, err)
	assert.False(t, ok)

	state, err := f.svc.State(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, domain.StateDisconnected, state)

	state, err = f.svc.State(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, domain.StateConnected, state)

	state, err = f.svc.ProviderState(ctx, "hidrive")
	require.NoError(t, err)
	assert.Equal(t, domain.StateDisconnected, state)
}

func TestAccountService_DisconnectAll(t *testing.T) {
	f := newAccountsFixture(t, nil, false)
	ctx := context.Background()
	f.seed(t, "alice", &domain.Credential{AccessToken: "a"}, false)
	f.seed(t, "bob", &domain.Credential{AccessToken: "b"}, true)
	events, cancel := f.svc.Subscribe("hidrive")
	defer cancel()

	require.NoError(t, f.svc.DisconnectAll(ctx, "hidrive"))

	views, err := f.svc.ListAccounts(ctx, "hidrive")
	require.NoError(t, err)
	assert.Empty(t, views)

	changes := drain(events)
	assert.Len(t, changes, 2)
	for _, c := range changes {
		assert.Equal(t, domain.StateDisconnected, c.To)
	}
}

func TestAccountService_SetActiveAccount(t *testing.T) {
	f := newAccountsFixture(t, nil, false)
	ctx := context.Background()
	alice := f.seed(t, "alice", &domain.Credential{AccessToken: "a", NeedsReauth: true}, false)
	bob := f.seed(t, "bob", &domain.Credential{AccessToken: "b"}, true)

	view, err := f.svc.SetActiveAccount(ctx, alice)
	require.NoError(t, err)
	assert.True(t, view.Active)
	assert.Equal(t, domain.StateNeedsReauth, view.State)

	state, err := f.svc.ProviderState(ctx, "hidrive")
	require.NoError(t, err)
	assert.Equal(t, domain.StateNeedsReauth, state)

	// The previously active account is untouched.
	bobState, err := f.svc.State(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, domain.StateConnected, bobState)
	bobCred, err := f.store.GetToken(ctx, bob)
	require.NoError(t, err)
	assert.True(t, bobCred.IsHealthy())

	_, err = f.svc.SetActiveAccount(ctx, domain.NewAccountKey("hidrive", "ghost"))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAccountService_StateOfUnknownAccount(t *testing.T) {
	f := newAccountsFixture(t, nil, false)

	state, err := f.svc.State(context.Background(), domain.NewAccountKey("hidrive", "ghost"))
	require.NoError(t, err)
	assert.Equal(t, domain.StateDisconnected, state)
}

func TestAccountService_SubscribeCancel(t *testing.T) {
	f := newAccountsFixture(t, nil, false)
	events, cancel := f.svc.Subscribe("hidrive")
	cancel()
	cancel()

	_, open := <-events
	assert.False(t, open)

	// Publishing after cancel must not panic.
	f.flow.queueAuth(domain.NewSuccessResult("t", "", nil))
	_, _, err := f.svc.Connect(context.Background(), "hidrive")
	require.NoError(t, err)
}

func TestMergeExtras(t *testing.T) {
	dst := domain.TokenExtras{Scope: "read", IDToken: "id-1", Fields: map[string]string{"a": "1"}}
	mergeExtras(&dst, domain.TokenExtras{TokenType: "Bearer", Fields: map[string]string{"b": "2"}})

	assert.Equal(t, "read", dst.Scope)
	assert.Equal(t, "id-1", dst.IDToken)
	assert.Equal(t, "Bearer", dst.TokenType)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, dst.Fields)
}
