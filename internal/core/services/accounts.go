package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/custodia-labs/sercha-connect/internal/core/domain"
	"github.com/custodia-labs/sercha-connect/internal/core/ports/driven"
	"github.com/custodia-labs/sercha-connect/internal/core/ports/driving"
)

// Ensure accountService implements AccountService
var _ driving.AccountService = (*accountService)(nil)

// DefaultUserID keys the account of providers whose identity cannot be
// resolved from the token response.
const DefaultUserID = "default"

const (
	// subscriberBuffer is the channel size of each state subscription.
	subscriberBuffer = 16

	// refreshLockTTL bounds how long one instance may hold a refresh lock.
	refreshLockTTL = DefaultHTTPTimeout + 5*time.Second

	// peerRefreshPoll is the interval at which a waiting instance re-reads
	// a credential another instance is refreshing.
	peerRefreshPoll = 250 * time.Millisecond
)

// AccountServiceConfig holds configuration for the account lifecycle controller.
type AccountServiceConfig struct {
	// Store persists credentials and the active account pointer.
	Store driven.TokenStore

	// Providers resolves provider ids to their flow configuration.
	Providers driven.ProviderRegistry

	// AuthFlow runs authentication and refresh.
	AuthFlow driving.AuthFlow

	// Resolver identifies the account behind a new token. Optional.
	Resolver driven.ProfileResolver

	// RefreshLock coordinates refreshes across instances sharing a store.
	// Optional; without it refreshes are only serialized in-process.
	RefreshLock driven.DistributedLock

	Logger *slog.Logger

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// accountState is the in-memory connection state of one account.
type accountState struct {
	state     domain.ConnectionState
	lastError string
}

// accountService implements the AccountService interface.
type accountService struct {
	store     driven.TokenStore
	providers driven.ProviderRegistry
	flow      driving.AuthFlow
	resolver  driven.ProfileResolver
	lock      driven.DistributedLock
	logger    *slog.Logger
	now       func() time.Time

	mu         sync.Mutex
	states     map[domain.AccountKey]*accountState
	connecting map[string]int

	refreshing sync.Map // AccountKey -> *sync.Mutex

	subMu   sync.Mutex
	subs    map[string]map[int]chan domain.StateChange
	nextSub int
}

// NewAccountService creates the account lifecycle controller.
func NewAccountService(cfg AccountServiceConfig) driving.AccountService {
	return newAccountService(cfg)
}

func newAccountService(cfg AccountServiceConfig) *accountService {
	s := &accountService{
		store:      cfg.Store,
		providers:  cfg.Providers,
		flow:       cfg.AuthFlow,
		resolver:   cfg.Resolver,
		lock:       cfg.RefreshLock,
		logger:     cfg.Logger,
		now:        cfg.Now,
		states:     make(map[domain.AccountKey]*accountState),
		connecting: make(map[string]int),
		subs:       make(map[string]map[int]chan domain.StateChange),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Connect authenticates an account for a provider and makes it active.
func (s *accountService) Connect(ctx context.Context, providerID string) (*domain.AccountView, *domain.AuthResult, error) {
	provider, err := s.providers.Get(providerID)
	if err != nil {
		return nil, nil, err
	}

	s.beginConnecting(providerID)
	result := s.flow.AuthenticateAccount(ctx, domain.NewAccountKey(providerID, ""), provider)
	s.endConnecting(providerID)

	if !result.Success {
		s.logger.Info("connect did not complete",
			"provider", providerID,
			"error", result.Error,
			"cancelled", result.Cancelled)
		return nil, result, nil
	}

	account, err := s.resolveAccount(ctx, provider, result)
	if err != nil {
		return nil, result, fmt.Errorf("resolve account: %w", err)
	}
	key := domain.NewAccountKey(providerID, account.UserID)

	existing, err := s.store.GetToken(ctx, key)
	if err != nil {
		return nil, result, fmt.Errorf("get existing credential: %w", err)
	}

	from, err := s.State(ctx, key)
	if err != nil {
		return nil, result, err
	}
	if err := s.transition(key, from, domain.StateConnecting, "connect"); err != nil {
		return nil, result, err
	}

	view, err := s.persistAuthenticated(ctx, key, existing, account.Profile, result)
	if err != nil {
		s.restore(key, existing, "connect failed")
		return nil, result, err
	}
	return view, result, nil
}

// Reauthenticate repairs an existing account in place.
func (s *accountService) Reauthenticate(ctx context.Context, key domain.AccountKey) (*domain.AccountView, *domain.AuthResult, error) {
	if err := key.Validate(); err != nil {
		return nil, nil, err
	}
	provider, err := s.providers.Get(key.ProviderID)
	if err != nil {
		return nil, nil, err
	}

	existing, err := s.store.GetToken(ctx, key)
	if err != nil {
		return nil, nil, fmt.Errorf("get credential: %w", err)
	}
	if existing == nil {
		return nil, nil, fmt.Errorf("%w: %s", domain.ErrNotFound, key)
	}

	from, err := s.State(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	if err := s.transition(key, from, domain.StateConnecting, "reauthenticate"); err != nil {
		return nil, nil, err
	}

	result := s.flow.AuthenticateAccount(ctx, key, provider)
	if !result.Success {
		s.restore(key, existing, result.Message())
		view, err := s.view(ctx, key, existing)
		return view, result, err
	}

	account, err := s.resolveAccount(ctx, provider, result)
	if err != nil {
		s.restore(key, existing, "resolve account failed")
		return nil, result, fmt.Errorf("resolve account: %w", err)
	}
	if account.UserID != DefaultUserID && account.UserID != key.UserID {
		s.restore(key, existing, "account mismatch")
		return nil, result, fmt.Errorf("%w: expected %s, got %s", domain.ErrAccountMismatch, key.UserID, account.UserID)
	}

	view, err := s.persistAuthenticated(ctx, key, existing, account.Profile, result)
	if err != nil {
		s.restore(key, existing, "reauthenticate failed")
		return nil, result, err
	}
	return view, result, nil
}

// persistAuthenticated stores a fresh credential with both flags cleared,
// activates it and moves the account to connected.
func (s *accountService) persistAuthenticated(
	ctx context.Context,
	key domain.AccountKey,
	existing *domain.Credential,
	profile *domain.Profile,
	result *domain.AuthResult,
) (*domain.AccountView, error) {
	now := s.now()
	cred := domain.CredentialFromResult(result, profile, now)
	if existing != nil {
		cred.CreatedAt = existing.CreatedAt
		if cred.Profile.IsZero() {
			cred.Profile = existing.Profile
		}
	}

	if err := s.store.StoreToken(ctx, key, cred); err != nil {
		return nil, fmt.Errorf("store credential: %w", err)
	}
	if err := s.store.SetActiveUser(ctx, key.ProviderID, key.UserID); err != nil {
		return nil, fmt.Errorf("set active user: %w", err)
	}
	if err := s.transition(key, domain.StateConnecting, domain.StateConnected, "authenticated"); err != nil {
		return nil, err
	}

	s.logger.Info("account connected", "provider", key.ProviderID, "user", key.UserID)
	return s.view(ctx, key, cred)
}

// restore returns an account from connecting to its resting state.
func (s *accountService) restore(key domain.AccountKey, existing *domain.Credential, cause string) {
	to := domain.DeriveState(existing)
	if err := s.transition(key, domain.StateConnecting, to, cause); err != nil {
		s.logger.Warn("restore account state", "key", key.String(), "error", err)
	}
	s.setLastError(key, cause)
}

func (s *accountService) resolveAccount(ctx context.Context, provider *domain.ProviderConfig, result *domain.AuthResult) (*driven.ResolvedAccount, error) {
	if s.resolver == nil {
		return &driven.ResolvedAccount{UserID: DefaultUserID}, nil
	}
	account, err := s.resolver.Resolve(ctx, provider, result)
	if errors.Is(err, domain.ErrNotFound) {
		s.logger.Warn("account identity not resolvable, using default user id", "provider", provider.ID)
		return &driven.ResolvedAccount{UserID: DefaultUserID}, nil
	}
	if err != nil {
		return nil, err
	}
	if account.UserID == "" {
		account.UserID = DefaultUserID
	}
	return account, nil
}

// EnsureFresh returns a usable credential, refreshing it when it is due.
func (s *accountService) EnsureFresh(ctx context.Context, key domain.AccountKey) (*domain.Credential, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	cred, err := s.store.GetToken(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}
	if cred == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, key)
	}

	state, err := s.State(ctx, key)
	if err != nil {
		return nil, err
	}
	if state == domain.StateNeedsReauth {
		return nil, fmt.Errorf("%w: %s", domain.ErrReauthRequired, key)
	}
	if !cred.NeedsRefresh(s.now()) {
		return cred, nil
	}

	unlock, fresh, err := s.lockRefresh(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()
	if fresh != nil {
		return fresh, nil
	}

	// Another caller may have refreshed while this one waited.
	if cred, err = s.store.GetToken(ctx, key); err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}
	if cred == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, key)
	}
	if cred.NeedsReauth {
		return nil, fmt.Errorf("%w: %s", domain.ErrReauthRequired, key)
	}
	if !cred.NeedsRefresh(s.now()) {
		return cred, nil
	}
	if state, err = s.State(ctx, key); err != nil {
		return nil, err
	}

	provider, err := s.providers.Get(key.ProviderID)
	if err != nil {
		return nil, err
	}

	if state == domain.StateConnected {
		if err := s.transition(key, domain.StateConnected, domain.StateTokenExpired, "token expired"); err != nil {
			return nil, err
		}
		state = domain.StateTokenExpired
	}

	if !cred.CanRefresh() || provider.RefreshURL == "" {
		return nil, s.markNeedsReauth(ctx, key, cred, state, domain.ErrNoRefreshToken.Error())
	}

	result := s.flow.Refresh(ctx, cred.RefreshToken, provider.RefreshURL, provider.ClientID)
	if !result.Success {
		return nil, s.markNeedsReauth(ctx, key, cred, state, result.Message())
	}

	cred.AccessToken = result.AccessToken
	if result.RefreshToken != "" {
		cred.RefreshToken = result.RefreshToken
	}
	cred.ExpiresAt = result.ExpiresAt
	mergeExtras(&cred.Extra, result.Extra)
	cred.NeedsReauth = false
	cred.UpdatedAt = s.now()

	if err := s.store.StoreToken(ctx, key, cred); err != nil {
		return nil, fmt.Errorf("store refreshed credential: %w", err)
	}
	if state == domain.StateTokenExpired {
		if err := s.transition(key, domain.StateTokenExpired, domain.StateConnected, "token refreshed"); err != nil {
			return nil, err
		}
	}

	s.logger.Debug("credential refreshed", "provider", key.ProviderID, "user", key.UserID)
	return cred, nil
}

// lockRefresh serializes refreshes of one account. In-process callers queue
// on a mutex; other instances are excluded with the distributed lock, and a
// caller refused by it waits for the holder's result instead of refreshing
// again. fresh is non-nil when a peer's refresh was observed.
func (s *accountService) lockRefresh(ctx context.Context, key domain.AccountKey) (func(), *domain.Credential, error) {
	v, _ := s.refreshing.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()

	if s.lock == nil {
		return mu.Unlock, nil, nil
	}

	name := "refresh:" + key.Encoded()
	for {
		acquired, err := s.lock.Acquire(ctx, name, refreshLockTTL)
		if err != nil {
			// Refreshing without the lock risks a duplicate refresh, which
			// providers tolerate better than a failed request.
			s.logger.Warn("refresh lock unavailable", "key", key.String(), "error", err)
			return mu.Unlock, nil, nil
		}
		if acquired {
			return func() {
				if err := s.lock.Release(context.WithoutCancel(ctx), name); err != nil {
					s.logger.Warn("release refresh lock", "key", key.String(), "error", err)
				}
				mu.Unlock()
			}, nil, nil
		}

		select {
		case <-ctx.Done():
			mu.Unlock()
			return nil, nil, ctx.Err()
		case <-time.After(peerRefreshPoll):
		}

		cred, err := s.store.GetToken(ctx, key)
		if err != nil {
			mu.Unlock()
			return nil, nil, fmt.Errorf("get credential: %w", err)
		}
		if cred != nil && !cred.NeedsReauth && !cred.NeedsRefresh(s.now()) {
			return mu.Unlock, cred, nil
		}
	}
}

// markNeedsReauth persists the needs-reauth flag. The credential is kept.
// An account in a state with no edge to needs_reauth, such as error, keeps
// that state; the stored flag takes over once the state is derived again.
func (s *accountService) markNeedsReauth(ctx context.Context, key domain.AccountKey, cred *domain.Credential, from domain.ConnectionState, cause string) error {
	cred.NeedsReauth = true
	cred.UpdatedAt = s.now()
	if err := s.store.StoreToken(ctx, key, cred); err != nil {
		s.logger.Error("persist needs-reauth flag", "key", key.String(), "error", err)
	}
	if domain.CanTransition(from, domain.StateNeedsReauth) {
		if err := s.transition(key, from, domain.StateNeedsReauth, cause); err != nil {
			return err
		}
	}
	s.setLastError(key, cause)

	s.logger.Warn("refresh failed, account needs reauthentication",
		"provider", key.ProviderID,
		"user", key.UserID,
		"cause", cause)
	return fmt.Errorf("%w: %s", domain.ErrReauthRequired, cause)
}

// ReportPermissionError flags the account and moves it to error.
// The credential is retained.
func (s *accountService) ReportPermissionError(ctx context.Context, key domain.AccountKey, cause error) error {
	if err := key.Validate(); err != nil {
		return err
	}
	cred, err := s.store.GetToken(ctx, key)
	if err != nil {
		return fmt.Errorf("get credential: %w", err)
	}
	if cred == nil {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, key)
	}

	message := string(domain.AuthErrorPermissionInsufficient)
	if cause != nil {
		message = cause.Error()
	}

	cred.HasPermissionIssues = true
	cred.UpdatedAt = s.now()
	if err := s.store.StoreToken(ctx, key, cred); err != nil {
		return fmt.Errorf("store permission flag: %w", err)
	}

	from, err := s.State(ctx, key)
	if err != nil {
		return err
	}
	if domain.CanTransition(from, domain.StateError) {
		if err := s.transition(key, from, domain.StateError, message); err != nil {
			return err
		}
	} else {
		s.logger.Debug("permission error recorded without state change",
			"key", key.String(),
			"state", string(from))
	}
	s.setLastError(key, message)

	s.logger.Warn("permission problem reported",
		"provider", key.ProviderID,
		"user", key.UserID,
		"cause", message)
	return nil
}

// Disconnect explicitly removes an account and its credential.
func (s *accountService) Disconnect(ctx context.Context, key domain.AccountKey) error {
	if err := key.Validate(); err != nil {
		return err
	}
	from, err := s.State(ctx, key)
	if err != nil {
		return err
	}

	if manager, ok := driven.AsAccountManager(s.store); ok {
		err = manager.DeleteUserAccount(ctx, key)
	} else {
		err = s.store.RemoveToken(ctx, key)
	}
	if err != nil {
		return fmt.Errorf("remove account: %w", err)
	}

	if err := s.transition(key, from, domain.StateDisconnected, "disconnected"); err != nil {
		return err
	}
	s.forget(key)

	s.logger.Info("account disconnected", "provider", key.ProviderID, "user", key.UserID)
	return nil
}

// DisconnectAll explicitly removes every account of a provider.
func (s *accountService) DisconnectAll(ctx context.Context, providerID string) error {
	userIDs, err := s.userIDs(ctx, providerID)
	if err != nil {
		return err
	}

	if manager, ok := driven.AsAccountManager(s.store); ok {
		err = manager.DeleteAllAccountsForProvider(ctx, providerID)
	} else {
		err = s.store.RemoveAllTokens(ctx, providerID)
	}
	if err != nil {
		return fmt.Errorf("remove accounts: %w", err)
	}

	for _, userID := range userIDs {
		key := domain.NewAccountKey(providerID, userID)
		from := s.cachedState(key, domain.StateConnected)
		if err := s.transition(key, from, domain.StateDisconnected, "disconnected"); err != nil {
			s.logger.Warn("disconnect transition", "key", key.String(), "error", err)
		}
		s.forget(key)
	}

	s.logger.Info("all accounts disconnected", "provider", providerID, "count", len(userIDs))
	return nil
}

func (s *accountService) userIDs(ctx context.Context, providerID string) ([]string, error) {
	if manager, ok := driven.AsAccountManager(s.store); ok {
		ids, err := manager.ListUserIDsForProvider(ctx, providerID)
		if err != nil {
			return nil, fmt.Errorf("list accounts: %w", err)
		}
		return ids, nil
	}
	tokens, err := s.store.GetAllTokens(ctx, providerID)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	ids := make([]string, 0, len(tokens))
	for id := range tokens {
		ids = append(ids, id)
	}
	return ids, nil
}

// SetActiveAccount switches the provider's current account. The displayed
// state comes from that account alone; other accounts are untouched.
func (s *accountService) SetActiveAccount(ctx context.Context, key domain.AccountKey) (*domain.AccountView, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	cred, err := s.store.GetToken(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}
	if cred == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, key)
	}
	if err := s.store.SetActiveUser(ctx, key.ProviderID, key.UserID); err != nil {
		return nil, fmt.Errorf("set active user: %w", err)
	}
	return s.view(ctx, key, cred)
}

// State returns the connection state of one account.
func (s *accountService) State(ctx context.Context, key domain.AccountKey) (domain.ConnectionState, error) {
	s.mu.Lock()
	st, ok := s.states[key]
	s.mu.Unlock()
	if ok {
		return st.state, nil
	}

	cred, err := s.store.GetToken(ctx, key)
	if err != nil {
		return "", fmt.Errorf("get credential: %w", err)
	}
	state := domain.DeriveState(cred)
	if cred != nil {
		s.mu.Lock()
		if _, ok := s.states[key]; !ok {
			s.states[key] = &accountState{state: state}
		}
		state = s.states[key].state
		s.mu.Unlock()
	}
	return state, nil
}

// ProviderState returns the state of the provider's active account.
func (s *accountService) ProviderState(ctx context.Context, providerID string) (domain.ConnectionState, error) {
	s.mu.Lock()
	pending := s.connecting[providerID]
	s.mu.Unlock()
	if pending > 0 {
		return domain.StateConnecting, nil
	}

	userID, ok, err := s.store.GetActiveUser(ctx, providerID)
	if err != nil {
		return "", fmt.Errorf("get active user: %w", err)
	}
	if !ok {
		return domain.StateDisconnected, nil
	}
	return s.State(ctx, domain.NewAccountKey(providerID, userID))
}

// ListAccounts lists every stored account of a provider, broken ones included.
func (s *accountService) ListAccounts(ctx context.Context, providerID string) ([]*domain.AccountView, error) {
	tokens, err := s.store.GetAllTokens(ctx, providerID)
	if err != nil {
		return nil, fmt.Errorf("get tokens: %w", err)
	}
	active, _, err := s.store.GetActiveUser(ctx, providerID)
	if err != nil {
		return nil, fmt.Errorf("get active user: %w", err)
	}

	views := make([]*domain.AccountView, 0, len(tokens))
	for userID, cred := range tokens {
		key := domain.NewAccountKey(providerID, userID)
		view := s.buildView(key, cred, s.cachedState(key, domain.DeriveState(cred)))
		view.Active = userID == active
		views = append(views, view)
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Key.UserID < views[j].Key.UserID })
	return views, nil
}

// Subscribe streams state changes for a provider. Slow subscribers miss
// changes rather than block the controller.
func (s *accountService) Subscribe(providerID string) (<-chan domain.StateChange, func()) {
	ch := make(chan domain.StateChange, subscriberBuffer)

	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	if s.subs[providerID] == nil {
		s.subs[providerID] = make(map[int]chan domain.StateChange)
	}
	s.subs[providerID][id] = ch
	s.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs[providerID], id)
			s.subMu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (s *accountService) publish(change domain.StateChange) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs[change.Key.ProviderID] {
		select {
		case ch <- change:
		default:
		}
	}
}

// transition moves key from -> to if the edge is allowed.
func (s *accountService) transition(key domain.AccountKey, from, to domain.ConnectionState, cause string) error {
	if !domain.CanTransition(from, to) {
		s.logger.Warn("rejected connection state transition",
			"key", key.String(),
			"from", string(from),
			"to", string(to))
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
	}
	s.setState(key, to, "")
	s.publish(domain.StateChange{Key: key, From: from, To: to, Cause: cause, At: s.now()})
	return nil
}

func (s *accountService) setState(key domain.AccountKey, state domain.ConnectionState, lastError string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[key]
	if !ok {
		st = &accountState{}
		s.states[key] = st
	}
	st.state = state
	if lastError != "" {
		st.lastError = lastError
	}
	if state == domain.StateConnected {
		st.lastError = ""
	}
}

func (s *accountService) setLastError(key domain.AccountKey, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[key]; ok {
		st.lastError = message
	}
}

func (s *accountService) cachedState(key domain.AccountKey, fallback domain.ConnectionState) domain.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[key]; ok {
		return st.state
	}
	return fallback
}

func (s *accountService) forget(key domain.AccountKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, key)
}

func (s *accountService) beginConnecting(providerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connecting[providerID]++
}

func (s *accountService) endConnecting(providerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connecting[providerID] <= 1 {
		delete(s.connecting, providerID)
		return
	}
	s.connecting[providerID]--
}

func (s *accountService) view(ctx context.Context, key domain.AccountKey, cred *domain.Credential) (*domain.AccountView, error) {
	state, err := s.State(ctx, key)
	if err != nil {
		return nil, err
	}
	view := s.buildView(key, cred, state)
	active, ok, err := s.store.GetActiveUser(ctx, key.ProviderID)
	if err != nil {
		return nil, fmt.Errorf("get active user: %w", err)
	}
	view.Active = ok && active == key.UserID
	return view, nil
}

func (s *accountService) buildView(key domain.AccountKey, cred *domain.Credential, state domain.ConnectionState) *domain.AccountView {
	view := &domain.AccountView{Key: key, State: state}
	if cred != nil {
		view.Profile = cred.Profile
		view.HasPermissionIssues = cred.HasPermissionIssues
		view.NeedsReauth = cred.NeedsReauth
		view.ExpiresAt = cred.ExpiresAt
	}
	s.mu.Lock()
	if st, ok := s.states[key]; ok {
		view.LastError = st.lastError
	}
	s.mu.Unlock()
	return view
}

// mergeExtras overlays refreshed extras onto stored ones. A refresh response
// usually omits id_token and scope; those stay as they were.
func mergeExtras(dst *domain.TokenExtras, src domain.TokenExtras) {
	if src.TokenType != "" {
		dst.TokenType = src.TokenType
	}
	if src.Scope != "" {
		dst.Scope = src.Scope
	}
	if src.IDToken != "" {
		dst.IDToken = src.IDToken
	}
	for k, v := range src.Fields {
		dst.SetField(k, v)
	}
}
