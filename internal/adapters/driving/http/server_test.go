package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/custodia-labs/sercha-connect/internal/adapters/driven/auth"
	"github.com/custodia-labs/sercha-connect/internal/core/domain"
)

// Mock services for testing

type mockAccountService struct {
	providerStateFn   func(ctx context.Context, providerID string) (domain.ConnectionState, error)
	stateFn           func(ctx context.Context, key domain.AccountKey) (domain.ConnectionState, error)
	listFn            func(ctx context.Context, providerID string) ([]*domain.AccountView, error)
	disconnectFn      func(ctx context.Context, key domain.AccountKey) error
	disconnectAllFn   func(ctx context.Context, providerID string) error
	setActiveFn       func(ctx context.Context, key domain.AccountKey) (*domain.AccountView, error)
	permissionErrorFn func(ctx context.Context, key domain.AccountKey, cause error) error
	ensureFreshFn     func(ctx context.Context, key domain.AccountKey) (*domain.Credential, error)
}

func (m *mockAccountService) Connect(ctx context.Context, providerID string) (*domain.AccountView, *domain.AuthResult, error) {
	return nil, nil, errors.New("not implemented")
}

func (m *mockAccountService) Reauthenticate(ctx context.Context, key domain.AccountKey) (*domain.AccountView, *domain.AuthResult, error) {
	return nil, nil, errors.New("not implemented")
}

func (m *mockAccountService) EnsureFresh(ctx context.Context, key domain.AccountKey) (*domain.Credential, error) {
	if m.ensureFreshFn != nil {
		return m.ensureFreshFn(ctx, key)
	}
	return nil, errors.New("not implemented")
}

func (m *mockAccountService) ReportPermissionError(ctx context.Context, key domain.AccountKey, cause error) error {
	if m.permissionErrorFn != nil {
		return m.permissionErrorFn(ctx, key, cause)
	}
	return nil
}

func (m *mockAccountService) Disconnect(ctx context.Context, key domain.AccountKey) error {
	if m.disconnectFn != nil {
		return m.disconnectFn(ctx, key)
	}
	return nil
}

func (m *mockAccountService) DisconnectAll(ctx context.Context, providerID string) error {
	if m.disconnectAllFn != nil {
		return m.disconnectAllFn(ctx, providerID)
	}
	return nil
}

func (m *mockAccountService) SetActiveAccount(ctx context.Context, key domain.AccountKey) (*domain.AccountView, error) {
	if m.setActiveFn != nil {
		return m.setActiveFn(ctx, key)
	}
	return nil, errors.New("not implemented")
}

func (m *mockAccountService) State(ctx context.Context, key domain.AccountKey) (domain.ConnectionState, error) {
	if m.stateFn != nil {
		return m.stateFn(ctx, key)
	}
	return domain.StateDisconnected, nil
}

func (m *mockAccountService) ProviderState(ctx context.Context, providerID string) (domain.ConnectionState, error) {
	if m.providerStateFn != nil {
		return m.providerStateFn(ctx, providerID)
	}
	return domain.StateDisconnected, nil
}

func (m *mockAccountService) ListAccounts(ctx context.Context, providerID string) ([]*domain.AccountView, error) {
	if m.listFn != nil {
		return m.listFn(ctx, providerID)
	}
	return nil, nil
}

func (m *mockAccountService) Subscribe(providerID string) (<-chan domain.StateChange, func()) {
	ch := make(chan domain.StateChange)
	return ch, func() {}
}

type mockRegistry struct {
	providers []*domain.ProviderConfig
}

func (m *mockRegistry) Get(providerID string) (*domain.ProviderConfig, error) {
	for _, p := range m.providers {
		if p.ID == providerID {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrProviderNotFound, providerID)
}

func (m *mockRegistry) List() []*domain.ProviderConfig {
	return m.providers
}

type mockPinger struct {
	err error
}

func (m *mockPinger) Ping(ctx context.Context) error {
	return m.err
}

const testSecret = "test-secret"

func newTestServer(accounts *mockAccountService, store Pinger) *Server {
	registry := &mockRegistry{providers: []*domain.ProviderConfig{
		{ID: "dropbox", Type: domain.ProviderTypeDropbox},
		{ID: "hidrive", Type: domain.ProviderTypeHiDrive},
	}}
	cfg := DefaultConfig()
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewServer(cfg, accounts, registry, auth.NewAdapter(testSecret), store)
}

func bearer(t *testing.T) string {
	t.Helper()
	token, err := auth.NewAdapter(testSecret).GenerateToken("ops", time.Hour)
	if err != nil {
		t.Fatalf("failed to generate token: %v", err)
	}
	return "Bearer " + token
}

func do(t *testing.T, s *Server, method, path, body string, authorized bool) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if authorized {
		req.Header.Set("Authorization", bearer(t))
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	rec := do(t, newTestServer(&mockAccountService{}, &mockPinger{}), http.MethodGet, "/health", "", false)
	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}

	rec = do(t, newTestServer(&mockAccountService{}, &mockPinger{err: errors.New("down")}), http.MethodGet, "/health", "", false)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", rec.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(&mockAccountService{}, nil)

	rec := do(t, s, http.MethodGet, "/api/v1/providers", "", false)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/providers", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401 for invalid token, got %d", rec.Code)
	}
}

func TestListProviders(t *testing.T) {
	accounts := &mockAccountService{
		providerStateFn: func(ctx context.Context, providerID string) (domain.ConnectionState, error) {
			if providerID == "hidrive" {
				return domain.StateNeedsReauth, nil
			}
			return domain.StateDisconnected, nil
		},
	}
	rec := do(t, newTestServer(accounts, nil), http.MethodGet, "/api/v1/providers", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var got []providerResponse
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 providers, got %d", len(got))
	}
	if got[1].ID != "hidrive" || got[1].State != domain.StateNeedsReauth || got[1].Name != "HiDrive" {
		t.Errorf("unexpected provider %+v", got[1])
	}
}

func TestProviderState_UnknownProvider(t *testing.T) {
	rec := do(t, newTestServer(&mockAccountService{}, nil), http.MethodGet, "/api/v1/providers/nope/state", "", true)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rec.Code)
	}
}

func TestListAccounts(t *testing.T) {
	accounts := &mockAccountService{
		listFn: func(ctx context.Context, providerID string) ([]*domain.AccountView, error) {
			return []*domain.AccountView{
				{Key: domain.NewAccountKey(providerID, "alice"), State: domain.StateConnected, Active: true},
				{Key: domain.NewAccountKey(providerID, "bob"), State: domain.StateNeedsReauth, NeedsReauth: true},
			}, nil
		},
	}
	rec := do(t, newTestServer(accounts, nil), http.MethodGet, "/api/v1/providers/hidrive/accounts", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "access_token") {
		t.Error("account listing must not expose tokens")
	}

	var got []domain.AccountView
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 || got[1].State != domain.StateNeedsReauth {
		t.Errorf("unexpected accounts %+v", got)
	}
}

func TestListAccounts_EmptyIsArray(t *testing.T) {
	rec := do(t, newTestServer(&mockAccountService{}, nil), http.MethodGet, "/api/v1/providers/hidrive/accounts", "", true)
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("expected empty array, got %s", rec.Body.String())
	}
}

func TestDisconnect(t *testing.T) {
	var gotKey domain.AccountKey
	accounts := &mockAccountService{
		disconnectFn: func(ctx context.Context, key domain.AccountKey) error {
			gotKey = key
			return nil
		},
	}
	rec := do(t, newTestServer(accounts, nil), http.MethodDelete, "/api/v1/providers/hidrive/accounts/alice", "", true)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rec.Code)
	}
	if gotKey != domain.NewAccountKey("hidrive", "alice") {
		t.Errorf("unexpected key %v", gotKey)
	}
}

func TestDisconnectAll(t *testing.T) {
	var gotProvider string
	accounts := &mockAccountService{
		disconnectAllFn: func(ctx context.Context, providerID string) error {
			gotProvider = providerID
			return nil
		},
	}
	rec := do(t, newTestServer(accounts, nil), http.MethodDelete, "/api/v1/providers/hidrive/accounts", "", true)
	if rec.Code != http.StatusNoContent || gotProvider != "hidrive" {
		t.Errorf("expected 204 for hidrive, got %d for %q", rec.Code, gotProvider)
	}
}

func TestSetActive(t *testing.T) {
	accounts := &mockAccountService{
		setActiveFn: func(ctx context.Context, key domain.AccountKey) (*domain.AccountView, error) {
			if key.UserID == "ghost" {
				return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, key)
			}
			return &domain.AccountView{Key: key, State: domain.StateConnected, Active: true}, nil
		},
	}
	s := newTestServer(accounts, nil)

	rec := do(t, s, http.MethodPost, "/api/v1/providers/hidrive/accounts/alice/active", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	var view domain.AccountView
	if err := json.NewDecoder(rec.Body).Decode(&view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !view.Active {
		t.Error("expected active account")
	}

	rec = do(t, s, http.MethodPost, "/api/v1/providers/hidrive/accounts/ghost/active", "", true)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rec.Code)
	}
}

func TestPermissionError(t *testing.T) {
	var gotCause error
	accounts := &mockAccountService{
		permissionErrorFn: func(ctx context.Context, key domain.AccountKey, cause error) error {
			gotCause = cause
			return nil
		},
		stateFn: func(ctx context.Context, key domain.AccountKey) (domain.ConnectionState, error) {
			return domain.StateError, nil
		},
	}
	s := newTestServer(accounts, nil)

	rec := do(t, s, http.MethodPost, "/api/v1/providers/hidrive/accounts/alice/permission-error",
		`{"message":"403 on /files"}`, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if gotCause == nil || gotCause.Error() != "403 on /files" {
		t.Errorf("unexpected cause %v", gotCause)
	}
	var got stateResponse
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.State != domain.StateError {
		t.Errorf("expected error state, got %s", got.State)
	}

	rec = do(t, s, http.MethodPost, "/api/v1/providers/hidrive/accounts/alice/permission-error", "{", true)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected status 400 for bad body, got %d", rec.Code)
	}

	rec = do(t, s, http.MethodPost, "/api/v1/providers/hidrive/accounts/alice/permission-error", "", true)
	if rec.Code != http.StatusOK {
		t.Errorf("expected empty body to be accepted, got %d", rec.Code)
	}
}

func TestRefresh(t *testing.T) {
	expires := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	accounts := &mockAccountService{
		ensureFreshFn: func(ctx context.Context, key domain.AccountKey) (*domain.Credential, error) {
			if key.UserID == "broken" {
				return nil, domain.ErrReauthRequired
			}
			return &domain.Credential{AccessToken: "secret-token", ExpiresAt: &expires}, nil
		},
	}
	s := newTestServer(accounts, nil)

	rec := do(t, s, http.MethodPost, "/api/v1/providers/hidrive/accounts/alice/refresh", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "secret-token") {
		t.Error("refresh response must not expose the token")
	}

	rec = do(t, s, http.MethodPost, "/api/v1/providers/hidrive/accounts/broken/refresh", "", true)
	if rec.Code != http.StatusConflict {
		t.Errorf("expected status 409, got %d", rec.Code)
	}
}

func TestRecovery(t *testing.T) {
	accounts := &mockAccountService{
		listFn: func(ctx context.Context, providerID string) ([]*domain.AccountView, error) {
			panic("boom")
		},
	}
	rec := do(t, newTestServer(accounts, nil), http.MethodGet, "/api/v1/providers/hidrive/accounts", "", true)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowedOrigins = []string{"https://app.example.com"}
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewServer(cfg, &mockAccountService{}, &mockRegistry{}, auth.NewAdapter(testSecret), nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/providers", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("expected status 204, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://app.example.com" {
		t.Error("expected allow-origin header")
	}
}

func TestRequireAdmin_ExposesSubject(t *testing.T) {
	var subject string
	h := requireAdmin(auth.NewAdapter(testSecret))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject = adminFrom(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", bearer(t))
	h.ServeHTTP(httptest.NewRecorder(), req)
	if subject != "ops" {
		t.Errorf("expected subject ops, got %q", subject)
	}

	if got := adminFrom(context.Background()); got != "" {
		t.Errorf("expected empty subject outside middleware, got %q", got)
	}
}

func TestRequireAdmin_NoVerifier(t *testing.T) {
	h := requireAdmin(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler must not run")
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", bearer(t))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", rec.Code)
	}
}

func TestExtractBearerToken(t *testing.T) {
	tests := map[string]string{
		"":               "",
		"Bearer abc":     "abc",
		"bearer  abc ":   "abc",
		"Basic dXNlcjo=": "",
		"Bearer":         "",
	}
	for header, want := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		if got := extractBearerToken(req); got != want {
			t.Errorf("header %q: expected %q, got %q", header, want, got)
		}
	}
}
