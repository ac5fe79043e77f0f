package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/custodia-labs/sercha-connect/internal/core/domain"
	"github.com/custodia-labs/sercha-connect/internal/core/ports/driven"
	"github.com/custodia-labs/sercha-connect/internal/core/ports/driving"
)

// Ensure oauthService implements AuthFlow
var _ driving.AuthFlow = (*oauthService)(nil)

const (
	// DefaultRedirectTimeout bounds the wait for the provider redirect.
	DefaultRedirectTimeout = 120 * time.Second

	// DefaultHTTPTimeout bounds every token endpoint call.
	DefaultHTTPTimeout = 30 * time.Second

	// maxTokenResponseSize caps token endpoint bodies.
	maxTokenResponseSize = 1 << 20

	// stateAttempts bounds regeneration when a state collides with an in-flight flow.
	stateAttempts = 5
)

// directTokenParams are callback parameters through which a provider may
// hand back the access token directly, skipping the token endpoint.
var directTokenParams = []string{"hid", "access_token"}

var tracer = otel.Tracer("github.com/custodia-labs/sercha-connect/internal/core/services")

// OAuthServiceConfig holds configuration for the OAuth flow orchestrator.
type OAuthServiceConfig struct {
	// UserAgent presents the authorization page and returns the redirect.
	UserAgent driven.UserAgent

	// StateGenerator produces CSRF states. Defaults to NewStateGenerator().
	StateGenerator driven.StateGenerator

	// HTTPClient is used for token polling and refresh.
	// Defaults to a client with DefaultHTTPTimeout.
	HTTPClient *http.Client

	// RedirectTimeout bounds the user agent wait. Defaults to DefaultRedirectTimeout.
	RedirectTimeout time.Duration

	Logger *slog.Logger

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// oauthService implements the AuthFlow interface.
type oauthService struct {
	userAgent       driven.UserAgent
	states          driven.StateGenerator
	httpClient      *http.Client
	redirectTimeout time.Duration
	logger          *slog.Logger
	now             func() time.Time

	mu    sync.Mutex
	flows map[string]*domain.FlowState

	accountLocks sync.Map // domain.AccountKey -> chan struct{}
}

// NewOAuthService creates a new OAuth flow orchestrator.
func NewOAuthService(cfg OAuthServiceConfig) driving.AuthFlow {
	return newOAuthService(cfg)
}

func newOAuthService(cfg OAuthServiceConfig) *oauthService {
	s := &oauthService{
		userAgent:       cfg.UserAgent,
		states:          cfg.StateGenerator,
		httpClient:      cfg.HTTPClient,
		redirectTimeout: cfg.RedirectTimeout,
		logger:          cfg.Logger,
		now:             cfg.Now,
		flows:           make(map[string]*domain.FlowState),
	}
	if s.states == nil {
		s.states = NewStateGenerator()
	}
	if s.httpClient == nil {
		s.httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	if s.redirectTimeout <= 0 {
		s.redirectTimeout = DefaultRedirectTimeout
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Authenticate runs one authorization flow end-to-end.
// The flow's CSRF state is released on every terminal path.
func (s *oauthService) Authenticate(ctx context.Context, provider *domain.ProviderConfig) *domain.AuthResult {
	ctx, span := tracer.Start(ctx, "oauth.authenticate")
	defer span.End()

	if err := provider.Validate(); err != nil {
		return domain.NewErrorResult(domain.AuthErrorNone, domain.ErrorCodeInvalidInput, err.Error())
	}
	if s.userAgent == nil {
		return domain.NewErrorResult(domain.AuthErrorNone, domain.ErrorCodeUserAgent, "no user agent configured")
	}
	span.SetAttributes(attribute.String("provider.id", provider.ID))

	flow, err := s.beginFlow(provider)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return domain.NewErrorResult(domain.AuthErrorNone, domain.ErrorCodeInvalidInput, err.Error())
	}
	defer s.releaseFlow(flow)

	started := s.now()
	result := s.runFlow(ctx, provider, flow)
	s.setStatus(flow, domain.StatusForResult(result))

	span.SetAttributes(attribute.String("oauth.flow.status", string(flow.Status)))
	if !result.Success {
		span.SetStatus(codes.Error, result.Message())
	}

	s.logger.Info("oauth flow finished",
		"flow_id", flow.ID,
		"provider", provider.ID,
		"status", string(flow.Status),
		"error", result.Error,
		"duration", s.now().Sub(started))

	return result
}

// AuthenticateAccount serializes flows for the same account.
func (s *oauthService) AuthenticateAccount(ctx context.Context, key domain.AccountKey, provider *domain.ProviderConfig) *domain.AuthResult {
	unlock, err := s.lockAccount(ctx, key)
	if err != nil {
		return s.contextFailure(err, "waiting for in-flight flow")
	}
	defer unlock()
	return s.Authenticate(ctx, provider)
}

func (s *oauthService) lockAccount(ctx context.Context, key domain.AccountKey) (func(), error) {
	v, _ := s.accountLocks.LoadOrStore(key, make(chan struct{}, 1))
	slot := v.(chan struct{})
	select {
	case slot <- struct{}{}:
		return func() { <-slot }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// beginFlow registers a new FlowState under a state no in-flight flow uses.
func (s *oauthService) beginFlow(provider *domain.ProviderConfig) (*domain.FlowState, error) {
	for attempt := 0; attempt < stateAttempts; attempt++ {
		state, err := s.states.Generate()
		if err != nil {
			return nil, fmt.Errorf("generate state: %w", err)
		}
		if state == "" {
			return nil, fmt.Errorf("generate state: empty state")
		}

		s.mu.Lock()
		if _, taken := s.flows[state]; !taken {
			flow := domain.NewFlowState(state, provider.ID, provider.RedirectScheme, s.now())
			s.flows[state] = flow
			s.mu.Unlock()
			return flow, nil
		}
		s.mu.Unlock()
		s.logger.Warn("oauth state collided with in-flight flow, regenerating", "provider", provider.ID)
	}
	return nil, fmt.Errorf("generate state: no unique state after %d attempts", stateAttempts)
}

func (s *oauthService) releaseFlow(flow *domain.FlowState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.flows, flow.State)
}

func (s *oauthService) setStatus(flow *domain.FlowState, status domain.FlowStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	flow.Status = status
}

// consumeFlow marks the flow used. Returns false if it was already used or released.
func (s *oauthService) consumeFlow(flow *domain.FlowState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	registered, ok := s.flows[flow.State]
	if !ok || registered != flow || registered.Used {
		return false
	}
	registered.Used = true
	return true
}

// inFlight returns the number of registered flows.
func (s *oauthService) inFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.flows)
}

func (s *oauthService) runFlow(ctx context.Context, provider *domain.ProviderConfig, flow *domain.FlowState) *domain.AuthResult {
	s.setStatus(flow, domain.FlowLaunching)

	authURL := provider.AuthURL(flow.State)
	if authURL == "" {
		return domain.NewErrorResult(domain.AuthErrorNone, domain.ErrorCodeInvalidInput, "auth url generator returned an empty url")
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.redirectTimeout)
	defer cancel()

	s.setStatus(flow, domain.FlowAwaitingRedirect)
	callback, err := s.userAgent.Open(waitCtx, authURL, provider.RedirectScheme)
	if err != nil {
		return s.userAgentFailure(waitCtx, err)
	}
	if callback == nil {
		return domain.NewErrorResult(domain.AuthErrorInvalidServerResponse, domain.ErrorCodeUserAgent, "user agent returned no redirect")
	}

	return s.handleCallback(ctx, provider, flow, callback)
}

// userAgentFailure maps a user agent error onto a terminal result.
// Only domain.ErrUserCancelled counts as a cancellation.
func (s *oauthService) userAgentFailure(waitCtx context.Context, err error) *domain.AuthResult {
	switch {
	case errors.Is(err, domain.ErrUserCancelled):
		return domain.NewCancelledResult()
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(waitCtx.Err(), context.DeadlineExceeded):
		return domain.NewTimedOutResult(fmt.Sprintf("no redirect received within %s", s.redirectTimeout))
	default:
		return domain.NewErrorResult(domain.AuthErrorNetworkFailure, domain.ErrorCodeUserAgent, err.Error())
	}
}

func (s *oauthService) handleCallback(ctx context.Context, provider *domain.ProviderConfig, flow *domain.FlowState, callback *url.URL) *domain.AuthResult {
	query := callbackParams(callback)

	if code := query.Get("error"); code != "" {
		s.consumeFlow(flow)
		return domain.NewErrorResult(domain.AuthErrorAuthorizationDenied, code, query.Get("error_description"))
	}

	for _, param := range directTokenParams {
		token := query.Get(param)
		if token == "" {
			continue
		}
		if !s.consumeFlow(flow) {
			return domain.NewErrorResult(domain.AuthErrorInvalidServerResponse, domain.ErrorCodeInvalidState, "flow state already used")
		}
		result := domain.NewSuccessResult(token, query.Get("refresh_token"), expiryFromSeconds(parseSeconds(query.Get("expires_in")), s.now()))
		result.Extra.TokenType = query.Get("token_type")
		result.Extra.Scope = query.Get("scope")
		return result
	}

	if echoed := query.Get("state"); echoed != "" && echoed != flow.State {
		return domain.NewErrorResult(domain.AuthErrorInvalidServerResponse, domain.ErrorCodeInvalidState, "callback state does not match flow")
	}
	if !s.consumeFlow(flow) {
		return domain.NewErrorResult(domain.AuthErrorInvalidServerResponse, domain.ErrorCodeInvalidState, "flow state already used")
	}

	s.setStatus(flow, domain.FlowPolling)
	return s.poll(ctx, provider.TokenURL(flow.State))
}

// callbackParams merges query and fragment parameters. Some providers
// return implicit-grant style fragments.
func callbackParams(callback *url.URL) url.Values {
	params := callback.Query()
	if callback.Fragment != "" {
		if fragment, err := url.ParseQuery(callback.Fragment); err == nil {
			for k, v := range fragment {
				if _, exists := params[k]; !exists {
					params[k] = v
				}
			}
		}
	}
	return params
}

// poll fetches the token issued for the flow's state from the token endpoint.
func (s *oauthService) poll(ctx context.Context, tokenURL string) *domain.AuthResult {
	ctx, span := tracer.Start(ctx, "oauth.poll")
	defer span.End()

	if tokenURL == "" {
		return domain.NewErrorResult(domain.AuthErrorNone, domain.ErrorCodeInvalidInput, "token url generator returned an empty url")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tokenURL, nil)
	if err != nil {
		return domain.NewErrorResult(domain.AuthErrorNone, domain.ErrorCodeInvalidInput, fmt.Sprintf("create token request: %v", err))
	}
	req.Header.Set("Accept", "application/json")

	status, body, err := s.do(req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return s.transportFailure(ctx, err, "token request")
	}
	if status != http.StatusOK {
		return domain.NewErrorResult(domain.AuthErrorInvalidServerResponse, domain.ErrorCodeHTTPStatus,
			fmt.Sprintf("token endpoint returned status %d", status))
	}

	tr, err := parseTokenResponse(body)
	if err != nil {
		return domain.NewErrorResult(domain.AuthErrorInvalidServerResponse, domain.ErrorCodeInvalidJSON,
			fmt.Sprintf("invalid token response: %v", err))
	}
	if tr.Error != "" {
		return domain.NewErrorResult(domain.AuthErrorAuthorizationDenied, tr.Error, tr.ErrorDescription)
	}
	if tr.AccessToken == "" {
		return domain.NewErrorResult(domain.AuthErrorInvalidServerResponse, domain.ErrorCodeNoToken, "no access token received")
	}

	result := domain.NewSuccessResult(tr.AccessToken, tr.RefreshToken, tr.expiresAt(s.now()))
	result.Extra = tr.Extra
	return result
}

// Refresh exchanges a refresh token for a new access token.
// A response without refresh_token keeps the original one.
func (s *oauthService) Refresh(ctx context.Context, refreshToken, refreshURL, clientID string) *domain.AuthResult {
	ctx, span := tracer.Start(ctx, "oauth.refresh")
	defer span.End()

	if refreshToken == "" {
		return domain.NewErrorResult(domain.AuthErrorNone, domain.ErrorCodeInvalidInput, "refresh token is required")
	}
	if refreshURL == "" {
		return domain.NewErrorResult(domain.AuthErrorNone, domain.ErrorCodeInvalidInput, "refresh url is required")
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	if clientID != "" {
		form.Set("client_id", clientID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, refreshURL, strings.NewReader(form.Encode()))
	if err != nil {
		return domain.NewErrorResult(domain.AuthErrorNone, domain.ErrorCodeInvalidInput, fmt.Sprintf("create refresh request: %v", err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	status, body, err := s.do(req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return s.transportFailure(ctx, err, "refresh request")
	}
	if status != http.StatusOK {
		return domain.NewErrorResult(domain.AuthErrorInvalidServerResponse, domain.ErrorCodeHTTPStatus,
			fmt.Sprintf("token refresh failed with status %d", status))
	}

	tr, err := parseTokenResponse(body)
	if err != nil {
		return domain.NewErrorResult(domain.AuthErrorInvalidServerResponse, domain.ErrorCodeInvalidJSON,
			fmt.Sprintf("invalid refresh response: %v", err))
	}
	if tr.Error != "" {
		return domain.NewErrorResult(domain.AuthErrorAuthorizationDenied, tr.Error, tr.ErrorDescription)
	}
	if tr.AccessToken == "" {
		return domain.NewErrorResult(domain.AuthErrorInvalidServerResponse, domain.ErrorCodeNoToken, "no access token received from refresh")
	}

	newRefresh := tr.RefreshToken
	if newRefresh == "" {
		newRefresh = refreshToken
	}
	result := domain.NewSuccessResult(tr.AccessToken, newRefresh, tr.expiresAt(s.now()))
	result.Extra = tr.Extra
	return result
}

// do executes req and reads a bounded body.
func (s *oauthService) do(req *http.Request) (int, []byte, error) {
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseSize))
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func (s *oauthService) transportFailure(ctx context.Context, err error, what string) *domain.AuthResult {
	var timeout interface{ Timeout() bool }
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) ||
		(errors.As(err, &timeout) && timeout.Timeout()) {
		return domain.NewTimedOutResult(what + " timed out")
	}
	return domain.NewErrorResult(domain.AuthErrorNetworkFailure, domain.ErrorCodeNetwork, fmt.Sprintf("%s failed: %v", what, err))
}

func (s *oauthService) contextFailure(err error, what string) *domain.AuthResult {
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.NewTimedOutResult(what + " timed out")
	}
	return domain.NewErrorResult(domain.AuthErrorNetworkFailure, domain.ErrorCodeNetwork, fmt.Sprintf("%s: %v", what, err))
}
