package domain

import (
	"time"

	"github.com/google/uuid"
)

// AuthErrorKind classifies a failed authentication or persistence outcome.
type AuthErrorKind string

const (
	AuthErrorNone                   AuthErrorKind = ""
	AuthErrorUserCancelled          AuthErrorKind = "user_cancelled"
	AuthErrorNetworkFailure         AuthErrorKind = "network_failure"
	AuthErrorInvalidServerResponse  AuthErrorKind = "invalid_server_response"
	AuthErrorAuthorizationDenied    AuthErrorKind = "authorization_denied"
	AuthErrorPermissionInsufficient AuthErrorKind = "permission_insufficient"
	AuthErrorCorruptedPersistedData AuthErrorKind = "corrupted_persisted_data"
)

// Error codes carried in AuthResult.Error for failures that did not come
// from the provider itself.
const (
	ErrorCodeTimeout      = "timeout"
	ErrorCodeCancelled    = "cancelled"
	ErrorCodeInvalidState = "invalid_state"
	ErrorCodeNetwork      = "network_error"
	ErrorCodeHTTPStatus   = "http_error"
	ErrorCodeInvalidJSON  = "invalid_response"
	ErrorCodeNoToken      = "no_access_token"
	ErrorCodeUserAgent    = "user_agent_error"
	ErrorCodeInvalidInput = "invalid_request"
)

// AuthResult is the terminal outcome of an authentication or refresh call.
type AuthResult struct {
	Success          bool          `json:"success"`
	AccessToken      string        `json:"-"`
	RefreshToken     string        `json:"-"`
	ExpiresAt        *time.Time    `json:"expires_at,omitempty"`
	Error            string        `json:"error,omitempty"`
	ErrorDescription string        `json:"error_description,omitempty"`
	Cancelled        bool          `json:"cancelled"`
	TimedOut         bool          `json:"timed_out"`
	Kind             AuthErrorKind `json:"kind,omitempty"`
	Extra            TokenExtras   `json:"extra,omitempty"`
}

// NewSuccessResult builds a successful result.
func NewSuccessResult(accessToken, refreshToken string, expiresAt *time.Time) *AuthResult {
	return &AuthResult{
		Success:      true,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt,
	}
}

// NewErrorResult builds a failed result.
func NewErrorResult(kind AuthErrorKind, code, description string) *AuthResult {
	return &AuthResult{
		Error:            code,
		ErrorDescription: description,
		Kind:             kind,
	}
}

// NewCancelledResult builds a user-cancelled result.
func NewCancelledResult() *AuthResult {
	return &AuthResult{
		Error:     ErrorCodeCancelled,
		Cancelled: true,
		Kind:      AuthErrorUserCancelled,
	}
}

// NewTimedOutResult builds a timed-out result.
func NewTimedOutResult(description string) *AuthResult {
	return &AuthResult{
		Error:            ErrorCodeTimeout,
		ErrorDescription: description,
		TimedOut:         true,
		Kind:             AuthErrorNetworkFailure,
	}
}

// Message returns a single-line description of a failed result.
func (r *AuthResult) Message() string {
	if r == nil {
		return ""
	}
	if r.ErrorDescription != "" {
		return r.Error + ": " + r.ErrorDescription
	}
	return r.Error
}

// FlowStatus is the position of one authentication attempt in its state machine.
type FlowStatus string

const (
	FlowIdle             FlowStatus = "idle"
	FlowLaunching        FlowStatus = "launching"
	FlowAwaitingRedirect FlowStatus = "awaiting_redirect"
	FlowPolling          FlowStatus = "polling"
	FlowSuccess          FlowStatus = "success"
	FlowError            FlowStatus = "error"
	FlowCancelled        FlowStatus = "cancelled"
	FlowTimedOut         FlowStatus = "timed_out"
)

// IsTerminal reports whether the flow has finished.
func (s FlowStatus) IsTerminal() bool {
	switch s {
	case FlowSuccess, FlowError, FlowCancelled, FlowTimedOut:
		return true
	}
	return false
}

// FlowState is the ephemeral record of one in-flight authentication.
// It is never persisted.
type FlowState struct {
	ID             string
	State          string
	ProviderID     string
	RedirectScheme string
	CreatedAt      time.Time
	Used           bool
	Status         FlowStatus
}

// NewFlowState creates an idle flow for the given CSRF state.
func NewFlowState(state, providerID, redirectScheme string, now time.Time) *FlowState {
	return &FlowState{
		ID:             uuid.NewString(),
		State:          state,
		ProviderID:     providerID,
		RedirectScheme: redirectScheme,
		CreatedAt:      now,
		Status:         FlowIdle,
	}
}

// StatusForResult maps a terminal result onto a flow status.
func StatusForResult(r *AuthResult) FlowStatus {
	switch {
	case r.Success:
		return FlowSuccess
	case r.Cancelled:
		return FlowCancelled
	case r.TimedOut:
		return FlowTimedOut
	default:
		return FlowError
	}
}
