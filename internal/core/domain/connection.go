package domain

import "time"

// ConnectionState is the observable health of a provider/account pairing.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateTokenExpired ConnectionState = "token_expired"
	StateNeedsReauth  ConnectionState = "needs_reauth"
	StateError        ConnectionState = "error"
)

// IsValid reports whether the state is one of the defined values.
func (s ConnectionState) IsValid() bool {
	switch s {
	case StateDisconnected, StateConnecting, StateConnected,
		StateTokenExpired, StateNeedsReauth, StateError:
		return true
	}
	return false
}

// NeedsUserAction reports whether the account shows a corrective action.
func (s ConnectionState) NeedsUserAction() bool {
	return s == StateNeedsReauth || s == StateError
}

// transitions lists the allowed edges. Disconnect (any -> disconnected) is
// handled separately in CanTransition.
var transitions = map[ConnectionState][]ConnectionState{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateConnected, StateDisconnected, StateNeedsReauth, StateError},
	StateConnected:    {StateTokenExpired, StateError, StateConnecting},
	StateTokenExpired: {StateConnected, StateNeedsReauth, StateConnecting},
	StateNeedsReauth:  {StateConnecting},
	StateError:        {StateConnecting},
}

// CanTransition reports whether from -> to is an allowed edge.
// A failed connect attempt returns an account to the state it came from,
// so connecting may fall back to needs_reauth or error as well.
func CanTransition(from, to ConnectionState) bool {
	if to == StateDisconnected {
		return true
	}
	if from == to {
		return false
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// DeriveState computes the resting state of a stored credential from its flags.
func DeriveState(c *Credential) ConnectionState {
	switch {
	case c == nil:
		return StateDisconnected
	case c.NeedsReauth:
		return StateNeedsReauth
	case c.HasPermissionIssues:
		return StateError
	default:
		return StateConnected
	}
}

// StateChange is published whenever an account changes state.
type StateChange struct {
	Key   AccountKey      `json:"key"`
	From  ConnectionState `json:"from"`
	To    ConnectionState `json:"to"`
	Cause string          `json:"cause,omitempty"`
	At    time.Time       `json:"at"`
}

// AccountView is the collaborator-facing description of one account.
// It never carries token values.
type AccountView struct {
	Key                 AccountKey      `json:"key"`
	Profile             *Profile        `json:"profile,omitempty"`
	State               ConnectionState `json:"state"`
	HasPermissionIssues bool            `json:"has_permission_issues"`
	NeedsReauth         bool            `json:"needs_reauth"`
	Active              bool            `json:"active"`
	ExpiresAt           *time.Time      `json:"expires_at,omitempty"`
	LastError           string          `json:"last_error,omitempty"`
}

// DisplayName returns the profile label, falling back to the user id.
func (v *AccountView) DisplayName() string {
	if name := v.Profile.DisplayName(); name != "" {
		return name
	}
	return v.Key.UserID
}
