package domain

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to ConnectionState
		want     bool
	}{
		{StateDisconnected, StateConnecting, true},
		{StateDisconnected, StateConnected, false},
		{StateConnecting, StateConnected, true},
		{StateConnecting, StateNeedsReauth, true},
		{StateConnected, StateTokenExpired, true},
		{StateConnected, StateNeedsReauth, false},
		{StateConnected, StateError, true},
		{StateTokenExpired, StateConnected, true},
		{StateTokenExpired, StateNeedsReauth, true},
		{StateTokenExpired, StateError, false},
		{StateNeedsReauth, StateConnected, false},
		{StateNeedsReauth, StateConnecting, true},
		{StateError, StateConnecting, true},
		{StateError, StateError, false},
		{StateError, StateDisconnected, true},
		{StateNeedsReauth, StateDisconnected, true},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestDeriveState(t *testing.T) {
	tests := []struct {
		name string
		cred *Credential
		want ConnectionState
	}{
		{"missing", nil, StateDisconnected},
		{"healthy", &Credential{AccessToken: "a"}, StateConnected},
		{"permission issue", &Credential{AccessToken: "a", HasPermissionIssues: true}, StateError},
		{"needs reauth wins", &Credential{AccessToken: "a", HasPermissionIssues: true, NeedsReauth: true}, StateNeedsReauth},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DeriveState(tt.cred); got != tt.want {
				t.Errorf("DeriveState() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestConnectionStateHelpers(t *testing.T) {
	if ConnectionState("bogus").IsValid() {
		t.Error("bogus state should be invalid")
	}
	for _, s := range []ConnectionState{StateDisconnected, StateConnecting, StateConnected, StateTokenExpired, StateNeedsReauth, StateError} {
		if !s.IsValid() {
			t.Errorf("%s should be valid", s)
		}
	}
	if !StateNeedsReauth.NeedsUserAction() || !StateError.NeedsUserAction() || StateTokenExpired.NeedsUserAction() {
		t.Error("unexpected NeedsUserAction result")
	}
}

func TestAccountViewDisplayName(t *testing.T) {
	v := &AccountView{Key: NewAccountKey("hidrive", "u-1")}
	if v.DisplayName() != "u-1" {
		t.Errorf("expected user id fallback, got %q", v.DisplayName())
	}
	v.Profile = &Profile{Email: "alice@example.com"}
	if v.DisplayName() != "alice@example.com" {
		t.Errorf("expected email, got %q", v.DisplayName())
	}
	v.Profile.Name = "Alice"
	if v.DisplayName() != "Alice" {
		t.Errorf("expected name, got %q", v.DisplayName())
	}
}
