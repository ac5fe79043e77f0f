package domain

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// refreshSkew is how early a credential is considered due for refresh.
const refreshSkew = 5 * time.Minute

// MaxExtraFields bounds the number of unrecognised token endpoint fields
// kept on a credential.
const MaxExtraFields = 32

// AccountKey identifies one stored credential.
type AccountKey struct {
	ProviderID string `json:"provider_id"`
	UserID     string `json:"user_id"`
}

// NewAccountKey builds an AccountKey.
func NewAccountKey(providerID, userID string) AccountKey {
	return AccountKey{ProviderID: providerID, UserID: userID}
}

// Validate checks both parts of the key are set.
func (k AccountKey) Validate() error {
	if strings.TrimSpace(k.ProviderID) == "" {
		return fmt.Errorf("%w: provider id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(k.UserID) == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	return nil
}

// String is the display form "provider:user". Ids may themselves contain
// ':', so it is not unique; use Encoded for storage keys and lock names.
func (k AccountKey) String() string {
	return k.ProviderID + ":" + k.UserID
}

// Encoded is a form of the key that is distinct for distinct keys: both
// parts base64url-encoded and joined by '.', which the alphabet lacks.
func (k AccountKey) Encoded() string {
	return base64.RawURLEncoding.EncodeToString([]byte(k.ProviderID)) + "." +
		base64.RawURLEncoding.EncodeToString([]byte(k.UserID))
}

// Profile is the display identity captured at authentication time.
// It is kept on the credential so broken accounts can still be shown.
type Profile struct {
	Name       string `json:"name,omitempty"`
	Email      string `json:"email,omitempty"`
	PictureURL string `json:"picture_url,omitempty"`
}

// IsZero reports whether no profile field is set.
func (p *Profile) IsZero() bool {
	return p == nil || (p.Name == "" && p.Email == "" && p.PictureURL == "")
}

// DisplayName returns the best human-readable label for the profile.
func (p *Profile) DisplayName() string {
	if p == nil {
		return ""
	}
	if p.Name != "" {
		return p.Name
	}
	return p.Email
}

// TokenExtras holds token endpoint fields beyond the access/refresh pair.
// Known fields are named; anything else lands in Fields, capped at MaxExtraFields.
type TokenExtras struct {
	TokenType string            `json:"token_type,omitempty"`
	Scope     string            `json:"scope,omitempty"`
	IDToken   string            `json:"id_token,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// SetField records an extra field. Returns false once the bound is reached.
func (e *TokenExtras) SetField(name, value string) bool {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	if _, exists := e.Fields[name]; !exists && len(e.Fields) >= MaxExtraFields {
		return false
	}
	e.Fields[name] = value
	return true
}

// IsZero reports whether no extra data is present.
func (e TokenExtras) IsZero() bool {
	return e.TokenType == "" && e.Scope == "" && e.IDToken == "" && len(e.Fields) == 0
}

// Scopes splits the scope string on spaces and commas.
func (e TokenExtras) Scopes() []string {
	return strings.FieldsFunc(e.Scope, func(r rune) bool { return r == ' ' || r == ',' })
}

// Credential is the persisted token pair plus metadata for one account.
type Credential struct {
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token,omitempty"`
	ExpiresAt    *time.Time  `json:"expires_at,omitempty"`
	Extra        TokenExtras `json:"extra,omitempty"`

	HasPermissionIssues bool `json:"has_permission_issues"`
	NeedsReauth         bool `json:"needs_reauth"`

	Profile *Profile `json:"profile,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the credential is storable.
func (c *Credential) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: credential is nil", ErrInvalidInput)
	}
	if c.AccessToken == "" {
		return fmt.Errorf("%w: access token is required", ErrInvalidInput)
	}
	return nil
}

// IsExpired checks if the access token has expired
func (c *Credential) IsExpired(now time.Time) bool {
	if c.ExpiresAt == nil {
		return false
	}
	return now.After(*c.ExpiresAt)
}

// NeedsRefresh checks if tokens should be refreshed (within 5 min of expiry)
func (c *Credential) NeedsRefresh(now time.Time) bool {
	if c.ExpiresAt == nil {
		return false
	}
	return now.Add(refreshSkew).After(*c.ExpiresAt)
}

// CanRefresh reports whether a refresh token is on file.
func (c *Credential) CanRefresh() bool {
	return c.RefreshToken != ""
}

// IsHealthy reports whether neither problem flag is set.
func (c *Credential) IsHealthy() bool {
	return !c.HasPermissionIssues && !c.NeedsReauth
}

// Clone returns a deep copy.
func (c *Credential) Clone() *Credential {
	if c == nil {
		return nil
	}
	out := *c
	if c.ExpiresAt != nil {
		t := *c.ExpiresAt
		out.ExpiresAt = &t
	}
	if c.Profile != nil {
		p := *c.Profile
		out.Profile = &p
	}
	if c.Extra.Fields != nil {
		out.Extra.Fields = make(map[string]string, len(c.Extra.Fields))
		for k, v := range c.Extra.Fields {
			out.Extra.Fields[k] = v
		}
	}
	return &out
}

// CredentialSummary provides a safe view without token values
type CredentialSummary struct {
	Key                 AccountKey `json:"key"`
	Profile             *Profile   `json:"profile,omitempty"`
	HasToken            bool       `json:"has_token"`
	HasRefreshToken     bool       `json:"has_refresh_token"`
	ExpiresAt           *time.Time `json:"expires_at,omitempty"`
	HasPermissionIssues bool       `json:"has_permission_issues"`
	NeedsReauth         bool       `json:"needs_reauth"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// ToSummary converts the credential into a summary for key.
func (c *Credential) ToSummary(key AccountKey) *CredentialSummary {
	return &CredentialSummary{
		Key:                 key,
		Profile:             c.Profile,
		HasToken:            c.AccessToken != "",
		HasRefreshToken:     c.RefreshToken != "",
		ExpiresAt:           c.ExpiresAt,
		HasPermissionIssues: c.HasPermissionIssues,
		NeedsReauth:         c.NeedsReauth,
		UpdatedAt:           c.UpdatedAt,
	}
}

// CredentialFromResult builds a fresh credential from a successful auth result.
func CredentialFromResult(result *AuthResult, profile *Profile, now time.Time) *Credential {
	return &Credential{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		ExpiresAt:    result.ExpiresAt,
		Extra:        result.Extra,
		Profile:      profile,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}
