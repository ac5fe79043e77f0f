package domain

import (
	"fmt"
	"net/url"
	"strings"
)

// ProviderType identifies a storage provider implementation
type ProviderType string

const (
	ProviderTypeGoogleDrive ProviderType = "google_drive"
	ProviderTypeDropbox     ProviderType = "dropbox"
	ProviderTypeOneDrive    ProviderType = "onedrive"
	ProviderTypeBox         ProviderType = "box"
	ProviderTypeHiDrive     ProviderType = "hidrive"
	ProviderTypeWebDAV      ProviderType = "webdav"
	ProviderTypeCustom      ProviderType = "custom"
)

// StatePlaceholder is substituted with the CSRF state in URL templates.
const StatePlaceholder = "{state}"

// URLFunc generates a URL for a flow's CSRF state. It must be deterministic
// and embed the state so the server can round-trip it.
type URLFunc func(state string) string

// ProviderConfig describes one configured provider instance.
type ProviderConfig struct {
	// ID is the provider instance identifier used in AccountKeys.
	ID   string
	Name string
	Type ProviderType

	AuthURL  URLFunc
	TokenURL URLFunc

	// RefreshURL is the refresh endpoint. Empty disables refresh.
	RefreshURL string
	ClientID   string

	// RedirectScheme is the callback prefix the user agent watches for,
	// e.g. "myapp" or "http://127.0.0.1:53682".
	RedirectScheme string

	// UserInfoURL optionally resolves the account profile with the access token.
	UserInfoURL string
}

// Validate checks the required generator functions and scheme are set.
func (p *ProviderConfig) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: provider config is nil", ErrInvalidInput)
	}
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("%w: provider id is required", ErrInvalidInput)
	}
	if p.AuthURL == nil {
		return fmt.Errorf("%w: auth url generator is required", ErrInvalidInput)
	}
	if p.TokenURL == nil {
		return fmt.Errorf("%w: token url generator is required", ErrInvalidInput)
	}
	if strings.TrimSpace(p.RedirectScheme) == "" {
		return fmt.Errorf("%w: redirect scheme is required", ErrInvalidInput)
	}
	return nil
}

// DisplayName returns a human-readable provider name.
func (p *ProviderConfig) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	switch p.Type {
	case ProviderTypeGoogleDrive:
		return "Google Drive"
	case ProviderTypeDropbox:
		return "Dropbox"
	case ProviderTypeOneDrive:
		return "OneDrive"
	case ProviderTypeBox:
		return "Box"
	case ProviderTypeHiDrive:
		return "HiDrive"
	case ProviderTypeWebDAV:
		return "WebDAV"
	default:
		return p.ID
	}
}

// TemplateURL returns a URLFunc that substitutes the query-escaped state for
// StatePlaceholder. A template without the placeholder gets a state query
// parameter appended.
func TemplateURL(template string) URLFunc {
	return func(state string) string {
		escaped := url.QueryEscape(state)
		if strings.Contains(template, StatePlaceholder) {
			return strings.ReplaceAll(template, StatePlaceholder, escaped)
		}
		sep := "?"
		if strings.Contains(template, "?") {
			sep = "&"
		}
		return template + sep + "state=" + escaped
	}
}
