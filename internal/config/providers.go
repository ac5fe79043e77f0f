package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/custodia-labs/sercha-connect/internal/core/domain"
	"github.com/custodia-labs/sercha-connect/internal/core/ports/driven"
)

var _ driven.ProviderRegistry = (*Providers)(nil)

// ProviderDef is one provider entry in the providers file. AuthURL and
// TokenURL are templates; "{state}" is replaced with the CSRF state.
type ProviderDef struct {
	ID             string `yaml:"id"`
	Name           string `yaml:"name"`
	Type           string `yaml:"type"`
	AuthURL        string `yaml:"auth_url"`
	TokenURL       string `yaml:"token_url"`
	RefreshURL     string `yaml:"refresh_url"`
	ClientID       string `yaml:"client_id"`
	RedirectScheme string `yaml:"redirect_scheme"`
	UserInfoURL    string `yaml:"userinfo_url"`
}

type providersFile struct {
	Providers []ProviderDef `yaml:"providers"`
}

// Providers is a ProviderRegistry built from the providers file.
type Providers struct {
	byID map[string]*domain.ProviderConfig
}

// LoadProviders reads and validates the providers file at path.
func LoadProviders(path string) (*Providers, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read providers file: %w", err)
	}
	return ParseProviders(data)
}

// ParseProviders decodes a providers document.
func ParseProviders(data []byte) (*Providers, error) {
	var doc providersFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode providers: %w", err)
	}

	p := &Providers{byID: make(map[string]*domain.ProviderConfig, len(doc.Providers))}
	for i, def := range doc.Providers {
		if strings.TrimSpace(def.AuthURL) == "" || strings.TrimSpace(def.TokenURL) == "" {
			return nil, fmt.Errorf("provider %d (%s): auth_url and token_url are required", i, def.ID)
		}
		cfg := def.toConfig()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("provider %d (%s): %w", i, def.ID, err)
		}
		if _, dup := p.byID[cfg.ID]; dup {
			return nil, fmt.Errorf("provider %q defined twice", cfg.ID)
		}
		p.byID[cfg.ID] = cfg
	}
	return p, nil
}

func (d ProviderDef) toConfig() *domain.ProviderConfig {
	typ := domain.ProviderType(d.Type)
	if typ == "" {
		typ = domain.ProviderTypeCustom
	}
	return &domain.ProviderConfig{
		ID:             d.ID,
		Name:           d.Name,
		Type:           typ,
		AuthURL:        domain.TemplateURL(d.AuthURL),
		TokenURL:       domain.TemplateURL(d.TokenURL),
		RefreshURL:     d.RefreshURL,
		ClientID:       d.ClientID,
		RedirectScheme: d.RedirectScheme,
		UserInfoURL:    d.UserInfoURL,
	}
}

// Get implements driven.ProviderRegistry.
func (p *Providers) Get(providerID string) (*domain.ProviderConfig, error) {
	cfg, ok := p.byID[providerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrProviderNotFound, providerID)
	}
	return cfg, nil
}

// List implements driven.ProviderRegistry, ordered by id.
func (p *Providers) List() []*domain.ProviderConfig {
	out := make([]*domain.ProviderConfig, 0, len(p.byID))
	for _, cfg := range p.byID {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
