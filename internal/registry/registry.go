// Package registry holds the ordered catalog of configured identity
// providers. The order is significant: the callback classifier tries
// provider patterns first-match-wins in registration order.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"authbridge/internal/domain"
	"authbridge/internal/storage"
)

// Registry is an owned, explicitly-lifetimed provider catalog. It is never
// package-level state; the bridge instance holds the only reference.
type Registry struct {
	mu        sync.RWMutex
	store     storage.ProviderStore
	providers []*domain.Provider // registration order
}

// Load builds a Registry from the persisted catalog.
func Load(ctx context.Context, store storage.ProviderStore) (*Registry, error) {
	providers, err := store.ListProviders(ctx)
	if err != nil {
		return nil, fmt.Errorf("load providers: %w", err)
	}
	return &Registry{store: store, providers: providers}, nil
}

// Seed registers providers that are not yet in the catalog. Existing
// entries win over seed entries, so operator reconfiguration survives
// restarts with an unchanged seed file.
func (r *Registry) Seed(ctx context.Context, seed []*domain.Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range seed {
		if p.ID == "" {
			return fmt.Errorf("seed provider without id")
		}
		if r.indexLocked(p.ID) >= 0 {
			continue
		}
		cp := *p
		now := time.Now().UTC()
		cp.CreatedAt = now
		cp.UpdatedAt = now
		if err := r.store.UpsertProvider(ctx, &cp); err != nil {
			return fmt.Errorf("seed provider %s: %w", p.ID, err)
		}
		r.providers = append(r.providers, &cp)
	}
	return nil
}

// Get returns a copy of the provider with the given id.
func (r *Registry) Get(id string) (*domain.Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i := r.indexLocked(id)
	if i < 0 {
		return nil, false
	}
	cp := *r.providers[i]
	return &cp, true
}

// Ordered returns copies of all providers in registration order. Intended
// for the classifier and flow controller; secrets are intact.
func (r *Registry) Ordered() []*domain.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.Provider, 0, len(r.providers))
	for _, p := range r.providers {
		cp := *p
		out = append(out, &cp)
	}
	return out
}

// List returns redacted copies of all providers for UI-facing reads.
// Client secrets never leave the registry through this path.
func (r *Registry) List() []*domain.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p.Redacted())
	}
	return out
}

// PartialConfig is an explicit-reconfiguration patch. Nil fields are left
// unchanged.
type PartialConfig struct {
	DisplayName      *string   `json:"display_name,omitempty"`
	Enabled          *bool     `json:"enabled,omitempty"`
	AuthorizationURL *string   `json:"authorization_url,omitempty"`
	TokenURL         *string   `json:"token_url,omitempty"`
	UserInfoURL      *string   `json:"user_info_url,omitempty"`
	IssuerURL        *string   `json:"issuer_url,omitempty"`
	ClientID         *string   `json:"client_id,omitempty"`
	ClientSecret     *string   `json:"client_secret,omitempty"`
	Scopes           []string  `json:"scopes,omitempty"`
	RedirectURL      *string   `json:"redirect_url,omitempty"`
	UsesPKCE         *bool     `json:"uses_pkce,omitempty"`
	CallbackPatterns []string  `json:"callback_patterns,omitempty"`
	TokenExtractors  []string  `json:"token_extractors,omitempty"`
	SAMLEntryPoint   *string   `json:"saml_entry_point,omitempty"`
	SAMLIssuer       *string   `json:"saml_issuer,omitempty"`
	SAMLCallback     *string   `json:"saml_callback,omitempty"`
}

// Configure applies a partial reconfiguration to a provider and persists
// the result. Returns the redacted updated provider.
func (r *Registry) Configure(ctx context.Context, id string, patch PartialConfig) (*domain.Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexLocked(id)
	if i < 0 {
		return nil, storage.ErrNotFound
	}
	p := *r.providers[i]

	if patch.DisplayName != nil {
		p.DisplayName = *patch.DisplayName
	}
	if patch.Enabled != nil {
		p.Enabled = *patch.Enabled
	}
	if patch.AuthorizationURL != nil {
		p.AuthorizationURL = *patch.AuthorizationURL
	}
	if patch.TokenURL != nil {
		p.TokenURL = *patch.TokenURL
	}
	if patch.UserInfoURL != nil {
		p.UserInfoURL = *patch.UserInfoURL
	}
	if patch.IssuerURL != nil {
		p.IssuerURL = *patch.IssuerURL
	}
	if patch.ClientID != nil {
		p.ClientID = *patch.ClientID
	}
	if patch.ClientSecret != nil {
		p.ClientSecret = *patch.ClientSecret
	}
	if patch.Scopes != nil {
		p.Scopes = append([]string(nil), patch.Scopes...)
	}
	if patch.RedirectURL != nil {
		p.RedirectURL = *patch.RedirectURL
	}
	if patch.UsesPKCE != nil {
		p.UsesPKCE = *patch.UsesPKCE
	}
	if patch.CallbackPatterns != nil {
		p.CallbackPatterns = append([]string(nil), patch.CallbackPatterns...)
	}
	if patch.TokenExtractors != nil {
		p.TokenExtractors = append([]string(nil), patch.TokenExtractors...)
	}
	if patch.SAMLEntryPoint != nil {
		p.SAMLEntryPoint = *patch.SAMLEntryPoint
	}
	if patch.SAMLIssuer != nil {
		p.SAMLIssuer = *patch.SAMLIssuer
	}
	if patch.SAMLCallback != nil {
		p.SAMLCallback = *patch.SAMLCallback
	}
	p.UpdatedAt = time.Now().UTC()

	if err := r.store.UpsertProvider(ctx, &p); err != nil {
		return nil, fmt.Errorf("persist provider %s: %w", id, err)
	}
	r.providers[i] = &p
	return p.Redacted(), nil
}

// Remove deletes a provider from the catalog. The caller is responsible
// for deleting any session held for it.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexLocked(id)
	if i < 0 {
		return storage.ErrNotFound
	}
	if err := r.store.DeleteProvider(ctx, id); err != nil {
		return err
	}
	r.providers = append(r.providers[:i], r.providers[i+1:]...)
	return nil
}

func (r *Registry) indexLocked(id string) int {
	for i, p := range r.providers {
		if p.ID == id {
			return i
		}
	}
	return -1
}
