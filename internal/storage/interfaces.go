// Package storage provides persistence interfaces and implementations for
// the authentication bridge: provider catalog, per-provider sessions, and
// ambient stored tokens.
package storage

import (
	"context"

	"authbridge/internal/domain"
)

// SessionStore persists at most one Session per provider id.
type SessionStore interface {
	// PutSession stores a session, replacing any prior session for the
	// same provider.
	PutSession(ctx context.Context, s *domain.Session) error

	// GetSession retrieves the session for a provider.
	// Returns nil, nil if none exists.
	GetSession(ctx context.Context, providerID string) (*domain.Session, error)

	// DeleteSession removes the session for a provider. Deleting a
	// non-existent session is not an error.
	DeleteSession(ctx context.Context, providerID string) error

	// DeleteAllSessions removes every stored session.
	DeleteAllSessions(ctx context.Context) error
}

// TokenStore persists ambient-path bearer tokens, one per provider.
type TokenStore interface {
	// PutToken stores a token, replacing any prior token for the same
	// provider.
	PutToken(ctx context.Context, t *domain.StoredToken) error

	// ListTokens returns all stored tokens ordered by creation time.
	ListTokens(ctx context.Context) ([]*domain.StoredToken, error)

	// DeleteToken removes the token for a provider. Deleting a
	// non-existent token is not an error.
	DeleteToken(ctx context.Context, provider string) error
}

// ProviderStore persists the non-secret provider catalog across restarts.
// Client secrets are encrypted before they reach the store.
type ProviderStore interface {
	// UpsertProvider creates or replaces a provider record.
	UpsertProvider(ctx context.Context, p *domain.Provider) error

	// ListProviders returns all providers in registration order.
	ListProviders(ctx context.Context) ([]*domain.Provider, error)

	// DeleteProvider removes a provider by id.
	DeleteProvider(ctx context.Context, id string) error
}

// Store is the combined persistence surface consumed by the bridge.
type Store interface {
	SessionStore
	TokenStore
	ProviderStore

	// Close releases the underlying resources.
	Close() error
}
