// Package session owns the per-provider session records and their
// refresh-on-read lifecycle. Refresh is lazy: it happens inside a read
// that observes an expired session, never on a background schedule.
package session

import (
	"context"

	"authbridge/internal/domain"
	"authbridge/internal/observability"
	"authbridge/internal/storage"
)

// Refresher redeems refresh tokens. *exchange.Client satisfies it.
type Refresher interface {
	Refresh(ctx context.Context, p *domain.Provider, sess *domain.Session) (*domain.Session, error)
}

// Catalog resolves provider ids. *registry.Registry satisfies it.
type Catalog interface {
	Get(id string) (*domain.Provider, bool)
}

// Manager serializes session access per provider id. A second login for
// the same provider overwrites the first's session.
type Manager struct {
	store     storage.SessionStore
	catalog   Catalog
	refresher Refresher
	logger    observability.Logger
	metrics   *observability.Metrics
}

// NewManager wires a session manager.
func NewManager(store storage.SessionStore, catalog Catalog, refresher Refresher, logger observability.Logger, metrics *observability.Metrics) *Manager {
	if logger == nil {
		logger = observability.NewLogger(observability.DefaultConfig())
	}
	return &Manager{
		store:     store,
		catalog:   catalog,
		refresher: refresher,
		logger:    logger.WithComponent("session"),
		metrics:   metrics,
	}
}

// Save persists a session, replacing any prior session for the provider.
func (m *Manager) Save(ctx context.Context, sess *domain.Session) error {
	return m.store.PutSession(ctx, sess)
}

// Get returns the live session for a provider, refreshing it first if it
// has expired. A session that has expired and cannot be refreshed yields
// nil, nil: an absent login, not an error. Store failures are still
// errors.
func (m *Manager) Get(ctx context.Context, providerID string) (*domain.Session, error) {
	sess, err := m.store.GetSession(ctx, providerID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, nil
	}
	if !sess.Expired() {
		return sess, nil
	}

	refreshed, ok := m.tryRefresh(ctx, providerID, sess)
	if !ok {
		return nil, nil
	}
	return refreshed, nil
}

// Refresh forces a refresh regardless of expiry and reports whether a new
// access token was obtained.
func (m *Manager) Refresh(ctx context.Context, providerID string) bool {
	sess, err := m.store.GetSession(ctx, providerID)
	if err != nil || sess == nil {
		return false
	}
	_, ok := m.tryRefresh(ctx, providerID, sess)
	return ok
}

// tryRefresh runs one refresh attempt and persists the result. Failure is
// degraded to a miss; the stale record is kept so a later attempt can
// still use its refresh token.
func (m *Manager) tryRefresh(ctx context.Context, providerID string, sess *domain.Session) (*domain.Session, bool) {
	if sess.RefreshToken == "" {
		m.logger.Debug("expired session has no refresh token", "provider", providerID)
		return nil, false
	}
	p, ok := m.catalog.Get(providerID)
	if !ok {
		m.logger.Warn("session held for unregistered provider", "provider", providerID)
		return nil, false
	}

	refreshed, err := m.refresher.Refresh(ctx, p, sess)
	if err != nil {
		m.metrics.RecordRefresh(false)
		m.logger.Warn("session refresh failed", "provider", providerID, "error", err)
		return nil, false
	}
	if err := m.store.PutSession(ctx, refreshed); err != nil {
		m.logger.Error("persisting refreshed session failed", "provider", providerID, "error", err)
		return nil, false
	}
	m.metrics.RecordRefresh(true)
	m.logger.Info("session refreshed", "provider", providerID)
	return refreshed, true
}

// Logout discards the session for one provider.
func (m *Manager) Logout(ctx context.Context, providerID string) error {
	return m.store.DeleteSession(ctx, providerID)
}

// LogoutAll discards every stored session.
func (m *Manager) LogoutAll(ctx context.Context) error {
	return m.store.DeleteAllSessions(ctx)
}
