package storage

import (
	"context"
	"sync"

	"authbridge/internal/domain"
)

// MemoryStore is an in-memory implementation of Store.
// It is thread-safe and suitable for tests and ephemeral deployments.
type MemoryStore struct {
	mu        sync.RWMutex
	sessions  map[string]*domain.Session     // keyed by provider id
	tokens    map[string]*domain.StoredToken // keyed by provider
	providers []*domain.Provider             // registration order
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*domain.Session),
		tokens:   make(map[string]*domain.StoredToken),
	}
}

var _ Store = (*MemoryStore)(nil)

// PutSession stores a session, replacing any prior one for the provider.
func (s *MemoryStore) PutSession(_ context.Context, sess *domain.Session) error {
	if sess == nil || sess.ProviderID == "" {
		return ErrValidation
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ProviderID] = copySession(sess)
	return nil
}

// GetSession retrieves the session for a provider; nil, nil if absent.
func (s *MemoryStore) GetSession(_ context.Context, providerID string) (*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[providerID]
	if !ok {
		return nil, nil
	}
	return copySession(sess), nil
}

// DeleteSession removes the session for a provider.
func (s *MemoryStore) DeleteSession(_ context.Context, providerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, providerID)
	return nil
}

// DeleteAllSessions removes every stored session.
func (s *MemoryStore) DeleteAllSessions(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = make(map[string]*domain.Session)
	return nil
}

// PutToken stores a token, replacing any prior one for the provider.
func (s *MemoryStore) PutToken(_ context.Context, t *domain.StoredToken) error {
	if t == nil || t.Provider == "" {
		return ErrValidation
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tokens[t.Provider] = &cp
	return nil
}

// ListTokens returns all stored tokens ordered by creation time.
func (s *MemoryStore) ListTokens(_ context.Context) ([]*domain.StoredToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.StoredToken, 0, len(s.tokens))
	for _, t := range s.tokens {
		cp := *t
		out = append(out, &cp)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].CreatedAt.Before(out[j-1].CreatedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out, nil
}

// DeleteToken removes the token for a provider.
func (s *MemoryStore) DeleteToken(_ context.Context, provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, provider)
	return nil
}

// UpsertProvider creates or replaces a provider record, preserving
// registration order on replace.
func (s *MemoryStore) UpsertProvider(_ context.Context, p *domain.Provider) error {
	if p == nil || p.ID == "" {
		return ErrValidation
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	for i, existing := range s.providers {
		if existing.ID == p.ID {
			s.providers[i] = &cp
			return nil
		}
	}
	s.providers = append(s.providers, &cp)
	return nil
}

// ListProviders returns all providers in registration order.
func (s *MemoryStore) ListProviders(_ context.Context) ([]*domain.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Provider, 0, len(s.providers))
	for _, p := range s.providers {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

// DeleteProvider removes a provider by id.
func (s *MemoryStore) DeleteProvider(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range s.providers {
		if p.ID == id {
			s.providers = append(s.providers[:i], s.providers[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

// copySession creates a deep copy of a Session.
func copySession(sess *domain.Session) *domain.Session {
	if sess == nil {
		return nil
	}
	cp := *sess
	if sess.RawClaims != nil {
		cp.RawClaims = make(map[string]any, len(sess.RawClaims))
		for k, v := range sess.RawClaims {
			cp.RawClaims[k] = v
		}
	}
	return &cp
}
