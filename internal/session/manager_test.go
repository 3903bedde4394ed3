package session_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"authbridge/internal/domain"
	"authbridge/internal/registry"
	"authbridge/internal/session"
	"authbridge/internal/storage"
	"authbridge/internal/testutil"
)

type fakeRefresher struct {
	result *domain.Session
	err    error
	calls  int
}

func (f *fakeRefresher) Refresh(_ context.Context, _ *domain.Provider, _ *domain.Session) (*domain.Session, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func newManager(t *testing.T, ref *fakeRefresher) (*session.Manager, storage.Store) {
	t.Helper()
	store := storage.NewMemoryStore()
	reg, err := registry.Load(context.Background(), store)
	if err != nil {
		t.Fatalf("registry.Load: %v", err)
	}
	err = reg.Seed(context.Background(), []*domain.Provider{
		{ID: "github", Family: domain.FamilyAuthCode, Enabled: true},
	})
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	return session.NewManager(store, reg, ref, testutil.Logger(), nil), store
}

func TestGetLiveSession(t *testing.T) {
	ref := &fakeRefresher{}
	m, _ := newManager(t, ref)

	want := &domain.Session{
		ProviderID:  "github",
		AccessToken: "tok1",
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	if err := m.Save(context.Background(), want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := m.Get(context.Background(), "github")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || got.AccessToken != "tok1" {
		t.Fatalf("session = %+v", got)
	}
	if ref.calls != 0 {
		t.Fatal("live session triggered a refresh")
	}
}

func TestGetMissingSession(t *testing.T) {
	m, _ := newManager(t, &fakeRefresher{})
	got, err := m.Get(context.Background(), "github")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Fatalf("session = %+v, want nil", got)
	}
}

func TestGetRefreshesExpiredSession(t *testing.T) {
	later := time.Now().Add(time.Hour)
	ref := &fakeRefresher{result: &domain.Session{
		ProviderID:   "github",
		AccessToken:  "tok2",
		RefreshToken: "ref1",
		ExpiresAt:    later,
	}}
	m, store := newManager(t, ref)

	err := m.Save(context.Background(), &domain.Session{
		ProviderID:   "github",
		AccessToken:  "tok1",
		RefreshToken: "ref1",
		ExpiresAt:    time.Now().Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := m.Get(context.Background(), "github")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || got.AccessToken != "tok2" {
		t.Fatalf("session = %+v, want refreshed token", got)
	}
	if !got.ExpiresAt.After(time.Now()) {
		t.Fatalf("ExpiresAt = %v, want later", got.ExpiresAt)
	}

	// The refreshed session is persisted, not just returned.
	persisted, err := store.GetSession(context.Background(), "github")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if persisted.AccessToken != "tok2" {
		t.Fatalf("persisted = %+v", persisted)
	}
}

func TestGetDegradesOnRefreshFailure(t *testing.T) {
	ref := &fakeRefresher{err: errors.New("invalid_grant")}
	m, store := newManager(t, ref)

	err := m.Save(context.Background(), &domain.Session{
		ProviderID:   "github",
		AccessToken:  "tok1",
		RefreshToken: "revoked",
		ExpiresAt:    time.Now().Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := m.Get(context.Background(), "github")
	if err != nil {
		t.Fatalf("Get returned error, want silent degrade: %v", err)
	}
	if got != nil {
		t.Fatalf("session = %+v, want nil", got)
	}

	// The stale record survives for a later retry.
	persisted, _ := store.GetSession(context.Background(), "github")
	if persisted == nil {
		t.Fatal("stale session dropped")
	}
}

func TestGetExpiredWithoutRefreshToken(t *testing.T) {
	ref := &fakeRefresher{}
	m, _ := newManager(t, ref)

	_ = m.Save(context.Background(), &domain.Session{
		ProviderID:  "github",
		AccessToken: "tok1",
		ExpiresAt:   time.Now().Add(-time.Minute),
	})

	got, err := m.Get(context.Background(), "github")
	if err != nil || got != nil {
		t.Fatalf("got %+v, %v; want nil, nil", got, err)
	}
	if ref.calls != 0 {
		t.Fatal("refresh attempted without a refresh token")
	}
}

func TestNonExpiringSessionNeverRefreshes(t *testing.T) {
	ref := &fakeRefresher{}
	m, _ := newManager(t, ref)

	_ = m.Save(context.Background(), &domain.Session{
		ProviderID:  "github",
		AccessToken: "tok1",
	})

	got, err := m.Get(context.Background(), "github")
	if err != nil || got == nil {
		t.Fatalf("got %+v, %v", got, err)
	}
	if ref.calls != 0 {
		t.Fatal("zero-expiry session triggered a refresh")
	}
}

func TestForcedRefresh(t *testing.T) {
	ref := &fakeRefresher{result: &domain.Session{
		ProviderID:   "github",
		AccessToken:  "tok2",
		RefreshToken: "ref1",
		ExpiresAt:    time.Now().Add(time.Hour),
	}}
	m, _ := newManager(t, ref)

	if m.Refresh(context.Background(), "github") {
		t.Fatal("Refresh reported success with no session")
	}

	_ = m.Save(context.Background(), &domain.Session{
		ProviderID:   "github",
		AccessToken:  "tok1",
		RefreshToken: "ref1",
		ExpiresAt:    time.Now().Add(time.Hour),
	})
	if !m.Refresh(context.Background(), "github") {
		t.Fatal("Refresh failed")
	}
	if ref.calls != 1 {
		t.Fatalf("refresher calls = %d", ref.calls)
	}
}

func TestLogout(t *testing.T) {
	m, _ := newManager(t, &fakeRefresher{})

	_ = m.Save(context.Background(), &domain.Session{ProviderID: "github", AccessToken: "tok1"})
	if err := m.Logout(context.Background(), "github"); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if got, _ := m.Get(context.Background(), "github"); got != nil {
		t.Fatalf("session survives logout: %+v", got)
	}

	_ = m.Save(context.Background(), &domain.Session{ProviderID: "github", AccessToken: "tok1"})
	if err := m.LogoutAll(context.Background()); err != nil {
		t.Fatalf("LogoutAll: %v", err)
	}
	if got, _ := m.Get(context.Background(), "github"); got != nil {
		t.Fatalf("session survives logout-all: %+v", got)
	}
}
