package storage

import (
	"context"
	"testing"
	"time"

	"authbridge/internal/domain"
)

func TestMemorySessionOverwrite(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.PutSession(ctx, &domain.Session{ProviderID: "github", Subject: "a", AccessToken: "t1"}); err != nil {
		t.Fatalf("PutSession: %v", err)
	}
	if err := s.PutSession(ctx, &domain.Session{ProviderID: "github", Subject: "a", AccessToken: "t2"}); err != nil {
		t.Fatalf("PutSession: %v", err)
	}

	got, err := s.GetSession(ctx, "github")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.AccessToken != "t2" {
		t.Fatalf("AccessToken = %q, want t2", got.AccessToken)
	}

	// The returned session is a copy; mutating it must not affect the store.
	got.AccessToken = "mutated"
	again, _ := s.GetSession(ctx, "github")
	if again.AccessToken != "t2" {
		t.Fatal("store exposed internal session state")
	}
}

func TestMemoryDeleteAllSessions(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		_ = s.PutSession(ctx, &domain.Session{ProviderID: id, Subject: "s", AccessToken: "t"})
	}
	if err := s.DeleteAllSessions(ctx); err != nil {
		t.Fatalf("DeleteAllSessions: %v", err)
	}
	for _, id := range []string{"a", "b"} {
		if sess, _ := s.GetSession(ctx, id); sess != nil {
			t.Fatalf("session %s survived DeleteAllSessions", id)
		}
	}
}

func TestMemoryTokenReplace(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Now()

	_ = s.PutToken(ctx, &domain.StoredToken{ID: "1", Provider: "github", AccessToken: "old", CreatedAt: base})
	_ = s.PutToken(ctx, &domain.StoredToken{ID: "2", Provider: "github", AccessToken: "new", CreatedAt: base.Add(time.Second)})
	_ = s.PutToken(ctx, &domain.StoredToken{ID: "3", Provider: "unknown", AccessToken: "u", CreatedAt: base.Add(-time.Second)})

	tokens, err := s.ListTokens(ctx)
	if err != nil {
		t.Fatalf("ListTokens: %v", err)
	}
	if len(tokens) != 2 {
		t.Fatalf("len(tokens) = %d, want 2", len(tokens))
	}
	if tokens[0].Provider != "unknown" {
		t.Fatalf("tokens not ordered by creation time: %s first", tokens[0].Provider)
	}
	if tokens[1].AccessToken != "new" {
		t.Fatalf("token not replaced: %q", tokens[1].AccessToken)
	}
}

func TestMemoryProviderOrder(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	for _, id := range []string{"x", "y", "z"} {
		if err := s.UpsertProvider(ctx, &domain.Provider{ID: id}); err != nil {
			t.Fatalf("UpsertProvider: %v", err)
		}
	}
	_ = s.UpsertProvider(ctx, &domain.Provider{ID: "x", DisplayName: "X"})

	ps, err := s.ListProviders(ctx)
	if err != nil {
		t.Fatalf("ListProviders: %v", err)
	}
	if len(ps) != 3 || ps[0].ID != "x" || ps[0].DisplayName != "X" {
		t.Fatalf("unexpected providers: %+v", ps)
	}

	if err := s.DeleteProvider(ctx, "nope"); err != ErrNotFound {
		t.Fatalf("DeleteProvider missing: err = %v, want ErrNotFound", err)
	}
}
