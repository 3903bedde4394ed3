package ambient_test

import (
	"context"
	"testing"
	"time"

	"authbridge/internal/ambient"
	"authbridge/internal/classify"
	"authbridge/internal/domain"
	"authbridge/internal/registry"
	"authbridge/internal/storage"
	"authbridge/internal/testutil"
)

func newInterceptor(t *testing.T, providers ...*domain.Provider) (*ambient.Interceptor, storage.Store) {
	t.Helper()
	store := storage.NewMemoryStore()
	reg, err := registry.Load(context.Background(), store)
	if err != nil {
		t.Fatalf("registry.Load: %v", err)
	}
	if err := reg.Seed(context.Background(), providers); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	return ambient.New(reg, classify.New(reg), store, testutil.Logger(), nil), store
}

func TestHandleCallbackUnknownProvider(t *testing.T) {
	i, store := newInterceptor(t)

	tok, err := i.HandleCallback(context.Background(), "https://localhost:1234/auth/callback?code=xyz")
	if err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}
	if tok == nil {
		t.Fatal("parameter-tier callback not captured")
	}
	if tok.Provider != "unknown" || tok.AccessToken != "xyz" {
		t.Fatalf("token = %+v", tok)
	}

	stored, err := store.ListTokens(context.Background())
	if err != nil {
		t.Fatalf("ListTokens: %v", err)
	}
	if len(stored) != 1 || stored[0].AccessToken != "xyz" {
		t.Fatalf("stored = %+v", stored)
	}
}

func TestHandleCallbackSubstringLabel(t *testing.T) {
	i, _ := newInterceptor(t, &domain.Provider{ID: "github", Enabled: true})

	tok, err := i.HandleCallback(context.Background(), "https://relay.example/github/done?code=xyz")
	if err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}
	if tok == nil || tok.Provider != "github" {
		t.Fatalf("token = %+v", tok)
	}
}

func TestHandleCallbackIgnoresPlainPages(t *testing.T) {
	i, store := newInterceptor(t)

	tok, err := i.HandleCallback(context.Background(), "https://example.com/docs/getting-started")
	if err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}
	if tok != nil {
		t.Fatalf("plain page captured: %+v", tok)
	}
	stored, _ := store.ListTokens(context.Background())
	if len(stored) != 0 {
		t.Fatalf("stored = %+v", stored)
	}
}

func TestReplacePriorTokenForProvider(t *testing.T) {
	i, store := newInterceptor(t)

	if _, err := i.HandleCallback(context.Background(), "https://localhost/cb?code=first"); err != nil {
		t.Fatal(err)
	}
	if _, err := i.HandleCallback(context.Background(), "https://localhost/cb?code=second"); err != nil {
		t.Fatal(err)
	}

	stored, err := store.ListTokens(context.Background())
	if err != nil {
		t.Fatalf("ListTokens: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("want one live token per provider, got %d", len(stored))
	}
	if stored[0].AccessToken != "second" {
		t.Fatalf("token = %+v, want replacement", stored[0])
	}
}

func TestProviderExtractorFallback(t *testing.T) {
	i, _ := newInterceptor(t, &domain.Provider{
		ID:               "devtool",
		Enabled:          true,
		CallbackPatterns: []string{"devtool.example/done"},
		TokenExtractors:  []string{`ticket/([A-Za-z0-9]+)$`},
	})

	// No code or access_token parameter; only the extractor can find it.
	tok, err := i.HandleCallback(context.Background(), "https://devtool.example/done/ticket/Zz9")
	if err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}
	if tok == nil || tok.AccessToken != "Zz9" || tok.Provider != "devtool" {
		t.Fatalf("token = %+v", tok)
	}
}

func TestHandleDeepLink(t *testing.T) {
	i, _ := newInterceptor(t, &domain.Provider{ID: "github", Enabled: true})

	tok, err := i.HandleDeepLink(context.Background(), "myapp://auth/github?code=dl1")
	if err != nil {
		t.Fatalf("HandleDeepLink: %v", err)
	}
	if tok == nil || tok.Provider != "github" || tok.AccessToken != "dl1" {
		t.Fatalf("token = %+v", tok)
	}

	tok, err = i.HandleDeepLink(context.Background(), "myapp://auth?code=dl2")
	if err != nil {
		t.Fatalf("HandleDeepLink: %v", err)
	}
	if tok == nil || tok.Provider != "unknown" {
		t.Fatalf("token = %+v", tok)
	}

	if tok, _ := i.HandleDeepLink(context.Background(), "myapp://open/file"); tok != nil {
		t.Fatalf("credential-free deep link captured: %+v", tok)
	}
}

func TestWaitForCallback(t *testing.T) {
	i, _ := newInterceptor(t)

	ch, cancel := i.WaitForCallback("unknown", "s1")
	defer cancel()
	chOther, cancelOther := i.WaitForCallback("unknown", "other-state")
	defer cancelOther()

	if _, err := i.HandleCallback(context.Background(), "https://localhost/cb?code=xyz&state=s1"); err != nil {
		t.Fatal(err)
	}

	select {
	case tok := <-ch:
		if tok.AccessToken != "xyz" {
			t.Fatalf("token = %+v", tok)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter not resolved")
	}

	select {
	case tok := <-chOther:
		t.Fatalf("waiter with different state resolved: %+v", tok)
	default:
	}
}

func TestWatchStream(t *testing.T) {
	i, store := newInterceptor(t)

	obs := testutil.NewFakeObserver()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		i.Watch(ctx, obs)
	}()

	obs.Observe("https://example.com/just-a-page")
	obs.Observe("https://localhost/cb?code=watched")
	obs.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Watch did not stop on stream close")
	}

	stored, err := store.ListTokens(context.Background())
	if err != nil {
		t.Fatalf("ListTokens: %v", err)
	}
	if len(stored) != 1 || stored[0].AccessToken != "watched" {
		t.Fatalf("stored = %+v", stored)
	}
}
