package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"authbridge/internal/bridge"
	"authbridge/internal/domain"
	"authbridge/internal/storage"
	"authbridge/internal/testutil"
)

func newTestServer(t *testing.T, idp *testutil.FakeIdP, providers ...*domain.Provider) (*http.ServeMux, *testutil.FakeHost) {
	t.Helper()
	host := testutil.NewFakeHost()
	opts := bridge.Options{
		Host:         host,
		Store:        storage.NewMemoryStore(),
		Logger:       testutil.Logger(),
		FlowDeadline: time.Minute,
		Seed:         providers,
	}
	if idp != nil {
		opts.HTTPClient = idp.Server.Client()
	}
	b, err := bridge.New(context.Background(), opts)
	if err != nil {
		t.Fatalf("bridge.New: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })

	mux := http.NewServeMux()
	NewServer(mux, b, nil).RegisterRoutes()
	return mux, host
}

func githubProvider(idp *testutil.FakeIdP) *domain.Provider {
	return &domain.Provider{
		ID:               "github",
		DisplayName:      "GitHub",
		Family:           domain.FamilyAuthCode,
		Enabled:          true,
		AuthorizationURL: "https://github.com/login/oauth/authorize",
		TokenURL:         idp.TokenURL(),
		ClientID:         "client-1",
		ClientSecret:     "secret-1",
		RedirectURL:      "https://app.example/callback",
		UsesPKCE:         true,
		CallbackPatterns: []string{"app.example/callback"},
	}
}

func TestHealthz(t *testing.T) {
	mux, _ := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
}

func TestProvidersListNeverLeaksSecrets(t *testing.T) {
	idp := testutil.NewFakeIdP()
	defer idp.Close()
	mux, _ := newTestServer(t, idp, githubProvider(idp))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/providers", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "secret-1") {
		t.Fatal("client secret leaked through the provider list")
	}
	if !strings.Contains(rec.Body.String(), `"client_secret":"********"`) {
		t.Fatalf("masked secret missing: %s", rec.Body.String())
	}
}

func TestProviderRegistrationAndPatch(t *testing.T) {
	mux, _ := newTestServer(t, nil)

	body := `[{"id":"gitlab","family":"authcode","client_id":"c","client_secret":"s","callback_patterns":["app.example/cb/gitlab"]}]`
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/providers", strings.NewReader(body)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPatch, "/api/v1/providers/gitlab", strings.NewReader(`{"display_name":"GitLab"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("patch status = %d body=%s", rec.Code, rec.Body.String())
	}
	var p domain.Provider
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.DisplayName != "GitLab" {
		t.Fatalf("display name = %q", p.DisplayName)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPatch, "/api/v1/providers/nope", strings.NewReader(`{}`)))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("patch unknown status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/v1/providers/gitlab", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
}

func TestProviderRegistrationRejectsBadFamily(t *testing.T) {
	mux, _ := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/providers", strings.NewReader(`[{"id":"x","family":"kerberos"}]`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestAuthenticateOverHTTP(t *testing.T) {
	idp := testutil.NewFakeIdP()
	defer idp.Close()
	mux, host := newTestServer(t, idp, githubProvider(idp))

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/auth/github", nil))
		done <- rec
	}()

	var s *testutil.FakeSurface
	var authURL string
	deadline := time.After(5 * time.Second)
	for s == nil {
		select {
		case <-deadline:
			t.Fatal("surface never opened")
		case <-time.After(5 * time.Millisecond):
			s, authURL = host.Last()
		}
	}
	state := extractQueryParam(t, authURL, "state")
	s.Navigate("https://app.example/callback?code=abc123&state=" + state)

	var rec *httptest.ResponseRecorder
	select {
	case rec = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("authenticate request never completed")
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["status"] != "authenticated" || resp["access_token"] != "tok1" {
		t.Fatalf("response = %v", resp)
	}

	// The session is now readable.
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sessions/github", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("session status = %d body=%s", rec.Code, rec.Body.String())
	}

	// And logout removes it.
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/v1/sessions/github", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("logout status = %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sessions/github", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("session after logout = %d", rec.Code)
	}
}

// failingSessionStore rejects every session write.
type failingSessionStore struct {
	storage.Store
}

func (failingSessionStore) PutSession(context.Context, *domain.Session) error {
	return errors.New("disk full")
}

func TestAuthenticatePersistFailureIsServerError(t *testing.T) {
	idp := testutil.NewFakeIdP()
	defer idp.Close()

	host := testutil.NewFakeHost()
	b, err := bridge.New(context.Background(), bridge.Options{
		Host:         host,
		Store:        failingSessionStore{storage.NewMemoryStore()},
		Logger:       testutil.Logger(),
		HTTPClient:   idp.Server.Client(),
		FlowDeadline: time.Minute,
		Seed:         []*domain.Provider{githubProvider(idp)},
	})
	if err != nil {
		t.Fatalf("bridge.New: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	mux := http.NewServeMux()
	NewServer(mux, b, nil).RegisterRoutes()

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/auth/github", nil))
		done <- rec
	}()

	var s *testutil.FakeSurface
	var authURL string
	deadline := time.After(5 * time.Second)
	for s == nil {
		select {
		case <-deadline:
			t.Fatal("surface never opened")
		case <-time.After(5 * time.Millisecond):
			s, authURL = host.Last()
		}
	}
	state := extractQueryParam(t, authURL, "state")
	s.Navigate("https://app.example/callback?code=abc123&state=" + state)

	var rec *httptest.ResponseRecorder
	select {
	case rec = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("authenticate request never completed")
	}
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500; body=%s", rec.Code, rec.Body.String())
	}
}

func TestSessionMissing(t *testing.T) {
	mux, _ := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sessions/github", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestClassifyEndpoint(t *testing.T) {
	idp := testutil.NewFakeIdP()
	defer idp.Close()
	mux, _ := newTestServer(t, idp, githubProvider(idp))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/api/v1/classify?url="+escapeQuery("https://app.example/callback?code=x&state=s"), nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["is_callback"] != true || resp["provider"] != "github" {
		t.Fatalf("response = %v", resp)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/classify", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing url status = %d", rec.Code)
	}
}

func TestObserveAndTokens(t *testing.T) {
	mux, _ := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/observe",
		strings.NewReader(`{"url":"https://localhost:1234/auth/callback?code=xyz"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("observe status = %d body=%s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Captured bool                `json:"captured"`
		Token    *domain.StoredToken `json:"token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Captured || resp.Token == nil || resp.Token.Provider != "unknown" {
		t.Fatalf("response = %+v", resp)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/tokens", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("tokens status = %d", rec.Code)
	}
	var tokens []*domain.StoredToken
	_ = json.Unmarshal(rec.Body.Bytes(), &tokens)
	if len(tokens) != 1 {
		t.Fatalf("tokens = %+v", tokens)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/v1/tokens/unknown", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete token status = %d", rec.Code)
	}

	// A plain page observe captures nothing.
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/observe",
		strings.NewReader(`{"url":"https://example.com/docs"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("observe status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"captured":false`) {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestDeepLinkEndpoint(t *testing.T) {
	mux, _ := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/deeplink",
		strings.NewReader(`{"uri":"myapp://auth?code=dl1"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"captured":true`) {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestMethodNotAllowed(t *testing.T) {
	mux, _ := newTestServer(t, nil)

	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/healthz"},
		{http.MethodPut, "/api/v1/providers"},
		{http.MethodGet, "/api/v1/auth/github"},
		{http.MethodPost, "/api/v1/tokens"},
	} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, nil))
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s %s status = %d", tc.method, tc.path, rec.Code)
		}
	}
}

func extractQueryParam(t *testing.T, rawURL, key string) string {
	t.Helper()
	i := strings.Index(rawURL, "?")
	if i < 0 {
		t.Fatalf("no query in %s", rawURL)
	}
	for _, kv := range strings.Split(rawURL[i+1:], "&") {
		k, v, _ := strings.Cut(kv, "=")
		if k == key {
			return v
		}
	}
	t.Fatalf("no %s in %s", key, rawURL)
	return ""
}

func escapeQuery(s string) string {
	return url.QueryEscape(s)
}
