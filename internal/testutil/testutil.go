// Package testutil provides fakes and helpers for bridge integration
// tests: a scriptable surface host and a minimal in-process identity
// provider.
package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"

	"authbridge/internal/observability"
	"authbridge/internal/surface"
)

// FakeSurface is a scriptable surface.Surface. Tests drive it by pushing
// navigation URLs or dismissing it.
type FakeSurface struct {
	id     string
	navs   chan string
	closed chan struct{}

	mu       sync.Mutex
	torn     bool
	tornDown chan struct{}
}

// NewFakeSurface creates an open fake surface.
func NewFakeSurface(id string) *FakeSurface {
	return &FakeSurface{
		id:       id,
		navs:     make(chan string, 16),
		closed:   make(chan struct{}),
		tornDown: make(chan struct{}),
	}
}

func (s *FakeSurface) ID() string                 { return s.id }
func (s *FakeSurface) Navigations() <-chan string { return s.navs }
func (s *FakeSurface) Closed() <-chan struct{}    { return s.closed }

// Close marks the surface torn down. Idempotent.
func (s *FakeSurface) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.torn {
		s.torn = true
		close(s.tornDown)
	}
	return nil
}

// Navigate simulates the surface loading a URL.
func (s *FakeSurface) Navigate(url string) { s.navs <- url }

// Dismiss simulates the user closing the surface.
func (s *FakeSurface) Dismiss() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
}

// TornDown is closed once the bridge has called Close.
func (s *FakeSurface) TornDown() <-chan struct{} { return s.tornDown }

// IsClosed reports whether Close has been called.
func (s *FakeSurface) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.torn
}

// FakeHost hands out fake surfaces and records the initial URLs it was
// asked to open.
type FakeHost struct {
	mu       sync.Mutex
	surfaces []*FakeSurface
	urls     []string
	err      error
}

// NewFakeHost creates an empty host.
func NewFakeHost() *FakeHost { return &FakeHost{} }

// FailWith makes subsequent OpenSurface calls fail.
func (h *FakeHost) FailWith(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.err = err
}

// OpenSurface returns a fresh fake surface.
func (h *FakeHost) OpenSurface(_ context.Context, initialURL string) (surface.Surface, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return nil, h.err
	}
	s := NewFakeSurface(fmt.Sprintf("surface-%d", len(h.surfaces)+1))
	h.surfaces = append(h.surfaces, s)
	h.urls = append(h.urls, initialURL)
	return s, nil
}

// Last returns the most recently opened surface and its initial URL.
func (h *FakeHost) Last() (*FakeSurface, string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.surfaces) == 0 {
		return nil, ""
	}
	return h.surfaces[len(h.surfaces)-1], h.urls[len(h.urls)-1]
}

// FakeObserver is a scriptable surface.RequestObserver.
type FakeObserver struct {
	reqs chan string
}

// NewFakeObserver creates an observer with a buffered request stream.
func NewFakeObserver() *FakeObserver {
	return &FakeObserver{reqs: make(chan string, 16)}
}

func (o *FakeObserver) Requests() <-chan string { return o.reqs }

// Observe simulates the main surface issuing a request.
func (o *FakeObserver) Observe(url string) { o.reqs <- url }

// Stop closes the request stream.
func (o *FakeObserver) Stop() { close(o.reqs) }

// Logger returns a quiet logger for tests.
func Logger() observability.Logger {
	return observability.NewLogger(observability.Config{Level: "error", Format: "text"})
}

// FakeIdP is a minimal in-process authorization server: a token endpoint
// that accepts one known code and a user-info endpoint.
type FakeIdP struct {
	Server *httptest.Server

	// Code is the single authorization code the token endpoint accepts.
	Code string
	// AccessToken is issued on a successful exchange.
	AccessToken string
	// Subject is returned by the user-info endpoint.
	Subject string

	mu        sync.Mutex
	exchanges int
}

// NewFakeIdP starts a fake provider. Callers must Close it.
func NewFakeIdP() *FakeIdP {
	idp := &FakeIdP{
		Code:        "abc123",
		AccessToken: "tok1",
		Subject:     "alice",
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/token", idp.handleToken)
	mux.HandleFunc("/user", idp.handleUserInfo)
	idp.Server = httptest.NewServer(mux)
	return idp
}

// Close shuts the fake provider down.
func (i *FakeIdP) Close() { i.Server.Close() }

// TokenURL returns the token endpoint.
func (i *FakeIdP) TokenURL() string { return i.Server.URL + "/token" }

// UserInfoURL returns the user-info endpoint.
func (i *FakeIdP) UserInfoURL() string { return i.Server.URL + "/user" }

// Exchanges reports how many successful code exchanges occurred.
func (i *FakeIdP) Exchanges() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.exchanges
}

func (i *FakeIdP) handleToken(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	w.Header().Set("Content-Type", "application/json")

	if r.Form.Get("grant_type") == "refresh_token" {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": i.AccessToken + "-refreshed",
			"token_type":   "bearer",
			"expires_in":   3600,
		})
		return
	}

	if r.Form.Get("code") != i.Code {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":             "invalid_grant",
			"error_description": "unknown authorization code",
		})
		return
	}

	i.mu.Lock()
	i.exchanges++
	i.mu.Unlock()

	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token":  i.AccessToken,
		"token_type":    "bearer",
		"refresh_token": "ref1",
		"expires_in":    3600,
	})
}

func (i *FakeIdP) handleUserInfo(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"sub":   i.Subject,
		"email": i.Subject + "@example.com",
	})
}
