// Package httpapi exposes the bridge over a loopback control API for the
// browsing-surface host and settings UI: provider catalog management,
// interactive authentication, session reads, the ambient observe path,
// and a server-sent event stream of bridge notifications.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"

	"authbridge/internal/bridge"
	"authbridge/internal/domain"
	"authbridge/internal/exchange"
	"authbridge/internal/flow"
	"authbridge/internal/registry"
	"authbridge/internal/storage"
	"authbridge/internal/surface"
)

type apiError struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string, detail string) {
	if detail != "" {
		log.Printf("http %d error: %s detail=%s", code, msg, detail)
	} else {
		log.Printf("http %d error: %s", code, msg)
	}
	// Report 5xx errors to Sentry
	if code >= 500 {
		sentry.CaptureMessage(fmt.Sprintf("HTTP %d: %s (detail: %s)", code, msg, detail))
	}
	writeJSON(w, code, apiError{Error: msg, Detail: detail})
}

// Server serves the control API over a ServeMux. The broker is optional:
// in-process hosts drive surfaces directly and leave it nil.
type Server struct {
	mux    *http.ServeMux
	bridge *bridge.Bridge
	broker *surface.Broker
}

// NewServer wires a control API server over a bridge.
func NewServer(mux *http.ServeMux, b *bridge.Bridge, broker *surface.Broker) *Server {
	return &Server{mux: mux, bridge: b, broker: broker}
}

// RegisterRoutes attaches all control API routes to the mux.
func (s *Server) RegisterRoutes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/api/v1/surfaces", s.handleSurfaces)
	s.mux.HandleFunc("/api/v1/surfaces/", s.handleSurfacesSubroutes)
	s.mux.HandleFunc("/api/v1/providers", s.handleProviders)
	s.mux.HandleFunc("/api/v1/providers/", s.handleProvidersSubroutes)
	s.mux.HandleFunc("/api/v1/auth/", s.handleAuthenticate)
	s.mux.HandleFunc("/api/v1/sessions", s.handleSessions)
	s.mux.HandleFunc("/api/v1/sessions/", s.handleSessionsSubroutes)
	s.mux.HandleFunc("/api/v1/tokens", s.handleTokens)
	s.mux.HandleFunc("/api/v1/tokens/", s.handleTokensSubroutes)
	s.mux.HandleFunc("/api/v1/classify", s.handleClassify)
	s.mux.HandleFunc("/api/v1/observe", s.handleObserve)
	s.mux.HandleFunc("/api/v1/deeplink", s.handleDeepLink)
	s.mux.HandleFunc("/api/v1/events", s.handleEvents)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"pending_flows": s.bridge.PendingFlows(),
	})
}

// providerRequest is the write shape for provider registration. Unlike
// domain.Provider, the client secret is readable here; this endpoint is
// the one place secrets are allowed to flow inward.
type providerRequest struct {
	ID               string                `json:"id"`
	DisplayName      string                `json:"display_name"`
	Family           domain.ProtocolFamily `json:"family"`
	Enabled          *bool                 `json:"enabled"`
	AuthorizationURL string                `json:"authorization_url"`
	TokenURL         string                `json:"token_url"`
	UserInfoURL      string                `json:"user_info_url"`
	IssuerURL        string                `json:"issuer_url"`
	ClientID         string                `json:"client_id"`
	ClientSecret     string                `json:"client_secret"`
	Scopes           []string              `json:"scopes"`
	RedirectURL      string                `json:"redirect_url"`
	UsesPKCE         bool                  `json:"uses_pkce"`
	CallbackPatterns []string              `json:"callback_patterns"`
	TokenExtractors  []string              `json:"token_extractors"`
	SAMLEntryPoint   string                `json:"saml_entry_point"`
	SAMLIssuer       string                `json:"saml_issuer"`
	SAMLCallback     string                `json:"saml_callback"`
}

func (pr *providerRequest) toDomain() (*domain.Provider, error) {
	if pr.ID == "" {
		return nil, errors.New("id is required")
	}
	if pr.Family == "" {
		pr.Family = domain.FamilyAuthCode
	}
	switch pr.Family {
	case domain.FamilyAuthCode, domain.FamilyOIDC, domain.FamilySAML:
	default:
		return nil, fmt.Errorf("unknown family %q", pr.Family)
	}
	enabled := true
	if pr.Enabled != nil {
		enabled = *pr.Enabled
	}
	return &domain.Provider{
		ID:               pr.ID,
		DisplayName:      pr.DisplayName,
		Family:           pr.Family,
		Enabled:          enabled,
		AuthorizationURL: pr.AuthorizationURL,
		TokenURL:         pr.TokenURL,
		UserInfoURL:      pr.UserInfoURL,
		IssuerURL:        pr.IssuerURL,
		ClientID:         pr.ClientID,
		ClientSecret:     pr.ClientSecret,
		Scopes:           pr.Scopes,
		RedirectURL:      pr.RedirectURL,
		UsesPKCE:         pr.UsesPKCE,
		CallbackPatterns: pr.CallbackPatterns,
		TokenExtractors:  pr.TokenExtractors,
		SAMLEntryPoint:   pr.SAMLEntryPoint,
		SAMLIssuer:       pr.SAMLIssuer,
		SAMLCallback:     pr.SAMLCallback,
	}, nil
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.bridge.ListProviders())
	case http.MethodPost:
		var reqs []providerRequest
		if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
			writeErr(w, http.StatusBadRequest, "invalid JSON body", err.Error())
			return
		}
		providers := make([]*domain.Provider, 0, len(reqs))
		for i := range reqs {
			p, err := reqs[i].toDomain()
			if err != nil {
				writeErr(w, http.StatusBadRequest, "invalid provider", err.Error())
				return
			}
			providers = append(providers, p)
		}
		if err := s.bridge.RegisterProviders(r.Context(), providers); err != nil {
			writeErr(w, http.StatusInternalServerError, "registering providers failed", err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, s.bridge.ListProviders())
	default:
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed", "")
	}
}

func (s *Server) handleProvidersSubroutes(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/providers/")
	if id == "" || strings.Contains(id, "/") {
		writeErr(w, http.StatusNotFound, "not found", "")
		return
	}

	switch r.Method {
	case http.MethodPatch:
		var patch registry.PartialConfig
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			writeErr(w, http.StatusBadRequest, "invalid JSON body", err.Error())
			return
		}
		p, err := s.bridge.ConfigureProvider(r.Context(), id, patch)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				writeErr(w, http.StatusNotFound, "unknown provider", id)
				return
			}
			writeErr(w, http.StatusInternalServerError, "configuring provider failed", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, p)

	case http.MethodDelete:
		if err := s.bridge.RemoveProvider(r.Context(), id); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				writeErr(w, http.StatusNotFound, "unknown provider", id)
				return
			}
			writeErr(w, http.StatusInternalServerError, "removing provider failed", err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed", "")
	}
}

// sessionResponse is the session shape returned to the loopback caller.
// The access token is included deliberately: the host application is the
// credential's consumer.
type sessionResponse struct {
	Status      string     `json:"status"`
	ProviderID  string     `json:"provider_id,omitempty"`
	Subject     string     `json:"subject,omitempty"`
	DisplayName string     `json:"display_name,omitempty"`
	Email       string     `json:"email,omitempty"`
	AccessToken string     `json:"access_token,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	CreatedAt   *time.Time `json:"created_at,omitempty"`
}

func sessionView(status string, sess *domain.Session) sessionResponse {
	out := sessionResponse{Status: status}
	if sess == nil {
		return out
	}
	out.ProviderID = sess.ProviderID
	out.Subject = sess.Subject
	out.DisplayName = sess.DisplayName
	out.Email = sess.Email
	out.AccessToken = sess.AccessToken
	if !sess.ExpiresAt.IsZero() {
		t := sess.ExpiresAt
		out.ExpiresAt = &t
	}
	if !sess.CreatedAt.IsZero() {
		t := sess.CreatedAt
		out.CreatedAt = &t
	}
	return out
}

// POST /api/v1/auth/{provider} runs one interactive flow to completion.
// The response distinguishes success, cancellation, timeout, and provider
// protocol errors.
func (s *Server) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	providerID := strings.TrimPrefix(r.URL.Path, "/api/v1/auth/")
	if providerID == "" || strings.Contains(providerID, "/") {
		writeErr(w, http.StatusNotFound, "not found", "")
		return
	}

	sess, err := s.bridge.Authenticate(r.Context(), providerID)
	if err != nil {
		var perr *exchange.ProtocolError
		switch {
		case errors.Is(err, flow.ErrTimeout):
			writeErr(w, http.StatusGatewayTimeout, "authentication timed out", providerID)
		case errors.As(err, &perr):
			writeJSON(w, http.StatusBadGateway, map[string]any{
				"status":            "failed",
				"error":             perr.Code,
				"error_description": perr.Description,
			})
		case errors.Is(err, bridge.ErrSessionPersist):
			writeErr(w, http.StatusInternalServerError, "persisting session failed", err.Error())
		default:
			writeErr(w, http.StatusBadRequest, "authentication failed", err.Error())
		}
		return
	}
	if sess == nil {
		writeJSON(w, http.StatusOK, sessionView("cancelled", nil))
		return
	}
	writeJSON(w, http.StatusOK, sessionView("authenticated", sess))
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	if err := s.bridge.LogoutAll(r.Context()); err != nil {
		writeErr(w, http.StatusInternalServerError, "logout failed", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSessionsSubroutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/sessions/")
	providerID, action, _ := strings.Cut(rest, "/")
	if providerID == "" {
		writeErr(w, http.StatusNotFound, "not found", "")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		sess, err := s.bridge.GetSession(r.Context(), providerID)
		if err != nil {
			writeErr(w, http.StatusInternalServerError, "loading session failed", err.Error())
			return
		}
		if sess == nil {
			writeErr(w, http.StatusNotFound, "no session", providerID)
			return
		}
		writeJSON(w, http.StatusOK, sessionView("authenticated", sess))

	case action == "" && r.Method == http.MethodDelete:
		if err := s.bridge.Logout(r.Context(), providerID); err != nil {
			writeErr(w, http.StatusInternalServerError, "logout failed", err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case action == "refresh" && r.Method == http.MethodPost:
		ok := s.bridge.RefreshSession(r.Context(), providerID)
		writeJSON(w, http.StatusOK, map[string]bool{"refreshed": ok})

	default:
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed", "")
	}
}

func (s *Server) handleTokens(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	tokens, err := s.bridge.GetStoredTokens(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "listing tokens failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tokens)
}

func (s *Server) handleTokensSubroutes(w http.ResponseWriter, r *http.Request) {
	provider := strings.TrimPrefix(r.URL.Path, "/api/v1/tokens/")
	if provider == "" || strings.Contains(provider, "/") {
		writeErr(w, http.StatusNotFound, "not found", "")
		return
	}
	if r.Method != http.MethodDelete {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	if err := s.bridge.RemoveToken(r.Context(), provider); err != nil {
		writeErr(w, http.StatusInternalServerError, "removing token failed", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GET /api/v1/classify?url=... answers isCallbackUrl and identifyProvider
// in one read without side effects.
func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	rawURL := r.URL.Query().Get("url")
	if rawURL == "" {
		writeErr(w, http.StatusBadRequest, "url is required", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"is_callback": s.bridge.IsCallbackURL(rawURL),
		"provider":    s.bridge.IdentifyProvider(rawURL),
	})
}

type observeRequest struct {
	URL string `json:"url"`
	URI string `json:"uri"`
}

// POST /api/v1/observe feeds one observed request URL through the ambient
// path. The host calls this for main-surface traffic.
func (s *Server) handleObserve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	var req observeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON body", err.Error())
		return
	}
	if req.URL == "" {
		writeErr(w, http.StatusBadRequest, "url is required", "")
		return
	}
	tok, err := s.bridge.HandleCallback(r.Context(), req.URL)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "handling callback failed", err.Error())
		return
	}
	if tok == nil {
		writeJSON(w, http.StatusOK, map[string]any{"captured": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"captured": true, "token": tok})
}

// POST /api/v1/deeplink feeds an OS custom-scheme activation through the
// ambient path.
func (s *Server) handleDeepLink(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	var req observeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON body", err.Error())
		return
	}
	uri := req.URI
	if uri == "" {
		uri = req.URL
	}
	if uri == "" {
		writeErr(w, http.StatusBadRequest, "uri is required", "")
		return
	}
	tok, err := s.bridge.HandleDeepLink(r.Context(), uri)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "handling deep link failed", err.Error())
		return
	}
	if tok == nil {
		writeJSON(w, http.StatusOK, map[string]any{"captured": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"captured": true, "token": tok})
}

// GET /api/v1/surfaces lists the surfaces the host should be rendering.
func (s *Server) handleSurfaces(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	if s.broker == nil {
		writeJSON(w, http.StatusOK, []surface.Info{})
		return
	}
	writeJSON(w, http.StatusOK, s.broker.List())
}

// POST /api/v1/surfaces/{id}/navigations feeds one observed navigation
// into a brokered surface; POST /api/v1/surfaces/{id}/dismiss reports
// that the user closed it.
func (s *Server) handleSurfacesSubroutes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	if s.broker == nil {
		writeErr(w, http.StatusNotFound, "no surface broker", "")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/surfaces/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		writeErr(w, http.StatusNotFound, "not found", "")
		return
	}

	switch action {
	case "navigations":
		var req observeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, http.StatusBadRequest, "invalid JSON body", err.Error())
			return
		}
		if req.URL == "" {
			writeErr(w, http.StatusBadRequest, "url is required", "")
			return
		}
		if err := s.broker.Navigate(id, req.URL); err != nil {
			writeErr(w, http.StatusNotFound, "unknown surface", id)
			return
		}
		w.WriteHeader(http.StatusAccepted)

	case "dismiss":
		if err := s.broker.Dismiss(id); err != nil {
			writeErr(w, http.StatusNotFound, "unknown surface", id)
			return
		}
		w.WriteHeader(http.StatusAccepted)

	default:
		writeErr(w, http.StatusNotFound, "not found", "")
	}
}

// GET /api/v1/events streams bridge notifications and surface directives
// as server-sent events until the client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErr(w, http.StatusInternalServerError, "streaming unsupported", "")
		return
	}

	events, cancel := s.bridge.Subscribe()
	defer cancel()

	var directives <-chan surface.Directive
	if s.broker != nil {
		var cancelDirectives func()
		directives, cancelDirectives = s.broker.Subscribe()
		defer cancelDirectives()
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	emit := func(event string, v any) {
		payload, err := json.Marshal(v)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
		flusher.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			emit(string(e.Type), e)
		case d, ok := <-directives:
			if !ok {
				directives = nil
				continue
			}
			emit("surface_"+d.Type, d)
		}
	}
}
