// Package exchange performs the back-channel HTTP mechanics of
// authentication: trading an authorization code (plus PKCE verifier) for
// tokens, refreshing expired sessions, and fetching user info.
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"golang.org/x/oauth2"

	"authbridge/internal/domain"
	"authbridge/internal/observability"
)

// ProtocolError carries an identity provider's explicit error response
// verbatim. It is the only exchange failure surfaced to callers with the
// IdP's own wording.
type ProtocolError struct {
	Code        string
	Description string
}

func (e *ProtocolError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("provider error: %s", e.Code)
	}
	return fmt.Sprintf("provider error: %s: %s", e.Code, e.Description)
}

// idTokenAlgs are the signature algorithms accepted when parsing an
// id_token on the plain auth-code path (claims only, unverified).
var idTokenAlgs = []jose.SignatureAlgorithm{jose.RS256, jose.ES256, jose.HS256}

// Client executes token exchanges. Safe for concurrent use.
type Client struct {
	httpClient *http.Client
	logger     observability.Logger

	mu   sync.Mutex
	oidc map[string]*gooidc.Provider // discovery cache keyed by issuer URL
}

// NewClient creates an exchange client. A nil httpClient falls back to a
// client with a 30s timeout.
func NewClient(logger observability.Logger, httpClient *http.Client) *Client {
	if logger == nil {
		logger = observability.NewLogger(observability.DefaultConfig())
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		httpClient: httpClient,
		logger:     logger.WithComponent("exchange"),
		oidc:       make(map[string]*gooidc.Provider),
	}
}

// clientContext threads the configured HTTP client into oauth2 and go-oidc.
func (c *Client) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

// discover performs (cached) OIDC discovery for an issuer.
func (c *Client) discover(ctx context.Context, issuer string) (*gooidc.Provider, error) {
	c.mu.Lock()
	if p, ok := c.oidc[issuer]; ok {
		c.mu.Unlock()
		return p, nil
	}
	c.mu.Unlock()

	p, err := gooidc.NewProvider(c.clientContext(ctx), issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery: %w", err)
	}

	c.mu.Lock()
	c.oidc[issuer] = p
	c.mu.Unlock()
	return p, nil
}

// config builds the oauth2 configuration for a provider, plus an ID-token
// verifier when the provider is OIDC with a discoverable issuer.
func (c *Client) config(ctx context.Context, p *domain.Provider) (*oauth2.Config, *gooidc.IDTokenVerifier, error) {
	cfg := &oauth2.Config{
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
		RedirectURL:  p.RedirectURL,
		Scopes:       p.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  p.AuthorizationURL,
			TokenURL: p.TokenURL,
		},
	}

	if p.Family == domain.FamilyOIDC && p.IssuerURL != "" {
		prov, err := c.discover(ctx, p.IssuerURL)
		if err != nil {
			return nil, nil, err
		}
		if cfg.Endpoint.AuthURL == "" || cfg.Endpoint.TokenURL == "" {
			cfg.Endpoint = prov.Endpoint()
		}
		if len(cfg.Scopes) == 0 {
			cfg.Scopes = []string{gooidc.ScopeOpenID, "profile", "email"}
		}
		return cfg, prov.Verifier(&gooidc.Config{ClientID: p.ClientID}), nil
	}
	return cfg, nil, nil
}

// AuthCodeURL builds the provider's authorization URL for a flow. When the
// provider uses PKCE, the S256 challenge for verifier is included.
func (c *Client) AuthCodeURL(ctx context.Context, p *domain.Provider, state, verifier string) (string, error) {
	cfg, _, err := c.config(ctx, p)
	if err != nil {
		return "", err
	}
	var opts []oauth2.AuthCodeOption
	if p.UsesPKCE && verifier != "" {
		opts = append(opts, oauth2.S256ChallengeOption(verifier))
	}
	return cfg.AuthCodeURL(state, opts...), nil
}

// Exchange trades an authorization code for tokens and assembles the
// resulting session, including the user-info follow-up when configured.
func (c *Client) Exchange(ctx context.Context, p *domain.Provider, code, verifier string) (*domain.Session, error) {
	cfg, idVerifier, err := c.config(ctx, p)
	if err != nil {
		return nil, err
	}

	var opts []oauth2.AuthCodeOption
	if verifier != "" {
		opts = append(opts, oauth2.VerifierOption(verifier))
	}

	token, err := cfg.Exchange(c.clientContext(ctx), code, opts...)
	if err != nil {
		return nil, asProtocolError(err)
	}

	sess := &domain.Session{
		ProviderID:   p.ID,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		// Expiry is zero when the provider omitted expires_in; such a
		// session stays non-expiring until a 401 proves otherwise.
		ExpiresAt: token.Expiry,
		CreatedAt: time.Now().UTC(),
		RawClaims: map[string]any{},
	}

	if raw, ok := token.Extra("id_token").(string); ok && raw != "" {
		sess.IDToken = raw
		claims, err := c.idTokenClaims(ctx, idVerifier, raw)
		if err != nil {
			return nil, err
		}
		mergeClaims(sess, claims)
	}

	if p.UserInfoURL != "" {
		claims, err := c.fetchUserInfo(ctx, p.UserInfoURL, token.AccessToken)
		if err != nil {
			c.logger.Warn("user-info fetch failed", "provider", p.ID, "error", err)
		} else {
			mergeClaims(sess, claims)
		}
	}

	return sess, nil
}

// Refresh trades a refresh token for a new access token. The returned
// session carries the updated credentials; the refresh token is replaced
// only when the provider issued a new one.
func (c *Client) Refresh(ctx context.Context, p *domain.Provider, sess *domain.Session) (*domain.Session, error) {
	if sess.RefreshToken == "" {
		return nil, errors.New("no refresh token")
	}
	cfg, _, err := c.config(ctx, p)
	if err != nil {
		return nil, err
	}

	src := cfg.TokenSource(c.clientContext(ctx), &oauth2.Token{RefreshToken: sess.RefreshToken})
	token, err := src.Token()
	if err != nil {
		return nil, asProtocolError(err)
	}

	updated := *sess
	updated.AccessToken = token.AccessToken
	updated.ExpiresAt = token.Expiry
	if token.RefreshToken != "" {
		updated.RefreshToken = token.RefreshToken
	}
	if raw, ok := token.Extra("id_token").(string); ok && raw != "" {
		updated.IDToken = raw
	}
	return &updated, nil
}

// idTokenClaims extracts claims from an id_token: verified via the OIDC
// verifier when one exists, otherwise parsed without verification (plain
// auth-code providers hand back id_tokens whose keys we never discovered).
func (c *Client) idTokenClaims(ctx context.Context, verifier *gooidc.IDTokenVerifier, raw string) (map[string]any, error) {
	claims := map[string]any{}
	if verifier != nil {
		idToken, err := verifier.Verify(c.clientContext(ctx), raw)
		if err != nil {
			return nil, fmt.Errorf("verify id_token: %w", err)
		}
		if err := idToken.Claims(&claims); err != nil {
			return nil, fmt.Errorf("extract claims: %w", err)
		}
		return claims, nil
	}

	tok, err := jwt.ParseSigned(raw, idTokenAlgs)
	if err != nil {
		c.logger.Warn("unparseable id_token", "error", err)
		return claims, nil
	}
	if err := tok.UnsafeClaimsWithoutVerification(&claims); err != nil {
		c.logger.Warn("unreadable id_token claims", "error", err)
	}
	return claims, nil
}

// fetchUserInfo performs the bearer-authenticated user-info request.
func (c *Client) fetchUserInfo(ctx context.Context, userInfoURL, accessToken string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, userInfoURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("user-info status %d", resp.StatusCode)
	}

	var claims map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
		return nil, fmt.Errorf("decode user info: %w", err)
	}
	return claims, nil
}

// mergeClaims folds identity claims into the session: sub/id/login become
// the subject id; email and name copy through. All claims are retained
// raw.
func mergeClaims(sess *domain.Session, claims map[string]any) {
	for k, v := range claims {
		sess.RawClaims[k] = v
	}
	for _, key := range []string{"sub", "id", "login"} {
		if sess.Subject != "" {
			break
		}
		switch v := claims[key].(type) {
		case string:
			sess.Subject = v
		case float64:
			sess.Subject = fmt.Sprintf("%.0f", v)
		case json.Number:
			sess.Subject = v.String()
		}
	}
	if v, ok := claims["email"].(string); ok && v != "" {
		sess.Email = v
	}
	if v, ok := claims["name"].(string); ok && v != "" {
		sess.DisplayName = v
	}
}

// asProtocolError unwraps an oauth2 retrieve error into a ProtocolError
// carrying the provider's error code and description verbatim.
func asProtocolError(err error) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		if rerr.ErrorCode != "" {
			return &ProtocolError{Code: rerr.ErrorCode, Description: rerr.ErrorDescription}
		}
		return fmt.Errorf("token endpoint status %d: %w", rerr.Response.StatusCode, err)
	}
	return fmt.Errorf("token exchange: %w", err)
}
