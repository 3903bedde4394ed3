package domain

import "time"

// ProtocolFamily identifies how a provider authenticates.
type ProtocolFamily string

const (
	// FamilyAuthCode is a plain OAuth 2.0 authorization-code provider.
	FamilyAuthCode ProtocolFamily = "authcode"
	// FamilyOIDC is an OpenID Connect provider with discovery and an id_token.
	FamilyOIDC ProtocolFamily = "oidc"
	// FamilySAML is a SAML 2.0 provider using redirect bindings.
	FamilySAML ProtocolFamily = "saml"
)

// maskedSecret is what UI-facing reads see in place of a client secret.
const maskedSecret = "********"

// Provider represents a configured identity provider.
type Provider struct {
	ID          string         `json:"id" yaml:"id"`
	DisplayName string         `json:"display_name" yaml:"display_name"`
	Family      ProtocolFamily `json:"family" yaml:"family"`
	Enabled     bool           `json:"enabled" yaml:"enabled"`

	// AuthorizationURL and TokenURL are required for authcode providers.
	// OIDC providers may instead set IssuerURL and rely on discovery.
	AuthorizationURL string `json:"authorization_url,omitempty" yaml:"authorization_url"`
	TokenURL         string `json:"token_url,omitempty" yaml:"token_url"`
	UserInfoURL      string `json:"user_info_url,omitempty" yaml:"user_info_url"`
	IssuerURL        string `json:"issuer_url,omitempty" yaml:"issuer_url"`

	ClientID string `json:"client_id" yaml:"client_id"`
	// ClientSecret never leaves the registry; UI-facing reads get
	// ClientSecretMasked via Redacted.
	ClientSecret       string `json:"-" yaml:"client_secret"`
	ClientSecretMasked string `json:"client_secret,omitempty" yaml:"-"`

	Scopes      []string `json:"scopes" yaml:"scopes"`
	RedirectURL string   `json:"redirect_url" yaml:"redirect_url"`
	UsesPKCE    bool     `json:"uses_pkce" yaml:"uses_pkce"`

	// CallbackPatterns are host/path fragments or regular expressions that
	// positively identify this provider's callback URLs.
	CallbackPatterns []string `json:"callback_patterns" yaml:"callback_patterns"`

	// TokenExtractors are regular expressions applied as a last-resort
	// token scrape on the ambient path.
	TokenExtractors []string `json:"token_extractors,omitempty" yaml:"token_extractors"`

	// SAML-only fields.
	SAMLEntryPoint string `json:"saml_entry_point,omitempty" yaml:"saml_entry_point"`
	SAMLIssuer     string `json:"saml_issuer,omitempty" yaml:"saml_issuer"`
	SAMLCallback   string `json:"saml_callback,omitempty" yaml:"saml_callback"`

	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// Redacted returns a copy safe for UI-facing reads: the client secret is
// replaced by a mask when one is set.
func (p *Provider) Redacted() *Provider {
	cp := *p
	cp.Scopes = append([]string(nil), p.Scopes...)
	cp.CallbackPatterns = append([]string(nil), p.CallbackPatterns...)
	cp.TokenExtractors = append([]string(nil), p.TokenExtractors...)
	cp.ClientSecret = ""
	if p.ClientSecret != "" {
		cp.ClientSecretMasked = maskedSecret
	}
	return &cp
}

// Confidential reports whether the provider was issued a client secret.
func (p *Provider) Confidential() bool {
	return p.ClientSecret != ""
}
