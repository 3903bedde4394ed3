// Package classify decides whether an observed navigation URL is an
// identity-provider callback, and which provider it belongs to.
//
// Detection is two-tiered. Provider callback patterns are tried first,
// first-match-wins in registry order, because providers do not always
// redirect through predictable paths. Parameter sniffing (code,
// access_token, SAMLResponse) is the fallback: it alone would be too
// permissive, so it only ever yields provider "unknown", optionally
// labeled by a plain substring scan that never controls matching priority.
package classify

import (
	"net/url"
	"regexp"
	"strings"
	"sync"

	"authbridge/internal/domain"
)

// ProviderUnknown labels a parameter-tier callback that no provider
// pattern claimed.
const ProviderUnknown = "unknown"

// Tier reports which detection tier classified a URL.
type Tier int

const (
	// TierNone means the URL is not a callback.
	TierNone Tier = iota
	// TierPattern means a provider callback pattern matched.
	TierPattern
	// TierParameter means only parameter sniffing matched.
	TierParameter
)

// Result is the classification outcome for one URL.
type Result struct {
	IsCallback bool
	ProviderID string
	Tier       Tier
}

// Catalog supplies providers in registration order. *registry.Registry
// satisfies it.
type Catalog interface {
	Ordered() []*domain.Provider
}

// Classifier classifies navigation URLs against a provider catalog.
type Classifier struct {
	catalog Catalog

	mu      sync.Mutex
	regexps map[string]*regexp.Regexp // compiled pattern cache
}

// New creates a Classifier over the given catalog.
func New(catalog Catalog) *Classifier {
	return &Classifier{
		catalog: catalog,
		regexps: make(map[string]*regexp.Regexp),
	}
}

// Classify runs both tiers against an absolute URL.
func (c *Classifier) Classify(rawURL string) Result {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" && u.Scheme == "" {
		return Result{Tier: TierNone}
	}

	providers := c.catalog.Ordered()

	// Tier 1: provider patterns, first match wins in registry order.
	for _, p := range providers {
		for _, pattern := range p.CallbackPatterns {
			if c.matchPattern(pattern, rawURL) {
				return Result{IsCallback: true, ProviderID: p.ID, Tier: TierPattern}
			}
		}
	}

	// Tier 2: parameter sniffing.
	params := Params(rawURL)
	if params.Code == "" && params.AccessToken == "" && params.SAMLResponse == "" {
		return Result{Tier: TierNone}
	}

	// Substring scan labels the hit; it never outranks a pattern match.
	lower := strings.ToLower(rawURL)
	for _, p := range providers {
		if p.ID != "" && strings.Contains(lower, strings.ToLower(p.ID)) {
			return Result{IsCallback: true, ProviderID: p.ID, Tier: TierParameter}
		}
	}
	return Result{IsCallback: true, ProviderID: ProviderUnknown, Tier: TierParameter}
}

// matchPattern treats a pattern carrying regexp metacharacters as a regular
// expression over the full URL, and anything else as a plain host/path
// substring.
func (c *Classifier) matchPattern(pattern, rawURL string) bool {
	if pattern == "" {
		return false
	}
	if !strings.ContainsAny(pattern, `\^$*+?()[]{}|`) {
		return strings.Contains(rawURL, pattern)
	}

	c.mu.Lock()
	re, ok := c.regexps[pattern]
	if !ok {
		var err error
		re, err = regexp.Compile(pattern)
		if err != nil {
			// A malformed pattern degrades to substring matching.
			re = nil
		}
		c.regexps[pattern] = re
	}
	c.mu.Unlock()

	if re == nil {
		return strings.Contains(rawURL, pattern)
	}
	return re.MatchString(rawURL)
}

// CallbackParams are the authentication-relevant parameters of a URL, from
// the query string or the fragment (implicit-style providers return tokens
// in the fragment).
type CallbackParams struct {
	Code         string
	AccessToken  string
	SAMLResponse string
	State        string
	Error        string
	ErrorDesc    string
}

// Params extracts callback parameters from a URL's query and fragment.
func Params(rawURL string) CallbackParams {
	var out CallbackParams
	u, err := url.Parse(rawURL)
	if err != nil {
		return out
	}

	fill := func(v url.Values) {
		if out.Code == "" {
			out.Code = v.Get("code")
		}
		if out.AccessToken == "" {
			out.AccessToken = v.Get("access_token")
		}
		if out.SAMLResponse == "" {
			out.SAMLResponse = v.Get("SAMLResponse")
		}
		if out.State == "" {
			out.State = v.Get("state")
		}
		if out.Error == "" {
			out.Error = v.Get("error")
			out.ErrorDesc = v.Get("error_description")
		}
	}

	fill(u.Query())
	if u.Fragment != "" {
		if fv, err := url.ParseQuery(u.Fragment); err == nil {
			fill(fv)
		}
	}
	return out
}
