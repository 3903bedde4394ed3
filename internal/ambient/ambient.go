// Package ambient captures authentication callbacks observed in the main
// browsing surface's ordinary traffic, without a dedicated login surface
// and without PKCE. Captured credentials are stored one per provider.
package ambient

import (
	"context"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"authbridge/internal/classify"
	"authbridge/internal/domain"
	"authbridge/internal/observability"
	"authbridge/internal/storage"
	"authbridge/internal/surface"
)

// Interceptor scrapes codes and tokens out of observed request URLs.
type Interceptor struct {
	catalog    classify.Catalog
	classifier *classify.Classifier
	tokens     storage.TokenStore
	logger     observability.Logger
	metrics    *observability.Metrics

	mu         sync.Mutex
	waiters    []*waiter
	extractors map[string]*regexp.Regexp
}

// waiter is one pending WaitForCallback promise. An empty state matches
// any callback for the provider.
type waiter struct {
	provider string
	state    string
	ch       chan *domain.StoredToken
}

// New wires an interceptor over the given catalog and token store.
func New(catalog classify.Catalog, classifier *classify.Classifier, tokens storage.TokenStore, logger observability.Logger, metrics *observability.Metrics) *Interceptor {
	if logger == nil {
		logger = observability.NewLogger(observability.DefaultConfig())
	}
	return &Interceptor{
		catalog:    catalog,
		classifier: classifier,
		tokens:     tokens,
		logger:     logger.WithComponent("ambient"),
		metrics:    metrics,
		extractors: make(map[string]*regexp.Regexp),
	}
}

// Watch consumes the observer's request stream until the context ends or
// the stream closes. Classification misses are ignored without logging;
// they are the common case.
func (i *Interceptor) Watch(ctx context.Context, obs surface.RequestObserver) {
	reqs := obs.Requests()
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-reqs:
			if !ok {
				return
			}
			if _, err := i.HandleCallback(ctx, raw); err != nil {
				i.logger.Warn("ambient callback handling failed", "error", err)
			}
		}
	}
}

// HandleCallback inspects one URL. If it is a callback carrying a code or
// token, the credential is stored for its provider, replacing any prior
// token, and any matching waiter is resolved. Returns nil, nil for URLs
// that are not callbacks.
func (i *Interceptor) HandleCallback(ctx context.Context, rawURL string) (*domain.StoredToken, error) {
	res := i.classifier.Classify(rawURL)
	if !res.IsCallback {
		return nil, nil
	}

	params := classify.Params(rawURL)
	credential := params.Code
	if credential == "" {
		credential = params.AccessToken
	}
	if credential == "" {
		credential = i.extractWithProviderPatterns(res.ProviderID, rawURL)
	}
	if credential == "" {
		return nil, nil
	}

	return i.capture(ctx, res.ProviderID, credential, params.State)
}

// HandleDeepLink accepts a custom-scheme activation URI (for example
// myapp://auth?code=xyz), pulls the code parameter directly, and stores it
// like any ambient callback. Provider identity comes from a substring
// scan; there is no pattern tier for non-HTTP schemes.
func (i *Interceptor) HandleDeepLink(ctx context.Context, rawURI string) (*domain.StoredToken, error) {
	u, err := url.Parse(rawURI)
	if err != nil {
		return nil, nil
	}
	q := u.Query()
	credential := q.Get("code")
	if credential == "" {
		credential = q.Get("access_token")
	}
	if credential == "" {
		return nil, nil
	}

	provider := classify.ProviderUnknown
	lower := strings.ToLower(rawURI)
	for _, p := range i.catalog.Ordered() {
		if p.ID != "" && strings.Contains(lower, strings.ToLower(p.ID)) {
			provider = p.ID
			break
		}
	}

	return i.capture(ctx, provider, credential, q.Get("state"))
}

// WaitForCallback registers interest in the next captured callback for a
// provider. A non-empty state narrows the match to callbacks echoing that
// state. The returned channel delivers at most one token; cancel
// unregisters without delivery.
func (i *Interceptor) WaitForCallback(provider, state string) (<-chan *domain.StoredToken, func()) {
	w := &waiter{
		provider: provider,
		state:    state,
		ch:       make(chan *domain.StoredToken, 1),
	}
	i.mu.Lock()
	i.waiters = append(i.waiters, w)
	i.mu.Unlock()

	cancel := func() {
		i.mu.Lock()
		defer i.mu.Unlock()
		for n, cand := range i.waiters {
			if cand == w {
				i.waiters = append(i.waiters[:n], i.waiters[n+1:]...)
				return
			}
		}
	}
	return w.ch, cancel
}

func (i *Interceptor) capture(ctx context.Context, provider, credential, state string) (*domain.StoredToken, error) {
	tok := &domain.StoredToken{
		ID:          uuid.NewString(),
		Provider:    provider,
		AccessToken: credential,
		CreatedAt:   time.Now(),
	}
	if err := i.tokens.PutToken(ctx, tok); err != nil {
		return nil, err
	}
	i.metrics.RecordAmbientToken()
	i.logger.Info("ambient credential captured", "provider", provider)

	i.mu.Lock()
	kept := i.waiters[:0]
	var resolved []*waiter
	for _, w := range i.waiters {
		if w.provider == provider && (w.state == "" || w.state == state) {
			resolved = append(resolved, w)
		} else {
			kept = append(kept, w)
		}
	}
	i.waiters = kept
	i.mu.Unlock()

	for _, w := range resolved {
		w.ch <- tok
	}
	return tok, nil
}

// extractWithProviderPatterns runs the classified provider's configured
// extractor regexes over the URL. This is the last-resort layer beneath
// parameter inspection; the first capture group of the first matching
// pattern wins.
func (i *Interceptor) extractWithProviderPatterns(providerID, rawURL string) string {
	if providerID == classify.ProviderUnknown {
		return ""
	}
	var provider *domain.Provider
	for _, p := range i.catalog.Ordered() {
		if p.ID == providerID {
			provider = p
			break
		}
	}
	if provider == nil {
		return ""
	}

	for _, pattern := range provider.TokenExtractors {
		re := i.compiled(pattern)
		if re == nil {
			continue
		}
		if m := re.FindStringSubmatch(rawURL); len(m) > 1 {
			return m[1]
		}
	}
	return ""
}

func (i *Interceptor) compiled(pattern string) *regexp.Regexp {
	i.mu.Lock()
	defer i.mu.Unlock()
	re, ok := i.extractors[pattern]
	if !ok {
		var err error
		re, err = regexp.Compile(pattern)
		if err != nil {
			i.logger.Warn("invalid token extractor", "pattern", pattern, "error", err)
			re = nil
		}
		i.extractors[pattern] = re
	}
	return re
}
