// Package bridge is the authentication bridge facade: one owned instance
// wiring the provider registry, callback classifier, pending-auth
// correlator, surface controller, token exchange, session store, and
// ambient interceptor behind a single API. No package-level state; every
// collection lives inside the Bridge and dies with it.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"authbridge/internal/ambient"
	"authbridge/internal/classify"
	"authbridge/internal/domain"
	"authbridge/internal/exchange"
	"authbridge/internal/flow"
	"authbridge/internal/observability"
	"authbridge/internal/registry"
	"authbridge/internal/session"
	"authbridge/internal/storage"
	"authbridge/internal/surface"
)

// EventType distinguishes bridge notifications.
type EventType string

const (
	EventFlowStarted   EventType = "flow_started"
	EventAuthenticated EventType = "authenticated"
	EventCancelled     EventType = "cancelled"
	EventTimedOut      EventType = "timed_out"
	EventFlowFailed    EventType = "flow_failed"
	EventAmbientToken  EventType = "ambient_token"
	EventLoggedOut     EventType = "logged_out"
)

// ErrSessionPersist marks a store failure after a successful login, so
// callers can report it as a server-side fault rather than a flow error.
var ErrSessionPersist = errors.New("session persistence failed")

// Event is one bridge notification. Subscribers receive events over a
// channel; there is no implicit listener list to mutate.
type Event struct {
	Type       EventType `json:"type"`
	ProviderID string    `json:"provider_id,omitempty"`
	Subject    string    `json:"subject,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

// Options configure a Bridge.
type Options struct {
	Host       surface.Host
	Store      storage.Store
	Logger     observability.Logger
	Metrics    *observability.Metrics
	HTTPClient *http.Client

	// FlowDeadline bounds each interactive flow. Zero means the default.
	FlowDeadline time.Duration

	// Seed providers are registered at startup unless already present.
	Seed []*domain.Provider
}

// Bridge is the facade handed to callers. All methods are safe for
// concurrent use.
type Bridge struct {
	store      storage.Store
	registry   *registry.Registry
	classifier *classify.Classifier
	correlator *flow.Correlator
	controller *flow.Controller
	exchanger  *exchange.Client
	sessions   *session.Manager
	ambient    *ambient.Interceptor
	logger     observability.Logger
	metrics    *observability.Metrics

	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
}

// New builds a Bridge over the given store and surface host.
func New(ctx context.Context, opts Options) (*Bridge, error) {
	if opts.Store == nil {
		return nil, errors.New("bridge: store is required")
	}
	if opts.Host == nil {
		return nil, errors.New("bridge: surface host is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.DefaultConfig())
	}

	reg, err := registry.Load(ctx, opts.Store)
	if err != nil {
		return nil, err
	}
	if len(opts.Seed) > 0 {
		if err := reg.Seed(ctx, opts.Seed); err != nil {
			return nil, err
		}
	}

	classifier := classify.New(reg)
	correlator := flow.NewCorrelator(logger)
	exchanger := exchange.NewClient(logger, opts.HTTPClient)

	b := &Bridge{
		store:      opts.Store,
		registry:   reg,
		classifier: classifier,
		correlator: correlator,
		exchanger:  exchanger,
		logger:     logger.WithComponent("bridge"),
		metrics:    opts.Metrics,
		subs:       make(map[int]chan Event),
	}
	b.controller = flow.NewController(opts.Host, reg, classifier, correlator, exchanger, logger, opts.Metrics, opts.FlowDeadline)
	b.sessions = session.NewManager(opts.Store, reg, exchanger, logger, opts.Metrics)
	b.ambient = ambient.New(reg, classifier, opts.Store, logger, opts.Metrics)
	return b, nil
}

// Close releases the bridge's persistence resources.
func (b *Bridge) Close() error {
	b.mu.Lock()
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
	b.mu.Unlock()
	return b.store.Close()
}

// Subscribe registers an event listener. The returned cancel func
// unsubscribes and closes the channel. Slow subscribers drop events
// rather than blocking the bridge.
func (b *Bridge) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, 32)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

func (b *Bridge) emit(e Event) {
	e.At = time.Now().UTC()
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// ListProviders returns the catalog with secrets stripped.
func (b *Bridge) ListProviders() []*domain.Provider {
	return b.registry.List()
}

// ConfigureProvider applies a partial reconfiguration and returns the
// redacted result.
func (b *Bridge) ConfigureProvider(ctx context.Context, id string, patch registry.PartialConfig) (*domain.Provider, error) {
	return b.registry.Configure(ctx, id, patch)
}

// RegisterProviders adds providers not yet present in the catalog.
func (b *Bridge) RegisterProviders(ctx context.Context, providers []*domain.Provider) error {
	return b.registry.Seed(ctx, providers)
}

// RemoveProvider deletes a provider and any session held for it.
func (b *Bridge) RemoveProvider(ctx context.Context, id string) error {
	if err := b.registry.Remove(ctx, id); err != nil {
		return err
	}
	return b.store.DeleteSession(ctx, id)
}

// Authenticate runs one interactive login flow to completion. It returns
// the persisted session on success, nil with no error when the user
// cancels, flow.ErrTimeout on deadline expiry, and the provider's
// ProtocolError when the exchange fails.
func (b *Bridge) Authenticate(ctx context.Context, providerID string) (*domain.Session, error) {
	ch, err := b.controller.Authenticate(ctx, providerID)
	if err != nil {
		return nil, err
	}
	b.emit(Event{Type: EventFlowStarted, ProviderID: providerID})

	o := <-ch
	switch {
	case o.Err != nil:
		if errors.Is(o.Err, flow.ErrTimeout) {
			b.emit(Event{Type: EventTimedOut, ProviderID: providerID})
		} else {
			b.emit(Event{Type: EventFlowFailed, ProviderID: providerID, Error: o.Err.Error()})
		}
		return nil, o.Err

	case o.Session == nil:
		b.emit(Event{Type: EventCancelled, ProviderID: providerID})
		return nil, nil
	}

	if err := b.sessions.Save(ctx, o.Session); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionPersist, err)
	}
	b.emit(Event{Type: EventAuthenticated, ProviderID: providerID, Subject: o.Session.Subject})
	return o.Session, nil
}

// GetSession returns the live session for a provider, refreshing lazily.
// nil, nil means not logged in.
func (b *Bridge) GetSession(ctx context.Context, providerID string) (*domain.Session, error) {
	return b.sessions.Get(ctx, providerID)
}

// RefreshSession forces a refresh and reports success.
func (b *Bridge) RefreshSession(ctx context.Context, providerID string) bool {
	return b.sessions.Refresh(ctx, providerID)
}

// Logout discards the session for one provider.
func (b *Bridge) Logout(ctx context.Context, providerID string) error {
	if err := b.sessions.Logout(ctx, providerID); err != nil {
		return err
	}
	b.emit(Event{Type: EventLoggedOut, ProviderID: providerID})
	return nil
}

// LogoutAll discards every session.
func (b *Bridge) LogoutAll(ctx context.Context) error {
	if err := b.sessions.LogoutAll(ctx); err != nil {
		return err
	}
	b.emit(Event{Type: EventLoggedOut})
	return nil
}

// IsCallbackURL reports whether a URL would be treated as an
// authentication callback.
func (b *Bridge) IsCallbackURL(rawURL string) bool {
	return b.classifier.Classify(rawURL).IsCallback
}

// IdentifyProvider names the provider a URL belongs to, or "unknown" for
// a parameter-tier callback, or "" for a non-callback.
func (b *Bridge) IdentifyProvider(rawURL string) string {
	res := b.classifier.Classify(rawURL)
	if !res.IsCallback {
		return ""
	}
	return res.ProviderID
}

// HandleCallback runs the ambient path over one URL. nil, nil means the
// URL is not a callback.
func (b *Bridge) HandleCallback(ctx context.Context, rawURL string) (*domain.StoredToken, error) {
	tok, err := b.ambient.HandleCallback(ctx, rawURL)
	if err != nil || tok == nil {
		return tok, err
	}
	b.emit(Event{Type: EventAmbientToken, ProviderID: tok.Provider})
	return tok, nil
}

// HandleDeepLink runs the ambient path over a custom-scheme activation.
func (b *Bridge) HandleDeepLink(ctx context.Context, rawURI string) (*domain.StoredToken, error) {
	tok, err := b.ambient.HandleDeepLink(ctx, rawURI)
	if err != nil || tok == nil {
		return tok, err
	}
	b.emit(Event{Type: EventAmbientToken, ProviderID: tok.Provider})
	return tok, nil
}

// WaitForCallback registers interest in the next ambient capture for a
// provider, optionally narrowed by state.
func (b *Bridge) WaitForCallback(provider, state string) (<-chan *domain.StoredToken, func()) {
	return b.ambient.WaitForCallback(provider, state)
}

// WatchAmbient consumes an observer's request stream through the ambient
// path until the context ends or the stream closes.
func (b *Bridge) WatchAmbient(ctx context.Context, obs surface.RequestObserver) {
	reqs := obs.Requests()
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-reqs:
			if !ok {
				return
			}
			if _, err := b.HandleCallback(ctx, raw); err != nil {
				b.logger.Warn("ambient callback handling failed", "error", err)
			}
		}
	}
}

// GetStoredTokens lists the ambient tokens, oldest first.
func (b *Bridge) GetStoredTokens(ctx context.Context) ([]*domain.StoredToken, error) {
	return b.store.ListTokens(ctx)
}

// RemoveToken deletes the ambient token held for a provider.
func (b *Bridge) RemoveToken(ctx context.Context, provider string) error {
	return b.store.DeleteToken(ctx, provider)
}

// PendingFlows reports the number of in-flight interactive flows.
func (b *Bridge) PendingFlows() int {
	return b.correlator.Len()
}
