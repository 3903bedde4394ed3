package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"authbridge/internal/classify"
	"authbridge/internal/domain"
	"authbridge/internal/exchange"
	"authbridge/internal/observability"
	"authbridge/internal/pkce"
	"authbridge/internal/saml"
	"authbridge/internal/surface"
)

// Exchanger turns authorization codes into sessions. *exchange.Client
// satisfies it.
type Exchanger interface {
	AuthCodeURL(ctx context.Context, p *domain.Provider, state, verifier string) (string, error)
	Exchange(ctx context.Context, p *domain.Provider, code, verifier string) (*domain.Session, error)
}

// Catalog resolves provider ids. *registry.Registry satisfies it.
type Catalog interface {
	Get(id string) (*domain.Provider, bool)
}

// Controller runs interactive login flows on disposable secondary
// surfaces. One surface per flow; the surface is closed on every exit
// path, terminal or not.
type Controller struct {
	host       surface.Host
	catalog    Catalog
	classifier *classify.Classifier
	correlator *Correlator
	exchanger  Exchanger
	logger     observability.Logger
	metrics    *observability.Metrics
	deadline   time.Duration
}

// NewController wires a controller. A zero deadline means DefaultDeadline.
func NewController(host surface.Host, catalog Catalog, classifier *classify.Classifier, correlator *Correlator, exchanger Exchanger, logger observability.Logger, metrics *observability.Metrics, deadline time.Duration) *Controller {
	if logger == nil {
		logger = observability.NewLogger(observability.DefaultConfig())
	}
	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	return &Controller{
		host:       host,
		catalog:    catalog,
		classifier: classifier,
		correlator: correlator,
		exchanger:  exchanger,
		logger:     logger.WithComponent("flow"),
		metrics:    metrics,
		deadline:   deadline,
	}
}

// Authenticate starts an interactive flow for the given provider and
// returns a channel that delivers exactly one Outcome. A nil Session with
// a nil Err means the user dismissed the surface.
func (c *Controller) Authenticate(ctx context.Context, providerID string) (<-chan Outcome, error) {
	p, ok := c.catalog.Get(providerID)
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", providerID)
	}
	if !p.Enabled {
		return nil, fmt.Errorf("provider %q is disabled", providerID)
	}

	var verifier string
	if p.Family != domain.FamilySAML && p.UsesPKCE {
		v, err := pkce.GenerateVerifier()
		if err != nil {
			return nil, fmt.Errorf("generate verifier: %w", err)
		}
		verifier = v
	}

	state, pendCh, err := c.correlator.Begin(p.ID, verifier, c.deadline)
	if err != nil {
		return nil, err
	}

	initialURL, err := c.initialURL(ctx, p, state, verifier)
	if err != nil {
		c.correlator.Resolve(state, Outcome{})
		<-pendCh
		return nil, err
	}

	s, err := c.host.OpenSurface(ctx, initialURL)
	if err != nil {
		c.correlator.Resolve(state, Outcome{})
		<-pendCh
		return nil, fmt.Errorf("open surface: %w", err)
	}

	c.logger.Info("authentication flow started", "provider", p.ID, "surface", s.ID())

	out := make(chan Outcome, 1)
	go c.watch(ctx, p, s, state, verifier, pendCh, out)
	return out, nil
}

func (c *Controller) initialURL(ctx context.Context, p *domain.Provider, state, verifier string) (string, error) {
	if p.Family == domain.FamilySAML {
		requestID, u, err := saml.BuildRedirectURL(p, time.Now())
		if err != nil {
			return "", err
		}
		c.logger.Debug("built saml authn request", "provider", p.ID, "request_id", requestID)
		return u, nil
	}
	return c.exchanger.AuthCodeURL(ctx, p, state, verifier)
}

// watch drives one flow to its terminal state. The correlator's outcome
// channel is the single source of truth: every terminal path funnels
// through Resolve, so the surface is closed exactly once, here.
func (c *Controller) watch(ctx context.Context, p *domain.Provider, s surface.Surface, state, verifier string, pendCh <-chan Outcome, out chan<- Outcome) {
	navs := s.Navigations()
	for {
		select {
		case o := <-pendCh:
			if err := s.Close(); err != nil {
				c.logger.Warn("closing surface failed", "surface", s.ID(), "error", err)
			}
			c.recordOutcome(p.ID, o)
			out <- o
			return

		case <-s.Closed():
			// User dismissal: terminal, not an error.
			c.correlator.Resolve(state, Outcome{})

		case <-ctx.Done():
			c.correlator.Resolve(state, Outcome{Err: ctx.Err()})

		case nav, ok := <-navs:
			if !ok {
				navs = nil
				continue
			}
			c.handleNavigation(ctx, p, state, verifier, nav)
		}
	}
}

func (c *Controller) handleNavigation(ctx context.Context, p *domain.Provider, state, verifier, nav string) {
	if _, _, ok := c.correlator.Lookup(state); !ok {
		// The flow already resolved; a buffered or duplicated callback
		// must not re-run the exchange.
		c.logger.Debug("navigation after flow resolved, ignoring", "provider", p.ID)
		return
	}
	if p.Family == domain.FamilySAML {
		c.handleSAMLNavigation(p, state, nav)
		return
	}

	res := c.classifier.Classify(nav)
	if !res.IsCallback {
		return
	}
	params := classify.Params(nav)

	if params.State != state {
		// A callback for some other flow, or a forgery. Dropped, never
		// routed to this flow.
		c.metrics.RecordStateMismatch()
		c.logger.Warn("callback state mismatch, dropping",
			"provider", p.ID, "classified_as", res.ProviderID)
		return
	}

	if params.Error != "" {
		c.correlator.Resolve(state, Outcome{Err: &exchange.ProtocolError{
			Code:        params.Error,
			Description: params.ErrorDesc,
		}})
		return
	}

	switch {
	case params.Code != "":
		sess, err := c.exchanger.Exchange(ctx, p, params.Code, verifier)
		if err != nil {
			c.metrics.RecordExchangeFailure()
			c.logger.Error("token exchange failed", "provider", p.ID, "error", err)
			c.correlator.Resolve(state, Outcome{Err: err})
			return
		}
		c.correlator.Resolve(state, Outcome{Session: sess})

	case params.AccessToken != "":
		// Implicit-style provider: the token arrives in the fragment and
		// there is nothing to exchange.
		c.correlator.Resolve(state, Outcome{Session: &domain.Session{
			ProviderID:  p.ID,
			AccessToken: params.AccessToken,
			CreatedAt:   time.Now(),
		}})

	default:
		c.logger.Warn("callback carried neither code nor token", "provider", p.ID)
	}
}

// handleSAMLNavigation terminates a SAML flow when the surface reaches the
// assertion-consumer URL. The response is not signature-checked; the
// session is minimal.
func (c *Controller) handleSAMLNavigation(p *domain.Provider, state, nav string) {
	if p.SAMLCallback == "" || !strings.HasPrefix(nav, p.SAMLCallback) {
		return
	}

	subject := "saml-user"
	params := classify.Params(nav)
	if params.SAMLResponse != "" {
		if parsed, err := saml.ParseResponse(params.SAMLResponse); err != nil {
			c.logger.Warn("unparseable saml response", "provider", p.ID, "error", err)
		} else if parsed != "" {
			subject = parsed
		}
	}

	c.correlator.Resolve(state, Outcome{Session: &domain.Session{
		ProviderID: p.ID,
		Subject:    subject,
		CreatedAt:  time.Now(),
	}})
}

func (c *Controller) recordOutcome(providerID string, o Outcome) {
	switch {
	case o.Session != nil:
		c.metrics.RecordFlowOutcome("authenticated")
		c.logger.Info("authentication flow succeeded", "provider", providerID, "subject", o.Session.Subject)
	case o.Err == nil:
		c.metrics.RecordFlowOutcome("cancelled")
		c.logger.Info("authentication flow cancelled", "provider", providerID)
	case errors.Is(o.Err, ErrTimeout):
		c.metrics.RecordFlowOutcome("timeout")
	default:
		c.metrics.RecordFlowOutcome("error")
		c.logger.Warn("authentication flow failed", "provider", providerID, "error", o.Err)
	}
}
