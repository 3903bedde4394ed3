// Package flow correlates identity-provider callbacks to in-flight
// authentication attempts and drives the secondary-surface login flow.
package flow

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"authbridge/internal/domain"
	"authbridge/internal/observability"
)

// DefaultDeadline bounds how long a flow waits for a callback.
const DefaultDeadline = 5 * time.Minute

// stateLength is the number of random bytes behind a state token.
const stateLength = 32

// Outcome is the terminal result of one authentication flow. A nil
// Session with a nil Err means the user cancelled; cancellation is an
// explicit terminal state, not an error.
type Outcome struct {
	Session *domain.Session
	Err     error
}

// pendingAuth is one in-flight authentication attempt, keyed by state.
// It lives only for the duration of one interactive flow and is never
// persisted.
type pendingAuth struct {
	providerID string
	verifier   string
	ch         chan Outcome
	timer      *time.Timer
}

// Correlator is the keyed table of pending authentications. Exactly one
// live entry exists per state value; resolving one entry never touches
// another, even for the same provider.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]*pendingAuth
	logger  observability.Logger
}

// NewCorrelator creates an empty correlator.
func NewCorrelator(logger observability.Logger) *Correlator {
	if logger == nil {
		logger = observability.NewLogger(observability.DefaultConfig())
	}
	return &Correlator{
		pending: make(map[string]*pendingAuth),
		logger:  logger.WithComponent("correlator"),
	}
}

// NewState generates a fresh unguessable state token.
func NewState() (string, error) {
	buf := make([]byte, stateLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Begin registers a pending authentication and starts its deadline timer.
// The returned channel delivers exactly one Outcome: resolution,
// cancellation, or ErrTimeout on deadline expiry. There is no retry after
// timeout; a new Begin must be issued.
func (c *Correlator) Begin(providerID, verifier string, deadline time.Duration) (string, <-chan Outcome, error) {
	state, err := NewState()
	if err != nil {
		return "", nil, err
	}
	if deadline <= 0 {
		deadline = DefaultDeadline
	}

	p := &pendingAuth{
		providerID: providerID,
		verifier:   verifier,
		ch:         make(chan Outcome, 1),
	}
	p.timer = time.AfterFunc(deadline, func() {
		if c.Resolve(state, Outcome{Err: ErrTimeout}) {
			c.logger.Warn("authentication flow timed out", "provider", providerID)
		}
	})

	c.mu.Lock()
	if _, exists := c.pending[state]; exists {
		// 32 random bytes colliding means the RNG is broken.
		c.mu.Unlock()
		p.timer.Stop()
		return "", nil, errors.New("state collision")
	}
	c.pending[state] = p
	c.mu.Unlock()

	return state, p.ch, nil
}

// Lookup returns the provider id and PKCE verifier bound to a state
// without consuming the entry.
func (c *Correlator) Lookup(state string) (providerID, verifier string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[state]
	if !ok {
		return "", "", false
	}
	return p.providerID, p.verifier, true
}

// Resolve delivers an outcome to the flow bound to state and consumes the
// entry. If the state is unknown (already resolved, expired, or forged)
// the call is a no-op and returns false; replayed callbacks never
// re-trigger side effects.
func (c *Correlator) Resolve(state string, o Outcome) bool {
	c.mu.Lock()
	p, ok := c.pending[state]
	if ok {
		delete(c.pending, state)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	p.timer.Stop()
	p.ch <- o
	return true
}

// Len reports the number of live pending authentications.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
