package surface

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Directive instructs the remote browsing-surface host to open or close a
// surface on the bridge's behalf.
type Directive struct {
	Type      string    `json:"type"` // "open" or "close"
	SurfaceID string    `json:"surface_id"`
	URL       string    `json:"url,omitempty"`
	At        time.Time `json:"at"`
}

// Info describes one open surface to the host.
type Info struct {
	ID         string    `json:"id"`
	InitialURL string    `json:"initial_url"`
	OpenedAt   time.Time `json:"opened_at"`
}

const navBuffer = 64

// Broker implements Host for an out-of-process browsing-surface host. The
// bridge opens surfaces through it; the host learns about them via
// directives (or by listing), renders them, and feeds navigation and
// dismissal events back in.
type Broker struct {
	mu       sync.Mutex
	surfaces map[string]*brokeredSurface
	subs     map[int]chan Directive
	nextSub  int
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{
		surfaces: make(map[string]*brokeredSurface),
		subs:     make(map[int]chan Directive),
	}
}

// OpenSurface registers a new surface and directs the host to render it.
func (b *Broker) OpenSurface(_ context.Context, initialURL string) (Surface, error) {
	s := &brokeredSurface{
		id:         uuid.NewString(),
		initialURL: initialURL,
		openedAt:   time.Now().UTC(),
		navs:       make(chan string, navBuffer),
		closed:     make(chan struct{}),
		broker:     b,
	}
	b.mu.Lock()
	b.surfaces[s.id] = s
	b.mu.Unlock()

	b.notify(Directive{Type: "open", SurfaceID: s.id, URL: initialURL})
	return s, nil
}

// Navigate feeds one observed navigation into a surface. A full buffer
// drops the event rather than blocking the host.
func (b *Broker) Navigate(id, url string) error {
	b.mu.Lock()
	s, ok := b.surfaces[id]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown surface %q", id)
	}
	select {
	case s.navs <- url:
	default:
	}
	return nil
}

// Dismiss reports that the user closed a surface.
func (b *Broker) Dismiss(id string) error {
	b.mu.Lock()
	s, ok := b.surfaces[id]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown surface %q", id)
	}
	s.dismiss()
	return nil
}

// List returns the surfaces the host should currently be rendering.
func (b *Broker) List() []Info {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Info, 0, len(b.surfaces))
	for _, s := range b.surfaces {
		out = append(out, Info{ID: s.id, InitialURL: s.initialURL, OpenedAt: s.openedAt})
	}
	return out
}

// Subscribe registers a directive listener. Slow listeners drop
// directives; the host can recover by listing.
func (b *Broker) Subscribe() (<-chan Directive, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextSub
	b.nextSub++
	ch := make(chan Directive, 16)
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

func (b *Broker) notify(d Directive) {
	d.At = time.Now().UTC()
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- d:
		default:
		}
	}
}

func (b *Broker) remove(id string) {
	b.mu.Lock()
	delete(b.surfaces, id)
	b.mu.Unlock()
	b.notify(Directive{Type: "close", SurfaceID: id})
}

type brokeredSurface struct {
	id         string
	initialURL string
	openedAt   time.Time
	navs       chan string
	closed     chan struct{}
	broker     *Broker

	mu        sync.Mutex
	dismissed bool
	torn      bool
}

func (s *brokeredSurface) ID() string                 { return s.id }
func (s *brokeredSurface) Navigations() <-chan string { return s.navs }
func (s *brokeredSurface) Closed() <-chan struct{}    { return s.closed }

func (s *brokeredSurface) Close() error {
	s.mu.Lock()
	if s.torn {
		s.mu.Unlock()
		return nil
	}
	s.torn = true
	s.mu.Unlock()
	s.broker.remove(s.id)
	return nil
}

func (s *brokeredSurface) dismiss() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dismissed {
		s.dismissed = true
		close(s.closed)
	}
}
