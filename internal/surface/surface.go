// Package surface defines the interfaces the browsing-surface host
// implements for the bridge: opening disposable login surfaces, streaming
// their navigation events, and streaming the main surface's outbound
// requests for the ambient path.
package surface

import "context"

// Surface is one isolated, script-restricted navigable surface hosting an
// identity provider's login UI. The bridge owns exactly one per flow and
// closes it on every exit path.
type Surface interface {
	// ID identifies the surface to the host.
	ID() string

	// Navigations streams every pre-commit navigation and redirect URL
	// observed on this surface.
	Navigations() <-chan string

	// Closed is closed when the user dismisses the surface manually.
	Closed() <-chan struct{}

	// Close tears the surface down. Idempotent.
	Close() error
}

// Host opens surfaces on behalf of the bridge.
type Host interface {
	// OpenSurface opens an isolated surface at the given initial URL.
	OpenSurface(ctx context.Context, initialURL string) (Surface, error)
}

// RequestObserver streams outbound-request URLs from the main browsing
// surface for the ambient callback interceptor.
type RequestObserver interface {
	Requests() <-chan string
}
