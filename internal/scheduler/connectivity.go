package scheduler

import (
	"context"
	"net/http"
	"time"
)

// Connectivity reports whether the network is usable for a sync run.
type Connectivity interface {
	// Online reports whether the remote server is reachable.
	Online(ctx context.Context) bool
	// Metered reports whether the current connection is metered;
	// wifi-only folders and files are deferred while it is.
	Metered() bool
}

// alwaysOnline is the nil-Connectivity fallback.
type alwaysOnline struct{}

func (alwaysOnline) Online(context.Context) bool { return true }
func (alwaysOnline) Metered() bool               { return false }

// Probe checks reachability with a lightweight request against the
// server's base URL. Metered state comes from configuration since the
// platform does not expose it.
type Probe struct {
	url     string
	client  *http.Client
	metered bool
}

// NewProbe creates a connectivity probe for the given base URL.
func NewProbe(url string, metered bool) *Probe {
	return &Probe{
		url:     url,
		client:  &http.Client{Timeout: 10 * time.Second},
		metered: metered,
	}
}

// Online issues a HEAD request to the base URL. Any response at all,
// including an auth challenge, counts as reachable; only transport
// failures mean offline.
func (p *Probe) Online(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return false
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}

	resp.Body.Close()

	return true
}

// Metered reports the configured metered flag.
func (p *Probe) Metered() bool { return p.metered }
