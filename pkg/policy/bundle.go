package policy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"cybersentinel/pkg/structlog"
)

const maxPolicyBytes = 1 << 20

// Poller fetches Rego source from a URL and reloads a PlanGuard when it
// changes. Unchanged bundles are detected with If-None-Match.
type Poller struct {
	URL      string
	Interval time.Duration
	Guard    *PlanGuard
	Client   *http.Client
	Logger   *structlog.Logger

	etag string
}

// Run polls until ctx is done. A failed fetch or compile keeps the active
// policy.
func (p *Poller) Run(ctx context.Context) error {
	if p.URL == "" || p.Guard == nil {
		return nil
	}
	if p.Client == nil {
		p.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if p.Logger == nil {
		p.Logger = structlog.Nop()
	}
	if p.Interval <= 0 {
		p.Interval = time.Minute
	}
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	for {
		changed, err := p.Poll(ctx)
		switch {
		case err != nil:
			p.Logger.Warn("plan policy refresh failed", structlog.Fields{"url": p.URL, "error": err})
		case changed:
			p.Logger.Info("plan policy reloaded", structlog.Fields{"url": p.URL, "etag": p.etag})
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Poll performs one fetch and reports whether the guard was reloaded.
func (p *Poller) Poll(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return false, err
	}
	if p.etag != "" {
		req.Header.Set("If-None-Match", p.etag)
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return false, fmt.Errorf("fetch plan policy: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotModified:
		return false, nil
	case http.StatusOK:
	default:
		return false, fmt.Errorf("fetch plan policy: unexpected status %d", resp.StatusCode)
	}
	src, err := io.ReadAll(io.LimitReader(resp.Body, maxPolicyBytes))
	if err != nil {
		return false, fmt.Errorf("read plan policy: %w", err)
	}
	if err := p.Guard.Reload(ctx, string(src)); err != nil {
		return false, err
	}
	p.etag = resp.Header.Get("ETag")
	return true, nil
}
