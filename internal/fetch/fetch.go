// Package fetch retrieves tile payloads from upstream providers over HTTP.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/pioxmdr920415/tilecache/pkg/config"
	"github.com/pioxmdr920415/tilecache/pkg/logger"
	"golang.org/x/time/rate"
)

// HTTP fetches tiles with a bounded per-request timeout and an optional
// global rate limit shared across providers.
type HTTP struct {
	client    *http.Client
	userAgent string
	referer   string
	limiter   *rate.Limiter
	logger    logger.Logger
}

func NewHTTP(cfg config.Fetch, l logger.Logger) *HTTP {
	f := &HTTP{
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		userAgent: cfg.UserAgent,
		referer:   cfg.Referer,
		logger:    l,
	}

	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		f.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return f
}

// Fetch downloads one tile. Timeouts and non-200 responses come back as
// errors; the caller decides whether that degrades to a miss.
func (f *HTTP) Fetch(ctx context.Context, url string) ([]byte, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	// Tile usage policies (openstreetmap.org in particular) require an
	// identifying User-Agent.
	req.Header.Set("User-Agent", f.userAgent)
	if f.referer != "" {
		req.Header.Set("Referer", f.referer)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch tile: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstream returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read tile data: %w", err)
	}

	f.logger.Debug("fetched tile", "url", url, "size", len(data))

	return data, nil
}
