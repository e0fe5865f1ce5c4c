// -------------------------------------------------------------------------------
// Provider - Remote Tile Fetching
//
// Project: Munchbox / Author: Alex Freidah
//
// HTTP client for a remote tile provider. Builds tile URLs from the configured
// {z}/{x}/{y} template, enforces the shared rate limit and per-fetch timeout,
// and validates responses (status, body, content type, image magic bytes) so a
// truncated or mislabeled download is never stored. Failures are classified
// retryable or terminal for the session's retry policy.
// -------------------------------------------------------------------------------

package downloader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/munchbox/tile-proxy/internal/config"
	"github.com/munchbox/tile-proxy/internal/store"
	"github.com/munchbox/tile-proxy/internal/telemetry"
	"github.com/munchbox/tile-proxy/internal/tile"
)

// -------------------------------------------------------------------------
// ERRORS
// -------------------------------------------------------------------------

var (
	// ErrRetryExhausted is wrapped into the final error once a tile's retry
	// budget is spent.
	ErrRetryExhausted = errors.New("fetch retry budget exhausted")
)

// FetchError describes one failed provider fetch, classified for the retry
// policy. Timeouts, network errors, 5xx, and 429 are retryable; other 4xx are
// terminal.
type FetchError struct {
	Coord       tile.Coord
	Status      int // 0 when no HTTP response was received
	Retryable   bool
	RateLimited bool // true for 429, which additionally throttles the limiter
	Err         error
}

func (e *FetchError) Error() string {
	kind := "terminal"
	if e.Retryable {
		kind = "retryable"
	}
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: %s (HTTP %d): %v", e.Coord, kind, e.Status, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s: %v", e.Coord, kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// -------------------------------------------------------------------------
// PROVIDER
// -------------------------------------------------------------------------

// Provider fetches tiles from one remote tile service.
type Provider struct {
	name        string
	urlTemplate string
	userAgent   string
	format      store.Format
	client      *http.Client
	limiter     *Limiter
	cooldown    time.Duration
}

// NewProvider builds a provider client. The limiter must be the shared
// per-host instance from a Limiters registry, never a private one.
func NewProvider(cfg config.ProviderConfig, format store.Format, limiter *Limiter) *Provider {
	return &Provider{
		name:        cfg.Name,
		urlTemplate: cfg.URLTemplate,
		userAgent:   cfg.UserAgent,
		format:      format,
		client:      &http.Client{Timeout: cfg.FetchTimeout},
		limiter:     limiter,
		cooldown:    defaultCooldown,
	}
}

// Name returns the provider identifier used in metrics and logs.
func (p *Provider) Name() string { return p.name }

// URL expands the template for one coordinate.
func (p *Provider) URL(c tile.Coord) string {
	r := strings.NewReplacer(
		"{z}", strconv.FormatUint(uint64(c.Zoom), 10),
		"{x}", strconv.FormatUint(uint64(c.X), 10),
		"{y}", strconv.FormatUint(uint64(c.Y), 10),
	)
	return r.Replace(p.urlTemplate)
}

// Fetch downloads one tile, blocking on the shared rate limiter first. The
// returned bytes are validated; errors are always *FetchError except for
// context cancellation.
func (p *Provider) Fetch(ctx context.Context, c tile.Coord) ([]byte, error) {
	// --- Wait for a rate limit token ---
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	fetchURL := p.URL(c)
	start := time.Now()

	// --- Start tracing span ---
	ctx, span := telemetry.StartSpan(ctx, "Provider Fetch",
		telemetry.FetchAttributes(p.name, fetchURL, c.String())...,
	)
	defer span.End()

	data, ferr := p.fetchOnce(ctx, c, fetchURL)

	// --- Record metrics ---
	telemetry.FetchDuration.WithLabelValues(p.name).Observe(time.Since(start).Seconds())
	outcome := "success"
	if ferr != nil {
		outcome = "terminal"
		if ferr.Retryable {
			outcome = "retryable"
		}
		span.SetStatus(codes.Error, ferr.Error())
		span.RecordError(ferr)
	} else {
		span.SetAttributes(telemetry.AttrTileSize.Int(len(data)))
		span.SetStatus(codes.Ok, "")
	}
	telemetry.FetchesTotal.WithLabelValues(p.name, outcome).Inc()

	if ferr != nil {
		if ferr.RateLimited {
			p.limiter.Throttle(p.cooldown)
		}
		return nil, ferr
	}
	return data, nil
}

// fetchOnce performs a single HTTP round trip and validates the response.
func (p *Provider) fetchOnce(ctx context.Context, c tile.Coord, fetchURL string) ([]byte, *FetchError) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fetchURL, nil)
	if err != nil {
		return nil, &FetchError{Coord: c, Retryable: false, Err: err}
	}
	if p.userAgent != "" {
		req.Header.Set("User-Agent", p.userAgent)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		// Timeouts and transport errors are always worth retrying.
		return nil, &FetchError{Coord: c, Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to validation
	case resp.StatusCode == http.StatusTooManyRequests:
		io.Copy(io.Discard, resp.Body)
		return nil, &FetchError{Coord: c, Status: resp.StatusCode, Retryable: true, RateLimited: true,
			Err: errors.New("provider rate limited")}
	case resp.StatusCode >= 500:
		io.Copy(io.Discard, resp.Body)
		return nil, &FetchError{Coord: c, Status: resp.StatusCode, Retryable: true,
			Err: errors.New("provider server error")}
	default:
		io.Copy(io.Discard, resp.Body)
		return nil, &FetchError{Coord: c, Status: resp.StatusCode, Retryable: false,
			Err: errors.New("provider rejected request")}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		// Truncated body mid-read: retryable, never stored.
		return nil, &FetchError{Coord: c, Status: resp.StatusCode, Retryable: true, Err: err}
	}

	if ferr := p.validate(c, resp.Header.Get("Content-Type"), data); ferr != nil {
		return nil, ferr
	}
	return data, nil
}

// validate rejects empty, mislabeled, or undecodable tile bodies. A corrupt
// download is treated as a retryable fetch failure.
func (p *Provider) validate(c tile.Coord, contentType string, data []byte) *FetchError {
	if len(data) == 0 {
		return &FetchError{Coord: c, Status: http.StatusOK, Retryable: true, Err: errors.New("empty tile body")}
	}
	if contentType != "" && !strings.HasPrefix(contentType, p.format.ContentType()) {
		return &FetchError{Coord: c, Status: http.StatusOK, Retryable: true,
			Err: fmt.Errorf("content type %q does not match format %q", contentType, p.format)}
	}
	if !hasImageMagic(p.format, data) {
		return &FetchError{Coord: c, Status: http.StatusOK, Retryable: true,
			Err: fmt.Errorf("body is not a valid %s image", p.format)}
	}
	return nil
}

var pngMagic = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

// hasImageMagic checks the leading magic bytes for the expected format.
func hasImageMagic(f store.Format, data []byte) bool {
	if f == store.FormatJPEG {
		return len(data) >= 2 && data[0] == 0xFF && data[1] == 0xD8
	}
	return bytes.HasPrefix(data, pngMagic)
}
