package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"cdr.dev/slog"

	"github.com/coder/airgap-marketplace/config"
	"github.com/coder/airgap-marketplace/errs"
	"github.com/coder/airgap-marketplace/query"
	"github.com/coder/airgap-marketplace/store"
)

// Client is a stateless wrapper over the three upstream HTTP surfaces (spec
// section 4.2): the release-manifest endpoint, the marketplace query/asset
// endpoints, and the recommendations endpoint. A Client holds no per-call
// state; every method takes everything it needs as arguments.
type Client struct {
	http *http.Client

	releaseBaseURL         string
	marketplaceBaseURL     string
	recommendationsBaseURL string

	retry config.Retry

	// limiter paces outbound requests so a retry storm across many
	// concurrent download workers doesn't hammer upstream. Grounded on the
	// pack's quay-claircore updater, which gates its own upstream polling
	// behind a rate.Limiter rather than firing requests unbounded.
	limiter *rate.Limiter

	logger slog.Logger
}

// NewClient builds a Client from cfg. The outbound rate limit is a
// deliberately generous fixed default since the intended deployment is a
// single mirror process talking to one upstream, not a multi-tenant proxy.
func NewClient(cfg *config.Config, logger slog.Logger) *Client {
	return &Client{
		http: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		releaseBaseURL:         cfg.UpstreamReleaseURL,
		marketplaceBaseURL:     cfg.UpstreamMarketplaceURL,
		recommendationsBaseURL: cfg.UpstreamRecommendationsURL,
		retry:                  cfg.Retry,
		limiter:                rate.NewLimiter(rate.Limit(20), 20),
		logger:                 logger,
	}
}

// FetchReleaseManifest retrieves the commit/version/per-platform-URL tuple
// the vendor currently publishes for quality.
func (c *Client) FetchReleaseManifest(ctx context.Context, quality store.Quality) (*ReleaseManifest, error) {
	u := fmt.Sprintf("%s/api/update/%s", c.releaseBaseURL, url.PathEscape(string(quality)))

	var decoded struct {
		Commit    string            `json:"commit"`
		Version   string            `json:"version"`
		Platforms map[string]string `json:"platforms"`
	}
	if err := c.doJSON(ctx, http.MethodGet, u, nil, &decoded); err != nil {
		return nil, err
	}

	platforms := make(map[store.Platform]string, len(decoded.Platforms))
	for p, assetURL := range decoded.Platforms {
		platforms[store.Platform(p)] = assetURL
	}
	return &ReleaseManifest{
		Quality:   quality,
		Commit:    decoded.Commit,
		Version:   decoded.Version,
		Platforms: platforms,
	}, nil
}

// QueryMarketplace runs a single query.Filter against the marketplace's
// extensionquery endpoint, overriding its page number/size with the given
// values (the catalog resolver paginates independently of whatever a
// caller's filter happened to carry).
func (c *Client) QueryMarketplace(ctx context.Context, filter query.Filter, flags query.Flag, pageNumber, pageSize int) (*QueryPage, error) {
	filter.PageNumber = pageNumber
	filter.PageSize = pageSize
	body := query.Request{Filters: []query.Filter{filter}, Flags: flags}

	var raw rawQueryResponse
	if err := c.doJSON(ctx, http.MethodPost, c.marketplaceBaseURL+"/extensionquery", body, &raw); err != nil {
		return nil, err
	}
	page := raw.page()
	return &page, nil
}

// FetchRecommendations returns the flattened set of extension identifiers
// across every recommendation group the vendor publishes.
func (c *Client) FetchRecommendations(ctx context.Context) ([]string, error) {
	var groups []recommendationGroup
	if err := c.doJSON(ctx, http.MethodGet, c.recommendationsBaseURL, nil, &groups); err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	var identifiers []string
	for _, g := range groups {
		for _, id := range g.Recommendations {
			if !seen[id] {
				seen[id] = true
				identifiers = append(identifiers, id)
			}
		}
	}
	return identifiers, nil
}

// FetchExtensionAsset opens a streaming GET against assetURL. The caller is
// responsible for closing the returned ReadCloser; declaredSize is 0 and
// declaredHash is empty when upstream did not provide them in response
// headers, in which case download.Pool falls back to whatever the
// marketplace query response itself declared.
func (c *Client) FetchExtensionAsset(ctx context.Context, assetURL string) (body io.ReadCloser, declaredSize int64, declaredHash string, err error) {
	resp, err := c.do(ctx, http.MethodGet, assetURL, nil)
	if err != nil {
		return nil, 0, "", err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, 0, "", classifyStatus(resp.StatusCode, "fetch asset")
	}
	if size, convErr := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64); convErr == nil {
		declaredSize = size
	}
	declaredHash = resp.Header.Get("X-Content-Sha256")
	return resp.Body, declaredSize, declaredHash, nil
}

// doJSON performs a retried request and decodes the JSON response body into
// out.
func (c *Client) doJSON(ctx context.Context, method, u string, body interface{}, out interface{}) error {
	var encoded []byte
	if body != nil {
		var err error
		encoded, err = json.Marshal(body)
		if err != nil {
			return errs.Wrap(errs.KindRequestMalformed, "encode request body", err)
		}
	}

	resp, err := c.do(ctx, method, u, encoded)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return classifyStatus(resp.StatusCode, u)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errs.Wrap(errs.KindUpstreamMalformedResponse, "decode response from "+u, err)
	}
	return nil
}

// do issues a request with retry/backoff, honoring ctx cancellation between
// attempts. Connection errors and 5xx responses are retried; everything
// else is returned to the caller immediately.
func (c *Client) do(ctx context.Context, method, u string, body []byte) (*http.Response, error) {
	var lastErr error
	delay := c.retry.Base
	if delay <= 0 {
		delay = config.DefaultRetry.Base
	}
	maxAttempts := c.retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = config.DefaultRetry.MaxAttempts
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, jitter(delay)); err != nil {
				return nil, err
			}
			delay = nextDelay(delay, c.retry)
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, errs.Wrap(errs.KindCancelled, "rate limiter wait", err)
		}

		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
		if err != nil {
			return nil, errs.Wrap(errs.KindRequestMalformed, "build request", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = errs.Wrap(errs.KindUpstreamUnavailable, "request "+u, err)
			c.logger.Debug(ctx, "upstream request failed, retrying",
				slog.F("url", u), slog.F("attempt", attempt+1), slog.Error(err))
			continue
		}
		if resp.StatusCode >= 500 {
			c.logger.Debug(ctx, "upstream returned server error, retrying",
				slog.F("url", u), slog.F("status", resp.StatusCode), slog.F("attempt", attempt+1))
			resp.Body.Close()
			lastErr = errs.New(errs.KindUpstreamUnavailable, fmt.Sprintf("%s: status %d", u, resp.StatusCode))
			continue
		}
		return resp, nil
	}
	return nil, lastErr
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return errs.Wrap(errs.KindCancelled, "upstream retry wait", ctx.Err())
	case <-t.C:
		return nil
	}
}

// nextDelay applies the configured backoff factor, capped.
func nextDelay(d time.Duration, retry config.Retry) time.Duration {
	factor := retry.Factor
	if factor <= 0 {
		factor = config.DefaultRetry.Factor
	}
	next := time.Duration(float64(d) * factor)
	ceiling := retry.Cap
	if ceiling <= 0 {
		ceiling = config.DefaultRetry.Cap
	}
	if next > ceiling {
		next = ceiling
	}
	return next
}

// jitter randomizes d by up to +/-25% so that many retrying callers don't
// all wake up and hit upstream at the same instant.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	spread := float64(d) * 0.25
	offset := (rand.Float64()*2 - 1) * spread
	return d + time.Duration(offset)
}

// classifyStatus turns a non-200 HTTP status into a typed error; 4xx is
// never retried per spec section 4.2's contract.
func classifyStatus(status int, u string) error {
	switch {
	case status == http.StatusNotFound:
		return errs.New(errs.KindNotFound, u+": not found")
	case status >= 400 && status < 500:
		return errs.New(errs.KindRequestMalformed, fmt.Sprintf("%s: status %d", u, status))
	default:
		return errs.New(errs.KindUpstreamUnavailable, fmt.Sprintf("%s: status %d", u, status))
	}
}
