// Package scrape implements the HTTP client for the external
// headless-browser scrape service.
package scrape

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/grocerlabs/pricescout/internal/audit"
	"github.com/grocerlabs/pricescout/internal/metrics"
	"github.com/grocerlabs/pricescout/internal/pricing"
)

// ErrInvalidURL is returned before dispatch for non-http(s) URLs.
var ErrInvalidURL = errors.New("invalid scrape url")

// Config controls Client behavior.
type Config struct {
	// BaseURL locates the scrape service, e.g. http://localhost:11235.
	BaseURL string
	// Timeout bounds a single-URL scrape including page load.
	Timeout time.Duration
	// BatchPerURL scales the batch timeout with item count; the service
	// fetches pages concurrently so this is a ceiling, not a sum of loads.
	BatchPerURL time.Duration
}

// Client calls the scrape service over HTTP.
type Client struct {
	cfg      Config
	http     *http.Client
	recorder *audit.Recorder
	logger   *zap.Logger
}

// NewClient constructs a Client. recorder may be nil to skip request logging.
func NewClient(cfg Config, recorder *audit.Recorder, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.BatchPerURL <= 0 {
		cfg.BatchPerURL = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg: cfg,
		// Deadlines are set per request: single scrapes get a fixed budget,
		// batch calls one that scales with URL count. A client-wide Timeout
		// would cap batches regardless of size.
		http:     &http.Client{},
		recorder: recorder,
		logger:   logger,
	}
}

type scrapeRequest struct {
	URL       string `json:"url"`
	WaitFor   string `json:"wait_for,omitempty"`
	TimeoutMS int64  `json:"timeout_ms"`
}

type scrapeResponse struct {
	Success  bool   `json:"success"`
	Markdown string `json:"markdown"`
	Title    string `json:"title"`
	Error    string `json:"error"`
}

type batchRequest struct {
	URLs      []string `json:"urls"`
	TimeoutMS int64    `json:"timeout_ms"`
}

type batchResponse struct {
	Results []scrapeResponse `json:"results"`
}

// ScrapeOne fetches a single URL and returns its markdown rendering.
func (c *Client) ScrapeOne(ctx context.Context, rawURL string, opts pricing.ScrapeOptions) (pricing.ScrapeResult, error) {
	if err := validateURL(rawURL); err != nil {
		c.logger.Warn("rejecting scrape url", zap.String("url", rawURL), zap.Error(err))
		return pricing.ScrapeResult{URL: rawURL, Error: err.Error()}, err
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.cfg.Timeout
	}

	body := scrapeRequest{
		URL:       rawURL,
		WaitFor:   opts.WaitFor,
		TimeoutMS: timeout.Milliseconds(),
	}

	// Request overhead on top of the service-side page timeout.
	callCtx, cancel := context.WithTimeout(ctx, timeout+10*time.Second)
	defer cancel()

	start := time.Now()
	var resp scrapeResponse
	if err := c.post(callCtx, "/scrape", body, &resp); err != nil {
		metrics.ObserveScrape("error")
		c.recorder.Record(ctx, audit.Call{
			Service:     pricing.ServiceScrape,
			RequestType: "scrape",
			Request:     rawURL,
			Started:     start,
			Err:         err,
		})
		return pricing.ScrapeResult{URL: rawURL, Error: err.Error(), Duration: time.Since(start)}, err
	}

	result := pricing.ScrapeResult{
		URL:      rawURL,
		Success:  resp.Success,
		Markdown: resp.Markdown,
		Title:    resp.Title,
		Error:    resp.Error,
		Duration: time.Since(start),
	}
	if result.Success && LooksBlocked(result.Markdown) {
		result.Suspicious = true
		c.logger.Warn("scrape content matched bot-block signature", zap.String("url", rawURL))
		metrics.ObserveScrape("blocked")
	} else {
		metrics.ObserveScrape(outcomeOf(result))
	}
	c.recordResult(ctx, "scrape", result, start)
	return result, nil
}

// ScrapeBatch fetches multiple URLs in one service call. The returned slice
// preserves input ordering so callers can zip URLs back to results by index.
func (c *Client) ScrapeBatch(ctx context.Context, urls []string, opts pricing.ScrapeOptions) ([]pricing.ScrapeResult, error) {
	results := make([]pricing.ScrapeResult, len(urls))
	valid := make([]string, 0, len(urls))
	validIdx := make([]int, 0, len(urls))
	for i, u := range urls {
		if err := validateURL(u); err != nil {
			c.logger.Warn("rejecting scrape url", zap.String("url", u), zap.Error(err))
			results[i] = pricing.ScrapeResult{URL: u, Error: err.Error()}
			continue
		}
		valid = append(valid, u)
		validIdx = append(validIdx, i)
	}
	if len(valid) == 0 {
		return results, nil
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.cfg.Timeout
	}

	batchCtx, cancel := context.WithTimeout(ctx, c.cfg.BatchPerURL*time.Duration(len(valid))+c.cfg.Timeout)
	defer cancel()

	start := time.Now()
	var resp batchResponse
	if err := c.post(batchCtx, "/batch", batchRequest{URLs: valid, TimeoutMS: timeout.Milliseconds()}, &resp); err != nil {
		metrics.ObserveScrape("error")
		c.recorder.Record(ctx, audit.Call{
			Service:     pricing.ServiceScrape,
			RequestType: "batch",
			Request:     strings.Join(valid, "\n"),
			Started:     start,
			Err:         err,
		})
		return nil, err
	}
	if len(resp.Results) != len(valid) {
		return nil, fmt.Errorf("batch result count %d does not match request count %d", len(resp.Results), len(valid))
	}

	elapsed := time.Since(start)
	for i, r := range resp.Results {
		result := pricing.ScrapeResult{
			URL:      valid[i],
			Success:  r.Success,
			Markdown: r.Markdown,
			Title:    r.Title,
			Error:    r.Error,
			Duration: elapsed,
		}
		if result.Success && LooksBlocked(result.Markdown) {
			result.Suspicious = true
			c.logger.Warn("scrape content matched bot-block signature", zap.String("url", valid[i]))
			metrics.ObserveScrape("blocked")
		} else {
			metrics.ObserveScrape(outcomeOf(result))
		}
		c.recordResult(ctx, "batch", result, start)
		results[validIdx[i]] = result
	}
	return results, nil
}

// recordResult writes one audit row per fetched URL. Markdown bodies are too
// large for excerpt columns, so successful fetches archive the full payload.
func (c *Client) recordResult(ctx context.Context, requestType string, r pricing.ScrapeResult, started time.Time) {
	call := audit.Call{
		Service:     pricing.ServiceScrape,
		RequestType: requestType,
		Request:     r.URL,
		Response:    r.Markdown,
		Started:     started,
		Archive:     r.Success,
	}
	if !r.Success && r.Error != "" {
		call.Err = errors.New(r.Error)
	}
	c.recorder.Record(ctx, call)
}

// HealthCheck reports whether the scrape service answers its health probe.
func (c *Client) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer closeBody(resp, c.logger)
	return resp.StatusCode == http.StatusOK
}

func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal scrape request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build scrape request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("scrape service call: %w", err)
	}
	defer closeBody(resp, c.logger)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("scrape service returned status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode scrape response: %w", err)
	}
	return nil
}

func validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidURL, rawURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme must be http or https: %s", ErrInvalidURL, rawURL)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host: %s", ErrInvalidURL, rawURL)
	}
	return nil
}

func closeBody(resp *http.Response, logger *zap.Logger) {
	if err := resp.Body.Close(); err != nil {
		logger.Debug("close response body failed", zap.Error(err))
	}
}

func outcomeOf(r pricing.ScrapeResult) string {
	if r.Success {
		return "ok"
	}
	return "failed"
}
