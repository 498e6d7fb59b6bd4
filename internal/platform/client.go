// Package platform implements the outbound HTTP client for subscription
// platforms.
//
// Endpoint layout per platform:
//
//	GET  {base}/subscription/{id}        current subscription details
//	POST {base}/subscription/{id}/renew  renew, body {"payment_method": "..."}
//
// The base defaults to "https://{platform}" and can be overridden per
// platform for staging and tests. Requests are throttled with a token
// bucket per platform so one slow platform cannot starve the others.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	logx "renewd/pkg/logx"
)

const defaultUserAgent = "renewd/1.0"

type Config struct {
	RequestTimeout time.Duration     // default 15s
	RatePerSec     int               // default 5, per platform
	PaymentMethod  string            // default "default"
	UserAgent      string            // default "renewd/1.0"
	BaseURLs       map[string]string // optional per-platform base override
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 15 * time.Second
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 5
	}
	if strings.TrimSpace(c.PaymentMethod) == "" {
		c.PaymentMethod = "default"
	}
	if strings.TrimSpace(c.UserAgent) == "" {
		c.UserAgent = defaultUserAgent
	}
	return c
}

// StatusError is returned for any platform response other than 200 OK.
type StatusError struct {
	Method string
	URL    string
	Code   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: http %d", e.Method, e.URL, e.Code)
}

// HTTPStatus extracts the status code from err, 0 if none.
func HTTPStatus(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}

type Client struct {
	http *http.Client
	log  logx.Logger

	mu       sync.Mutex
	cfg      Config
	limiters map[string]*rate.Limiter
}

func New(cfg Config, log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Client{
		http:     &http.Client{Timeout: cfg.RequestTimeout},
		log:      log,
		cfg:      cfg,
		limiters: map[string]*rate.Limiter{},
	}
}

// Apply swaps the client configuration. Existing limiters are rebuilt lazily
// with the new rate.
func (c *Client) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	c.mu.Lock()
	c.cfg = cfg
	c.limiters = map[string]*rate.Limiter{}
	c.http.Timeout = cfg.RequestTimeout
	c.mu.Unlock()
}

func (c *Client) limiter(platform string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	lim, ok := c.limiters[platform]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(c.cfg.RatePerSec), c.cfg.RatePerSec)
		c.limiters[platform] = lim
	}
	return lim
}

func (c *Client) baseURL(platform string) (string, error) {
	c.mu.Lock()
	base, ok := c.cfg.BaseURLs[platform]
	c.mu.Unlock()
	if !ok || strings.TrimSpace(base) == "" {
		base = "https://" + platform
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("base url for %q: %w", platform, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("base url for %q: missing scheme or host", platform)
	}
	return strings.TrimRight(u.String(), "/"), nil
}

// Fetch retrieves the platform-side subscription details.
func (c *Client) Fetch(ctx context.Context, platform, id string) (map[string]any, error) {
	base, err := c.baseURL(platform)
	if err != nil {
		return nil, err
	}
	endpoint := base + "/subscription/" + url.PathEscape(id)

	body, err := c.do(ctx, platform, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", endpoint, err)
	}
	return out, nil
}

// Renew requests a renewal for the subscription.
func (c *Client) Renew(ctx context.Context, platform, id string) error {
	base, err := c.baseURL(platform)
	if err != nil {
		return err
	}
	endpoint := base + "/subscription/" + url.PathEscape(id) + "/renew"

	c.mu.Lock()
	method := c.cfg.PaymentMethod
	c.mu.Unlock()

	payload, err := json.Marshal(map[string]string{"payment_method": method})
	if err != nil {
		return err
	}
	_, err = c.do(ctx, platform, http.MethodPost, endpoint, payload)
	return err
}

func (c *Client) do(ctx context.Context, platform, method, endpoint string, payload []byte) ([]byte, error) {
	if err := c.limiter(platform).Wait(ctx); err != nil {
		return nil, err
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	c.mu.Unlock()
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	// Cap response reads; subscription payloads are small.
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	c.log.Debug("platform request",
		logx.String("method", method),
		logx.String("url", endpoint),
		logx.Int("status", resp.StatusCode),
		logx.Duration("took", time.Since(start)))

	// Platforms signal success with 200 exactly. A 201 or 204 means the
	// platform did something other than what was asked for.
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Method: method, URL: endpoint, Code: resp.StatusCode}
	}
	return data, nil
}
