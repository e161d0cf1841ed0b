// Package httpx is the shared JSON HTTP layer for the hand-rolled provider
// adapters. It normalizes transport failures into the domain error taxonomy:
// 429 responses (with an optional RFC 7231 Retry-After) become
// entity.RateLimitError, 5xx become entity.ErrProviderUnavailable, and other
// non-2xx statuses surface as a StatusError carrying a body snippet.
package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/chadsr/cryptoshot/internal/entity"
)

const (
	defaultTimeout = 10 * time.Second
	maxBodyBytes   = 4 << 20
	snippetBytes   = 200
)

// StatusError is a non-2xx response that is neither a rate limit nor an
// upstream outage. Adapters inspect Code and Body for provider-specific
// error envelopes.
type StatusError struct {
	Code int
	Body []byte
}

func (e *StatusError) Error() string {
	snip := e.Body
	if len(snip) > snippetBytes {
		snip = snip[:snippetBytes]
	}
	return fmt.Sprintf("http %d: %s", e.Code, strings.TrimSpace(string(snip)))
}

// Client wraps http.Client with default headers and a client-side request
// pacer, so an adapter never bursts past its provider's documented rate.
type Client struct {
	http    *http.Client
	limiter *rate.Limiter
	headers http.Header
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.http.Timeout = d
	}
}

// WithHeader sets a default header on every request (auth tokens).
func WithHeader(key, value string) Option {
	return func(c *Client) {
		c.headers.Set(key, value)
	}
}

// WithRateLimit caps outbound requests per second.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// New creates a Client with JSON accept headers and no pacing by default.
func New(opts ...Option) *Client {
	c := &Client{
		http:    &http.Client{Timeout: defaultTimeout},
		limiter: rate.NewLimiter(rate.Inf, 1),
		headers: http.Header{},
	}
	c.headers.Set("Accept", "application/json")

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// GetJSON performs a GET for urlStr with optional query params and decodes
// the response body into out.
func (c *Client) GetJSON(ctx context.Context, urlStr string, params url.Values, out any) error {
	if len(params) > 0 {
		sep := "?"
		if strings.Contains(urlStr, "?") {
			sep = "&"
		}
		urlStr += sep + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return errors.Wrap(err, "build get request")
	}

	return c.do(req, out)
}

// PostForm performs a URL-encoded POST and decodes the response into out.
// extraHeaders carry per-request values such as request signatures.
func (c *Client) PostForm(ctx context.Context, urlStr string, form url.Values, extraHeaders http.Header, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, urlStr, strings.NewReader(form.Encode()))
	if err != nil {
		return errors.Wrap(err, "build post request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=utf-8")
	for key, values := range extraHeaders {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	return c.do(req, out)
}

// PostJSON performs a JSON POST and decodes the response into out.
func (c *Client) PostJSON(ctx context.Context, urlStr string, body any, out any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "encode post body")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, urlStr, bytes.NewReader(encoded))
	if err != nil {
		return errors.Wrap(err, "build post request")
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	for key, values := range c.headers {
		if req.Header.Get(key) != "" {
			continue
		}
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	if err := c.limiter.Wait(req.Context()); err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(entity.ErrProviderUnavailable, err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return errors.Wrap(err, "read response body")
	}

	if err := classifyStatus(resp, body); err != nil {
		return err
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		snip := body
		if len(snip) > snippetBytes {
			snip = snip[:snippetBytes]
		}
		return errors.Wrapf(err, "decode response (%s)", strings.TrimSpace(string(snip)))
	}

	return nil
}

func classifyStatus(resp *http.Response, body []byte) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return &entity.RateLimitError{RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())}
	case resp.StatusCode >= 500 && resp.StatusCode != 550:
		// 550 is used by some providers for "no data in range"; let the
		// adapter map it.
		return errors.Wrapf(entity.ErrProviderUnavailable, "http %d", resp.StatusCode)
	default:
		return &StatusError{Code: resp.StatusCode, Body: body}
	}
}

// ParseRetryAfter interprets an RFC 7231 Retry-After value, either
// delta-seconds or an HTTP date relative to now. Returns zero when the value
// is absent or unparseable.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}

	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}

	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}

	return 0
}
