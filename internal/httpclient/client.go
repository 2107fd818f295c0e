// Package httpclient is the HTTP layer for provider services that have no
// dedicated Go SDK (the voice-cloning microservice, the SIP gateway's
// control socket): a small client with default headers, bounded
// retry-with-backoff on throttling statuses, and typed JSON decoding.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"

	core "github.com/voxnexus/core"
)

// Client issues JSON requests against one provider endpoint. Build it once
// per session; provider HTTP clients are deliberately not pooled across
// sessions.
type Client struct {
	http    *http.Client
	baseURL string
	headers map[string]string
	retries int
	backoff time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL sets the endpoint every relative path is resolved against.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

// WithHeader adds a header sent on every request.
func WithHeader(key, value string) Option {
	return func(c *Client) { c.headers[key] = value }
}

// WithBearerToken authorizes every request with the given token.
func WithBearerToken(token string) Option {
	return func(c *Client) { c.headers["Authorization"] = "Bearer " + token }
}

// WithTimeout bounds each request end to end.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// WithRetries allows up to n additional attempts after a throttled reply.
func WithRetries(n int) Option {
	return func(c *Client) { c.retries = n }
}

// WithBackoff sets the base delay doubled before each retry.
func WithBackoff(d time.Duration) Option {
	return func(c *Client) { c.backoff = d }
}

// New builds a Client. Without options it times out at 30s and never
// retries.
func New(opts ...Option) *Client {
	c := &Client{
		http:    &http.Client{Timeout: 30 * time.Second},
		headers: make(map[string]string),
		backoff: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StatusError is a non-2xx reply from the provider endpoint.
type StatusError struct {
	Status  int
	Body    string
	Message string
}

func (e *StatusError) Error() string {
	detail := e.Message
	if detail == "" {
		detail = e.Body
	}
	return fmt.Sprintf("httpclient: endpoint returned %d: %s", e.Status, detail)
}

// CoreCode maps the HTTP status onto the module's error vocabulary, so a
// provider adapter can wrap a StatusError without re-classifying it.
func (e *StatusError) CoreCode() core.ErrorCode {
	switch {
	case e.Status == http.StatusTooManyRequests:
		return core.ErrRateLimit
	case e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden:
		return core.ErrAuth
	case e.Status >= 500:
		return core.ErrProviderDown
	default:
		return core.ErrInvalidInput
	}
}

// Do sends one request without retry handling. body, when non-nil, is JSON
// encoded. The caller owns the response body.
func (c *Client) Do(ctx context.Context, method, path string, body any, headers map[string]string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("httpclient: encode body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.resolve(path), reader)
	if err != nil {
		return nil, fmt.Errorf("httpclient: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return c.http.Do(req)
}

func (c *Client) resolve(path string) string {
	if c.baseURL == "" || strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return c.baseURL + "/" + strings.TrimLeft(path, "/")
}

// DoJSON sends a request and decodes the 2xx reply into T. Throttled
// replies (429, 503) are retried up to the configured budget, honoring a
// numeric Retry-After header when the endpoint sends one; every other
// non-2xx reply surfaces immediately as a *StatusError.
func DoJSON[T any](ctx context.Context, c *Client, method, path string, body any) (T, error) {
	var zero T
	delay := c.backoff

	for attempt := 0; ; attempt++ {
		resp, err := c.Do(ctx, method, path, body, nil)
		if err != nil {
			return zero, err
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			var out T
			err := json.NewDecoder(resp.Body).Decode(&out)
			resp.Body.Close()
			if err != nil {
				return zero, fmt.Errorf("httpclient: decode reply: %w", err)
			}
			return out, nil
		}

		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		throttled := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable
		if !throttled || attempt >= c.retries {
			return zero, statusError(resp.StatusCode, raw)
		}

		wait := delay + time.Duration(rand.Int64N(int64(delay)/2+1))
		if ra, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && ra >= 0 {
			wait = time.Duration(ra) * time.Second
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}
}

// statusError builds a StatusError, pulling a human-readable message out of
// the common {"error": {"message": ...}} and {"message": ...} body shapes.
func statusError(status int, raw []byte) *StatusError {
	se := &StatusError{Status: status, Body: string(raw)}
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &envelope) == nil {
		if envelope.Error.Message != "" {
			se.Message = envelope.Error.Message
		} else {
			se.Message = envelope.Message
		}
	}
	return se
}
