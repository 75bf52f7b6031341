// Package remote is the HTTP client of the entitlement authority.
package remote

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"paykit/internal/retry"
	"paykit/pkg/logging"
)

// APIKeyHeader carries the project key on every request.
const APIKeyHeader = "X-API-Key"

const defaultTimeout = 30 * time.Second

// Error is a non-2xx answer, or a 2xx answer whose envelope reports failure.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("authority: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("authority: HTTP %d: %s", e.StatusCode, e.Message)
}

// Temporary reports whether the same request may succeed later.
func (e *Error) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusRequestTimeout || e.StatusCode == http.StatusTooManyRequests
}

// envelope mirrors the authority's response wrapper.
type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Client talks to the authority. It does not retry; callers apply a policy.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     logging.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the request timeout on a copy of the HTTP client, so a
// client handed in through WithHTTPClient is left untouched.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			hc := *c.httpClient
			hc.Timeout = d
			c.httpClient = &hc
		}
	}
}

func WithLogger(l logging.Logger) Option {
	return func(c *Client) { c.logger = logging.OrNop(l) }
}

func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     logging.NewComponentLogger("remote"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func gzipJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err := json.NewEncoder(zw).Encode(v); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// do sends body (if any) as gzip-compressed JSON and decodes the envelope's
// data into out (if any).
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := gzipJSON(body)
		if err != nil {
			return retry.Permanent(fmt.Errorf("encode %s %s: %w", method, path, err))
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return retry.Permanent(fmt.Errorf("build %s %s: %w", method, path, err))
	}
	req.Header.Set(APIKeyHeader, c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Content-Encoding", "gzip")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody := io.Reader(resp.Body)
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return fmt.Errorf("%s %s: gzip response: %w", method, path, err)
		}
		defer zr.Close()
		respBody = zr
	}

	raw, err := io.ReadAll(respBody)
	if err != nil {
		return fmt.Errorf("%s %s: read response: %w", method, path, err)
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		remoteErr := &Error{StatusCode: resp.StatusCode, Message: env.Message}
		if decodeErr != nil || remoteErr.Message == "" {
			remoteErr.Message = strings.TrimSpace(string(raw))
		}
		c.logger.Debug("%s %s failed: %v", method, path, remoteErr)
		if remoteErr.Temporary() {
			return remoteErr
		}
		return retry.Permanent(remoteErr)
	}
	if decodeErr != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, decodeErr)
	}
	if !env.Success {
		return retry.Permanent(&Error{StatusCode: resp.StatusCode, Message: env.Message})
	}
	if out == nil {
		return nil
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return retry.Permanent(fmt.Errorf("%s %s: response has no data", method, path))
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return retry.Permanent(fmt.Errorf("%s %s: decode data: %w", method, path, err))
	}
	return nil
}

func escape(segment string) string {
	return url.PathEscape(segment)
}
