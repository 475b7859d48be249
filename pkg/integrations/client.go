package integrations

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/matzehuels/webpm/pkg/cache"
	"github.com/matzehuels/webpm/pkg/observability"
)

// maxErrorBody bounds how much of a failed response is kept for error
// reporting.
const maxErrorBody = 1 << 20

// Client provides shared HTTP functionality for all webpm HTTP consumers:
// registry lookups, the loading graph resolver, artifact fetches and
// backend installs. It handles caching, retry logic and common request
// headers.
type Client struct {
	http      *http.Client
	cache     cache.Cache
	keyer     cache.Keyer
	namespace string
	ttl       time.Duration
	headers   map[string]string
	backoff   cache.Backoff
}

// NewClient creates a Client with the given cache and default headers.
// namespace scopes the cache keys of [Client.Cached]. Headers are applied
// to all requests made through this client; pass nil if none are needed.
func NewClient(c cache.Cache, namespace string, ttl time.Duration, headers map[string]string) *Client {
	if c == nil {
		c = cache.NewNullCache()
	}
	return &Client{
		http:      NewHTTPClient(),
		cache:     c,
		keyer:     cache.NewDefaultKeyer(),
		namespace: namespace,
		ttl:       ttl,
		headers:   headers,
		backoff:   cache.DefaultBackoff,
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.http = h
	return c
}

// WithBackoff replaces the retry policy of [Client.Cached].
func (c *Client) WithBackoff(b cache.Backoff) *Client {
	c.backoff = b
	return c
}

// WithKeyer replaces the cache keyer.
func (c *Client) WithKeyer(k cache.Keyer) *Client {
	c.keyer = k
	return c
}

// Cached retrieves a value from cache or executes fetch and caches the result.
// If refresh is true, the cache is bypassed and fetch is always called.
// The fetch function should populate v; on success, v is stored in the cache.
func (c *Client) Cached(ctx context.Context, key string, refresh bool, v any, fetch func() error) error {
	k := c.keyer.HTTPKey(c.namespace, key)
	if !refresh {
		if data, ok, _ := c.cache.Get(ctx, k); ok && json.Unmarshal(data, v) == nil {
			return nil
		}
	}
	if err := c.backoff.Retry(ctx, fetch); err != nil {
		return err
	}
	if data, err := json.Marshal(v); err == nil {
		_ = c.cache.Set(ctx, k, data, c.ttl)
	}
	return nil
}

// Get performs an HTTP GET request and JSON-decodes the response into v.
// It uses the client's default headers. Retries happen in [Client.Cached].
func (c *Client) Get(ctx context.Context, url string, v any) error {
	return c.GetWithHeaders(ctx, url, nil, v)
}

// GetWithHeaders performs an HTTP GET with additional headers merged with defaults.
// Request-specific headers override client defaults for the same key.
func (c *Client) GetWithHeaders(ctx context.Context, url string, headers map[string]string, v any) error {
	body, err := c.doRequest(ctx, http.MethodGet, url, nil, headers)
	if err != nil {
		return err
	}
	defer body.Close()
	return json.NewDecoder(body).Decode(v)
}

// GetText performs an HTTP GET request and returns the response body as a string.
func (c *Client) GetText(ctx context.Context, url string) (string, error) {
	data, err := c.GetBytes(ctx, url, nil)
	return string(data), err
}

// GetBytes performs an HTTP GET request and returns the raw response body.
func (c *Client) GetBytes(ctx context.Context, url string, headers map[string]string) ([]byte, error) {
	body, err := c.doRequest(ctx, http.MethodGet, url, nil, headers)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	return data, nil
}

// PostJSON sends in as a JSON body and decodes the JSON response into out.
// out may be nil when the response body is not needed.
func (c *Client) PostJSON(ctx context.Context, url string, headers map[string]string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	h := map[string]string{"Content-Type": "application/json"}
	for k, v := range headers {
		h[k] = v
	}
	body, err := c.doRequest(ctx, http.MethodPost, url, payload, h)
	if err != nil {
		return err
	}
	defer body.Close()
	if out == nil {
		_, _ = io.Copy(io.Discard, body)
		return nil
	}
	return json.NewDecoder(body).Decode(out)
}

// Post sends a raw JSON payload and returns the raw response body.
func (c *Client) Post(ctx context.Context, url string, headers map[string]string, payload []byte) ([]byte, error) {
	h := map[string]string{"Content-Type": "application/json"}
	for k, v := range headers {
		h[k] = v
	}
	body, err := c.doRequest(ctx, http.MethodPost, url, payload, h)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	return data, nil
}

// Delete performs an HTTP DELETE request and discards the response body.
func (c *Client) Delete(ctx context.Context, url string, headers map[string]string) error {
	body, err := c.doRequest(ctx, http.MethodDelete, url, nil, headers)
	if err != nil {
		return err
	}
	defer body.Close()
	_, _ = io.Copy(io.Discard, body)
	return nil
}

// Open performs an HTTP GET request and returns the response body along
// with its announced length, -1 when unknown. The caller closes the body.
func (c *Client) Open(ctx context.Context, url string, headers map[string]string) (io.ReadCloser, int64, error) {
	resp, err := c.do(ctx, http.MethodGet, url, nil, headers)
	if err != nil {
		return nil, 0, err
	}
	return resp.Body, resp.ContentLength, nil
}

func (c *Client) doRequest(ctx context.Context, method, url string, payload []byte, headers map[string]string) (io.ReadCloser, error) {
	resp, err := c.do(ctx, method, url, payload, headers)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (c *Client) do(ctx context.Context, method, url string, payload []byte, headers map[string]string) (*http.Response, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	hooks := observability.HTTP()
	start := time.Now()
	hooks.OnRequest(ctx, method, req.URL.Host, req.URL.Path)
	resp, err := c.http.Do(req)
	if err != nil {
		hooks.OnError(ctx, method, req.URL.Host, req.URL.Path, err)
		return nil, cache.Retryable(fmt.Errorf("%w: %v", ErrNetwork, err))
	}
	hooks.OnResponse(ctx, method, req.URL.Host, req.URL.Path, resp.StatusCode, time.Since(start))

	if err := checkStatus(resp.StatusCode); err != nil {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		return nil, &StatusError{Code: resp.StatusCode, URL: url, Body: data, Err: err}
	}
	return resp, nil
}

func checkStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ErrUnauthorized
	case code >= 500:
		return cache.Retryable(fmt.Errorf("%w: status %d", ErrNetwork, code))
	default:
		return fmt.Errorf("%w: status %d", ErrNetwork, code)
	}
}
