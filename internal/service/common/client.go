//nolint:revive,nolintlint // Package name "common" is intentional for shared helpers.
package common

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/uusseis/sis-poller/internal/config"
	"github.com/uusseis/sis-poller/internal/logger"
	"github.com/uusseis/sis-poller/internal/version"
)

// ErrFetch is returned when a page cannot be retrieved or the server answers with a non-2xx status.
var ErrFetch = errors.New("fetch failed")

// maxPageSize caps the listing body read into memory.
const maxPageSize = 32 << 20

// Client fetches listing pages over HTTP.
type Client struct {
	// httpClient performs the requests.
	httpClient *http.Client

	// callTimeout is the default timeout for individual requests.
	callTimeout time.Duration
}

// Option configures client behaviour.
type Option func(*Client)

// WithCallTimeout sets a default timeout for each request.
func WithCallTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.callTimeout = timeout
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// NewClient returns a page fetcher.
func NewClient(opts ...Option) *Client {
	client := &Client{
		httpClient:  http.DefaultClient,
		callTimeout: config.DefaultTimeout,
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

// Fetch downloads the page at pageURL and returns its body as text.
func (c *Client) Fetch(ctx context.Context, pageURL string) (string, error) {
	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, pageURL, http.NoBody)
	if err != nil {
		return "", fmt.Errorf("build request for %s: %w", pageURL, err)
	}

	req.Header.Set("User-Agent", version.UserAgent())
	req.Header.Set("Accept", "text/html")

	response, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s: %w: %w", pageURL, ErrFetch, err)
	}

	defer func() {
		_ = response.Body.Close()
	}()

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		return "", fmt.Errorf("%s, %s: %w", pageURL, response.Status, ErrFetch)
	}

	body, err := io.ReadAll(io.LimitReader(response.Body, maxPageSize))
	if err != nil {
		return "", fmt.Errorf("read %s: %w: %w", pageURL, ErrFetch, err)
	}

	logger.DebugKV(ctx, "Fetched page", "url", pageURL, "bytes", len(body))

	return string(body), nil
}

// callContext returns a context with the client's call timeout if configured,
// otherwise a cancellable child context without a deadline.
func (c *Client) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, c.callTimeout)
}
