package fincharts

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"
)

// cachedBars represents a cached backfill result for one instrument.
type cachedBars struct {
	Bars      []Bar
	Timestamp time.Time
}

// Client is the authenticated REST client for the instrument catalog and
// historical bars endpoints.
type Client struct {
	session *Session
	baseURL string
	logger  *log.Logger

	// Backfill results are cached briefly so repeated activations of the
	// same instrument do not refetch identical minute bars.
	barsCache   map[string]*cachedBars
	cacheMutex  sync.RWMutex
	cacheExpiry time.Duration
}

// NewClient creates a REST client bound to an authenticated session.
func NewClient(session *Session, baseURL string, logger *log.Logger) *Client {
	return &Client{
		session:     session,
		baseURL:     baseURL,
		logger:      logger,
		barsCache:   make(map[string]*cachedBars),
		cacheExpiry: 1 * time.Minute,
	}
}

// doRequest executes a request through the session, which attaches the
// bearer token and applies the 401 invalidate-and-retry-login policy.
func (c *Client) doRequest(ctx context.Context, req *http.Request) (*http.Response, error) {
	return c.session.Do(ctx, req)
}

// handleErrorResponse handles HTTP error responses.
func (c *Client) handleErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
}

// getJSON fetches a URL and decodes the JSON response body into out.
func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}

	resp, err := c.doRequest(ctx, httpReq)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.handleErrorResponse(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
