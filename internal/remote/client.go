package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Retry and backoff constants.
const (
	maxRetries       = 3
	baseBackoff      = 1 * time.Second
	maxBackoff       = 30 * time.Second
	backoffFactor    = 2.0
	jitterFraction   = 0.25
	defaultUserAgent = "wayfare-go/0.1"
)

// Service is the narrow read/write contract to the hosted document service.
// Defined at the consumer per Go convention "accept interfaces, return
// structs" — the queue processor and orchestrator depend on this, tests
// inject fakes.
type Service interface {
	// Create stores a new document. The caller supplies the id so a retried
	// create after an ambiguous failure cannot produce duplicate records.
	Create(ctx context.Context, collection, id string, payload json.RawMessage) error

	// Update replaces an existing document.
	Update(ctx context.Context, collection, id string, payload json.RawMessage) error

	// Delete removes a document. Deleting an absent document is not an error.
	Delete(ctx context.Context, collection, id string) error

	// Get fetches a document, or (nil, ErrNotFound) if absent. Used for the
	// orchestrator's quick remote check when local tiers have no answer.
	Get(ctx context.Context, collection, id string) (json.RawMessage, error)
}

// Client is the HTTP implementation of Service. It handles request
// construction, retry with exponential backoff and jitter, and error
// classification.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	userAgent  string

	// sleepFunc is called to wait between retries. Defaults to timeSleep.
	// Tests override this to avoid real delays.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewClient creates a document service client.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
		userAgent:  defaultUserAgent,
		sleepFunc:  timeSleep,
	}
}

// SetUserAgent overrides the default User-Agent header, typically from the
// remote.user_agent config key.
func (c *Client) SetUserAgent(ua string) {
	if ua != "" {
		c.userAgent = ua
	}
}

// Create implements Service. The document is PUT at its caller-supplied id,
// making retries after ambiguous failures idempotent on the server side.
func (c *Client) Create(ctx context.Context, collection, id string, payload json.RawMessage) error {
	resp, err := c.do(ctx, http.MethodPut, documentPath(collection, id), payload)
	if err != nil {
		return err
	}

	resp.Body.Close()

	return nil
}

// Update implements Service.
func (c *Client) Update(ctx context.Context, collection, id string, payload json.RawMessage) error {
	resp, err := c.do(ctx, http.MethodPatch, documentPath(collection, id), payload)
	if err != nil {
		return err
	}

	resp.Body.Close()

	return nil
}

// Delete implements Service. A 404 is treated as success — the desired end
// state (document absent) already holds, which keeps retried deletes
// idempotent.
func (c *Client) Delete(ctx context.Context, collection, id string) error {
	resp, err := c.do(ctx, http.MethodDelete, documentPath(collection, id), nil)
	if err != nil {
		var se *ServiceError
		if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
			return nil
		}

		return err
	}

	resp.Body.Close()

	return nil
}

// Get implements Service.
func (c *Client) Get(ctx context.Context, collection, id string) (json.RawMessage, error) {
	resp, err := c.do(ctx, http.MethodGet, documentPath(collection, id), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return nil, fmt.Errorf("remote: reading %s/%s body: %w", collection, id, readErr)
	}

	return body, nil
}

// do executes an HTTP request with retry. On success the caller is
// responsible for closing the response body.
func (c *Client) do(ctx context.Context, method, path string, payload json.RawMessage) (*http.Response, error) {
	reqURL := c.baseURL + path

	var attempt int
	for {
		resp, err := c.doOnce(ctx, method, reqURL, payload)
		if err != nil {
			// Context cancellation is not retryable.
			if ctx.Err() != nil {
				return nil, fmt.Errorf("remote: request canceled: %w", ctx.Err())
			}

			// Network errors are retryable.
			if attempt < maxRetries {
				backoff := c.calcBackoff(attempt)
				c.logger.Warn("retrying after network error",
					slog.String("method", method),
					slog.String("path", path),
					slog.Int("attempt", attempt+1),
					slog.Duration("backoff", backoff),
					slog.String("error", err.Error()),
				)

				if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
					return nil, fmt.Errorf("remote: request canceled: %w", sleepErr)
				}

				attempt++

				continue
			}

			return nil, fmt.Errorf("%w: %s %s after %d retries: %v",
				ErrUnreachable, method, path, maxRetries, err)
		}

		// 2xx — success.
		if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
			c.logger.Debug("request succeeded",
				slog.String("method", method),
				slog.String("path", path),
				slog.Int("status", resp.StatusCode),
			)

			return resp, nil
		}

		// Read and close body for error responses.
		errBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		if readErr != nil {
			errBody = []byte("(failed to read response body)")
		}

		if isRetryable(resp.StatusCode) && attempt < maxRetries {
			backoff := c.retryBackoff(resp, attempt)
			c.logger.Warn("retrying after HTTP error",
				slog.String("method", method),
				slog.String("path", path),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
			)

			if err := c.sleepFunc(ctx, backoff); err != nil {
				return nil, fmt.Errorf("remote: request canceled: %w", err)
			}

			attempt++

			continue
		}

		sentinel := classifyStatus(resp.StatusCode)

		if attempt > 0 {
			c.logger.Error("request failed after retries",
				slog.String("method", method),
				slog.String("path", path),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempts", attempt+1),
			)
		}

		return nil, &ServiceError{
			StatusCode: resp.StatusCode,
			Message:    string(errBody),
			Err:        sentinel,
		}
	}
}

// doOnce executes a single HTTP request (no retry).
func (c *Client) doOnce(ctx context.Context, method, reqURL string, payload json.RawMessage) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("User-Agent", c.userAgent)

	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

// retryBackoff returns the backoff duration for a retryable response.
// For 429 responses with a Retry-After header, that value is used.
func (c *Client) retryBackoff(resp *http.Response, attempt int) time.Duration {
	if resp.StatusCode == http.StatusTooManyRequests {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
				return time.Duration(seconds) * time.Second
			}
		}
	}

	return c.calcBackoff(attempt)
}

// calcBackoff computes exponential backoff with ±25% jitter.
func (c *Client) calcBackoff(attempt int) time.Duration {
	backoff := float64(baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	// Apply ±25% jitter.
	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	backoff += jitter

	return time.Duration(backoff)
}

// documentPath builds the URL path for a document, escaping both segments.
func documentPath(collection, id string) string {
	return "/" + url.PathEscape(collection) + "/" + url.PathEscape(id)
}

// timeSleep waits for the given duration or until the context is canceled.
// It is the default sleepFunc for Client.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
