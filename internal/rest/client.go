// ABOUTME: Rate-limit-aware REST dispatcher for the remote service.
// ABOUTME: Serializes calls per bucket, retries transient failures, and surfaces typed errors.

package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/2389/slither/internal/cache"
	"github.com/2389/slither/internal/config"
	"github.com/2389/slither/internal/ratelimit"
)

// Response is the decoded outcome of a successful REST call.
type Response struct {
	Status int
	Header http.Header
	Body   json.RawMessage
}

// Client issues REST calls through the rate limiter. All calls on the same
// bucket are served in arrival order; calls on different buckets proceed
// concurrently.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	token       string
	userAgent   string
	maxAttempts int

	limiter *ratelimit.Manager
	cache   *cache.Cache
	logger  *slog.Logger

	// backoffBase is the first retry delay; doubled per attempt, capped,
	// jittered. Overridable in tests.
	backoffBase time.Duration
}

// NewClient creates a REST client. The cache may be nil, in which case
// response snapshots are not mirrored.
func NewClient(cfg config.APIConfig, token string, limiter *ratelimit.Manager, c *cache.Cache, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		baseURL:     cfg.BaseURL,
		token:       token,
		userAgent:   cfg.UserAgent,
		maxAttempts: cfg.MaxAttempts,
		limiter:     limiter,
		cache:       c,
		logger:      logger.With("component", "rest"),
		backoffBase: time.Second,
	}
}

// Cache returns the entity cache fed by this client, or nil.
func (c *Client) Cache() *cache.Cache {
	return c.cache
}

// Do performs a REST call. Transient failures (network errors, 5xx, 429)
// are retried up to the attempt ceiling with exponential backoff and
// jitter; any other 4xx returns an *APIError immediately.
func (c *Client) Do(ctx context.Context, route Route, body any) (*Response, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
	}

	requestID := uuid.New().String()
	bucketKey := route.BucketKey()

	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			wait := backoff(c.backoffBase, attempt)
			c.logger.Debug("retrying request",
				"request_id", requestID,
				"endpoint", route.Endpoint(),
				"attempt", attempt+1,
				"backoff", wait,
			)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		if err := c.limiter.Acquire(ctx, bucketKey); err != nil {
			return nil, err
		}

		resp, err := c.doOnce(ctx, route, payload, requestID, bucketKey)
		if err == nil {
			return resp, nil
		}
		if _, terminal := err.(*APIError); terminal {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
	}

	return nil, fmt.Errorf("%s: attempts exhausted: %w", route.Endpoint(), lastErr)
}

// DoJSON performs a REST call and decodes the response body into out.
// Pass nil to discard the body.
func (c *Client) DoJSON(ctx context.Context, route Route, body, out any) error {
	resp, err := c.Do(ctx, route, body)
	if err != nil {
		return err
	}
	if out == nil || len(resp.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("decoding %s response: %w", route.Endpoint(), err)
	}
	return nil
}

// GatewayURL fetches the websocket connection endpoint from the service.
func (c *Client) GatewayURL(ctx context.Context) (string, error) {
	var data struct {
		URL string `json:"url"`
	}
	if err := c.DoJSON(ctx, NewRoute("GET", "/gateway"), nil, &data); err != nil {
		return "", fmt.Errorf("%w: %v", ErrGatewayNotFound, err)
	}
	if data.URL == "" {
		return "", ErrGatewayNotFound
	}
	return data.URL + "?v=9&encoding=json", nil
}

// doOnce performs a single attempt. It always releases the bucket with the
// observed rate-limit metadata, whatever the outcome. Transient failures
// come back as plain errors; terminal ones as *APIError.
func (c *Client) doOnce(ctx context.Context, route Route, payload []byte, requestID, bucketKey string) (*Response, error) {
	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, route.Method, route.URL(c.baseURL), bodyReader)
	if err != nil {
		c.limiter.Release(bucketKey, ratelimit.Observed{Remaining: -1})
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bot "+c.token)
	}

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		c.limiter.Release(bucketKey, ratelimit.Observed{Remaining: -1})
		return nil, fmt.Errorf("%s: %w", route.Endpoint(), err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		c.limiter.Release(bucketKey, ratelimit.Observed{Remaining: -1})
		return nil, fmt.Errorf("%s: reading response: %w", route.Endpoint(), err)
	}

	observed := parseRateLimit(httpResp.StatusCode, httpResp.Header)
	c.limiter.Release(bucketKey, observed)

	switch {
	case httpResp.StatusCode == http.StatusTooManyRequests:
		c.logger.Warn("rate limit exceeded",
			"request_id", requestID,
			"endpoint", route.Endpoint(),
			"retry_after", observed.RetryAfter,
			"global", observed.Global,
		)
		return nil, fmt.Errorf("%s: rate limited", route.Endpoint())

	case httpResp.StatusCode >= 500:
		return nil, fmt.Errorf("%s: server error %d", route.Endpoint(), httpResp.StatusCode)

	case httpResp.StatusCode >= 400:
		return nil, decodeAPIError(route, httpResp.StatusCode, respBody)
	}

	c.logger.Debug("request complete",
		"request_id", requestID,
		"endpoint", route.Endpoint(),
		"status", httpResp.StatusCode,
	)

	c.placeSnapshot(route, respBody)

	return &Response{
		Status: httpResp.StatusCode,
		Header: httpResp.Header,
		Body:   respBody,
	}, nil
}

// placeSnapshot mirrors an entity-carrying response body into the cache.
func (c *Client) placeSnapshot(route Route, body []byte) {
	if c.cache == nil || route.Collection == "" || len(body) == 0 {
		return
	}

	var snapshot cache.Entity
	if err := json.Unmarshal(body, &snapshot); err != nil {
		return
	}
	id, ok := snapshot["id"].(string)
	if !ok || id == "" {
		return
	}
	c.cache.PutFull(route.Collection, id, snapshot)
}

// decodeAPIError builds the terminal failure for a non-retriable 4xx.
func decodeAPIError(route Route, status int, body []byte) *APIError {
	apiErr := &APIError{
		Status:   status,
		Body:     body,
		Endpoint: route.Endpoint(),
	}

	var decoded struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &decoded); err == nil {
		apiErr.Code = decoded.Code
		apiErr.Message = decoded.Message
	}
	return apiErr
}

// parseRateLimit extracts rate-limit metadata from response headers.
func parseRateLimit(status int, header http.Header) ratelimit.Observed {
	obs := ratelimit.Observed{
		Bucket:    header.Get("X-RateLimit-Bucket"),
		Remaining: -1,
	}

	if v := header.Get("X-RateLimit-Limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			obs.Limit = n
		}
	}
	if v := header.Get("X-RateLimit-Remaining"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			obs.Remaining = n
		}
	}
	if v := header.Get("X-RateLimit-Reset-After"); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			obs.ResetAfter = time.Duration(secs * float64(time.Second))
		}
	}
	if status == http.StatusTooManyRequests {
		obs.Global = header.Get("X-RateLimit-Global") == "true"
		if v := header.Get("Retry-After"); v != "" {
			if secs, err := strconv.ParseFloat(v, 64); err == nil {
				obs.RetryAfter = time.Duration(secs * float64(time.Second))
			}
		}
		if obs.RetryAfter == 0 {
			obs.RetryAfter = obs.ResetAfter
		}
	}

	return obs
}

// backoff returns the wait before retry attempt n, exponential with ±25% jitter.
func backoff(base time.Duration, attempt int) time.Duration {
	wait := base << (attempt - 1)
	if wait > 30*time.Second {
		wait = 30 * time.Second
	}
	jitter := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(wait) * jitter)
}
