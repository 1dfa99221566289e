// ABOUTME: Tests for the REST dispatcher against a stub HTTP server.
// ABOUTME: Covers retries, terminal 4xx errors, 429 handling, and cache snapshot placement.

package rest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/slither/internal/cache"
	"github.com/2389/slither/internal/config"
	"github.com/2389/slither/internal/ratelimit"
)

func newTestClient(t *testing.T, serverURL string, entityCache *cache.Cache) *Client {
	t.Helper()

	limiter := ratelimit.NewManager(1000, time.Hour, nil)
	t.Cleanup(limiter.Close)

	cfg := config.Default()
	cfg.API.BaseURL = serverURL
	cfg.API.Timeout = 5 * time.Second

	client := NewClient(cfg.API, "test-token", limiter, entityCache, nil)
	client.backoffBase = 10 * time.Millisecond
	return client
}

func TestDo_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bot test-token", r.Header.Get("Authorization"))
		w.Header().Set("X-RateLimit-Remaining", "4")
		w.Header().Set("X-RateLimit-Reset-After", "1.5")
		w.Write([]byte(`{"id":"1","username":"viper"}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, nil)

	resp, err := client.Do(context.Background(), NewRoute("GET", "/users/@me"), nil)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.JSONEq(t, `{"id":"1","username":"viper"}`, string(resp.Body))
}

func TestDo_TerminalClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"code":10003,"message":"Unknown Channel"}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, nil)

	_, err := client.Do(context.Background(),
		NewRoute("GET", "/channels/{channel_id}", "channel_id", "999"), nil)

	require.Error(t, err)
	assert.True(t, IsNotFound(err))

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 404, apiErr.Status)
	assert.Equal(t, 10003, apiErr.Code)
	assert.Equal(t, "Unknown Channel", apiErr.Message)

	assert.Equal(t, int32(1), calls.Load(), "4xx must not be retried")
}

func TestDo_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, nil)

	resp, err := client.Do(context.Background(), NewRoute("GET", "/gateway"), nil)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDo_AttemptsExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, nil)

	_, err := client.Do(context.Background(), NewRoute("GET", "/gateway"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "attempts exhausted")
	assert.Equal(t, int32(3), calls.Load(), "default attempt ceiling is 3")
}

func TestDo_RateLimitedThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0.1")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"message":"You are being rate limited."}`))
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, nil)

	start := time.Now()
	resp, err := client.Do(context.Background(), NewRoute("GET", "/users/@me"), nil)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond,
		"second attempt must wait out the server's retry-after")
}

func TestDo_PlacesSnapshotInCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"77","name":"general","topic":"hi"}`))
	}))
	defer srv.Close()

	entityCache := cache.New(time.Minute, 100)
	defer entityCache.Close()
	client := newTestClient(t, srv.URL, entityCache)

	route := NewRoute("GET", "/channels/{channel_id}", "channel_id", "77")
	route.Collection = "channels"

	_, err := client.Do(context.Background(), route, nil)
	require.NoError(t, err)

	got, ok := entityCache.Get("channels", "77")
	require.True(t, ok, "response snapshot should land in the cache")
	assert.Equal(t, "general", got["name"])
}

func TestGatewayURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/gateway", r.URL.Path)
		w.Write([]byte(`{"url":"wss://gateway.example.test"}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, nil)

	url, err := client.GatewayURL(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "wss://gateway.example.test?v=9&encoding=json", url)
}

func TestGatewayURL_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, nil)

	_, err := client.GatewayURL(context.Background())
	assert.ErrorIs(t, err, ErrGatewayNotFound)
}

func TestParseRateLimit(t *testing.T) {
	header := http.Header{}
	header.Set("X-RateLimit-Bucket", "abcd")
	header.Set("X-RateLimit-Limit", "5")
	header.Set("X-RateLimit-Remaining", "2")
	header.Set("X-RateLimit-Reset-After", "2.5")

	obs := parseRateLimit(200, header)
	assert.Equal(t, "abcd", obs.Bucket)
	assert.Equal(t, 5, obs.Limit)
	assert.Equal(t, 2, obs.Remaining)
	assert.Equal(t, 2500*time.Millisecond, obs.ResetAfter)
	assert.Zero(t, obs.RetryAfter)
	assert.False(t, obs.Global)
}

func TestParseRateLimit_Global429(t *testing.T) {
	header := http.Header{}
	header.Set("Retry-After", "3")
	header.Set("X-RateLimit-Global", "true")

	obs := parseRateLimit(429, header)
	assert.Equal(t, 3*time.Second, obs.RetryAfter)
	assert.True(t, obs.Global)
}

func TestParseRateLimit_MissingHeaders(t *testing.T) {
	obs := parseRateLimit(200, http.Header{})
	assert.Equal(t, -1, obs.Remaining, "absent remaining header must not zero the bucket")
}
