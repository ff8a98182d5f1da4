package handlers_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/hearthworks/tally/api/handlers"
)

func TestTally_Handlers_RateLimiterAllow(t *testing.T) {
	t.Parallel()
	limiter := handlers.NewRateLimiter(rate.Limit(5), 5)

	ip := "192.168.1.1"
	for i := 0; i < 5; i++ {
		require.True(t, limiter.Allow(ip), "request %d should be allowed", i+1)
	}
	require.False(t, limiter.Allow(ip), "request 6 should be denied")

	// Each IP has its own bucket.
	require.True(t, limiter.Allow("192.168.1.2"))
}

func TestTally_Handlers_RateLimiterRefill(t *testing.T) {
	t.Parallel()
	limiter := handlers.NewRateLimiter(rate.Limit(10), 2)

	ip := "192.168.1.1"
	require.True(t, limiter.Allow(ip))
	require.True(t, limiter.Allow(ip))
	require.False(t, limiter.Allow(ip))

	// One token refills after 100ms at 10/sec.
	time.Sleep(150 * time.Millisecond)
	require.True(t, limiter.Allow(ip))
}

func TestTally_Handlers_RateLimitMiddleware(t *testing.T) {
	t.Parallel()
	limiter := handlers.NewRateLimiter(rate.Limit(1), 1)
	handler := handlers.RateLimitMiddleware(limiter)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/paddle", nil)
	req.RemoteAddr = "10.0.0.1:55555"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Retry-After"))
	require.Contains(t, rec.Body.String(), "RATE_LIMITED")

	// A forwarded client is keyed by its first X-Forwarded-For hop, not the
	// proxy address.
	forwarded := httptest.NewRequest(http.MethodPost, "/webhooks/paddle", nil)
	forwarded.RemoteAddr = "10.0.0.1:55555"
	forwarded.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, forwarded)
	require.Equal(t, http.StatusNoContent, rec.Code)
}
