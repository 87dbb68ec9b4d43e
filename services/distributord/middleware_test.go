package distributord

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHasScopes(t *testing.T) {
	require.True(t, hasScopes([]string{ScopeRead, ScopeSubmit}, []string{ScopeSubmit}))
	require.False(t, hasScopes([]string{ScopeRead}, []string{ScopeSubmit}))
	require.True(t, hasScopes([]string{ScopeAdmin}, []string{ScopeRead, ScopeSubmit}))
	require.True(t, hasScopes(nil, nil))
}

func TestExtractBearer(t *testing.T) {
	require.Equal(t, "abc", extractBearer("Bearer abc"))
	require.Equal(t, "abc", extractBearer("bearer  abc "))
	require.Empty(t, extractBearer("Basic abc"))
	require.Empty(t, extractBearer("abc"))
}

func TestClientKey(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	require.Equal(t, "ip:10.0.0.1", clientKey(req))

	req.Header.Set("X-Forwarded-For", "192.0.2.4, 10.0.0.1")
	require.Equal(t, "ip:192.0.2.4", clientKey(req))

	req.Header.Set("X-Real-IP", "198.51.100.7")
	require.Equal(t, "ip:198.51.100.7", clientKey(req))

	req = req.WithContext(context.WithValue(req.Context(), contextKeySubject, "relayer"))
	require.Equal(t, "sub:relayer", clientKey(req))
}

func TestRateLimiterForgetsIdleClients(t *testing.T) {
	limiter := NewRateLimiter(RateLimitConfig{RequestsPerMinute: 0.6, Burst: 1}, nil)
	require.True(t, limiter.allow("a"))
	require.False(t, limiter.allow("a"))
	require.True(t, limiter.allow("b"))

	base := limiter.nowFn()
	limiter.nowFn = func() time.Time { return base.Add(10 * time.Minute) }
	require.True(t, limiter.allow("c"))
	limiter.mu.Lock()
	_, kept := limiter.visitors["a"]
	limiter.mu.Unlock()
	require.False(t, kept)
}
