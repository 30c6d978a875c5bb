package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type fixedClock struct{ t time.Time }

func (c *fixedClock) Now() time.Time { return c.t }

func newLimiter(t *testing.T, cfg RateLimitConfig) (*RateLimiter, *fixedClock, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	clock := &fixedClock{t: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
	return NewRateLimiter(client, cfg, clock, nil), clock, mr
}

func hit(h http.Handler, method, path, client string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("X-Client-ID", client)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

var ok = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

func TestRateLimiterThrottlesAndRefills(t *testing.T) {
	l, clock, _ := newLimiter(t, RateLimitConfig{Write: Bucket{Rate: 1, Burst: 2}})
	h := l.Middleware(ok)

	require.Equal(t, http.StatusOK, hit(h, http.MethodPost, "/v1/rides", "u-1").Code)
	require.Equal(t, http.StatusOK, hit(h, http.MethodPost, "/v1/rides", "u-1").Code)

	rec := hit(h, http.MethodPost, "/v1/rides", "u-1")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "1", rec.Header().Get("Retry-After"))

	// other callers have their own budget
	require.Equal(t, http.StatusOK, hit(h, http.MethodPost, "/v1/rides", "u-2").Code)

	clock.t = clock.t.Add(time.Second)
	require.Equal(t, http.StatusOK, hit(h, http.MethodPost, "/v1/rides", "u-1").Code)
}

func TestRateLimiterClasses(t *testing.T) {
	l, _, _ := newLimiter(t, RateLimitConfig{
		Write:    Bucket{Rate: 1, Burst: 1},
		Response: Bucket{Rate: 1, Burst: 1},
	})
	h := l.Middleware(ok)

	require.Equal(t, http.StatusOK, hit(h, http.MethodPost, "/v1/rides/x/start", "d-1").Code)
	require.Equal(t, http.StatusTooManyRequests, hit(h, http.MethodPost, "/v1/rides/x/start", "d-1").Code)
	require.Equal(t, http.StatusOK, hit(h, http.MethodPost, "/v1/rides/x/driver-response", "d-1").Code)

	// reads have no bucket configured
	for range 5 {
		require.Equal(t, http.StatusOK, hit(h, http.MethodGet, "/v1/rides/x", "d-1").Code)
	}
}

func TestRateLimiterPassesThroughWhenRedisIsDown(t *testing.T) {
	l, _, mr := newLimiter(t, RateLimitConfig{Write: Bucket{Rate: 1, Burst: 1}})
	mr.Close()
	h := l.Middleware(ok)
	require.Equal(t, http.StatusOK, hit(h, http.MethodPost, "/v1/rides", "u-1").Code)
	require.Equal(t, http.StatusOK, hit(h, http.MethodPost, "/v1/rides", "u-1").Code)
}

func TestCallerID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.7:5123"
	require.Equal(t, "10.0.0.7", callerID(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	require.Equal(t, "203.0.113.9", callerID(req))

	req.Header.Set("X-Client-ID", "rider-42")
	require.Equal(t, "rider-42", callerID(req))
}
