package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/rideflow/internal/ride/domain"
)

var throttled = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ride_api_throttled_total",
	Help: "Requests rejected by the API rate limiter.",
}, []string{"class"})

// Bucket is a token bucket: Rate tokens per second up to Burst.
type Bucket struct {
	Rate  float64
	Burst int
}

func (b Bucket) enabled() bool { return b.Rate > 0 && b.Burst > 0 }

// RateLimitConfig sets one bucket each for reads, state-changing calls and
// driver responses.
type RateLimitConfig struct {
	Read     Bucket
	Write    Bucket
	Response Bucket
	Prefix   string
}

// RateLimiter throttles API callers with a token bucket kept in Redis. All
// replicas share one budget per client.
type RateLimiter struct {
	client redis.Scripter
	cfg    RateLimitConfig
	clock  domain.Clock
	logger *zap.Logger
	script *redis.Script
}

// NewRateLimiter constructs the limiter.
func NewRateLimiter(client redis.Scripter, cfg RateLimitConfig, clock domain.Clock, logger *zap.Logger) *RateLimiter {
	if cfg.Prefix == "" {
		cfg.Prefix = "ride:ratelimit"
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{client: client, cfg: cfg, clock: clock, logger: logger, script: redis.NewScript(tokenBucketLua)}
}

// Middleware rejects callers over budget with 429 and a Retry-After header.
// When Redis is unreachable requests pass through.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		class, bucket := l.classify(r)
		if !bucket.enabled() {
			next.ServeHTTP(w, r)
			return
		}
		wait, err := l.take(r.Context(), class, callerID(r), bucket)
		if err != nil {
			l.logger.Warn("rate limiter unavailable", zap.String("class", class), zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}
		if wait > 0 {
			throttled.WithLabelValues(class).Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int((wait+time.Second-1)/time.Second)))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *RateLimiter) classify(r *http.Request) (string, Bucket) {
	switch {
	case r.Method == http.MethodGet || r.Method == http.MethodHead:
		return "read", l.cfg.Read
	case strings.HasSuffix(r.URL.Path, "/driver-response"):
		return "response", l.cfg.Response
	default:
		return "write", l.cfg.Write
	}
}

// take spends one token and returns how long the caller must wait when the
// bucket is empty.
func (l *RateLimiter) take(ctx context.Context, class, caller string, b Bucket) (time.Duration, error) {
	key := l.cfg.Prefix + ":" + class + ":" + caller
	res, err := l.script.Run(ctx, l.client, []string{key}, l.clock.Now().UnixMilli(), b.Rate, b.Burst).Int64Slice()
	if err != nil {
		return 0, fmt.Errorf("token bucket: %w", err)
	}
	if len(res) != 2 {
		return 0, fmt.Errorf("token bucket: unexpected reply %v", res)
	}
	if res[0] == 1 {
		return 0, nil
	}
	return time.Duration(res[1]) * time.Millisecond, nil
}

// callerID prefers an explicit client id, then the first forwarded address.
func callerID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Client-ID")); id != "" {
		return id
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return "anonymous"
}

// Returns {1, 0} when a token was taken, otherwise {0, wait_ms}.
const tokenBucketLua = `
local now = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local burst = tonumber(ARGV[3])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(state[1]) or burst
local ts = tonumber(state[2]) or now

if now > ts then
  tokens = math.min(burst, tokens + (now - ts) * rate / 1000)
  ts = now
end

local allowed = 0
local wait = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
else
  wait = math.ceil((1 - tokens) * 1000 / rate)
end

redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'ts', tostring(ts))
redis.call('PEXPIRE', KEYS[1], math.ceil(burst * 1000 / rate) + 1000)
return {allowed, wait}
`
