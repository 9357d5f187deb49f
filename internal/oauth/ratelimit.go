package oauth

import (
	"net"
	"net/http"
	"strconv"
	"sync"

	"mcpgate/pkg/logging"

	"golang.org/x/time/rate"
)

// maxBuckets bounds the limiter map; when exceeded the map is reset rather
// than letting abandoned identities accumulate.
const maxBuckets = 10000

// RateLimiter enforces a per-identity token bucket on authenticated routes.
// The identity is the bearer principal when present, the client address
// otherwise.
type RateLimiter struct {
	perMinute int
	burst     int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewRateLimiter builds a limiter allowing perMinute requests with the given
// burst per identity. A non-positive perMinute disables limiting.
func NewRateLimiter(perMinute, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		perMinute: perMinute,
		burst:     burst,
		buckets:   make(map[string]*rate.Limiter),
	}
}

// Allow reports whether the identity may proceed.
func (l *RateLimiter) Allow(key string) bool {
	if l.perMinute <= 0 {
		return true
	}

	l.mu.Lock()
	lim, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= maxBuckets {
			l.buckets = make(map[string]*rate.Limiter)
		}
		lim = rate.NewLimiter(rate.Limit(float64(l.perMinute)/60.0), l.burst)
		l.buckets[key] = lim
	}
	l.mu.Unlock()

	return lim.Allow()
}

// Middleware answers 429 with a Retry-After hint once an identity exhausts
// its bucket. It must sit behind the auth middleware.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := limiterKey(r)
		if !l.Allow(key) {
			logging.Warn("OAuth", "Rate limit exceeded for %s on %s", key, r.URL.Path)
			w.Header().Set("Retry-After", strconv.Itoa(l.retryAfterSeconds()))
			writeJSON(w, http.StatusTooManyRequests, map[string]string{
				"error": "rate limit exceeded",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *RateLimiter) retryAfterSeconds() int {
	if l.perMinute <= 0 {
		return 1
	}
	secs := 60 / l.perMinute
	if secs < 1 {
		secs = 1
	}
	return secs
}

func limiterKey(r *http.Request) string {
	if id, ok := IdentityFromContext(r.Context()); ok {
		if id.Static {
			return "static:" + id.Token
		}
		return "client:" + id.ClientID
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return "addr:" + host
	}
	return "addr:" + r.RemoteAddr
}
