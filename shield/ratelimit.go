package shield

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/puzpuzpuz/xsync/v3"
)

type bucket struct {
	mu      sync.Mutex
	count   int
	resetAt time.Time
}

// RateLimiter enforces fixed-window limits per client IP and endpoint.
// Endpoints are keyed by method and chi route pattern, so
// "POST /api/sessions/{sessionID}/changes" covers every session.
type RateLimiter struct {
	rules   map[string]RateLimit
	buckets *xsync.MapOf[string, *bucket]
	exclude []string
	now     func() time.Time
	nextGC  atomic.Int64
}

// NewRateLimiter creates a limiter for the given rules. Paths under an
// excluded prefix are never limited.
func NewRateLimiter(rules map[string]RateLimit, excludePrefixes ...string) *RateLimiter {
	return &RateLimiter{
		rules:   rules,
		buckets: xsync.NewMapOf[string, *bucket](),
		exclude: excludePrefixes,
		now:     time.Now,
	}
}

// GC drops expired buckets. It also runs at most once a minute from the
// request path.
func (rl *RateLimiter) GC() {
	now := rl.now()
	rl.buckets.Range(func(key string, b *bucket) bool {
		b.mu.Lock()
		expired := now.After(b.resetAt)
		b.mu.Unlock()
		if expired {
			rl.buckets.Delete(key)
		}
		return true
	})
}

func (rl *RateLimiter) allow(ip, endpoint string) (bool, time.Duration) {
	cfg, ok := rl.rules[endpoint]
	if !ok || cfg.MaxRequests <= 0 || cfg.Window <= 0 {
		return true, 0
	}

	now := rl.now()
	if next := rl.nextGC.Load(); now.UnixNano() > next && rl.nextGC.CompareAndSwap(next, now.Add(time.Minute).UnixNano()) {
		rl.GC()
	}
	b, _ := rl.buckets.LoadOrCompute(ip+" "+endpoint, func() *bucket {
		return &bucket{resetAt: now.Add(cfg.Window)}
	})

	b.mu.Lock()
	defer b.mu.Unlock()
	if now.After(b.resetAt) {
		b.count = 0
		b.resetAt = now.Add(cfg.Window)
	}
	b.count++
	return b.count <= cfg.MaxRequests, b.resetAt.Sub(now)
}

// Middleware answers 429 with a JSON error once a client exceeds the
// limit of the matched route. It must run inside the chi router so the
// route pattern is known.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, prefix := range rl.exclude {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}

		endpoint := r.Method + " " + routePattern(r)
		ip := ExtractIP(r)
		ok, retry := rl.allow(ip, endpoint)
		if ok {
			next.ServeHTTP(w, r)
			return
		}

		slog.Warn("ratelimit: request blocked", "ip", ip, "endpoint", endpoint)
		w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds())+1))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
	})
}

// routePattern resolves the chi route pattern of r, falling back to the
// raw path outside a chi router.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	if p := rctx.RoutePattern(); p != "" {
		return p
	}
	// Middleware registered with Use runs before routing completes.
	tctx := chi.NewRouteContext()
	if rctx.Routes != nil && rctx.Routes.Match(tctx, r.Method, r.URL.Path) {
		return tctx.RoutePattern()
	}
	return r.URL.Path
}

// ExtractIP returns the client IP from X-Forwarded-For or RemoteAddr.
func ExtractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
