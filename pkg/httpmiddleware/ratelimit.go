package httpmiddleware

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimitConfig configures the per-client sliding window limiter.
type RateLimitConfig struct {
	Max    int
	Window time.Duration
	// KeyFunc identifies the client. Defaults to ClientKey.
	KeyFunc func(*http.Request) string
	// Now overrides the clock in tests.
	Now func() time.Time
}

// window approximates a sliding window from two fixed buckets.
type window struct {
	start time.Time
	prev  int
	curr  int
}

type limiter struct {
	max  int
	size time.Duration
	key  func(*http.Request) string
	now  func() time.Time

	mu      sync.Mutex
	windows map[string]*window
}

func newLimiter(cfg RateLimitConfig) *limiter {
	l := &limiter{
		max:     cfg.Max,
		size:    cfg.Window,
		key:     cfg.KeyFunc,
		now:     cfg.Now,
		windows: make(map[string]*window),
	}
	if l.key == nil {
		l.key = ClientKey
	}
	if l.now == nil {
		l.now = time.Now
	}
	return l
}

// take consumes one request for key if the estimated rate allows it.
func (l *limiter) take(key string) (remaining int, reset time.Time, ok bool) {
	now := l.now()
	bucket := now.Truncate(l.size)

	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.windows[key]
	switch {
	case w == nil:
		w = &window{start: bucket}
		l.windows[key] = w
	case bucket.Sub(w.start) >= 2*l.size:
		*w = window{start: bucket}
	case bucket.After(w.start):
		*w = window{start: bucket, prev: w.curr}
	}

	weight := 1 - float64(now.Sub(w.start))/float64(l.size)
	used := int(float64(w.prev)*weight) + w.curr
	reset = w.start.Add(l.size)
	if used >= l.max {
		return 0, reset, false
	}
	w.curr++
	return l.max - used - 1, reset, true
}

// evict drops clients idle for two windows.
func (l *limiter) evict() {
	cutoff := l.now().Add(-2 * l.size)

	l.mu.Lock()
	defer l.mu.Unlock()
	for k, w := range l.windows {
		if w.start.Before(cutoff) {
			delete(l.windows, k)
		}
	}
}

func (l *limiter) middleware(next http.Handler) http.Handler {
	limit := strconv.Itoa(l.max)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		remaining, reset, ok := l.take(l.key(r))

		h := w.Header()
		h.Set("X-RateLimit-Limit", limit)
		h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
		if !ok {
			retry := max(int(reset.Sub(l.now()).Round(time.Second)/time.Second), 1)
			h.Set("Retry-After", strconv.Itoa(retry))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RateLimit limits requests per client without background eviction.
func RateLimit(cfg RateLimitConfig) Middleware {
	return newLimiter(cfg).middleware
}

// RateLimitWithCleanup is RateLimit plus a goroutine that evicts idle
// clients until ctx is done.
func RateLimitWithCleanup(ctx context.Context, cfg RateLimitConfig) Middleware {
	l := newLimiter(cfg)
	go func() {
		ticker := time.NewTicker(2 * l.size)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.evict()
			}
		}
	}()
	return l.middleware
}

// ClientKey identifies a client by its API key when present, otherwise by
// the first X-Forwarded-For hop, X-Real-IP or the remote address.
func ClientKey(r *http.Request) string {
	if k := r.Header.Get("api_key"); k != "" {
		return "key:" + k
	}
	return "ip:" + clientIP(r)
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
