package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/sagewell/carebook-platform/internal/identity"
)

// evictAfter is how long an idle bucket survives before a later request
// sweeps it out.
const evictAfter = 10 * time.Minute

// Limiter throttles callers with a token bucket per key. Authenticated
// requests are keyed by user so a shared NAT does not starve clients;
// anonymous requests fall back to the client address.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    float64
	burst   float64
	swept   time.Time

	// now is injectable for tests; defaults to time.Now.
	now func() time.Time
}

type bucket struct {
	tokens float64
	seen   time.Time
}

// NewLimiter allows rate requests/sec with the given burst per key.
func NewLimiter(rate float64, burst int) *Limiter {
	return &Limiter{
		buckets: make(map[string]*bucket),
		rate:    rate,
		burst:   float64(burst),
		now:     time.Now,
	}
}

// Allow reports whether the caller identified by key may proceed.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweep(now)

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.burst}
		l.buckets[key] = b
	} else {
		b.tokens += now.Sub(b.seen).Seconds() * l.rate
		if b.tokens > l.burst {
			b.tokens = l.burst
		}
	}
	b.seen = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// sweep evicts idle buckets. Runs at most once per eviction interval, on
// the caller's goroutine, so the limiter needs no background ticker.
func (l *Limiter) sweep(now time.Time) {
	if now.Sub(l.swept) < evictAfter {
		return
	}
	l.swept = now
	cutoff := now.Add(-evictAfter)
	for key, b := range l.buckets {
		if b.seen.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}

// limitKey picks the bucket for a request: the authenticated user when the
// session layer has run, otherwise the client address.
func limitKey(r *http.Request) string {
	if actor, ok := identity.ActorFromContext(r.Context()); ok {
		return "user:" + actor.UserID.String()
	}
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return "addr:" + xri
	}
	return "addr:" + r.RemoteAddr
}

// RateLimit rejects callers that exceed the configured rate with
// 429 Too Many Requests.
func RateLimit(rate float64, burst int) func(http.Handler) http.Handler {
	limiter := NewLimiter(rate, burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(limitKey(r)) {
				w.Header().Set("Retry-After", "1")
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
