package middleware

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/flowsend/engine/pkg/logger"
)

// limiterIdleAfter is how long a caller may stay silent before its bucket
// is evicted.
const limiterIdleAfter = 15 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter applies a per-caller token bucket, keyed by user id when
// authenticated and by remote address otherwise.
type RateLimiter struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
	rate    rate.Limit
	burst   int
	log     *logger.Logger

	stop     chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter creates a limiter allowing requestsPerSecond with the
// given burst per caller.
func NewRateLimiter(requestsPerSecond, burst int, log *logger.Logger) *RateLimiter {
	if log == nil {
		log = logger.NewDefault("ratelimit")
	}
	return &RateLimiter{
		entries: make(map[string]*limiterEntry),
		rate:    rate.Limit(requestsPerSecond),
		burst:   burst,
		log:     log,
		stop:    make(chan struct{}),
	}
}

func (rl *RateLimiter) limiter(key string, now time.Time) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, ok := rl.entries[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.entries[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter
}

// Handler returns the rate limiting middleware handler.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := GetUserID(r.Context())
		if key == "" {
			key = r.RemoteAddr
		}

		if !rl.limiter(key, time.Now()).Allow() {
			rl.log.WithFields(logger.Fields{"key": key, "path": r.URL.Path}).Warn("rate limit exceeded")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// StartCleanup evicts idle buckets on the given interval until StopCleanup
// is called. Active callers keep their bucket state.
func (rl *RateLimiter) StartCleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-rl.stop:
				return
			case <-ticker.C:
				rl.evictIdle(time.Now())
			}
		}
	}()
}

// StopCleanup terminates the cleanup goroutine. Safe to call more than once.
func (rl *RateLimiter) StopCleanup() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

func (rl *RateLimiter) evictIdle(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, entry := range rl.entries {
		if now.Sub(entry.lastSeen) > limiterIdleAfter {
			delete(rl.entries, key)
		}
	}
}
