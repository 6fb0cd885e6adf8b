package ratelimit

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"licensedesk.app/server/internal/logger"
)

type RateLimit interface {
	Allow(addr string) bool
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// KeyedLimiter keeps one token bucket per caller. Each bucket holds
// maxRequests tokens and refills completely over one interval.
type KeyedLimiter struct {
	maxRequests int
	interval    time.Duration
	visitors    map[string]*visitor
	mutex       sync.Mutex
	now         func() time.Time
}

func New(maxRequests int, interval time.Duration) *KeyedLimiter {
	return &KeyedLimiter{
		maxRequests: maxRequests,
		interval:    interval,
		visitors:    make(map[string]*visitor),
		now:         time.Now,
	}
}

func (kl *KeyedLimiter) Allow(addr string) bool {
	if kl.maxRequests <= 0 {
		return false
	}

	kl.mutex.Lock()
	defer kl.mutex.Unlock()

	now := kl.now()
	v := kl.visitors[addr]
	if v == nil {
		every := rate.Every(kl.interval / time.Duration(kl.maxRequests))
		v = &visitor{limiter: rate.NewLimiter(every, kl.maxRequests)}
		kl.visitors[addr] = v
	}
	v.lastSeen = now

	return v.limiter.AllowN(now, 1)
}

// Prune forgets callers idle for longer than idle. A forgotten caller starts
// again with a full bucket.
func (kl *KeyedLimiter) Prune(idle time.Duration) int {
	kl.mutex.Lock()
	defer kl.mutex.Unlock()

	cutoff := kl.now().Add(-idle)
	removed := 0
	for addr, v := range kl.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(kl.visitors, addr)
			removed++
		}
	}
	return removed
}

// Middleware rejects requests over the limit with 429. Callers are keyed by
// remote IP.
func Middleware(limiter RateLimit, retryAfter time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			addr := clientAddr(r)
			if !limiter.Allow(addr) {
				logger.Warn("Rate limit exceeded", map[string]interface{}{
					"remote_addr": addr,
					"method":      r.Method,
					"path":        r.URL.Path,
				})

				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]string{"error": "Rate limit exceeded"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
