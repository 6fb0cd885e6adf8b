package ratelimit

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(maxRequests int, interval time.Duration) (*KeyedLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)}
	limiter := New(maxRequests, interval)
	limiter.now = clock.now
	return limiter, clock
}

func TestKeyedLimiter_Allow_BasicFunctionality(t *testing.T) {
	limiter, _ := newTestLimiter(3, time.Minute) // 3 requests per minute

	for i := 0; i < 3; i++ {
		if !limiter.Allow("192.168.1.1") {
			t.Errorf("Request %d should be allowed, but was denied", i+1)
		}
	}

	if limiter.Allow("192.168.1.1") {
		t.Error("4th request should be denied, but was allowed")
	}
}

func TestKeyedLimiter_Allow_DifferentIPs(t *testing.T) {
	limiter, _ := newTestLimiter(2, time.Minute)

	ip1 := "192.168.1.1"
	ip2 := "192.168.1.2"

	if !limiter.Allow(ip1) {
		t.Error("First request for ip1 should be allowed")
	}
	if !limiter.Allow(ip1) {
		t.Error("Second request for ip1 should be allowed")
	}
	if limiter.Allow(ip1) {
		t.Error("Third request for ip1 should be denied")
	}

	// ip2 has its own bucket
	if !limiter.Allow(ip2) {
		t.Error("First request for ip2 should be allowed")
	}
	if !limiter.Allow(ip2) {
		t.Error("Second request for ip2 should be allowed")
	}
	if limiter.Allow(ip2) {
		t.Error("Third request for ip2 should be denied")
	}
}

func TestKeyedLimiter_Allow_Refill(t *testing.T) {
	limiter, clock := newTestLimiter(2, time.Minute) // one token every 30s
	ip := "192.168.1.1"

	limiter.Allow(ip)
	limiter.Allow(ip)
	if limiter.Allow(ip) {
		t.Error("Third request should be denied")
	}

	clock.advance(20 * time.Second)
	if limiter.Allow(ip) {
		t.Error("Request before a token refilled should be denied")
	}

	clock.advance(11 * time.Second)
	if !limiter.Allow(ip) {
		t.Error("Request after one token refilled should be allowed")
	}
	if limiter.Allow(ip) {
		t.Error("Only one token should have refilled")
	}

	clock.advance(5 * time.Minute)
	if !limiter.Allow(ip) || !limiter.Allow(ip) {
		t.Error("Bucket should be full after a long pause")
	}
	if limiter.Allow(ip) {
		t.Error("Bucket never holds more than maxRequests tokens")
	}
}

func TestKeyedLimiter_Allow_EdgeCases(t *testing.T) {
	tests := []struct {
		name        string
		maxRequests int
		identifier  string
		requests    int
		expectPass  bool
	}{
		{
			name:        "zero limit should deny all",
			maxRequests: 0,
			identifier:  "192.168.1.1",
			requests:    1,
			expectPass:  false,
		},
		{
			name:        "single request limit",
			maxRequests: 1,
			identifier:  "192.168.1.1",
			requests:    1,
			expectPass:  true,
		},
		{
			name:        "empty identifier",
			maxRequests: 5,
			identifier:  "",
			requests:    3,
			expectPass:  true,
		},
		{
			name:        "very long identifier",
			maxRequests: 5,
			identifier:  "very.long.identifier.with.many.dots.and.characters.192.168.1.100",
			requests:    3,
			expectPass:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limiter, _ := newTestLimiter(tt.maxRequests, time.Minute)

			var lastResult bool
			for i := 0; i < tt.requests; i++ {
				lastResult = limiter.Allow(tt.identifier)
			}

			if lastResult != tt.expectPass {
				t.Errorf("Expected %v, got %v for %d requests with limit %d",
					tt.expectPass, lastResult, tt.requests, tt.maxRequests)
			}
		})
	}
}

func TestKeyedLimiter_Allow_ConcurrentAccess(t *testing.T) {
	limiter := New(100, time.Minute)
	ip := "192.168.1.1"

	done := make(chan bool, 10)
	allowed := make(chan bool, 50)

	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 5; j++ {
				allowed <- limiter.Allow(ip)
			}
			done <- true
		}()
	}

	for i := 0; i < 10; i++ {
		<-done
	}

	allowedCount := 0
	for i := 0; i < 50; i++ {
		if <-allowed {
			allowedCount++
		}
	}

	if allowedCount != 50 {
		t.Errorf("Expected 50 allowed requests, got %d", allowedCount)
	}
}

func TestKeyedLimiter_Prune(t *testing.T) {
	limiter, clock := newTestLimiter(1, time.Hour)

	limiter.Allow("old")
	clock.advance(20 * time.Minute)
	limiter.Allow("recent")

	if removed := limiter.Prune(10 * time.Minute); removed != 1 {
		t.Errorf("Expected 1 pruned visitor, got %d", removed)
	}
	if !limiter.Allow("old") {
		t.Error("Pruned visitor should start with a full bucket")
	}
	if limiter.Allow("recent") {
		t.Error("Recent visitor should keep its empty bucket")
	}
}

func TestMiddleware(t *testing.T) {
	limiter, _ := newTestLimiter(1, time.Minute)
	handler := Middleware(limiter, time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/licenses/validate", nil)
	req.RemoteAddr = "10.0.0.1:5555"

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	// Same IP from another port shares the bucket.
	req.RemoteAddr = "10.0.0.1:6666"
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected status %d, got %d", http.StatusTooManyRequests, w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "60" {
		t.Errorf("Expected Retry-After 60, got %q", got)
	}
}

func BenchmarkKeyedLimiter_Allow(b *testing.B) {
	limiter := New(1000000, time.Minute)
	ip := "192.168.1.1"

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		limiter.Allow(ip)
	}
}

func BenchmarkKeyedLimiter_Allow_DifferentIPs(b *testing.B) {
	limiter := New(1000000, time.Minute)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ip := fmt.Sprintf("192.168.1.%d", i%256)
		limiter.Allow(ip)
	}
}
