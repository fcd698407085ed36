package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/stellapay/escrowd/internal/auth"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(rpm, burst int) (*Limiter, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := New(Config{RequestsPerMinute: rpm, BurstSize: burst, CleanupInterval: time.Hour}).WithClock(clock.Now)
	return l, clock
}

func TestLimiterAllow(t *testing.T) {
	limiter, clock := newTestLimiter(60, 5)
	defer limiter.Stop()

	for i := 0; i < 5; i++ {
		if !limiter.Allow("ip:1.2.3.4") {
			t.Errorf("Request %d should be allowed (within burst)", i)
		}
	}
	if limiter.Allow("ip:1.2.3.4") {
		t.Error("Request after burst should be denied")
	}

	// 60/min refills one token per second.
	clock.Advance(time.Second)
	if !limiter.Allow("ip:1.2.3.4") {
		t.Error("Request after waiting should be allowed")
	}
	if limiter.Allow("ip:1.2.3.4") {
		t.Error("Only one token should have refilled")
	}
}

func TestLimiterMultipleClients(t *testing.T) {
	limiter, _ := newTestLimiter(60, 3)
	defer limiter.Stop()

	for i := 0; i < 3; i++ {
		limiter.Allow("id:alice")
	}
	if limiter.Allow("id:alice") {
		t.Error("alice should be rate limited")
	}
	if !limiter.Allow("id:bob") {
		t.Error("bob should not be rate limited")
	}
}

func TestLimiterRefillCapsAtBurst(t *testing.T) {
	limiter, clock := newTestLimiter(600, 2)
	defer limiter.Stop()

	limiter.Allow("k")
	clock.Advance(time.Hour)
	allowed := 0
	for i := 0; i < 10; i++ {
		if limiter.Allow("k") {
			allowed++
		}
	}
	if allowed != 2 {
		t.Errorf("expected refill capped at burst 2, got %d", allowed)
	}
}

func TestLimiterEvictIdle(t *testing.T) {
	limiter, clock := newTestLimiter(60, 1)
	defer limiter.Stop()

	limiter.Allow("k")
	if limiter.Allow("k") {
		t.Fatal("second request should be denied")
	}
	clock.Advance(3 * time.Minute)
	limiter.evictIdle()

	limiter.mu.Lock()
	n := len(limiter.clients)
	limiter.mu.Unlock()
	if n != 0 {
		t.Errorf("expected idle bucket evicted, %d remain", n)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig(120)
	if cfg.RequestsPerMinute != 120 || cfg.BurstSize != 20 {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if cfg.CleanupInterval != time.Minute {
		t.Errorf("Expected 1 minute cleanup interval, got %v", cfg.CleanupInterval)
	}

	cfg = DefaultConfig(0)
	if cfg.RequestsPerMinute != 120 {
		t.Errorf("expected fallback to 120 rpm, got %d", cfg.RequestsPerMinute)
	}
	if DefaultConfig(6).BurstSize != 5 {
		t.Error("expected minimum burst of 5")
	}
}

func TestMiddlewareKeysByIdentity(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter, _ := newTestLimiter(60, 1)
	defer limiter.Stop()

	r := gin.New()
	r.Use(func(c *gin.Context) {
		if id := c.GetHeader("X-Test-Identity"); id != "" {
			c.Set(auth.ContextKeyIdentity, id)
		}
		c.Next()
	})
	r.Use(limiter.Middleware())
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	do := func(identity string) int {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		if identity != "" {
			req.Header.Set("X-Test-Identity", identity)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	if code := do(""); code != http.StatusNoContent {
		t.Fatalf("first anonymous request: got %d", code)
	}
	if code := do(""); code != http.StatusTooManyRequests {
		t.Fatalf("second anonymous request: got %d", code)
	}
	// Same IP, but an authenticated caller has its own bucket.
	if code := do("alice"); code != http.StatusNoContent {
		t.Fatalf("alice: got %d", code)
	}
	if code := do("bob"); code != http.StatusNoContent {
		t.Fatalf("bob: got %d", code)
	}
}

func TestMiddlewareRetryAfterHeader(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter, _ := newTestLimiter(30, 1)
	defer limiter.Stop()

	r := gin.New()
	r.Use(limiter.Middleware())
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ping", nil))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "2" {
		t.Errorf("expected Retry-After 2, got %q", got)
	}
}
