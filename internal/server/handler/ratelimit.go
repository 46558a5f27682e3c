package handler

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// transportLimiter holds per-client token buckets. This is the coarse
// transport-level pre-filter; the sliding-window limiter inside the verify
// service applies its own per-key policy behind it.
type transportLimiter struct {
	mu      sync.Mutex
	buckets map[string]*clientBucket
	rps     rate.Limit
	burst   int
}

type clientBucket struct {
	bucket   *rate.Limiter
	lastSeen time.Time
}

func (t *transportLimiter) allow(ip string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.buckets[ip]
	if !ok {
		b = &clientBucket{bucket: rate.NewLimiter(t.rps, t.burst)}
		t.buckets[ip] = b
	}
	b.lastSeen = time.Now()
	return b.bucket.Allow()
}

// sweep drops buckets idle longer than maxIdle.
func (t *transportLimiter) sweep(maxIdle time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for ip, b := range t.buckets {
		if time.Since(b.lastSeen) > maxIdle {
			delete(t.buckets, ip)
		}
	}
}

// RateLimiter returns a Gin middleware enforcing a per-IP token bucket of
// rps requests per second with the given burst.
func RateLimiter(rps, burst int) gin.HandlerFunc {
	tl := &transportLimiter{
		buckets: make(map[string]*clientBucket),
		rps:     rate.Limit(rps),
		burst:   burst,
	}

	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			tl.sweep(10 * time.Minute)
		}
	}()

	return func(c *gin.Context) {
		if !tl.allow(c.ClientIP()) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
