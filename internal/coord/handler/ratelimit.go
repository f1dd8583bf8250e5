package handler

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	// rateBucketIdle is how long a client may stay quiet before its bucket
	// is dropped; rateSweepInterval is how often the sweep runs.
	rateBucketIdle    = 10 * time.Minute
	rateSweepInterval = 5 * time.Minute
)

// clientBucket pairs a token bucket with its last activity for expiry.
type clientBucket struct {
	tokens   *rate.Limiter
	lastSeen time.Time
}

// ipRateLimiter throttles per source IP. Buckets are created on first
// contact and swept once idle so the map cannot grow unbounded.
type ipRateLimiter struct {
	mu      sync.Mutex
	rps     rate.Limit
	burst   int
	buckets map[string]*clientBucket
}

// RateLimiter returns middleware enforcing a per-IP token bucket: rps is
// the steady refill rate, burst the bucket capacity. Throttled requests get
// a 429 with Retry-After.
func RateLimiter(rps, burst int) gin.HandlerFunc {
	l := &ipRateLimiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		buckets: make(map[string]*clientBucket),
	}
	go l.sweep()

	return func(c *gin.Context) {
		if !l.allow(c.ClientIP()) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func (l *ipRateLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[ip]
	if !ok {
		b = &clientBucket{tokens: rate.NewLimiter(l.rps, l.burst)}
		l.buckets[ip] = b
	}
	b.lastSeen = time.Now()
	return b.tokens.Allow()
}

func (l *ipRateLimiter) sweep() {
	ticker := time.NewTicker(rateSweepInterval)
	defer ticker.Stop()
	for range ticker.C {
		l.mu.Lock()
		for ip, b := range l.buckets {
			if time.Since(b.lastSeen) > rateBucketIdle {
				delete(l.buckets, ip)
			}
		}
		l.mu.Unlock()
	}
}
