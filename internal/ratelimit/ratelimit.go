// Package ratelimit throttles scoring clients with a per-client token bucket.
package ratelimit

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/txfeatures/internal/metrics"
)

// ClientHeader lets a trusted upstream name the client being limited.
const ClientHeader = "X-Client-ID"

// Config configures rate limiting
type Config struct {
	RequestsPerMinute int
	Burst             int
	// IdleAfter drops a client's bucket once it has been unused this long.
	IdleAfter time.Duration
}

// Limiter tracks one token bucket per client key.
type Limiter struct {
	rate  float64 // tokens per second
	burst float64
	idle  time.Duration
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	tokens float64
	seen   time.Time
}

// New creates a limiter. Call Run to evict idle clients.
func New(cfg Config) *Limiter {
	idle := cfg.IdleAfter
	if idle <= 0 {
		idle = 2 * time.Minute
	}
	return &Limiter{
		rate:    float64(cfg.RequestsPerMinute) / 60,
		burst:   float64(cfg.Burst),
		idle:    idle,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// Run evicts idle buckets until ctx is done.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(l.idle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.evict()
		}
	}
}

func (l *Limiter) evict() {
	cutoff := l.now().Add(-l.idle)
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if b.seen.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}

// Allow takes a token for key. When none is left it returns false and how
// long until the next token.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.burst, seen: now}
		l.buckets[key] = b
	}

	b.tokens = math.Min(l.burst, b.tokens+now.Sub(b.seen).Seconds()*l.rate)
	b.seen = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	wait := time.Duration((1 - b.tokens) / l.rate * float64(time.Second))
	return false, wait
}

// Len returns the number of tracked clients.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Middleware rejects requests over the limit with 429.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(ClientHeader)
		if key == "" {
			key = c.ClientIP()
		}

		ok, wait := l.Allow(key)
		if !ok {
			metrics.RateLimitedTotal.Inc()
			secs := int(math.Ceil(wait.Seconds()))
			c.Header("Retry-After", strconv.Itoa(secs))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": secs,
			})
			return
		}

		c.Next()
	}
}
