// Package ratelimit throttles API callers with a per-caller token bucket.
package ratelimit

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/bountypay/internal/apperr"
	"github.com/mbd888/bountypay/internal/auth"
)

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute is the sustained rate allowed per caller.
	RequestsPerMinute int
	// BurstSize allows brief bursts above the limit
	BurstSize int
	// CleanupInterval is how often idle callers are forgotten.
	CleanupInterval time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 120,
		BurstSize:         20,
		CleanupInterval:   time.Minute,
	}
}

// Limiter tracks rate limits by key
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	clients map[string]*bucket
	stop    chan struct{}
	once    sync.Once
	now     func() time.Time
}

type bucket struct {
	tokens    float64
	lastCheck time.Time
}

// New creates a new rate limiter and starts its cleanup loop.
func New(cfg Config) *Limiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = DefaultConfig().RequestsPerMinute
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 1
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	l := &Limiter{
		cfg:     cfg,
		clients: make(map[string]*bucket),
		stop:    make(chan struct{}),
		now:     time.Now,
	}
	go l.cleanup()
	return l
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.evictIdle()
		case <-l.stop:
			return
		}
	}
}

// evictIdle drops buckets that have refilled completely; they carry no
// state a fresh bucket would not.
func (l *Limiter) evictIdle() {
	l.mu.Lock()
	defer l.mu.Unlock()
	refill := time.Duration(float64(l.cfg.BurstSize) / l.rate() * float64(time.Second))
	cutoff := l.now().Add(-refill)
	for key, b := range l.clients {
		if b.lastCheck.Before(cutoff) {
			delete(l.clients, key)
		}
	}
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

func (l *Limiter) rate() float64 {
	return float64(l.cfg.RequestsPerMinute) / 60.0
}

// Allow checks if a request should be allowed
func (l *Limiter) Allow(key string) bool {
	ok, _ := l.take(key)
	return ok
}

// take consumes a token for key. When none is left it reports how long
// until one is.
func (l *Limiter) take(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, exists := l.clients[key]
	if !exists {
		l.clients[key] = &bucket{tokens: float64(l.cfg.BurstSize - 1), lastCheck: now}
		return true, 0
	}

	b.tokens += now.Sub(b.lastCheck).Seconds() * l.rate()
	if b.tokens > float64(l.cfg.BurstSize) {
		b.tokens = float64(l.cfg.BurstSize)
	}
	b.lastCheck = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	wait := time.Duration((1 - b.tokens) / l.rate() * float64(time.Second))
	return false, wait
}

// Key identifies the caller: the authenticated user when there is one,
// otherwise the client address.
func Key(c *gin.Context) string {
	if userID := auth.UserID(c); userID != "" {
		return "user:" + userID
	}
	return "ip:" + c.ClientIP()
}

// Middleware returns a Gin middleware that rate limits by caller. Install
// it after authentication so users are keyed by id.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, wait := l.take(Key(c))
		if !ok {
			secs := int(wait.Seconds()) + 1
			c.Header("Retry-After", strconv.Itoa(secs))
			apperr.Respond(c, apperr.New(apperr.KindRateLimited, "ratelimit",
				"Too many requests. Please slow down."))
			return
		}
		c.Next()
	}
}
