package middleware

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"flowstream/internal/config"
	appmetrics "flowstream/internal/metrics"

	"github.com/gin-gonic/gin"
)

// tokenBucket 令牌桶
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	ratePerSec float64
	burst      float64
}

func newBucket(rpm, burst int, now time.Time) *tokenBucket {
	if rpm <= 0 {
		rpm = 60
	}
	if burst <= 0 {
		burst = rpm
	}
	return &tokenBucket{
		tokens:     float64(burst),
		lastRefill: now,
		ratePerSec: float64(rpm) / 60.0,
		burst:      float64(burst),
	}
}

func (b *tokenBucket) allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if elapsed := now.Sub(b.lastRefill).Seconds(); elapsed > 0 {
		b.tokens += elapsed * b.ratePerSec
		if b.tokens > b.burst {
			b.tokens = b.burst
		}
		b.lastRefill = now
	}
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// limiter 一组按 key 区分的令牌桶
type limiter struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket
	name    string
	prefix  string
	rpm     int
	burst   int
}

func (l *limiter) bucket(key string, now time.Time) *tokenBucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[key]; ok {
		return b
	}
	b := newBucket(l.rpm, l.burst, now)
	l.buckets[key] = b
	return b
}

// RateLimiter 按路径前缀选择限流规则，未命中时使用全局规则
type RateLimiter struct {
	keyHeader string
	paths     []*limiter
	global    *limiter
	now       func() time.Time
}

// NewRateLimiter cfg.Enabled 为 false 时返回 nil
func NewRateLimiter(cfg config.RateLimitingConfig) *RateLimiter {
	if !cfg.Enabled {
		return nil
	}
	rl := &RateLimiter{keyHeader: cfg.KeyHeader, now: time.Now}
	for _, p := range cfg.Paths {
		if !p.Enabled || p.RequestsPerMinute <= 0 || p.Prefix == "" {
			continue
		}
		rl.paths = append(rl.paths, &limiter{
			buckets: make(map[string]*tokenBucket),
			name:    p.Prefix,
			prefix:  p.Prefix,
			rpm:     p.RequestsPerMinute,
			burst:   p.Burst,
		})
	}
	if cfg.RequestsPerMinute > 0 {
		rl.global = &limiter{
			buckets: make(map[string]*tokenBucket),
			name:    "global",
			rpm:     cfg.RequestsPerMinute,
			burst:   cfg.Burst,
		}
	}
	return rl
}

func (rl *RateLimiter) key(c *gin.Context) string {
	if rl.keyHeader != "" {
		if v := c.GetHeader(rl.keyHeader); v != "" {
			if strings.EqualFold(rl.keyHeader, "X-Forwarded-For") {
				return strings.TrimSpace(strings.Split(v, ",")[0])
			}
			return v
		}
	}
	if ip := c.ClientIP(); ip != "" {
		return ip
	}
	return "unknown"
}

func (rl *RateLimiter) pick(path string) *limiter {
	for _, l := range rl.paths {
		if strings.HasPrefix(path, l.prefix) {
			return l
		}
	}
	return rl.global
}

// Middleware gin 中间件，超限返回 429 并计入 metrics
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	if rl == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		l := rl.pick(path)
		if l == nil {
			c.Next()
			return
		}
		now := rl.now()
		if !l.bucket(rl.key(c), now).allow(now) {
			appmetrics.IncRateLimitDrop(l.name)
			c.Header("Retry-After", "60")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "Too Many Requests",
				"message": "rate limit exceeded",
				"code":    http.StatusTooManyRequests,
			})
			return
		}
		c.Next()
	}
}

// RateLimitMiddlewareFromConfig 便捷构造
func RateLimitMiddlewareFromConfig(cfg *config.Config) gin.HandlerFunc {
	return NewRateLimiter(cfg.Security.RateLimiting).Middleware()
}
