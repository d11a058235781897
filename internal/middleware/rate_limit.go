package middleware

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/courtline/booking-engine/internal/utils"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// limiters idle longer than this are dropped
const defaultLimiterIdleTTL = 10 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64 // unix nanos
}

// RateLimiter keeps one token bucket per caller. Buckets of callers that went
// quiet are evicted, and a returning caller starts with a full burst.
type RateLimiter struct {
	limiters  sync.Map // key -> *limiterEntry
	rps       rate.Limit
	burst     int
	idleTTL   time.Duration
	lastPrune atomic.Int64
	now       func() time.Time
}

// NewRateLimiter creates a limiter allowing rps requests per second with burst
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 5
	}
	l := &RateLimiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		idleTTL: defaultLimiterIdleTTL,
		now:     time.Now,
	}
	l.lastPrune.Store(l.now().UnixNano())
	return l
}

func (l *RateLimiter) limiter(key string) *rate.Limiter {
	now := l.now()
	l.maybePrune(now)

	v, ok := l.limiters.Load(key)
	if !ok {
		v, _ = l.limiters.LoadOrStore(key, &limiterEntry{limiter: rate.NewLimiter(l.rps, l.burst)})
	}
	entry := v.(*limiterEntry)
	entry.lastSeen.Store(now.UnixNano())
	return entry.limiter
}

// maybePrune sweeps idle buckets at most once per idleTTL
func (l *RateLimiter) maybePrune(now time.Time) {
	last := l.lastPrune.Load()
	if now.UnixNano()-last < int64(l.idleTTL) {
		return
	}
	if !l.lastPrune.CompareAndSwap(last, now.UnixNano()) {
		return
	}
	l.prune(now)
}

func (l *RateLimiter) prune(now time.Time) int {
	cutoff := now.Add(-l.idleTTL).UnixNano()
	removed := 0
	l.limiters.Range(func(key, v any) bool {
		if v.(*limiterEntry).lastSeen.Load() < cutoff {
			l.limiters.Delete(key)
			removed++
		}
		return true
	})
	return removed
}

// Middleware limits by authenticated user, falling back to client IP
func (l *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ip:" + utils.ClientIP(c)
		if userCtx, ok := GetUserContext(c); ok {
			key = "user:" + userCtx.UserID.String()
		}

		if !l.limiter(key).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limited",
				"message": "Too many requests, slow down",
				"code":    "RATE_LIMITED",
			})
			return
		}
		c.Next()
	}
}
