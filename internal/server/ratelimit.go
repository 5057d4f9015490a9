package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// rateLimiter is a fixed-window per-client limiter guarding the manual
// run trigger. Billing runs are expensive; bursts of triggers are
// operator error, not load.
type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	limit   int
	clients map[string]*clientWindow
}

type clientWindow struct {
	start time.Time
	count int
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		window:  window,
		limit:   limit,
		clients: make(map[string]*clientWindow),
	}
}

func (l *rateLimiter) allow(clientIP string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	window, ok := l.clients[clientIP]
	if !ok || now.Sub(window.start) >= l.window {
		l.clients[clientIP] = &clientWindow{start: now, count: 1}
		l.sweep(now)
		return true
	}
	if window.count >= l.limit {
		return false
	}
	window.count++
	return true
}

// sweep drops expired windows. Called under the lock on window
// rollover so the map cannot grow unbounded.
func (l *rateLimiter) sweep(now time.Time) {
	for ip, window := range l.clients {
		if now.Sub(window.start) >= l.window {
			delete(l.clients, ip)
		}
	}
}

func (l *rateLimiter) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.allow(c.ClientIP(), time.Now()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
