package main

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/vyrodovalexey/avamesh/internal/ratelimit"
)

const clientIdleEviction = 10 * time.Minute

type throttledClient struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientThrottle rate limits admin API callers per client IP using a
// token bucket. Idle clients are evicted to bound memory.
func clientThrottle(ratePerSec float64, burst int) gin.HandlerFunc {
	if ratePerSec <= 0 {
		ratePerSec = 50
	}
	if burst <= 0 {
		burst = 100
	}

	var mu sync.Mutex
	clients := make(map[string]*throttledClient)
	lastSweep := time.Now()

	return func(c *gin.Context) {
		key := ratelimit.ClientIP(c.Request)

		mu.Lock()
		cl, ok := clients[key]
		if !ok {
			cl = &throttledClient{limiter: rate.NewLimiter(rate.Limit(ratePerSec), burst)}
			clients[key] = cl
		}
		cl.lastSeen = time.Now()

		if time.Since(lastSweep) > clientIdleEviction {
			for k, v := range clients {
				if time.Since(v.lastSeen) > clientIdleEviction {
					delete(clients, k)
				}
			}
			lastSweep = time.Now()
		}
		mu.Unlock()

		if !cl.limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}
