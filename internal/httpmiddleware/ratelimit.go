package httpmiddleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// timeNow is stubbed in tests.
var timeNow = time.Now

// RateLimit returns a per-IP fixed-window limiter for the local control
// API. In-memory is enough here: the API serves one kiosk, not a fleet.
// Expired windows are swept whenever a window rolls over, so the state
// stays bounded by the set of IPs seen in the last minute.
func RateLimit(perMinute int) gin.HandlerFunc {
	if perMinute <= 0 {
		perMinute = 60
	}

	type window struct {
		start time.Time
		count int
	}
	var (
		mu   sync.Mutex
		seen = map[string]*window{}
	)

	return func(c *gin.Context) {
		ip := c.ClientIP()
		if ip == "" {
			ip = "unknown"
		}

		mu.Lock()
		now := timeNow()
		w, ok := seen[ip]
		if !ok || now.Sub(w.start) >= time.Minute {
			for k, win := range seen {
				if now.Sub(win.start) >= time.Minute {
					delete(seen, k)
				}
			}
			w = &window{start: now}
			seen[ip] = w
		}
		w.count++
		over := w.count > perMinute
		mu.Unlock()

		if over {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit"})
			return
		}
		c.Next()
	}
}
