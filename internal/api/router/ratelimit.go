package router

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cuongbtq/postdispatch/internal/api/handler"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// limiterIdle is how long a worker's bucket survives without requests
const limiterIdle = 10 * time.Minute

type workerLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// PullLimiter keeps one token bucket per authenticated worker
type PullLimiter struct {
	rate  rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*workerLimiter
	swept    time.Time
}

// NewPullLimiter creates a limiter allowing perSecond pulls with burst per worker
func NewPullLimiter(perSecond float64, burst int) *PullLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &PullLimiter{
		rate:     rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*workerLimiter),
	}
}

func (l *PullLimiter) get(workerID string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.swept) > limiterIdle {
		for id, wl := range l.limiters {
			if now.Sub(wl.lastSeen) > limiterIdle {
				delete(l.limiters, id)
			}
		}
		l.swept = now
	}

	wl, ok := l.limiters[workerID]
	if !ok {
		wl = &workerLimiter{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[workerID] = wl
	}
	wl.lastSeen = now
	return wl.limiter
}

// Middleware rejects pulls over the caller's budget with 429. It must run
// after WorkerAuthMiddleware.
func (l *PullLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if l.rate <= 0 {
			c.Next()
			return
		}
		caller, _ := handler.Caller(c)

		now := time.Now()
		res := l.get(caller.WorkerID, now).ReserveN(now, 1)
		if delay := res.DelayFrom(now); delay > 0 {
			res.CancelAt(now)
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(delay.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"success": false,
				"error":   "Pull rate limit exceeded",
			})
			return
		}

		c.Next()
	}
}
