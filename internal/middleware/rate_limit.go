package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/labflow-qc-server/internal/domain"
)

// TenantLimiter keeps one token bucket per tenant so an analyser flooding
// one tenant cannot starve the others.
type TenantLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewTenantLimiter allows perSecond requests per tenant with the given burst.
func NewTenantLimiter(perSecond float64, burst int) *TenantLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &TenantLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(perSecond),
		burst:    burst,
	}
}

// Allow reports whether the tenant may make a request now.
func (l *TenantLimiter) Allow(tenant string) bool {
	return l.limiter(tenant).Allow()
}

func (l *TenantLimiter) limiter(tenant string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[tenant]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[tenant] = limiter
	}
	return limiter
}

// RateLimit rejects requests over the tenant's budget with 429. It must run
// after Tenant.
func RateLimit(limiter *TenantLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow(TenantID(c)) {
			c.Header("Retry-After", strconv.Itoa(limiter.retryAfterSeconds(TenantID(c))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, domain.NewServiceError(
				domain.ErrCodeRateLimit,
				"Too many requests for tenant",
				TenantID(c),
				c.GetString(CorrelationIDKey),
			))
			return
		}
		c.Next()
	}
}

// retryAfterSeconds is the whole-second wait before the tenant's next token.
func (l *TenantLimiter) retryAfterSeconds(tenant string) int {
	r := l.limiter(tenant).Reserve()
	delay := r.Delay()
	r.Cancel()
	if !r.OK() || delay <= 0 {
		return 1
	}
	return int((delay + time.Second - 1) / time.Second)
}
