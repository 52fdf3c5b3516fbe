package stability

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	apperrors "qtune/internal/errors"
)

// RateLimiterType 限流器类型
type RateLimiterType string

const (
	RateLimiterTypeAPI      RateLimiterType = "api"      // 普通 API
	RateLimiterTypeAutotune RateLimiterType = "autotune" // 回测与调参这类重请求
)

// RateLimiterConfig 限流器配置
type RateLimiterConfig struct {
	Type           RateLimiterType
	RequestsPerSec float64
	Burst          int
}

// RateLimiter 按 (类型, 客户端) 维护令牌桶，空闲的桶定期回收
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*entry
	configs  map[RateLimiterType]*RateLimiterConfig
	stats    map[RateLimiterType]*RateLimitStats
	idleTTL  time.Duration
	now      func() time.Time
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimitStats 限流统计
type RateLimitStats struct {
	Allowed int64 `json:"allowed"`
	Limited int64 `json:"limited"`
}

// NewRateLimiter 创建限流器；apiRPS/apiBurst <= 0 时使用默认值
func NewRateLimiter(apiRPS float64, apiBurst int) *RateLimiter {
	rl := &RateLimiter{
		limiters: make(map[string]*entry),
		configs:  make(map[RateLimiterType]*RateLimiterConfig),
		stats:    make(map[RateLimiterType]*RateLimitStats),
		idleTTL:  10 * time.Minute,
		now:      time.Now,
	}

	if apiRPS <= 0 {
		apiRPS = 10
	}
	if apiBurst <= 0 {
		apiBurst = 20
	}
	rl.configs[RateLimiterTypeAPI] = &RateLimiterConfig{Type: RateLimiterTypeAPI, RequestsPerSec: apiRPS, Burst: apiBurst}
	rl.configs[RateLimiterTypeAutotune] = &RateLimiterConfig{Type: RateLimiterTypeAutotune, RequestsPerSec: 0.5, Burst: 2}
	return rl
}

// SetConfig 设置限流配置；已有的桶会按新配置重建
func (rl *RateLimiter) SetConfig(config *RateLimiterConfig) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.configs[config.Type] = config
	prefix := string(config.Type) + ":"
	for key := range rl.limiters {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(rl.limiters, key)
		}
	}
}

// Allow 检查是否允许请求
func (rl *RateLimiter) Allow(key string, limiterType RateLimiterType) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	config, ok := rl.configs[limiterType]
	if !ok {
		return true
	}
	now := rl.now()
	id := string(limiterType) + ":" + key
	e, ok := rl.limiters[id]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(rate.Limit(config.RequestsPerSec), config.Burst)}
		rl.limiters[id] = e
	}
	e.lastSeen = now
	allowed := e.limiter.AllowN(now, 1)

	stats, ok := rl.stats[limiterType]
	if !ok {
		stats = &RateLimitStats{}
		rl.stats[limiterType] = stats
	}
	if allowed {
		stats.Allowed++
	} else {
		stats.Limited++
	}
	return allowed
}

// Cleanup 回收超过 idleTTL 未使用的桶，返回回收数量
func (rl *RateLimiter) Cleanup() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.now().Add(-rl.idleTTL)
	removed := 0
	for key, e := range rl.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(rl.limiters, key)
			removed++
		}
	}
	return removed
}

// GetStats 获取统计信息
func (rl *RateLimiter) GetStats(limiterType RateLimiterType) RateLimitStats {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if s, ok := rl.stats[limiterType]; ok {
		return *s
	}
	return RateLimitStats{}
}

// Middleware 按客户端 IP 限流，超限返回 429
func (rl *RateLimiter) Middleware(limiterType RateLimiterType) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.Allow(c.ClientIP(), limiterType) {
			err := apperrors.NewAppError(apperrors.ErrCodeRateLimit, "rate limit exceeded", nil)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"success": false,
				"error":   err.Message,
				"code":    err.Code,
			})
			return
		}
		c.Next()
	}
}
