package security

import (
	"fmt"
	"sync"
	"time"

	"github.com/puoxiu/sanxiao-battle/internal/logger"
	"golang.org/x/time/rate"
)

// 默认限流参数：连接按IP限流，帧按peer限流
const (
	DefaultConnRate  = rate.Limit(5) // 每IP每秒5个新连接令牌
	DefaultConnBurst = 5             // 每IP最大突发连接数

	DefaultFrameRate  = rate.Limit(100) // 每peer每秒100帧
	DefaultFrameBurst = 200             // 帧突发上限
)

// RateLimitManager 限流管理器：按key管理令牌桶限流器
type RateLimitManager struct {
	limiters      map[string]*RateLimiter // key -> 令牌桶限流器
	mutex         sync.Mutex
	cleanupTicker *time.Ticker  // 定时清理过期限流器
	stopChan      chan struct{} // 停止清理协程的信号
	stopOnce      sync.Once
}

// RateLimiter 令牌桶限流器：封装rate.Limiter及元数据
type RateLimiter struct {
	limiter     *rate.Limiter
	rate        rate.Limit // rps：每秒生成多少令牌
	burst       int        // 令牌桶容量
	lastRequest time.Time  // 上次请求时间（用于清理过期key）
}

// NewRateLimitManager 创建令牌桶限流管理器
func NewRateLimitManager() *RateLimitManager {
	rlm := &RateLimitManager{
		limiters:      make(map[string]*RateLimiter),
		cleanupTicker: time.NewTicker(5 * time.Minute),
		stopChan:      make(chan struct{}),
	}

	go rlm.startCleanupLoop()

	logger.Info("Token bucket rate limit manager initialized")
	return rlm
}

// CheckLimit 检查请求是否允许
// key：限流对象标识（如"conn:1.2.3.4"、"frame:peer-xx"）
// 返回 true（允许）/ false（拒绝）
func (rlm *RateLimitManager) CheckLimit(key string, r rate.Limit, burst int) bool {
	rlm.mutex.Lock()
	defer rlm.mutex.Unlock()

	bucket, exists := rlm.limiters[key]
	if !exists {
		bucket = &RateLimiter{
			limiter:     rate.NewLimiter(r, burst),
			rate:        r,
			burst:       burst,
			lastRequest: time.Now(),
		}
		rlm.limiters[key] = bucket
		logger.Debug(fmt.Sprintf("Created token bucket for key: %s (rate: %.2f rps, burst: %d)", key, r, burst))
	}

	allowed := bucket.limiter.Allow()
	if allowed {
		bucket.lastRequest = time.Now()
	}
	return allowed
}

// AllowConnection 连接级限流（按客户端IP）
func (rlm *RateLimitManager) AllowConnection(clientIP string) bool {
	return rlm.CheckLimit("conn:"+clientIP, DefaultConnRate, DefaultConnBurst)
}

// AllowFrame 帧级限流（按peer）
func (rlm *RateLimitManager) AllowFrame(peerID string) bool {
	return rlm.CheckLimit("frame:"+peerID, DefaultFrameRate, DefaultFrameBurst)
}

// startCleanupLoop 定时清理过期限流器
func (rlm *RateLimitManager) startCleanupLoop() {
	for {
		select {
		case <-rlm.cleanupTicker.C:
			rlm.cleanup()
		case <-rlm.stopChan:
			rlm.cleanupTicker.Stop()
			return
		}
	}
}

// cleanup 删除10分钟无请求的key
func (rlm *RateLimitManager) cleanup() {
	rlm.mutex.Lock()
	defer rlm.mutex.Unlock()

	cutoff := time.Now().Add(-10 * time.Minute)
	removed := 0
	for key, bucket := range rlm.limiters {
		if bucket.lastRequest.Before(cutoff) {
			delete(rlm.limiters, key)
			removed++
		}
	}

	if removed > 0 {
		logger.Debug(fmt.Sprintf("Rate limiter cleanup: removed %d idle buckets", removed))
	}
}

// StopCleanup 停止清理协程
func (rlm *RateLimitManager) StopCleanup() {
	rlm.stopOnce.Do(func() {
		close(rlm.stopChan)
	})
}
