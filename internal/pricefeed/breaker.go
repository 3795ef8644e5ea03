package pricefeed

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ErrBreakerOpen 表示断路器已打开，禁止直连重试
var ErrBreakerOpen = fmt.Errorf("ingestion circuit breaker open")

// BreakerConfig 断路器配置。阈值 <= 0 表示关闭对应限制。
type BreakerConfig struct {
	// ErrorThreshold 滑动窗口内连接级错误数上限
	ErrorThreshold int
	// ErrorWindow 滑动窗口长度
	ErrorWindow time.Duration
	// Cooldown 打开后的冷却时间，冷却结束允许重新直连
	Cooldown time.Duration
}

// Breaker 摄取断路器：高频检查走原子变量，错误时间戳窗口用互斥锁维护。
type Breaker struct {
	open     atomic.Bool
	openedAt atomic.Int64 // epoch ms

	mu       sync.Mutex
	errTimes []time.Time

	cfg BreakerConfig
}

// NewBreaker 创建断路器
func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{cfg: cfg}
}

// RecordFailure 记录一次连接级失败；若滑动窗口内错误数达到阈值则打开断路器。
// 返回 true 表示本次记录触发了打开。
func (b *Breaker) RecordFailure() bool {
	if b == nil {
		return false
	}
	if b.cfg.ErrorThreshold <= 0 || b.cfg.ErrorWindow <= 0 {
		return false
	}

	now := time.Now()
	b.mu.Lock()
	b.errTimes = append(b.errTimes, now)
	cutoff := now.Add(-b.cfg.ErrorWindow)
	i := 0
	for ; i < len(b.errTimes); i++ {
		if b.errTimes[i].After(cutoff) {
			break
		}
	}
	if i > 0 {
		b.errTimes = b.errTimes[i:]
	}
	count := len(b.errTimes)
	b.mu.Unlock()

	if count >= b.cfg.ErrorThreshold && !b.open.Load() {
		b.Trip()
		return true
	}
	return false
}

// RecordSuccess 成功建连后清空错误窗口
func (b *Breaker) RecordSuccess() {
	if b == nil {
		return
	}
	b.mu.Lock()
	b.errTimes = b.errTimes[:0]
	b.mu.Unlock()
}

// Trip 打开断路器
func (b *Breaker) Trip() {
	if b == nil {
		return
	}
	b.open.Store(true)
	b.openedAt.Store(time.Now().UnixMilli())
}

// IsOpen 断路器是否打开
func (b *Breaker) IsOpen() bool {
	return b != nil && b.open.Load()
}

// CooldownOver 冷却是否结束（仅在打开状态下有意义）
func (b *Breaker) CooldownOver() bool {
	if b == nil || !b.open.Load() {
		return false
	}
	if b.cfg.Cooldown <= 0 {
		return true
	}
	opened := b.openedAt.Load()
	return time.Now().UnixMilli()-opened >= b.cfg.Cooldown.Milliseconds()
}

// Reset 关闭断路器并清空错误窗口
func (b *Breaker) Reset() {
	if b == nil {
		return
	}
	b.open.Store(false)
	b.mu.Lock()
	b.errTimes = b.errTimes[:0]
	b.mu.Unlock()
}
