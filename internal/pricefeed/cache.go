package pricefeed

import (
	"sync"
	"time"

	"github.com/botsentinel/gosentinel/internal/domain"
)

// feedState 单个 feed 的状态：最新样本 + 有界环形历史
// history 只由摄取方追加，容量满时淘汰最旧的一条（FIFO）。
type feedState struct {
	latest     *domain.PriceSample
	history    []domain.PriceSample
	start      int // 环形起点
	count      int
	subscribed bool
}

func (s *feedState) push(sample domain.PriceSample, capacity int) {
	s.latest = &sample
	if capacity <= 0 {
		return
	}
	if len(s.history) < capacity {
		s.history = append(s.history, sample)
		s.count = len(s.history)
		return
	}
	// 覆盖最旧的一条
	s.history[s.start] = sample
	s.start = (s.start + 1) % capacity
}

// snapshot 按时间序复制历史
func (s *feedState) snapshot() []domain.PriceSample {
	out := make([]domain.PriceSample, 0, len(s.history))
	n := len(s.history)
	for i := 0; i < n; i++ {
		out = append(out, s.history[(s.start+i)%n])
	}
	return out
}

// Cache 每个 feed 的价格缓存。单写者（摄取客户端）多读者。
type Cache struct {
	mu       sync.RWMutex
	feeds    map[string]*feedState
	capacity int

	freshFor     time.Duration // 新鲜度阈值：超过则 GetAllLatest 省略该条
	restartAfter time.Duration // 更宽松的阈值：超过则建议调用方强制重启摄取
}

// NewCache 创建价格缓存
func NewCache(capacity int, freshFor, restartAfter time.Duration) *Cache {
	if capacity <= 0 {
		capacity = 100
	}
	return &Cache{
		feeds:        make(map[string]*feedState),
		capacity:     capacity,
		freshFor:     freshFor,
		restartAfter: restartAfter,
	}
}

// Put 写入一条样本（仅摄取方调用）
func (c *Cache) Put(sample domain.PriceSample) {
	if !sample.IsValid() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.feeds[sample.FeedID]
	if st == nil {
		st = &feedState{history: make([]domain.PriceSample, 0, c.capacity)}
		c.feeds[sample.FeedID] = st
	}
	st.push(sample, c.capacity)
}

// Latest 返回某个 feed 的最新样本
func (c *Cache) Latest(feedID string) (domain.PriceSample, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st := c.feeds[feedID]
	if st == nil || st.latest == nil {
		return domain.PriceSample{}, false
	}
	return *st.latest, true
}

// AllLatest 返回所有 feed 的最新样本（按新鲜度过滤）。
// 第二个返回值表示是否有条目已陈旧到建议调用方强制重启摄取。
func (c *Cache) AllLatest() (map[string]domain.PriceSample, bool) {
	nowMs := time.Now().UnixMilli()

	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]domain.PriceSample, len(c.feeds))
	needRestart := false
	for id, st := range c.feeds {
		if st.latest == nil {
			continue
		}
		age := st.latest.AgeMs(nowMs)
		if c.restartAfter > 0 && age > c.restartAfter.Milliseconds() {
			needRestart = true
			continue
		}
		if c.freshFor > 0 && age > c.freshFor.Milliseconds() {
			continue
		}
		out[id] = *st.latest
	}
	return out, needRestart
}

// History 返回某个 feed 的历史（时间序副本）
func (c *Cache) History(feedID string) []domain.PriceSample {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st := c.feeds[feedID]
	if st == nil {
		return nil
	}
	return st.snapshot()
}

// HistoryLen 返回某个 feed 的历史长度
func (c *Cache) HistoryLen(feedID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if st := c.feeds[feedID]; st != nil {
		return len(st.history)
	}
	return 0
}

// SetSubscribed 标记 feed 的订阅状态
func (c *Cache) SetSubscribed(feedID string, subscribed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.feeds[feedID]
	if st == nil {
		st = &feedState{history: make([]domain.PriceSample, 0, c.capacity)}
		c.feeds[feedID] = st
	}
	st.subscribed = subscribed
}
