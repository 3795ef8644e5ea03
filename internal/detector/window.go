package detector

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/botsentinel/gosentinel/internal/domain"
)

// windowTrade 窗口内的单笔成交
type windowTrade struct {
	At         time.Time
	Amount     decimal.Decimal
	ReactionMs int64 // -1 表示本笔未测量反应时间
}

// UserWindow 单地址滚动状态。
// trades 只保留窗口内的条目；TotalTrades/TotalVolume 单调递增、不随窗口裁剪回退；
// AvgReactionMs 是对全部已测量笔数的运行平均（不只是窗口内）。
type UserWindow struct {
	Address     string
	FirstSeen   time.Time
	LastSeen    time.Time
	TotalTrades int64
	TotalVolume decimal.Decimal

	trades []windowTrade

	AvgReactionMs   float64
	reactionSamples int64

	LastScore    int
	LastCategory domain.Category

	mu sync.Mutex
}

// appendTrade 追加一笔成交并裁剪窗口（调用方需持有 w.mu）
func (w *UserWindow) appendTrade(t windowTrade, window time.Duration) {
	if w.FirstSeen.IsZero() || t.At.Before(w.FirstSeen) {
		w.FirstSeen = t.At
	}
	if t.At.After(w.LastSeen) {
		w.LastSeen = t.At
	}
	w.TotalTrades++
	w.TotalVolume = w.TotalVolume.Add(t.Amount.Abs())

	if t.ReactionMs >= 0 {
		w.reactionSamples++
		w.AvgReactionMs += (float64(t.ReactionMs) - w.AvgReactionMs) / float64(w.reactionSamples)
	}

	w.trades = append(w.trades, t)
	w.trim(t.At, window)
}

// trim 丢弃窗口外的旧条目（调用方需持有 w.mu）
func (w *UserWindow) trim(now time.Time, window time.Duration) {
	if window <= 0 {
		return
	}
	cutoff := now.Add(-window)
	i := 0
	for ; i < len(w.trades); i++ {
		if w.trades[i].At.After(cutoff) {
			break
		}
	}
	if i > 0 {
		w.trades = append(w.trades[:0], w.trades[i:]...)
	}
}

// windowCount 窗口内成交笔数（调用方需持有 w.mu，包内使用）
func (w *UserWindow) windowCount() int {
	return len(w.trades)
}

// UserWindowStore 地址状态仓库。
// 同一地址的变更通过地址级锁串行化，不同地址完全并行。
type UserWindowStore struct {
	mu        sync.RWMutex
	windows   map[string]*UserWindow
	window    time.Duration
	retention time.Duration
}

// NewUserWindowStore 创建状态仓库
func NewUserWindowStore(window, retention time.Duration) *UserWindowStore {
	if window <= 0 {
		window = time.Hour
	}
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &UserWindowStore{
		windows:   make(map[string]*UserWindow),
		window:    window,
		retention: retention,
	}
}

// WindowDuration 窗口长度
func (s *UserWindowStore) WindowDuration() time.Duration {
	return s.window
}

// With 在地址级锁内执行 fn，保证同一地址的读改写串行
func (s *UserWindowStore) With(address string, fn func(w *UserWindow)) {
	s.mu.Lock()
	w := s.windows[address]
	if w == nil {
		w = &UserWindow{Address: address, TotalVolume: decimal.Zero, LastCategory: domain.CategoryHuman}
		s.windows[address] = w
	}
	s.mu.Unlock()

	w.mu.Lock()
	defer w.mu.Unlock()
	fn(w)
}

// Peek 只读访问某个地址的状态；地址不存在时 fn 不会被调用，返回 false
func (s *UserWindowStore) Peek(address string, fn func(w *UserWindow)) bool {
	s.mu.RLock()
	w := s.windows[address]
	s.mu.RUnlock()
	if w == nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	fn(w)
	return true
}

// Len 当前跟踪的地址数
func (s *UserWindowStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.windows)
}

// Sweep 保留清扫：删除 lastSeen 早于保留期的地址，返回删除数量
func (s *UserWindowStore) Sweep(now time.Time) int {
	cutoff := now.Add(-s.retention)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for addr, w := range s.windows {
		w.mu.Lock()
		stale := w.LastSeen.Before(cutoff)
		w.mu.Unlock()
		if stale {
			delete(s.windows, addr)
			removed++
		}
	}
	return removed
}
