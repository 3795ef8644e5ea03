package detector

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/botsentinel/gosentinel/internal/domain"
)

// TestUserWindow_TrimKeepsOnlyInWindow 窗口只保留最近 1 小时的条目，计数器不回退
func TestUserWindow_TrimKeepsOnlyInWindow(t *testing.T) {
	store := NewUserWindowStore(time.Hour, 24*time.Hour)
	base := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

	// 90 分钟内每 10 分钟一笔
	for i := 0; i < 10; i++ {
		ts := base.Add(time.Duration(i) * 10 * time.Minute)
		store.With("0xa", func(w *UserWindow) {
			w.appendTrade(windowTrade{At: ts, Amount: decimal.NewFromInt(5), ReactionMs: -1}, time.Hour)
		})
	}

	store.With("0xa", func(w *UserWindow) {
		if w.TotalTrades != 10 {
			t.Errorf("总笔数应为 10，实际 %d", w.TotalTrades)
		}
		if !w.TotalVolume.Equal(decimal.NewFromInt(50)) {
			t.Errorf("总量应为 50，实际 %s", w.TotalVolume)
		}
		// 最后一笔在 +90m，窗口 [+30m, +90m]，应只剩 6 笔（40/50/60/70/80/90 分钟）
		if n := w.windowCount(); n != 6 {
			t.Errorf("窗口内应剩 6 笔，实际 %d", n)
		}
		cutoff := base.Add(90 * time.Minute).Add(-time.Hour)
		for _, tr := range w.trades {
			if !tr.At.After(cutoff) {
				t.Errorf("窗口中存在过期条目: %s", tr.At)
			}
		}
	})
}

// TestUserWindow_RunningAvgReaction 运行平均只统计已测量的笔
func TestUserWindow_RunningAvgReaction(t *testing.T) {
	store := NewUserWindowStore(time.Hour, 24*time.Hour)
	base := time.Now()

	reactions := []int64{100, 200, -1, 300}
	for i, r := range reactions {
		store.With("0xb", func(w *UserWindow) {
			w.appendTrade(windowTrade{At: base.Add(time.Duration(i) * time.Second), Amount: decimal.NewFromInt(1), ReactionMs: r}, time.Hour)
		})
	}

	store.With("0xb", func(w *UserWindow) {
		if w.AvgReactionMs != 200 {
			t.Errorf("平均反应应为 200ms，实际 %v", w.AvgReactionMs)
		}
		if w.reactionSamples != 3 {
			t.Errorf("已测量样本应为 3，实际 %d", w.reactionSamples)
		}
	})
}

// TestUserWindowStore_Sweep 超过保留期的地址被清扫，活跃地址保留
func TestUserWindowStore_Sweep(t *testing.T) {
	store := NewUserWindowStore(time.Hour, 24*time.Hour)
	now := time.Now()

	store.With("0xstale", func(w *UserWindow) {
		w.appendTrade(windowTrade{At: now.Add(-25 * time.Hour), Amount: decimal.NewFromInt(1), ReactionMs: -1}, time.Hour)
	})
	store.With("0xlive", func(w *UserWindow) {
		w.appendTrade(windowTrade{At: now.Add(-time.Minute), Amount: decimal.NewFromInt(1), ReactionMs: -1}, time.Hour)
	})

	if removed := store.Sweep(now); removed != 1 {
		t.Fatalf("应清扫 1 个地址，实际 %d", removed)
	}
	if store.Len() != 1 {
		t.Fatalf("应剩 1 个地址，实际 %d", store.Len())
	}
	if store.Peek("0xstale", func(*UserWindow) {}) {
		t.Fatal("过期地址应已被删除")
	}
	if !store.Peek("0xlive", func(*UserWindow) {}) {
		t.Fatal("活跃地址应保留")
	}
}

// TestUserWindowStore_ConcurrentSameAddress 同地址并发更新不丢计数
func TestUserWindowStore_ConcurrentSameAddress(t *testing.T) {
	store := NewUserWindowStore(time.Hour, 24*time.Hour)
	now := time.Now()

	const goroutines = 8
	const perG = 50
	done := make(chan struct{}, goroutines)
	for g := 0; g < goroutines; g++ {
		go func(g int) {
			defer func() { done <- struct{}{} }()
			for i := 0; i < perG; i++ {
				store.With("0xc", func(w *UserWindow) {
					w.appendTrade(windowTrade{
						At:         now.Add(time.Duration(g*perG+i) * time.Millisecond),
						Amount:     decimal.NewFromInt(1),
						ReactionMs: -1,
					}, time.Hour)
				})
			}
		}(g)
	}
	for g := 0; g < goroutines; g++ {
		<-done
	}

	store.With("0xc", func(w *UserWindow) {
		if w.TotalTrades != goroutines*perG {
			t.Fatalf("并发更新丢失: 期望 %d 笔，实际 %d", goroutines*perG, w.TotalTrades)
		}
	})
}

// TestUserWindow_LastCategoryUpdated 引擎写回最近分类
func TestUserWindow_LastCategoryUpdated(t *testing.T) {
	e := newTestEngine()
	ts := offHoursTime()
	publish := ts.UnixMilli()

	e.Classify(domain.TradeEvent{
		Address:          "0xd",
		Amount:           amt("123.4567890123"),
		Timestamp:        ts,
		TxHash:           fmt.Sprintf("0x%d", 1),
		PricePublishTime: publish,
		BlockTime:        publish + 45,
		MeasureReaction:  true,
	})

	summary, ok := e.Summary("0xd")
	if !ok {
		t.Fatal("地址应已被跟踪")
	}
	if summary.LastCat != domain.CategoryBadBot {
		t.Fatalf("最近分类应为 BAD_BOT，实际 %s", summary.LastCat)
	}
	if summary.TotalTrades != 1 {
		t.Fatalf("总笔数应为 1，实际 %d", summary.TotalTrades)
	}
}
