package pricefeed

import (
	"testing"
	"time"

	"github.com/botsentinel/gosentinel/internal/domain"
)

func sampleAt(feedID string, price float64, receivedAt int64) domain.PriceSample {
	return domain.PriceSample{
		FeedID:      feedID,
		Price:       price,
		PublishTime: receivedAt,
		ReceivedAt:  receivedAt,
	}
}

// TestCache_HistoryCapacity 历史容量满后按 FIFO 淘汰最旧的一条
func TestCache_HistoryCapacity(t *testing.T) {
	c := NewCache(3, 0, 0)
	now := time.Now().UnixMilli()

	for i := 0; i < 5; i++ {
		c.Put(sampleAt("feed-a", float64(i+1), now+int64(i)))
	}

	if got := c.HistoryLen("feed-a"); got != 3 {
		t.Fatalf("历史长度应为容量 3，实际 %d", got)
	}

	history := c.History("feed-a")
	want := []float64{3, 4, 5}
	for i, s := range history {
		if s.Price != want[i] {
			t.Errorf("历史第 %d 条价格应为 %v，实际 %v", i, want[i], s.Price)
		}
	}

	latest, ok := c.Latest("feed-a")
	if !ok || latest.Price != 5 {
		t.Fatalf("最新样本应为 5，实际 %+v (ok=%v)", latest, ok)
	}
}

// TestCache_PutRejectsInvalid 非法样本不入缓存
func TestCache_PutRejectsInvalid(t *testing.T) {
	c := NewCache(10, 0, 0)
	c.Put(domain.PriceSample{FeedID: "", Price: 1, PublishTime: 1})
	c.Put(domain.PriceSample{FeedID: "feed-a", Price: 0, PublishTime: 1})

	if _, ok := c.Latest("feed-a"); ok {
		t.Fatal("非法样本不应出现在缓存中")
	}
}

// TestCache_AllLatestFreshness 两级新鲜度：
// 超过 freshFor 的省略，超过 restartAfter 的省略且置位重启建议
func TestCache_AllLatestFreshness(t *testing.T) {
	c := NewCache(10, 30*time.Second, 2*time.Minute)
	now := time.Now().UnixMilli()

	c.Put(sampleAt("fresh", 1, now))
	c.Put(sampleAt("stale", 2, now-60_000))       // 过了 freshFor
	c.Put(sampleAt("ancient", 3, now-10*60_000))  // 过了 restartAfter

	latest, needRestart := c.AllLatest()
	if !needRestart {
		t.Error("存在超过 restartAfter 的条目时应建议重启")
	}
	if _, ok := latest["fresh"]; !ok {
		t.Error("新鲜条目应被返回")
	}
	if _, ok := latest["stale"]; ok {
		t.Error("过期条目不应被返回")
	}
	if _, ok := latest["ancient"]; ok {
		t.Error("陈旧条目不应被返回")
	}
}

// TestCache_AllLatestNoThresholds 未配置阈值时全部返回
func TestCache_AllLatestNoThresholds(t *testing.T) {
	c := NewCache(10, 0, 0)
	now := time.Now().UnixMilli()
	c.Put(sampleAt("a", 1, now-3600_000))

	latest, needRestart := c.AllLatest()
	if needRestart {
		t.Error("未配置 restartAfter 时不应建议重启")
	}
	if len(latest) != 1 {
		t.Fatalf("应返回 1 条，实际 %d", len(latest))
	}
}
