package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/botsentinel/gosentinel/internal/domain"
)

// flakyProvider 区间跨度大于 1 个区块时失败，单区块查询成功。
// 用于验证二分重试最终拿到完整结果。
type flakyProvider struct {
	mu    sync.Mutex
	calls int
}

func (p *flakyProvider) FilterTradeLogs(ctx context.Context, from, to uint64) ([]domain.TradeEvent, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()

	if to > from {
		return nil, errors.Errorf("range too wide: [%d, %d]", from, to)
	}
	return []domain.TradeEvent{{
		Address:     fmt.Sprintf("0x%d", from),
		Amount:      decimal.NewFromInt(1),
		Timestamp:   time.Unix(int64(from), 0),
		BlockNumber: from,
		TxHash:      fmt.Sprintf("0xtx%d", from),
	}}, nil
}

// TestFetchHistorical_BisectsUntilSingleBlock 宽区间失败时二分到单区块，结果完整有序
func TestFetchHistorical_BisectsUntilSingleBlock(t *testing.T) {
	p := &flakyProvider{}
	events, err := FetchHistorical(context.Background(), p, 100, 115, 2000)
	if err != nil {
		t.Fatalf("二分重试后不应失败: %v", err)
	}
	if len(events) != 16 {
		t.Fatalf("应拿到 16 个区块的事件，实际 %d", len(events))
	}
	for i, ev := range events {
		if ev.BlockNumber != uint64(100+i) {
			t.Fatalf("第 %d 条区块号应为 %d，实际 %d", i, 100+i, ev.BlockNumber)
		}
	}
}

// alwaysFailProvider 任何区间都失败
type alwaysFailProvider struct{}

func (alwaysFailProvider) FilterTradeLogs(ctx context.Context, from, to uint64) ([]domain.TradeEvent, error) {
	return nil, errors.New("provider down")
}

// TestFetchHistorical_SingleBlockFailureSurfaces 单区块仍失败时错误必须上抛
func TestFetchHistorical_SingleBlockFailureSurfaces(t *testing.T) {
	_, err := FetchHistorical(context.Background(), alwaysFailProvider{}, 1, 10, 2000)
	if err == nil {
		t.Fatal("单区块失败应向调用方抛错")
	}
}

// okProvider 记录收到的区间，按区间返回空结果
type okProvider struct {
	mu     sync.Mutex
	ranges [][2]uint64
}

func (p *okProvider) FilterTradeLogs(ctx context.Context, from, to uint64) ([]domain.TradeEvent, error) {
	p.mu.Lock()
	p.ranges = append(p.ranges, [2]uint64{from, to})
	p.mu.Unlock()
	return nil, nil
}

// TestFetchHistorical_ChunksByConfiguredSize 区间按 chunkSize 切片且无缝覆盖
func TestFetchHistorical_ChunksByConfiguredSize(t *testing.T) {
	p := &okProvider{}
	if _, err := FetchHistorical(context.Background(), p, 0, 4999, 2000); err != nil {
		t.Fatalf("不应失败: %v", err)
	}

	want := [][2]uint64{{0, 1999}, {2000, 3999}, {4000, 4999}}
	if len(p.ranges) != len(want) {
		t.Fatalf("分片数量应为 %d，实际 %v", len(want), p.ranges)
	}
	for i, r := range p.ranges {
		if r != want[i] {
			t.Fatalf("第 %d 个分片应为 %v，实际 %v", i, want[i], r)
		}
	}
}

// TestFetchHistorical_InvalidRange from > to 直接拒绝
func TestFetchHistorical_InvalidRange(t *testing.T) {
	if _, err := FetchHistorical(context.Background(), &okProvider{}, 10, 5, 2000); err == nil {
		t.Fatal("无效区间应返回错误")
	}
}
