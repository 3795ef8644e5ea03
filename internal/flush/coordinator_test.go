package flush

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/botsentinel/gosentinel/internal/domain"
)

// fakeRegistrar 可按分类注入失败的登记服务替身
type fakeRegistrar struct {
	mu         sync.Mutex
	failFor    map[domain.Category]bool
	received   map[domain.Category][][]string // 每次调用收到的地址列表
	proofFlags []bool                         // 每次调用收到的证明开关
}

func newFakeRegistrar() *fakeRegistrar {
	return &fakeRegistrar{
		failFor:  make(map[domain.Category]bool),
		received: make(map[domain.Category][][]string),
	}
}

func (f *fakeRegistrar) SubmitBatch(ctx context.Context, cat domain.Category, batch []domain.ClassificationResult, withProof bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.proofFlags = append(f.proofFlags, withProof)
	if f.failFor[cat] {
		return errors.New("registrar unavailable")
	}
	addrs := make([]string, 0, len(batch))
	for _, r := range batch {
		addrs = append(addrs, r.Address)
	}
	f.received[cat] = append(f.received[cat], addrs)
	return nil
}

func (f *fakeRegistrar) proofs() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.proofFlags...)
}

func (f *fakeRegistrar) calls(cat domain.Category) [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.received[cat]...)
}

func result(cat domain.Category, addr string) domain.ClassificationResult {
	return domain.ClassificationResult{
		Address:   addr,
		Score:     85,
		Category:  cat,
		Timestamp: time.Now(),
	}
}

// TestCoordinator_CategoryFailureIsolation 一个分类失败不影响其他分类，失败队列保留
func TestCoordinator_CategoryFailureIsolation(t *testing.T) {
	reg := newFakeRegistrar()
	reg.failFor[domain.CategoryBadBot] = true

	c := NewCoordinator(reg, Policy{BatchSize: 100}, nil, nil)
	c.Add(result(domain.CategoryBadBot, "0xbad1"))
	c.Add(result(domain.CategoryBadBot, "0xbad2"))
	c.Add(result(domain.CategoryGoodBot, "0xgood1"))

	err := c.Flush(context.Background())
	require.Error(t, err, "BAD_BOT 分类失败应反映在返回值里")

	// GOOD_BOT 照常上报并清队
	calls := reg.calls(domain.CategoryGoodBot)
	require.Len(t, calls, 1)
	require.Equal(t, []string{"0xgood1"}, calls[0])
	counts := c.PendingCounts()
	require.Equal(t, 0, counts[domain.CategoryGoodBot])

	// BAD_BOT 队列原样保留，修复后重试成功
	require.Equal(t, 2, counts[domain.CategoryBadBot])

	reg.mu.Lock()
	reg.failFor[domain.CategoryBadBot] = false
	reg.mu.Unlock()

	require.NoError(t, c.Flush(context.Background()))
	calls = reg.calls(domain.CategoryBadBot)
	require.Len(t, calls, 1)
	require.Equal(t, []string{"0xbad1", "0xbad2"}, calls[0], "重试不应丢条目或乱序")
	require.Equal(t, 0, c.PendingCounts()[domain.CategoryBadBot])
}

// TestCoordinator_BatchSizeTriggersFlush 入队达到批大小自动触发上报
func TestCoordinator_BatchSizeTriggersFlush(t *testing.T) {
	reg := newFakeRegistrar()
	c := NewCoordinator(reg, Policy{BatchSize: 2}, nil, nil)

	c.Add(result(domain.CategorySuspicious, "0xs1"))
	require.Empty(t, reg.calls(domain.CategorySuspicious), "未达到批大小不应上报")

	c.Add(result(domain.CategorySuspicious, "0xs2"))

	require.Eventually(t, func() bool {
		return len(reg.calls(domain.CategorySuspicious)) == 1
	}, 2*time.Second, 10*time.Millisecond, "达到批大小应异步触发上报")
	require.Equal(t, []string{"0xs1", "0xs2"}, reg.calls(domain.CategorySuspicious)[0])
}

// TestCoordinator_HumanNeverQueued HUMAN 结果不入队
func TestCoordinator_HumanNeverQueued(t *testing.T) {
	c := NewCoordinator(newFakeRegistrar(), Policy{BatchSize: 1}, nil, nil)
	c.Add(result(domain.CategoryHuman, "0xh"))
	require.Empty(t, c.PendingCounts())
}

// TestCoordinator_FlushKeepsNewEntries 上报期间新入队的条目不被误删
func TestCoordinator_FlushKeepsNewEntries(t *testing.T) {
	reg := newFakeRegistrar()
	c := NewCoordinator(reg, Policy{BatchSize: 100}, nil, nil)

	for i := 0; i < 3; i++ {
		c.Add(result(domain.CategoryGoodBot, fmt.Sprintf("0xg%d", i)))
	}
	require.NoError(t, c.flushCategory(context.Background(), domain.CategoryGoodBot))

	// 模拟上报后立刻有新条目到达
	c.Add(result(domain.CategoryGoodBot, "0xlate"))
	pending := c.Pending(domain.CategoryGoodBot)
	require.Len(t, pending, 1)
	require.Equal(t, "0xlate", pending[0].Address)
}

// TestCoordinator_SetPolicy 策略更新生效且拒绝非法批大小
func TestCoordinator_SetPolicy(t *testing.T) {
	c := NewCoordinator(newFakeRegistrar(), Policy{BatchSize: 10}, nil, nil)

	c.SetPolicy(Policy{BatchSize: 0})
	require.Equal(t, 10, c.GetPolicy().BatchSize, "非法批大小应被忽略")

	c.SetPolicy(Policy{BatchSize: 5, UseExternalProof: true})
	p := c.GetPolicy()
	require.Equal(t, 5, p.BatchSize)
	require.True(t, p.UseExternalProof)
}

// TestCoordinator_ProofFlagReachesRegistrar 证明开关随策略传到登记侧，切换即生效
func TestCoordinator_ProofFlagReachesRegistrar(t *testing.T) {
	reg := newFakeRegistrar()
	c := NewCoordinator(reg, Policy{BatchSize: 100, UseExternalProof: false}, nil, nil)

	c.Add(result(domain.CategoryBadBot, "0xb1"))
	require.NoError(t, c.Flush(context.Background()))

	c.SetPolicy(Policy{BatchSize: 100, UseExternalProof: true})
	c.Add(result(domain.CategoryBadBot, "0xb2"))
	require.NoError(t, c.Flush(context.Background()))

	require.Equal(t, []bool{false, true}, reg.proofs())
}
