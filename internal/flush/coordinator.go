package flush

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/botsentinel/gosentinel/internal/domain"
	"github.com/botsentinel/gosentinel/internal/store"
)

// Registrar 外部登记服务。整批成功或整批失败（无单条回执），
// 调用方按 at-least-once 语义处理：失败保留队列，下次重试。
// withProof 指示本批是否附带外部证明，由上报策略决定。
type Registrar interface {
	SubmitBatch(ctx context.Context, category domain.Category, batch []domain.ClassificationResult, withProof bool) error
}

// Policy 上报策略，运行期可更新
type Policy struct {
	BatchSize        int  `json:"batch_size"`
	UseExternalProof bool `json:"use_external_proof"`
}

// Coordinator 批量上报协调器。
// 每个分类一条独立队列：入队达到批大小触发异步上报；
// 各分类独立成败，一类失败不影响其他类，失败队列原样保留。
type Coordinator struct {
	registrar Registrar
	pending   *store.PendingStore // 可为 nil（不落盘）
	audit     *store.AuditLog     // 可为 nil（不审计）
	log       *logrus.Entry

	mu     sync.Mutex
	queues map[domain.Category][]domain.ClassificationResult
	policy Policy

	flushing sync.Mutex // 串行化并发触发的 flush
	async    sync.WaitGroup
}

// NewCoordinator 创建协调器。pending/audit 传 nil 表示关闭对应能力。
func NewCoordinator(registrar Registrar, policy Policy, pending *store.PendingStore, audit *store.AuditLog) *Coordinator {
	if policy.BatchSize <= 0 {
		policy.BatchSize = 10
	}
	c := &Coordinator{
		registrar: registrar,
		pending:   pending,
		audit:     audit,
		log:       logrus.WithField("component", "flush"),
		queues:    make(map[domain.Category][]domain.ClassificationResult),
		policy:    policy,
	}
	return c
}

// Restore 从持久化快照恢复队列（启动时调用一次）
func (c *Coordinator) Restore() error {
	if c.pending == nil {
		return nil
	}
	saved, err := c.pending.LoadAll()
	if err != nil {
		return errors.Wrap(err, "恢复待上报队列失败")
	}

	c.mu.Lock()
	total := 0
	for cat, queue := range saved {
		c.queues[cat] = queue
		total += len(queue)
	}
	c.mu.Unlock()

	if total > 0 {
		c.log.Infof("已恢复 %d 条待上报结果", total)
	}
	return nil
}

// Add 入队一条分类结果。HUMAN 不入队。
// 入队后若该分类达到批大小，异步触发一次上报。
func (c *Coordinator) Add(result domain.ClassificationResult) {
	if result.Category == domain.CategoryHuman || !result.Category.IsValid() {
		return
	}

	c.mu.Lock()
	c.queues[result.Category] = append(c.queues[result.Category], result)
	n := len(c.queues[result.Category])
	batchSize := c.policy.BatchSize
	c.mu.Unlock()

	c.snapshot(result.Category)

	if n >= batchSize {
		c.async.Add(1)
		go func() {
			defer c.async.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer cancel()
			if err := c.Flush(ctx); err != nil {
				c.log.Warnf("批量上报部分失败: %v", err)
			}
		}()
	}
}

// Flush 对每个分类各自上报一次。
// 成功只移除本次上报的前缀（上报期间新入队的保留）；失败整队保留。
// 返回的错误汇总所有失败分类，任何一类成功都不受其他类失败影响。
func (c *Coordinator) Flush(ctx context.Context) error {
	// 同一时刻只允许一个 flush 在跑，后来者排队而不是叠加
	c.flushing.Lock()
	defer c.flushing.Unlock()

	var failures []string
	for _, cat := range domain.FlushCategories() {
		if err := c.flushCategory(ctx, cat); err != nil {
			failures = append(failures, string(cat)+": "+err.Error())
		}
	}
	if len(failures) > 0 {
		return errors.New(strings.Join(failures, "; "))
	}
	return nil
}

func (c *Coordinator) flushCategory(ctx context.Context, cat domain.Category) error {
	c.mu.Lock()
	queue := c.queues[cat]
	if len(queue) == 0 {
		c.mu.Unlock()
		return nil
	}
	batch := make([]domain.ClassificationResult, len(queue))
	copy(batch, queue)
	withProof := c.policy.UseExternalProof
	c.mu.Unlock()

	err := c.registrar.SubmitBatch(ctx, cat, batch, withProof)

	if c.audit != nil {
		if auditErr := c.audit.RecordFlush(ctx, cat, len(batch), err); auditErr != nil {
			c.log.Warnf("审计记录写入失败: %v", auditErr)
		}
	}

	if err != nil {
		c.log.Warnf("分类 %s 上报失败（%d 条保留重试）: %v", cat, len(batch), err)
		return err
	}

	// 只裁掉已上报的前缀，期间新入队的条目保留
	c.mu.Lock()
	current := c.queues[cat]
	if len(current) >= len(batch) {
		c.queues[cat] = append([]domain.ClassificationResult(nil), current[len(batch):]...)
	} else {
		c.queues[cat] = nil
	}
	c.mu.Unlock()

	c.snapshot(cat)
	c.log.Infof("分类 %s 已上报 %d 条", cat, len(batch))
	return nil
}

// snapshot 落盘某分类当前队列（尽力而为）
func (c *Coordinator) snapshot(cat domain.Category) {
	if c.pending == nil {
		return
	}
	c.mu.Lock()
	queue := append([]domain.ClassificationResult(nil), c.queues[cat]...)
	c.mu.Unlock()

	if err := c.pending.Save(cat, queue); err != nil {
		c.log.Warnf("待上报快照写入失败: %v", err)
	}
}

// SetPolicy 更新上报策略
func (c *Coordinator) SetPolicy(p Policy) {
	if p.BatchSize <= 0 {
		return
	}
	c.mu.Lock()
	c.policy = p
	c.mu.Unlock()
	c.log.Infof("上报策略已更新: batch_size=%d external_proof=%v", p.BatchSize, p.UseExternalProof)
}

// GetPolicy 当前上报策略
func (c *Coordinator) GetPolicy() Policy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.policy
}

// PendingCounts 各分类当前待上报数量
func (c *Coordinator) PendingCounts() map[domain.Category]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[domain.Category]int, len(c.queues))
	for cat, q := range c.queues {
		out[cat] = len(q)
	}
	return out
}

// Pending 某分类当前队列的副本
func (c *Coordinator) Pending(cat domain.Category) []domain.ClassificationResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.ClassificationResult(nil), c.queues[cat]...)
}

// Drain 等待所有异步上报完成后做最后一次全量上报（进程退出前调用）
func (c *Coordinator) Drain(ctx context.Context) error {
	c.async.Wait()
	return c.Flush(ctx)
}
