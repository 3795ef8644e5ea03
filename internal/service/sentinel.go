package service

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/botsentinel/gosentinel/internal/detector"
	"github.com/botsentinel/gosentinel/internal/domain"
	"github.com/botsentinel/gosentinel/internal/flush"
	"github.com/botsentinel/gosentinel/internal/ledger"
	"github.com/botsentinel/gosentinel/internal/pricefeed"
	"github.com/botsentinel/gosentinel/internal/store"
)

// Options 服务装配参数
type Options struct {
	FeedIDs       []string
	SweepInterval time.Duration // 地址保留清扫周期
	WatchInterval time.Duration // 价格新鲜度看门狗周期
}

// Sentinel 业务编排层：把价格摄取、账本事件、分类引擎和批量上报接到一起。
// 引擎本身不直接入队，由这里决定非 HUMAN 结果进待上报队列。
type Sentinel struct {
	feed   *pricefeed.Client
	engine *detector.Engine
	coord  *flush.Coordinator
	source ledger.Source   // 可为 nil（未配置账本 RPC）
	audit  *store.AuditLog // 可为 nil
	opts   Options
	log    *logrus.Entry

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	startedAt  time.Time
	classified int64
	classMu    sync.Mutex
}

// New 装配服务
func New(feed *pricefeed.Client, engine *detector.Engine, coord *flush.Coordinator, source ledger.Source, audit *store.AuditLog, opts Options) *Sentinel {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 10 * time.Minute
	}
	if opts.WatchInterval <= 0 {
		opts.WatchInterval = 30 * time.Second
	}
	return &Sentinel{
		feed:   feed,
		engine: engine,
		coord:  coord,
		source: source,
		audit:  audit,
		opts:   opts,
		log:    logrus.WithField("component", "sentinel"),
	}
}

// Start 启动服务
func (s *Sentinel) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("服务已在运行")
	}

	if err := s.coord.Restore(); err != nil {
		s.log.Warnf("待上报队列恢复失败（继续空队列启动）: %v", err)
	}

	if err := s.feed.Start(s.opts.FeedIDs); err != nil {
		return errors.Wrap(err, "启动价格摄取失败")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running = true
	s.startedAt = time.Now()

	if s.source != nil {
		if err := s.source.Start(ctx); err != nil {
			// 账本不可用时价格侧照常运行，事件流后续可通过重启恢复
			s.log.Errorf("启动账本事件源失败: %v", err)
		} else {
			s.wg.Add(1)
			go s.consumeLoop(ctx)
		}
	}

	s.wg.Add(2)
	go s.sweepLoop(ctx)
	go s.watchLoop(ctx)

	s.log.Info("服务已启动")
	return nil
}

// Stop 停止服务并做最后一次上报
func (s *Sentinel) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	if s.source != nil {
		s.source.Stop()
	}
	s.feed.Stop()
	s.wg.Wait()

	if err := s.coord.Drain(ctx); err != nil {
		s.log.Warnf("退出前上报未完全成功（队列已落盘）: %v", err)
	}
	s.log.Info("服务已停止")
}

// consumeLoop 消费账本事件：逐条分类，非 HUMAN 入待上报队列
func (s *Sentinel) consumeLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.source.Events():
			if !ok {
				return
			}
			s.handleEvent(ev)
		}
	}
}

func (s *Sentinel) handleEvent(ev domain.TradeEvent) {
	result := s.engine.Classify(ev)

	s.classMu.Lock()
	s.classified++
	s.classMu.Unlock()

	if result.Category != domain.CategoryHuman {
		s.coord.Add(result)
		s.log.Debugf("分类 %s: score=%d category=%s", result.Address, result.Score, result.Category)
	}
}

// sweepLoop 周期清扫超过保留期的地址状态
func (s *Sentinel) sweepLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := s.engine.Store().Sweep(time.Now()); removed > 0 {
				s.log.Infof("保留清扫移除 %d 个地址", removed)
			}
		}
	}
}

// watchLoop 价格新鲜度看门狗：缓存建议重启时强制重连摄取
func (s *Sentinel) watchLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.WatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, needRestart := s.feed.GetAllLatest(); needRestart {
				s.feed.ForceReconnect("price data too stale")
			}
		}
	}
}

// Backfill 历史回补：拉取区间内的事件并逐条走分类管线，返回处理条数
func (s *Sentinel) Backfill(ctx context.Context, from, to uint64) (int, error) {
	if s.source == nil {
		return 0, errors.New("未配置账本事件源")
	}
	events, err := s.source.Backfill(ctx, from, to)
	if err != nil {
		return 0, err
	}
	for i := range events {
		s.handleEvent(events[i])
	}
	s.log.Infof("历史回补完成: 区间 [%d, %d] 共 %d 条事件", from, to, len(events))
	return len(events), nil
}

// FlushNow 手动触发一次全量上报
func (s *Sentinel) FlushNow(ctx context.Context) error {
	return s.coord.Flush(ctx)
}

// SetFlushPolicy 更新上报策略
func (s *Sentinel) SetFlushPolicy(p flush.Policy) {
	s.coord.SetPolicy(p)
}

// PendingBots 某分类的待上报队列副本
func (s *Sentinel) PendingBots(cat domain.Category) []domain.ClassificationResult {
	return s.coord.Pending(cat)
}

// AddressSummary 某地址的分类概要
func (s *Sentinel) AddressSummary(address string) (detector.AddressSummary, bool) {
	return s.engine.Summary(address)
}

// Status 服务状态快照
type Status struct {
	Running       bool                    `json:"running"`
	UptimeSeconds int64                   `json:"uptime_seconds"`
	Feed          pricefeed.Snapshot      `json:"feed"`
	TrackedAddrs  int                     `json:"tracked_addresses"`
	Classified    int64                   `json:"classified_events"`
	Pending       map[domain.Category]int `json:"pending"`
	Policy        flush.Policy            `json:"policy"`
	Thresholds    ThresholdView           `json:"thresholds"`
	FlushStats    []store.FlushStat       `json:"flush_stats,omitempty"`
}

// ThresholdView 分类阈值的对外展示
type ThresholdView struct {
	BadBotMin     int `json:"bad_bot_min"`
	SuspiciousMin int `json:"suspicious_min"`
	GoodBotMin    int `json:"good_bot_min"`
}

// GetStatus 汇总当前状态
func (s *Sentinel) GetStatus(ctx context.Context) Status {
	s.classMu.Lock()
	classified := s.classified
	s.classMu.Unlock()

	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	th := s.engine.Thresholds()
	st := Status{
		Running:      running,
		Feed:         s.feed.StatusSnapshot(),
		TrackedAddrs: s.engine.Store().Len(),
		Classified:   classified,
		Pending:      s.coord.PendingCounts(),
		Policy:       s.coord.GetPolicy(),
		Thresholds: ThresholdView{
			BadBotMin:     th.BadBotMin,
			SuspiciousMin: th.SuspiciousMin,
			GoodBotMin:    th.GoodBotMin,
		},
	}
	if !s.startedAt.IsZero() {
		st.UptimeSeconds = int64(time.Since(s.startedAt).Seconds())
	}
	if s.audit != nil {
		if stats, err := s.audit.Stats(ctx); err == nil {
			st.FlushStats = stats
		}
	}
	return st
}
