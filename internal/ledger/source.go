package ledger

import (
	"context"
	"math/big"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/botsentinel/gosentinel/internal/domain"
)

// Source 交易事件源。实时事件从 Events() 读取；
// 历史区间用 Backfill 拉取（分片 + 二分重试）。
type Source interface {
	Start(ctx context.Context) error
	Stop()
	Events() <-chan domain.TradeEvent
	Backfill(ctx context.Context, from, to uint64) ([]domain.TradeEvent, error)
}

// Config 账本事件源配置
type Config struct {
	RPCURL          string
	ContractAddress string
	EventTopic      string
	AmountDecimals  int32
	ChunkSize       uint64
	EventBuffer     int
	PollInterval    time.Duration
}

// EthSource 基于以太坊兼容 RPC 的事件源。
// 优先走日志订阅；provider 不支持订阅时退化为区块号轮询。
type EthSource struct {
	cfg    Config
	client *ethclient.Client
	log    *logrus.Entry

	events chan domain.TradeEvent

	contract common.Address
	topic    common.Hash

	runningMu sync.Mutex
	running   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	// 区块时间缓存：同一区块内多条日志只查一次头
	btMu       sync.Mutex
	blockTimes map[uint64]int64
}

// NewEthSource 创建事件源（建连推迟到 Start）
func NewEthSource(cfg Config) (*EthSource, error) {
	if cfg.RPCURL == "" {
		return nil, errors.New("账本 RPC 地址为空")
	}
	if cfg.ContractAddress == "" {
		return nil, errors.New("合约地址为空")
	}
	if cfg.EventTopic == "" {
		return nil, errors.New("事件 topic 为空")
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = 2000
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 1024
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}

	return &EthSource{
		cfg:        cfg,
		log:        logrus.WithField("component", "ledger"),
		events:     make(chan domain.TradeEvent, cfg.EventBuffer),
		contract:   common.HexToAddress(cfg.ContractAddress),
		topic:      common.HexToHash(cfg.EventTopic),
		blockTimes: make(map[uint64]int64),
	}, nil
}

// Events 交易事件通道（有界；消费跟不上时 Start 侧丢弃并告警）
func (s *EthSource) Events() <-chan domain.TradeEvent {
	return s.events
}

// Start 建连并开始投递实时事件
func (s *EthSource) Start(ctx context.Context) error {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()
	if s.running {
		return errors.New("事件源已在运行")
	}

	client, err := ethclient.DialContext(ctx, s.cfg.RPCURL)
	if err != nil {
		return errors.Wrap(err, "连接账本 RPC 失败")
	}
	s.client = client

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running = true

	s.wg.Add(1)
	go s.run(runCtx)
	return nil
}

// Stop 停止事件源
func (s *EthSource) Stop() {
	s.runningMu.Lock()
	if !s.running {
		s.runningMu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.runningMu.Unlock()

	cancel()
	s.wg.Wait()
	if s.client != nil {
		s.client.Close()
	}
	close(s.events)
	s.log.Info("账本事件源已停止")
}

func (s *EthSource) query(from, to *big.Int) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		FromBlock: from,
		ToBlock:   to,
		Addresses: []common.Address{s.contract},
		Topics:    [][]common.Hash{{s.topic}},
	}
}

// run 订阅优先，失败退化为轮询
func (s *EthSource) run(ctx context.Context) {
	defer s.wg.Done()

	logs := make(chan types.Log, 256)
	sub, err := s.client.SubscribeFilterLogs(ctx, s.query(nil, nil), logs)
	if err != nil {
		s.log.Warnf("日志订阅不可用（%v），退化为轮询", err)
		s.pollLoop(ctx)
		return
	}
	defer sub.Unsubscribe()
	s.log.Info("账本日志订阅已建立")

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-sub.Err():
			s.log.Warnf("日志订阅中断（%v），退化为轮询", err)
			s.pollLoop(ctx)
			return
		case lg := <-logs:
			s.deliver(ctx, lg)
		}
	}
}

// pollLoop 按区块号推进的轮询投递
func (s *EthSource) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	var last uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			head, err := s.client.BlockNumber(ctx)
			if err != nil {
				s.log.Warnf("查询最新区块失败: %v", err)
				continue
			}
			if last == 0 {
				last = head
				continue
			}
			if head <= last {
				continue
			}

			from := last + 1
			logs, err := s.client.FilterLogs(ctx, s.query(
				new(big.Int).SetUint64(from), new(big.Int).SetUint64(head)))
			if err != nil {
				s.log.Warnf("轮询区间 [%d, %d] 失败: %v", from, head, err)
				continue
			}
			for i := range logs {
				s.deliver(ctx, logs[i])
			}
			last = head
		}
	}
}

// deliver 解码并投递单条日志；通道满时丢弃（实时流允许丢，历史回补不走这里）
func (s *EthSource) deliver(ctx context.Context, lg types.Log) {
	ev, err := s.decodeLog(ctx, lg)
	if err != nil {
		s.log.Debugf("跳过无法解码的日志 tx=%s: %v", lg.TxHash.Hex(), err)
		return
	}
	select {
	case s.events <- ev:
	default:
		s.log.Warnf("事件通道已满，丢弃 tx=%s", ev.TxHash)
	}
}

// decodeLog 日志 → 交易事件。
// topic[1] 为交易地址，data 前 32 字节为定点金额。
func (s *EthSource) decodeLog(ctx context.Context, lg types.Log) (domain.TradeEvent, error) {
	if lg.Removed {
		return domain.TradeEvent{}, errors.New("日志已被链重组移除")
	}
	if len(lg.Topics) < 2 {
		return domain.TradeEvent{}, errors.Errorf("topic 数量不足: %d", len(lg.Topics))
	}
	if len(lg.Data) < 32 {
		return domain.TradeEvent{}, errors.Errorf("data 长度不足: %d", len(lg.Data))
	}

	addr := common.BytesToAddress(lg.Topics[1].Bytes()[12:])
	raw := new(big.Int).SetBytes(lg.Data[:32])
	amount := decimal.NewFromBigInt(raw, -s.cfg.AmountDecimals)

	blockMs, err := s.blockTimeMs(ctx, lg.BlockNumber)
	if err != nil {
		return domain.TradeEvent{}, errors.Wrapf(err, "查询区块 %d 时间失败", lg.BlockNumber)
	}

	return domain.TradeEvent{
		Address:         addr.Hex(),
		Amount:          amount,
		Timestamp:       time.UnixMilli(blockMs),
		BlockNumber:     lg.BlockNumber,
		TxHash:          lg.TxHash.Hex(),
		BlockTime:       blockMs,
		MeasureReaction: true,
	}, nil
}

// blockTimeMs 区块时间（epoch ms），带缓存
func (s *EthSource) blockTimeMs(ctx context.Context, number uint64) (int64, error) {
	s.btMu.Lock()
	if ms, ok := s.blockTimes[number]; ok {
		s.btMu.Unlock()
		return ms, nil
	}
	s.btMu.Unlock()

	header, err := s.client.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return 0, err
	}
	ms := int64(header.Time) * 1000

	s.btMu.Lock()
	// 缓存只增不改，粗暴封顶防止无界增长
	if len(s.blockTimes) > 8192 {
		s.blockTimes = make(map[uint64]int64)
	}
	s.blockTimes[number] = ms
	s.btMu.Unlock()
	return ms, nil
}

// FilterTradeLogs 拉取一个区块区间内的交易事件（回补用）
func (s *EthSource) FilterTradeLogs(ctx context.Context, from, to uint64) ([]domain.TradeEvent, error) {
	logs, err := s.client.FilterLogs(ctx, s.query(
		new(big.Int).SetUint64(from), new(big.Int).SetUint64(to)))
	if err != nil {
		return nil, err
	}
	out := make([]domain.TradeEvent, 0, len(logs))
	for i := range logs {
		ev, err := s.decodeLog(ctx, logs[i])
		if err != nil {
			s.log.Debugf("回补跳过无法解码的日志: %v", err)
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// Backfill 历史区间回补：分片拉取，失败分片二分重试
func (s *EthSource) Backfill(ctx context.Context, from, to uint64) ([]domain.TradeEvent, error) {
	return FetchHistorical(ctx, s, from, to, s.cfg.ChunkSize)
}
