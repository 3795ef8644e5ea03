package detector

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/botsentinel/gosentinel/internal/domain"
)

// PriceProvider 价格快照提供方（摄取客户端实现）
type PriceProvider interface {
	GetLatest(feedID string) (domain.PriceSample, bool)
}

// Engine 分类引擎。每个 TradeEvent 消费一次：
// 先更新地址窗口，再跑全部打分器，最后按阈值 + 流动性让步规则定类。
type Engine struct {
	store  *UserWindowStore
	prices PriceProvider
	feedID string // 反应时间兜底用的 feed
	th     Thresholds
	log    *logrus.Entry
}

// NewEngine 创建分类引擎。prices 可为 nil（反应时间只依赖事件自带的时间戳）。
func NewEngine(store *UserWindowStore, prices PriceProvider, reactionFeedID string, th Thresholds) *Engine {
	return &Engine{
		store:  store,
		prices: prices,
		feedID: reactionFeedID,
		th:     th,
		log:    logrus.WithField("component", "detector"),
	}
}

// Store 返回底层状态仓库
func (e *Engine) Store() *UserWindowStore {
	return e.store
}

// Thresholds 返回引擎参数（只读副本）
func (e *Engine) Thresholds() Thresholds {
	return e.th
}

// Classify 对单个交易事件做分类。任何内部 panic 都会被兜住：
// 返回零分 HUMAN 并带错误证据，绝不让打分异常打断摄取管线。
func (e *Engine) Classify(ev domain.TradeEvent) (result domain.ClassificationResult) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Errorf("分类过程异常恢复 address=%s: %v", ev.Address, r)
			result = domain.ClassificationResult{
				Address:   ev.Address,
				Score:     0,
				Signals:   []string{"分类内部错误，按 HUMAN 兜底"},
				Category:  domain.CategoryHuman,
				Timestamp: time.Now(),
			}
		}
	}()

	if !ev.IsValid() {
		return domain.ClassificationResult{
			Address:   ev.Address,
			Signals:   []string{"事件缺少必需字段"},
			Category:  domain.CategoryHuman,
			Timestamp: time.Now(),
		}
	}

	// 事件未携带价格发布时间时，用最新价格快照兜底
	if ev.MeasureReaction && ev.PricePublishTime == 0 && e.prices != nil && e.feedID != "" {
		if sample, ok := e.prices.GetLatest(e.feedID); ok {
			ev.PricePublishTime = sample.PublishTime
		}
	}
	if ev.BlockTime == 0 && !ev.Timestamp.IsZero() {
		ev.BlockTime = ev.Timestamp.UnixMilli()
	}

	score := 0
	var signals []string

	reactionScore, reactionSignals, reactionMs := scoreReaction(&ev, &e.th)
	score += reactionScore
	signals = append(signals, reactionSignals...)

	var liquidity domain.LiquidityInfo

	e.store.With(ev.Address, func(w *UserWindow) {
		// 先入窗，让模式分析看到包含本笔在内的最新历史
		w.appendTrade(windowTrade{
			At:         ev.Timestamp,
			Amount:     ev.Amount,
			ReactionMs: reactionMs,
		}, e.th.WindowDuration)

		s, sig := scoreConsistency(w, &e.th)
		score += s
		signals = append(signals, sig...)

		s, sig = scorePrecision(ev.Amount, &e.th)
		score += s
		signals = append(signals, sig...)

		s, sig = scoreActivity(w, &e.th)
		score += s
		signals = append(signals, sig...)

		s, sig = scoreAuxiliary(w, &ev, reactionMs, &e.th)
		score += s
		signals = append(signals, sig...)

		liquidity = analyzeLiquidity(w, &e.th)

		category, risk, finalScore, extra := e.resolve(score, liquidity)
		signals = append(signals, extra...)

		w.LastScore = finalScore
		w.LastCategory = category

		result = domain.ClassificationResult{
			Address:   ev.Address,
			Score:     finalScore,
			Signals:   signals,
			Category:  category,
			Risk:      risk,
			Liquidity: liquidity,
			Timestamp: time.Now(),
		}
	})

	return result
}

// resolve 分数 → 分类。流动性让步只降不升：
// 高分 + 流动性证据 → GOOD_BOT（分数压到 BadBotMin 之下）；低分永远不会因流动性被抬高。
func (e *Engine) resolve(score int, liquidity domain.LiquidityInfo) (domain.Category, domain.RiskLevel, int, []string) {
	if score >= e.th.BadBotMin {
		if liquidity.IsProvider {
			capped := e.th.BadBotMin - 1
			return domain.CategoryGoodBot, "", capped, []string{"流动性提供者让步: " + liquidity.BotType}
		}
		return domain.CategoryBadBot, e.riskLevel(score), score, nil
	}
	if score >= e.th.SuspiciousMin {
		return domain.CategorySuspicious, "", score, nil
	}
	if score >= e.th.GoodBotMin {
		return domain.CategoryGoodBot, "", score, nil
	}
	return domain.CategoryHuman, "", score, nil
}

func (e *Engine) riskLevel(score int) domain.RiskLevel {
	switch {
	case score >= e.th.RiskCriticalMin:
		return domain.RiskCritical
	case score >= e.th.RiskHighMin:
		return domain.RiskHigh
	default:
		return domain.RiskMedium
	}
}

// AddressSummary 某地址的最近分类概要（状态接口用）
type AddressSummary struct {
	Address     string          `json:"address"`
	TotalTrades int64           `json:"total_trades"`
	TotalVolume string          `json:"total_volume"`
	LastScore   int             `json:"last_score"`
	LastCat     domain.Category `json:"last_category"`
	LastSeen    time.Time       `json:"last_seen"`
}

// Summary 读取某地址的概要，地址未知时返回 false
func (e *Engine) Summary(address string) (AddressSummary, bool) {
	var out AddressSummary
	ok := e.store.Peek(address, func(w *UserWindow) {
		out = AddressSummary{
			Address:     w.Address,
			TotalTrades: w.TotalTrades,
			TotalVolume: w.TotalVolume.String(),
			LastScore:   w.LastScore,
			LastCat:     w.LastCategory,
			LastSeen:    w.LastSeen,
		}
	})
	return out, ok
}
