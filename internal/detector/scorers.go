package detector

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/botsentinel/gosentinel/internal/domain"
)

// 各打分器相互独立、分数相加。每个打分器返回 (得分, 证据, ...)。

// scoreReaction 反应时间打分。
// 返回测得的反应毫秒数（-1 表示本笔未测量）。
func scoreReaction(ev *domain.TradeEvent, th *Thresholds) (score int, signals []string, reactionMs int64) {
	reactionMs = -1
	if !ev.MeasureReaction {
		return 0, nil, reactionMs
	}
	if ev.PricePublishTime <= 0 || ev.BlockTime <= 0 {
		// 缺价格数据是不确定性，不是无信号：给固定兜底分
		return th.ReactionPartial, []string{"反应时间不可测（缺少价格数据）"}, reactionMs
	}

	gap := ev.BlockTime - ev.PricePublishTime
	if gap < -th.ClockSkewMs {
		// 价格发布时间晚于成交过多，视为时钟漂移，丢弃该信号
		return 0, []string{"价格/成交时间戳异常（疑似时钟漂移）"}, reactionMs
	}
	abs := gap
	if abs < 0 {
		abs = -abs
	}
	if abs > th.ReactionMaxGapMs {
		return 0, nil, reactionMs
	}
	if abs > th.ReactionCapMs {
		abs = th.ReactionCapMs
	}
	reactionMs = abs

	switch {
	case abs < th.ReactionBotMs:
		return th.ReactionBotScore, []string{fmt.Sprintf("机器级反应: %dms", abs)}, reactionMs
	case abs < th.ReactionFastMs:
		return th.ReactionFastScore, []string{fmt.Sprintf("极快反应: %dms", abs)}, reactionMs
	case abs < th.ReactionQuickMs:
		return th.ReactionQuickScore, []string{fmt.Sprintf("快速反应: %dms", abs)}, reactionMs
	}
	return 0, nil, reactionMs
}

// scoreConsistency 频率一致性打分：窗口内成交间隔的变异系数越小越像机器。
// 窗口内不足 ConsistencyMinTrades 笔时不计算。调用方需持有 w.mu。
func scoreConsistency(w *UserWindow, th *Thresholds) (int, []string) {
	n := len(w.trades)
	if n < th.ConsistencyMinTrades {
		return 0, nil
	}

	intervals := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		intervals = append(intervals, w.trades[i].At.Sub(w.trades[i-1].At).Seconds())
	}
	mean, std := meanStd(intervals)
	if mean <= 0 {
		return 0, nil
	}
	cv := std / mean
	consistency := (1 - cv) * 100
	if consistency < 0 {
		consistency = 0
	}

	switch {
	case consistency > th.ConsistencyHighPct:
		return th.ConsistencyHighScore, []string{fmt.Sprintf("成交节奏高度规律: %.1f%%", consistency)}
	case consistency > th.ConsistencyMidPct:
		return th.ConsistencyMidScore, []string{fmt.Sprintf("成交节奏较规律: %.1f%%", consistency)}
	case consistency > th.ConsistencyLowPct:
		return th.ConsistencyLowScore, []string{fmt.Sprintf("成交节奏偏规律: %.1f%%", consistency)}
	}
	return 0, nil
}

// scorePrecision 金额精度打分。整十/整百/整千的"圆整"金额视为人类习惯，跳过。
func scorePrecision(amount decimal.Decimal, th *Thresholds) (int, []string) {
	if amount.IsZero() {
		return 0, nil
	}
	if isRoundAmount(amount) {
		return 0, nil
	}

	digits := fractionDigits(amount)
	switch {
	case digits > th.PrecisionHighDigits:
		return th.PrecisionHighScore, []string{fmt.Sprintf("异常精度金额: %d 位小数", digits)}
	case digits > th.PrecisionMidDigits:
		return th.PrecisionMidScore, []string{fmt.Sprintf("高精度金额: %d 位小数", digits)}
	case digits > th.PrecisionLowDigits:
		return th.PrecisionLowScore, []string{fmt.Sprintf("较高精度金额: %d 位小数", digits)}
	}
	return 0, nil
}

// isRoundAmount 金额是否为 10/100/1000 的整数倍
func isRoundAmount(amount decimal.Decimal) bool {
	abs := amount.Abs()
	if !abs.Equal(abs.Truncate(0)) {
		return false
	}
	return abs.Mod(decimal.NewFromInt(10)).IsZero()
}

// fractionDigits 小数位数（去掉尾部补零）
func fractionDigits(amount decimal.Decimal) int {
	s := amount.Abs().String() // decimal.String 不带尾零
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return len(s) - i - 1
	}
	return 0
}

// scoreActivity 时段覆盖打分：窗口内触及的 UTC 小时数占全天比例。
// 调用方需持有 w.mu。
func scoreActivity(w *UserWindow, th *Thresholds) (int, []string) {
	if len(w.trades) < th.ActivityMinTrades {
		return 0, nil
	}

	var seen [24]bool
	unique := 0
	for i := range w.trades {
		h := w.trades[i].At.UTC().Hour()
		if !seen[h] {
			seen[h] = true
			unique++
		}
	}
	coverage := float64(unique) / 24

	switch {
	case coverage > th.ActivityHighCov:
		return th.ActivityHighScore, []string{fmt.Sprintf("全天候活跃: 覆盖 %d/24 小时", unique)}
	case coverage > th.ActivityMidCov:
		return th.ActivityMidScore, []string{fmt.Sprintf("长时段活跃: 覆盖 %d/24 小时", unique)}
	}
	return 0, nil
}

// scoreAuxiliary 辅助信号：深夜交易、即时市场反应、长期低延迟、历史高频。
// 调用方需持有 w.mu。
func scoreAuxiliary(w *UserWindow, ev *domain.TradeEvent, reactionMs int64, th *Thresholds) (int, []string) {
	score := 0
	var signals []string

	if h := ev.Timestamp.UTC().Hour(); h < th.OffHoursEndUTC {
		score += th.OffHoursScore
		signals = append(signals, fmt.Sprintf("深夜时段交易 (UTC %02d 点)", h))
	}

	if reactionMs >= 0 && reactionMs < th.ImmediateTimingMs {
		score += th.ImmediateTimingScore
		signals = append(signals, "对行情的即时响应")
	}

	if w.reactionSamples >= th.SustainedMinTrades && w.AvgReactionMs > 0 && w.AvgReactionMs < th.SustainedFastAvgMs {
		score += th.SustainedFastScore
		signals = append(signals, fmt.Sprintf("长期平均反应 %.0fms（%d 笔样本）", w.AvgReactionMs, w.reactionSamples))
	}

	if w.TotalTrades > th.HighVolumeTrades {
		score += th.HighVolumeScore
		signals = append(signals, fmt.Sprintf("历史成交 %d 笔", w.TotalTrades))
	}

	return score, signals
}

// meanStd 均值与总体标准差
func meanStd(xs []float64) (mean, std float64) {
	n := float64(len(xs))
	if n == 0 {
		return 0, 0
	}
	for _, x := range xs {
		mean += x
	}
	mean /= n

	var sq float64
	for _, x := range xs {
		d := x - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / n)
}
