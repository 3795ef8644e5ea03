package detector

import (
	"github.com/botsentinel/gosentinel/internal/domain"
)

// analyzeLiquidity 流动性模式识别。
// 做市：窗口内频率高且单笔规模稳定（变异系数低）；
// 套利：相邻成交大多落在短突发间隔内。
// 两种模式之一 + 总成交量达标 → 流动性提供者。
// 调用方需持有 w.mu。
func analyzeLiquidity(w *UserWindow, th *Thresholds) domain.LiquidityInfo {
	info := domain.LiquidityInfo{TotalVolume: w.TotalVolume}
	n := len(w.trades)
	if n < th.LiquidityMinTrades {
		return info
	}

	volumeOK := w.TotalVolume.GreaterThanOrEqual(th.LiquidityMinVolume)
	if !volumeOK {
		return info
	}

	if isMarketMaker(w, th) {
		info.IsProvider = true
		info.BotType = "Market Maker Bot"
		return info
	}
	if isArbitrage(w, th) {
		info.IsProvider = true
		info.BotType = "Arbitrage Bot"
	}
	return info
}

func isMarketMaker(w *UserWindow, th *Thresholds) bool {
	n := len(w.trades)
	// 频率按窗口内实际成交跨度计算，窗口刚开始时不会被整窗长度稀释；
	// 跨度有下限，避免极短突发把频率推到无穷大
	span := w.trades[n-1].At.Sub(w.trades[0].At)
	if span < th.MakerMinSpan {
		span = th.MakerMinSpan
	}
	freq := float64(n) / span.Hours()
	if freq < th.MakerMinPerHour {
		return false
	}

	sizes := make([]float64, 0, len(w.trades))
	for i := range w.trades {
		sizes = append(sizes, w.trades[i].Amount.Abs().InexactFloat64())
	}
	mean, std := meanStd(sizes)
	if mean <= 0 {
		return false
	}
	return std/mean < th.MakerMaxSizeCV
}

func isArbitrage(w *UserWindow, th *Thresholds) bool {
	n := len(w.trades)
	if n < 2 {
		return false
	}
	bursts := 0
	for i := 1; i < n; i++ {
		gap := w.trades[i].At.Sub(w.trades[i-1].At).Milliseconds()
		if gap <= th.ArbBurstGapMs {
			bursts++
		}
	}
	return float64(bursts)/float64(n-1) >= th.ArbMinFraction
}
