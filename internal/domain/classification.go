package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Category 地址分类
type Category string

const (
	CategoryHuman      Category = "HUMAN"
	CategoryGoodBot    Category = "GOOD_BOT"
	CategorySuspicious Category = "SUSPICIOUS"
	CategoryBadBot     Category = "BAD_BOT"
)

// IsValid 是否为已知分类
func (c Category) IsValid() bool {
	switch c {
	case CategoryHuman, CategoryGoodBot, CategorySuspicious, CategoryBadBot:
		return true
	}
	return false
}

// FlushCategories 需要进入待上报队列的分类（HUMAN 不上报）
func FlushCategories() []Category {
	return []Category{CategoryGoodBot, CategorySuspicious, CategoryBadBot}
}

// RiskLevel BAD_BOT 的风险等级
type RiskLevel string

const (
	RiskCritical RiskLevel = "CRITICAL"
	RiskHigh     RiskLevel = "HIGH"
	RiskMedium   RiskLevel = "MEDIUM"
)

// LiquidityInfo 流动性模式分析结果
type LiquidityInfo struct {
	IsProvider  bool            `json:"is_provider"`
	TotalVolume decimal.Decimal `json:"total_volume"`
	BotType     string          `json:"bot_type,omitempty"` // "Market Maker Bot" / "Arbitrage Bot"
}

// ClassificationResult 单次分类结果（创建后不再修改）
// Score 不做硬性截断，由调用方自行决定如何展示 100+ 的分数。
type ClassificationResult struct {
	Address   string        `json:"address"`
	Score     int           `json:"score"`
	Signals   []string      `json:"signals"`
	Category  Category      `json:"category"`
	Risk      RiskLevel     `json:"risk,omitempty"` // 仅 BAD_BOT 填写
	Liquidity LiquidityInfo `json:"liquidity"`
	Timestamp time.Time     `json:"timestamp"`
}
