package detector

import (
	"time"

	"github.com/shopspring/decimal"
)

// Thresholds 分类引擎全部可调参数。集中在一处，避免魔法数散落在各打分器里。
// 各分值区间必须随信号强度单调递增。
type Thresholds struct {
	// 窗口与保留
	WindowDuration time.Duration // 滚动窗口长度
	Retention      time.Duration // 地址状态保留时长

	// 分类阈值（good < suspicious < bad）
	BadBotMin     int
	SuspiciousMin int
	GoodBotMin    int

	// 反应时间
	ReactionBotMs      int64 // 低于此值视为机器水平
	ReactionFastMs     int64
	ReactionQuickMs    int64
	ReactionBotScore   int
	ReactionFastScore  int
	ReactionQuickScore int
	ReactionPartial    int   // 无价格数据时的兜底分
	ReactionCapMs      int64 // 反应时间封顶
	ReactionMaxGapMs   int64 // 价格与成交间隔超过此值不计
	ClockSkewMs        int64 // 价格晚于成交超过此值视为时钟漂移

	// 频率一致性（窗口内 ≥ MinTrades 才计算）
	ConsistencyMinTrades int
	ConsistencyHighPct   float64
	ConsistencyMidPct    float64
	ConsistencyLowPct    float64
	ConsistencyHighScore int
	ConsistencyMidScore  int
	ConsistencyLowScore  int

	// 金额精度（小数位数）
	PrecisionHighDigits int
	PrecisionMidDigits  int
	PrecisionLowDigits  int
	PrecisionHighScore  int
	PrecisionMidScore   int
	PrecisionLowScore   int

	// 活跃时段覆盖
	ActivityMinTrades int
	ActivityHighCov   float64
	ActivityMidCov    float64
	ActivityHighScore int
	ActivityMidScore  int

	// 辅助信号
	OffHoursEndUTC       int   // [0, OffHoursEndUTC) 视为深夜时段
	OffHoursScore        int
	ImmediateTimingMs    int64 // 单笔反应低于此值加分
	ImmediateTimingScore int
	SustainedFastAvgMs   float64 // 长期平均反应低于此值
	SustainedMinTrades   int64
	SustainedFastScore   int
	HighVolumeTrades     int64 // 历史总笔数高位线
	HighVolumeScore      int

	// 流动性模式
	LiquidityMinTrades int
	MakerMinPerHour    float64
	MakerMinSpan       time.Duration // 做市频率分母的最小跨度
	MakerMaxSizeCV     float64
	ArbBurstGapMs      int64
	ArbMinFraction     float64
	LiquidityMinVolume decimal.Decimal

	// 风险分级（仅 BAD_BOT）
	RiskCriticalMin int
	RiskHighMin     int
}

// DefaultThresholds 返回默认参数
func DefaultThresholds() Thresholds {
	return Thresholds{
		WindowDuration: time.Hour,
		Retention:      24 * time.Hour,

		BadBotMin:     80,
		SuspiciousMin: 70,
		GoodBotMin:    55,

		ReactionBotMs:      100,
		ReactionFastMs:     300,
		ReactionQuickMs:    1000,
		ReactionBotScore:   50,
		ReactionFastScore:  35,
		ReactionQuickScore: 25,
		ReactionPartial:    10,
		ReactionCapMs:      60_000,
		ReactionMaxGapMs:   5 * 60_000,
		ClockSkewMs:        5_000,

		ConsistencyMinTrades: 3,
		ConsistencyHighPct:   90,
		ConsistencyMidPct:    80,
		ConsistencyLowPct:    70,
		ConsistencyHighScore: 35,
		ConsistencyMidScore:  25,
		ConsistencyLowScore:  15,

		PrecisionHighDigits: 8,
		PrecisionMidDigits:  4,
		PrecisionLowDigits:  2,
		PrecisionHighScore:  35,
		PrecisionMidScore:   22,
		PrecisionLowScore:   8,

		ActivityMinTrades: 10,
		ActivityHighCov:   0.7,
		ActivityMidCov:    0.5,
		ActivityHighScore: 25,
		ActivityMidScore:  15,

		OffHoursEndUTC:       6,
		OffHoursScore:        5,
		ImmediateTimingMs:    500,
		ImmediateTimingScore: 5,
		SustainedFastAvgMs:   1000,
		SustainedMinTrades:   20,
		SustainedFastScore:   10,
		HighVolumeTrades:     1000,
		HighVolumeScore:      5,

		LiquidityMinTrades: 5,
		MakerMinPerHour:    10,
		MakerMinSpan:       time.Minute,
		MakerMaxSizeCV:     0.5,
		ArbBurstGapMs:      2_000,
		ArbMinFraction:     0.6,
		LiquidityMinVolume: decimal.NewFromInt(10_000),

		RiskCriticalMin: 95,
		RiskHighMin:     88,
	}
}
