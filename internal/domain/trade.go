package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeEvent 链上交易事件（由账本采集器产生，消费一次即弃）
// PricePublishTime/BlockTime 为 0 表示未知。
type TradeEvent struct {
	Address          string          `json:"address"`
	Amount           decimal.Decimal `json:"amount"`
	Timestamp        time.Time       `json:"timestamp"`
	BlockNumber      uint64          `json:"block_number"`
	TxHash           string          `json:"tx_hash"`
	PricePublishTime int64           `json:"price_publish_time,omitempty"` // epoch ms
	BlockTime        int64           `json:"block_time,omitempty"`         // epoch ms
	MeasureReaction  bool            `json:"measure_reaction"`
}

// Key 返回交易事件的唯一键（用于去重）
func (t *TradeEvent) Key() string {
	return t.TxHash
}

// IsValid 验证事件是否可用于分类
func (t *TradeEvent) IsValid() bool {
	return t.Address != "" && !t.Timestamp.IsZero()
}
