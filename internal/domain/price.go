package domain

// PriceSample 单条价格样本（一经创建不可修改）
type PriceSample struct {
	FeedID      string  `json:"feed_id"`
	Price       float64 `json:"price"`
	Confidence  float64 `json:"confidence"`
	PublishTime int64   `json:"publish_time"` // 源端声明的发布时间（epoch ms）
	ReceivedAt  int64   `json:"received_at"`  // 本地接收时间（epoch ms）
}

// IsValid 验证样本是否有效
func (p *PriceSample) IsValid() bool {
	return p.FeedID != "" && p.Price > 0 && p.PublishTime > 0
}

// AgeMs 返回样本自本地接收以来的毫秒数（新鲜度以接收时刻为准，不受源端时钟影响）
func (p *PriceSample) AgeMs(nowMs int64) int64 {
	return nowMs - p.ReceivedAt
}
