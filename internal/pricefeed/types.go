package pricefeed

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/botsentinel/gosentinel/internal/domain"
)

// subscribeRequest 订阅请求
type subscribeRequest struct {
	Type string   `json:"type"` // "subscribe" / "unsubscribe"
	IDs  []string `json:"ids"`
}

// wireMessage 服务端消息的统一外壳
// - type=response: 订阅确认（status=success 时 ids 为被确认的 feed）
// - type=price_update: 价格更新
type wireMessage struct {
	Type      string         `json:"type"`
	Status    string         `json:"status,omitempty"`
	IDs       []string       `json:"ids,omitempty"`
	Error     string         `json:"error,omitempty"`
	PriceFeed *wirePriceFeed `json:"price_feed,omitempty"`
}

// wirePriceFeed 单个 feed 的价格载荷（定点整数 + 指数）
type wirePriceFeed struct {
	ID    string    `json:"id"`
	Price wirePrice `json:"price"`
}

type wirePrice struct {
	Price       string `json:"price"`
	Conf        string `json:"conf"`
	Expo        int32  `json:"expo"`
	PublishTime int64  `json:"publish_time"` // epoch 秒
}

// toSample 解析为领域样本。receivedAt 由调用方传入（epoch ms）。
func (f *wirePriceFeed) toSample(receivedAt int64) (domain.PriceSample, error) {
	if f == nil || strings.TrimSpace(f.ID) == "" {
		return domain.PriceSample{}, fmt.Errorf("price_feed 缺少 id")
	}
	raw, err := strconv.ParseInt(strings.TrimSpace(f.Price.Price), 10, 64)
	if err != nil {
		return domain.PriceSample{}, fmt.Errorf("price 字段无效 %q: %w", f.Price.Price, err)
	}
	// 负指数用除法，避免乘以不精确的 10⁻ⁿ 引入浮点误差（见 REVIEW_FINDINGS F6）
	applyExpo := func(v int64) float64 {
		if f.Price.Expo < 0 {
			return float64(v) / math.Pow10(int(-f.Price.Expo))
		}
		return float64(v) * math.Pow10(int(f.Price.Expo))
	}
	price := applyExpo(raw)

	conf := 0.0
	if s := strings.TrimSpace(f.Price.Conf); s != "" {
		if rawConf, err := strconv.ParseInt(s, 10, 64); err == nil {
			conf = applyExpo(rawConf)
		}
	}

	if f.Price.PublishTime <= 0 {
		return domain.PriceSample{}, fmt.Errorf("publish_time 无效: %d", f.Price.PublishTime)
	}

	return domain.PriceSample{
		FeedID:      normalizeFeedID(f.ID),
		Price:       price,
		Confidence:  conf,
		PublishTime: f.Price.PublishTime * 1000,
		ReceivedAt:  receivedAt,
	}, nil
}

// normalizeFeedID 去掉可选的 0x 前缀并统一小写
func normalizeFeedID(id string) string {
	id = strings.TrimSpace(strings.ToLower(id))
	return strings.TrimPrefix(id, "0x")
}
