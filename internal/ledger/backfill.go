package ledger

import (
	"context"
	"sort"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/botsentinel/gosentinel/internal/domain"
)

// LogProvider 区间日志拉取能力（回补算法对它做二分重试）
type LogProvider interface {
	FilterTradeLogs(ctx context.Context, from, to uint64) ([]domain.TradeEvent, error)
}

// FetchHistorical 历史回补：把 [from, to] 切成 chunkSize 大小的分片逐个拉取。
// 分片失败时二分成两半分别重试，只有单区块区间仍失败才把错误抛给调用方。
// 返回的事件按 (区块号, 交易哈希) 排序。
func FetchHistorical(ctx context.Context, p LogProvider, from, to uint64, chunkSize uint64) ([]domain.TradeEvent, error) {
	if from > to {
		return nil, errors.Errorf("无效区间: from=%d > to=%d", from, to)
	}
	if chunkSize == 0 {
		chunkSize = 2000
	}
	log := logrus.WithField("component", "backfill")

	var all []domain.TradeEvent
	for start := from; ; {
		end := start + chunkSize - 1
		if end > to || end < start { // 溢出保护
			end = to
		}

		events, err := fetchRange(ctx, p, start, end, log)
		if err != nil {
			return nil, errors.Wrapf(err, "回补区间 [%d, %d] 失败", start, end)
		}
		all = append(all, events...)

		if end == to {
			break
		}
		start = end + 1
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].BlockNumber != all[j].BlockNumber {
			return all[i].BlockNumber < all[j].BlockNumber
		}
		return all[i].TxHash < all[j].TxHash
	})
	return all, nil
}

// fetchRange 拉取单个区间，失败时递归二分。
// 区间缩到单区块仍失败时错误向上传播。
func fetchRange(ctx context.Context, p LogProvider, from, to uint64, log *logrus.Entry) ([]domain.TradeEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	events, err := p.FilterTradeLogs(ctx, from, to)
	if err == nil {
		return events, nil
	}
	if from == to {
		return nil, errors.Wrapf(err, "单区块 %d 拉取失败", from)
	}

	mid := from + (to-from)/2
	log.Debugf("区间 [%d, %d] 拉取失败（%v），二分为 [%d, %d] 和 [%d, %d]",
		from, to, err, from, mid, mid+1, to)

	left, err := fetchRange(ctx, p, from, mid, log)
	if err != nil {
		return nil, err
	}
	right, err := fetchRange(ctx, p, mid+1, to, log)
	if err != nil {
		return nil, err
	}
	return append(left, right...), nil
}
