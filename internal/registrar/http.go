package registrar

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/botsentinel/gosentinel/internal/domain"
	"github.com/botsentinel/gosentinel/pkg/ratelimit"
)

// Config 登记服务客户端配置
type Config struct {
	BaseURL string
	Timeout time.Duration
	// Signer 为 nil 时按免证明模式上报（登记服务可能因此拒收，见费用接口）
	Signer *ProofSigner
}

// Client 外部登记服务客户端。
// 批次整体成功或整体失败；登记侧按地址幂等，重复上报安全（at-least-once）。
type Client struct {
	http    *resty.Client
	signer  *ProofSigner
	limiter *ratelimit.TokenBucket
	log     *logrus.Entry

	feeMu sync.RWMutex
	fee   string // 最近一次查询到的登记费（字符串原样透传）
}

// batchEntry 批次内单条登记记录
type batchEntry struct {
	Address string   `json:"address"`
	Score   int      `json:"score"`
	Risk    string   `json:"risk,omitempty"`     // 仅 BAD_BOT
	BotType string   `json:"bot_type,omitempty"` // 流动性模式命中时填写
	Reasons []string `json:"reasons"`
}

// batchRequest 批量登记请求
type batchRequest struct {
	Category string       `json:"category"`
	Entries  []batchEntry `json:"entries"`
	Fee      string       `json:"fee,omitempty"`
	Proof    *proofData   `json:"proof,omitempty"`
}

type proofData struct {
	Signer    string `json:"signer"`
	Digest    string `json:"digest"`
	Signature string `json:"signature"`
}

type feeResponse struct {
	Fee           string `json:"fee"`
	ProofRequired bool   `json:"proof_required"`
}

// NewClient 创建登记服务客户端
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("登记服务地址为空")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	http := resty.New().
		SetBaseURL(base).
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(10 * time.Second).
		SetRetryAfter(func(client *resty.Client, resp *resty.Response) (time.Duration, error) {
			// 429 限流时尊重 Retry-After 头
			if resp.StatusCode() == 429 {
				if ra := resp.Header().Get("Retry-After"); ra != "" {
					if d, err := time.ParseDuration(ra + "s"); err == nil {
						return d, nil
					}
				}
				return 10 * time.Second, nil
			}
			return 0, nil
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:    http,
		signer:  cfg.Signer,
		limiter: ratelimit.NewTokenBucket(5, 2), // 对登记侧限速
		log:     logrus.WithField("component", "registrar"),
	}, nil
}

// RefreshFee 查询当前登记费并缓存（费用可能随时被登记侧更新）
func (c *Client) RefreshFee(ctx context.Context) (string, error) {
	var out feeResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/v1/registration/fee")
	if err != nil {
		return "", errors.Wrap(err, "查询登记费失败")
	}
	if resp.IsError() {
		return "", httpError(resp)
	}

	c.feeMu.Lock()
	c.fee = out.Fee
	c.feeMu.Unlock()
	c.log.Debugf("登记费已更新: %s (proof_required=%v)", out.Fee, out.ProofRequired)
	return out.Fee, nil
}

// CurrentFee 最近缓存的登记费（可能为空）
func (c *Client) CurrentFee() string {
	c.feeMu.RLock()
	defer c.feeMu.RUnlock()
	return c.fee
}

// SubmitBatch 上报一个分类的批次。
// 费用缓存为空时先查询一次；withProof 为真且配置了签名器时，
// 证明数据对整个批次的 JSON 载荷签名。
func (c *Client) SubmitBatch(ctx context.Context, category domain.Category, batch []domain.ClassificationResult, withProof bool) error {
	if len(batch) == 0 {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "等待限速令牌失败")
	}

	if c.CurrentFee() == "" {
		if _, err := c.RefreshFee(ctx); err != nil {
			c.log.Warnf("登记费查询失败，按无费用上报: %v", err)
		}
	}

	entries := make([]batchEntry, 0, len(batch))
	for i := range batch {
		r := &batch[i]
		entries = append(entries, batchEntry{
			Address: r.Address,
			Score:   r.Score,
			Risk:    string(r.Risk),
			BotType: r.Liquidity.BotType,
			Reasons: r.Signals,
		})
	}

	req := batchRequest{
		Category: string(category),
		Entries:  entries,
		Fee:      c.CurrentFee(),
	}

	if withProof && c.signer == nil {
		c.log.Warnf("上报策略要求外部证明但未配置签名器，%s 批次不带证明", category)
	}
	if withProof && c.signer != nil {
		payload, err := json.Marshal(struct {
			Category string       `json:"category"`
			Entries  []batchEntry `json:"entries"`
			Fee      string       `json:"fee"`
		}{req.Category, req.Entries, req.Fee})
		if err != nil {
			return errors.Wrap(err, "序列化批次载荷失败")
		}
		sig, err := c.signer.SignDigest(payload)
		if err != nil {
			return errors.Wrap(err, "批次证明签名失败")
		}
		req.Proof = &proofData{
			Signer:    c.signer.Address(),
			Digest:    DigestHex(payload),
			Signature: sig,
		}
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		Post("/v1/registration/batch")
	if err != nil {
		return errors.Wrapf(err, "上报 %s 批次失败", category)
	}
	if resp.IsError() {
		// 费用过期是可恢复错误：刷新缓存后由调用方下一轮重试
		if resp.StatusCode() == 402 {
			if _, ferr := c.RefreshFee(ctx); ferr != nil {
				c.log.Warnf("登记费刷新失败: %v", ferr)
			}
			return errors.Errorf("登记费已变更，已刷新缓存待重试 (%s)", bodyPreview(resp))
		}
		return httpError(resp)
	}

	c.log.Infof("批次上报成功: category=%s entries=%d", category, len(entries))
	return nil
}

// httpError 将非 2xx 响应转为带正文摘要的错误
func httpError(resp *resty.Response) error {
	return errors.Errorf("登记服务返回 %d: %s", resp.StatusCode(), bodyPreview(resp))
}

func bodyPreview(resp *resty.Response) string {
	body := strings.TrimSpace(resp.String())
	if len(body) > 200 {
		body = body[:200] + "...(truncated)"
	}
	if body == "" {
		body = resp.Status()
	}
	return body
}
