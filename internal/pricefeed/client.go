package pricefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/botsentinel/gosentinel/internal/domain"
	"github.com/botsentinel/gosentinel/pkg/ratelimit"
)

// ConnState 连接状态机：Disconnected → Connecting → Connected，
// 出错后进入 Reconnecting；断路器打开期间停留在 Disconnected 并走 HTTP 轮询。
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// DialFunc 建立 WebSocket 连接（测试时可注入故障）。
// ctx 取消时拨号必须尽快返回，Stop() 依赖这一点打断在途重连。
type DialFunc func(ctx context.Context, url string) (*websocket.Conn, *http.Response, error)

// ClientConfig 摄取客户端配置
type ClientConfig struct {
	WSURL   string
	HTTPURL string // REST 最新价端点（降级轮询用）

	PingInterval     time.Duration
	HeartbeatTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	HealthInterval   time.Duration
	StaleDataAfter   time.Duration

	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int

	Breaker      BreakerConfig
	PollInterval time.Duration

	Dialer DialFunc // 为空则使用默认 dialer
}

// DefaultClientConfig 返回默认配置
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		PingInterval:         5 * time.Second,
		HeartbeatTimeout:     20 * time.Second,
		ReadTimeout:          30 * time.Second,
		WriteTimeout:         10 * time.Second,
		HealthInterval:       10 * time.Second,
		StaleDataAfter:       60 * time.Second,
		ReconnectBaseDelay:   1 * time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		MaxReconnectAttempts: 10,
		Breaker: BreakerConfig{
			ErrorThreshold: 5,
			ErrorWindow:    1 * time.Minute,
			Cooldown:       2 * time.Minute,
		},
		PollInterval: 10 * time.Second,
	}
}

func (c *ClientConfig) fillDefaults() {
	def := DefaultClientConfig()
	if c.PingInterval <= 0 {
		c.PingInterval = def.PingInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = def.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = def.HealthInterval
	}
	if c.StaleDataAfter <= 0 {
		c.StaleDataAfter = def.StaleDataAfter
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = def.ReconnectBaseDelay
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = def.ReconnectMaxDelay
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
}

// Client 价格流摄取客户端。持有一条逻辑连接，写入 Cache；
// 心跳、健康检查、重连与断路器全部由它自己驱动。
type Client struct {
	cfg     *ClientConfig
	cache   *Cache
	breaker *Breaker
	http    *resty.Client
	limiter *ratelimit.TokenBucket
	dial    DialFunc
	log     *logrus.Entry

	state atomic.Int32

	connMu sync.Mutex
	conn   *websocket.Conn

	runningMu sync.RWMutex
	running   bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	subMu     sync.RWMutex
	requested map[string]bool
	acked     map[string]bool

	lastUpdateAt atomic.Int64 // epoch ms，最近一次价格更新
	lastPongAt   atomic.Int64 // epoch ms，最近一次 pong/心跳回应

	reconnectMu    sync.Mutex
	isReconnecting bool
	attempts       int

	pollRunning atomic.Bool

	parseErrMu     sync.Mutex
	parseErrCount  uint64
	lastParseErrAt time.Time
}

// NewClient 创建摄取客户端
func NewClient(cfg *ClientConfig, cache *Cache) *Client {
	if cfg == nil {
		cfg = DefaultClientConfig()
	}
	cfg.fillDefaults()

	dial := cfg.Dialer
	if dial == nil {
		dial = func(ctx context.Context, url string) (*websocket.Conn, *http.Response, error) {
			dialer := websocket.Dialer{HandshakeTimeout: 30 * time.Second}
			return dialer.DialContext(ctx, url, nil)
		}
	}

	httpClient := resty.New().
		SetTimeout(15 * time.Second).
		SetRetryCount(0) // 降级轮询自己有节奏，失败直接等下一轮

	return &Client{
		cfg:       cfg,
		cache:     cache,
		breaker:   NewBreaker(cfg.Breaker),
		http:      httpClient,
		limiter:   ratelimit.NewTokenBucket(5, 1), // 降级轮询限速
		dial:      dial,
		log:       logrus.WithField("component", "pricefeed"),
		requested: make(map[string]bool),
		acked:     make(map[string]bool),
	}
}

// Start 开始摄取指定 feed 集合。初次建连失败不算致命：
// 会记录失败并进入重连状态机，调用方拿到的是一个"正在努力"的客户端。
func (c *Client) Start(feedIDs []string) error {
	if len(feedIDs) == 0 {
		return errors.New("feed id 列表为空")
	}

	c.runningMu.Lock()
	if c.running {
		c.runningMu.Unlock()
		return errors.New("摄取客户端已在运行")
	}
	c.running = true
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.runningMu.Unlock()

	c.subMu.Lock()
	c.requested = make(map[string]bool, len(feedIDs))
	c.acked = make(map[string]bool, len(feedIDs))
	for _, id := range feedIDs {
		c.requested[normalizeFeedID(id)] = true
	}
	c.subMu.Unlock()

	c.reconnectMu.Lock()
	c.attempts = 0
	c.isReconnecting = false
	c.reconnectMu.Unlock()
	c.breaker.Reset()

	c.wg.Add(1)
	go c.healthLoop()

	if err := c.connect(); err != nil {
		c.log.Warnf("初次建连失败: %v，进入重连", err)
		c.breaker.RecordFailure()
		c.scheduleReconnect("initial connect failed")
	}
	return nil
}

// Stop 停止摄取：取消所有定时器与睡眠，幂等，任何状态下可调用。
func (c *Client) Stop() {
	c.runningMu.Lock()
	if !c.running {
		c.runningMu.Unlock()
		return
	}
	c.running = false
	cancel := c.cancel
	c.runningMu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.closeConn()
	c.state.Store(int32(StateDisconnected))

	// 等待后台 goroutine 退出，超时则继续（避免被卡死）
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		c.log.Warn("等待后台任务退出超时（3秒）")
	}
	c.log.Info("摄取客户端已停止")
}

// IsRunning 客户端是否在运行
func (c *Client) IsRunning() bool {
	c.runningMu.RLock()
	defer c.runningMu.RUnlock()
	return c.running
}

// State 当前连接状态
func (c *Client) State() ConnState {
	return ConnState(c.state.Load())
}

// BreakerOpen 断路器是否打开
func (c *Client) BreakerOpen() bool {
	return c.breaker.IsOpen()
}

// GetLatest 返回某个 feed 的最新样本
func (c *Client) GetLatest(feedID string) (domain.PriceSample, bool) {
	return c.cache.Latest(normalizeFeedID(feedID))
}

// GetAllLatest 返回全部新鲜样本；第二个返回值建议调用方强制重启摄取
func (c *Client) GetAllLatest() (map[string]domain.PriceSample, bool) {
	return c.cache.AllLatest()
}

// ForceReconnect 外部触发的强制重连（例如调用方检测到数据过旧）
func (c *Client) ForceReconnect(reason string) {
	if !c.IsRunning() {
		return
	}
	c.log.Warnf("外部请求强制重连: %s", reason)
	c.closeConn()
	c.scheduleReconnect(reason)
}

// connect 建立连接并启动读/心跳循环
func (c *Client) connect() error {
	c.runningMu.RLock()
	running := c.running
	ctx := c.ctx
	c.runningMu.RUnlock()
	if !running {
		return errors.New("客户端未运行")
	}
	c.state.Store(int32(StateConnecting))

	conn, _, err := c.dial(ctx, c.cfg.WSURL)
	if err != nil {
		c.state.Store(int32(StateDisconnected))
		return fmt.Errorf("连接价格流失败: %w", err)
	}

	// Stop() 可能发生在拨号期间，在途连接必须丢弃，
	// 否则会在已停止的客户端上留下活连接和错误状态
	if ctx.Err() != nil || !c.IsRunning() {
		_ = conn.Close()
		c.state.Store(int32(StateDisconnected))
		return errors.New("客户端已停止，丢弃在途连接")
	}

	now := time.Now().UnixMilli()
	c.lastPongAt.Store(now)

	conn.SetPongHandler(func(string) error {
		c.lastPongAt.Store(time.Now().UnixMilli())
		// 收到 pong 说明链路存活，顺延读超时
		return conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	})

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	// 新连接上需要重新确认全部订阅
	c.subMu.Lock()
	c.acked = make(map[string]bool, len(c.requested))
	c.subMu.Unlock()

	c.state.Store(int32(StateConnected))
	c.breaker.RecordSuccess()

	c.wg.Add(2)
	go c.readLoop(conn)
	go c.pingLoop(conn)

	if err := c.sendSubscribe(c.requestedIDs()); err != nil {
		c.log.Warnf("发送订阅请求失败: %v", err)
	}
	c.log.Infof("价格流已连接: %s", c.cfg.WSURL)
	return nil
}

func (c *Client) closeConn() {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) currentConn() *websocket.Conn {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn
}

func (c *Client) requestedIDs() []string {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	ids := make([]string, 0, len(c.requested))
	for id := range c.requested {
		ids = append(ids, id)
	}
	return ids
}

// sendSubscribe 发送订阅请求（确认由 readLoop 记账）
func (c *Client) sendSubscribe(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	conn := c.currentConn()
	if conn == nil {
		return errors.New("未连接")
	}
	req := subscribeRequest{Type: "subscribe", IDs: ids}
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := conn.WriteJSON(req); err != nil {
		return fmt.Errorf("发送订阅失败: %w", err)
	}
	c.log.Debugf("已请求订阅 %d 个 feed", len(ids))
	return nil
}

// readLoop 持续读取消息。单条消息解析失败只记录不断连；
// 连接级错误一律交给重连状态机。
func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			// 读错误之后连接已不可复用（含读超时），统一走重连
			select {
			case <-c.ctx.Done():
				return
			default:
			}
			if c.currentConn() != conn {
				// 已被重连替换，旧读循环直接退出
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warnf("价格流读取错误: %v", err)
			}
			c.breaker.RecordFailure()
			c.scheduleReconnect("read error")
			return
		}

		c.handleMessage(data)
	}
}

// handleMessage 处理一条原始消息
func (c *Client) handleMessage(data []byte) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return
	}
	// 兼容文本心跳
	if trimmed == "PING" {
		if conn := c.currentConn(); conn != nil {
			_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			_ = conn.WriteMessage(websocket.TextMessage, []byte("PONG"))
		}
		return
	}
	if trimmed == "PONG" {
		c.lastPongAt.Store(time.Now().UnixMilli())
		return
	}

	var msg wireMessage
	if err := json.Unmarshal([]byte(trimmed), &msg); err != nil {
		c.noteParseError(err, trimmed)
		return
	}

	switch msg.Type {
	case "response":
		if msg.Status == "success" {
			c.markAcked(msg.IDs)
		} else if msg.Error != "" {
			c.log.Warnf("服务端订阅响应错误: %s", msg.Error)
		}
	case "price_update":
		sample, err := msg.PriceFeed.toSample(time.Now().UnixMilli())
		if err != nil {
			c.noteParseError(err, trimmed)
			return
		}
		c.cache.Put(sample)
		c.lastUpdateAt.Store(sample.ReceivedAt)
		// 有数据到达说明订阅在服务端是活的
		c.markAcked([]string{sample.FeedID})
	default:
		c.log.Debugf("忽略未知消息类型: %s", msg.Type)
	}
}

func (c *Client) markAcked(ids []string) {
	if len(ids) == 0 {
		return
	}
	c.subMu.Lock()
	for _, id := range ids {
		id = normalizeFeedID(id)
		if c.requested[id] {
			c.acked[id] = true
		}
	}
	c.subMu.Unlock()
	for _, id := range ids {
		c.cache.SetSubscribed(normalizeFeedID(id), true)
	}
}

// noteParseError 解析错误限流记录（不 tear down 连接）
func (c *Client) noteParseError(err error, payload string) {
	c.parseErrMu.Lock()
	c.parseErrCount++
	shouldLog := c.lastParseErrAt.IsZero() || time.Since(c.lastParseErrAt) > 5*time.Second
	if shouldLog {
		c.lastParseErrAt = time.Now()
	}
	c.parseErrMu.Unlock()

	if shouldLog {
		preview := payload
		if len(preview) > 200 {
			preview = preview[:200] + "...(truncated)"
		}
		c.log.Warnf("消息解析失败（跳过）: %v payload=%q", err, preview)
	}
}

// pingLoop 客户端主动心跳；超时未见 pong 视为连接已死。
func (c *Client) pingLoop(conn *websocket.Conn) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if c.currentConn() != conn {
				return
			}

			last := c.lastPongAt.Load()
			if time.Now().UnixMilli()-last > c.cfg.HeartbeatTimeout.Milliseconds() {
				c.log.Warnf("心跳超时（%s 无回应），触发重连", c.cfg.HeartbeatTimeout)
				c.breaker.RecordFailure()
				c.scheduleReconnect("heartbeat timeout")
				return
			}

			_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				c.log.Warnf("发送 ping 失败: %v", err)
				c.breaker.RecordFailure()
				c.scheduleReconnect("ping write failed")
				return
			}
		}
	}
}

// healthLoop 贯穿客户端生命周期的健康检查：
// - 断路器冷却结束后恢复直连
// - 补发缺失订阅（服务端静默掉订阅的情况）
// - 连接看似正常但长时间无数据时强制重连
func (c *Client) healthLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if c.breaker.IsOpen() {
				if c.breaker.CooldownOver() {
					c.log.Info("断路器冷却结束，恢复直连")
					c.breaker.Reset()
					c.reconnectMu.Lock()
					c.attempts = 0
					c.reconnectMu.Unlock()
					c.scheduleReconnect("breaker cooldown elapsed")
				}
				continue
			}

			if c.State() != StateConnected {
				continue
			}

			// 补发缺失订阅
			missing := c.missingSubscriptions()
			if len(missing) > 0 {
				c.log.Warnf("发现 %d 个未确认订阅，补发", len(missing))
				if err := c.sendSubscribe(missing); err != nil {
					c.log.Warnf("补发订阅失败: %v", err)
				}
			}

			// 连接打开但数据停滞
			last := c.lastUpdateAt.Load()
			if last > 0 && time.Now().UnixMilli()-last > c.cfg.StaleDataAfter.Milliseconds() {
				c.log.Warnf("连接存活但 %s 无数据更新，强制重连", c.cfg.StaleDataAfter)
				c.closeConn()
				c.scheduleReconnect("stalled connection")
			}
		}
	}
}

func (c *Client) missingSubscriptions() []string {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	var missing []string
	for id := range c.requested {
		if !c.acked[id] {
			missing = append(missing, id)
		}
	}
	return missing
}

// scheduleReconnect 重连入口：单一重入保护，断路器打开时转降级轮询。
func (c *Client) scheduleReconnect(reason string) {
	if !c.IsRunning() {
		return
	}

	if c.breaker.IsOpen() {
		c.startPollLoop()
		return
	}

	c.reconnectMu.Lock()
	if c.isReconnecting {
		c.reconnectMu.Unlock()
		c.log.Debugf("重连已在进行中，忽略: %s", reason)
		return
	}
	c.isReconnecting = true
	c.reconnectMu.Unlock()

	c.log.Infof("开始重连: %s", reason)
	c.wg.Add(1)
	go c.reconnectLoop()
}

// reconnectLoop 指数退避重连。退避睡眠可被 Stop() 取消。
func (c *Client) reconnectLoop() {
	defer c.wg.Done()
	defer func() {
		c.reconnectMu.Lock()
		c.isReconnecting = false
		c.reconnectMu.Unlock()
	}()

	c.state.Store(int32(StateReconnecting))
	c.closeConn()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		c.reconnectMu.Lock()
		c.attempts++
		attempt := c.attempts
		c.reconnectMu.Unlock()

		if attempt > c.cfg.MaxReconnectAttempts {
			c.log.Warnf("重连尝试达到上限 (%d)，打开断路器", c.cfg.MaxReconnectAttempts)
			c.breaker.Trip()
			c.state.Store(int32(StateDisconnected))
			c.startPollLoop()
			return
		}

		delay := c.backoffDelay(attempt)
		c.log.Infof("第 %d/%d 次重连，%s 后尝试", attempt, c.cfg.MaxReconnectAttempts, delay)

		select {
		case <-c.ctx.Done():
			return
		case <-time.After(delay):
		}

		if err := c.connect(); err != nil {
			c.log.Warnf("重连失败: %v", err)
			if c.breaker.RecordFailure() {
				c.log.Warn("错误窗口超限，打开断路器")
				c.state.Store(int32(StateDisconnected))
				c.startPollLoop()
				return
			}
			continue
		}

		c.reconnectMu.Lock()
		c.attempts = 0
		c.reconnectMu.Unlock()
		c.log.Info("重连成功")
		return
	}
}

func (c *Client) backoffDelay(attempt int) time.Duration {
	delay := c.cfg.ReconnectBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.cfg.ReconnectMaxDelay {
			return c.cfg.ReconnectMaxDelay
		}
	}
	if delay > c.cfg.ReconnectMaxDelay {
		delay = c.cfg.ReconnectMaxDelay
	}
	return delay
}

// startPollLoop 断路器打开期间的降级 HTTP 轮询（尽力而为，单次失败不抛出）
func (c *Client) startPollLoop() {
	if c.cfg.HTTPURL == "" {
		c.log.Warn("未配置 HTTP 端点，断路器打开期间无降级数据")
		return
	}
	if !c.pollRunning.CompareAndSwap(false, true) {
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.pollRunning.Store(false)

		c.log.Infof("进入降级 HTTP 轮询（周期 %s）", c.cfg.PollInterval)
		ticker := time.NewTicker(c.cfg.PollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-c.ctx.Done():
				return
			case <-ticker.C:
				if !c.breaker.IsOpen() {
					c.log.Info("断路器已关闭，退出降级轮询")
					return
				}
				if !c.limiter.Allow() {
					continue
				}
				c.pollOnce()
			}
		}
	}()
}

// pollOnce 拉取一次 REST 最新价并写入缓存
func (c *Client) pollOnce() {
	req := c.http.R().SetContext(c.ctx)
	for _, id := range c.requestedIDs() {
		req.SetQueryParamsFromValues(map[string][]string{"ids[]": {id}})
	}

	var feeds []wirePriceFeed
	resp, err := req.SetResult(&feeds).Get(c.cfg.HTTPURL)
	if err != nil {
		c.log.Debugf("降级轮询失败: %v", err)
		return
	}
	if resp.IsError() {
		c.log.Debugf("降级轮询非 2xx: %s", resp.Status())
		return
	}

	now := time.Now().UnixMilli()
	stored := 0
	for i := range feeds {
		sample, err := feeds[i].toSample(now)
		if err != nil {
			continue
		}
		c.cache.Put(sample)
		stored++
	}
	if stored > 0 {
		c.lastUpdateAt.Store(now)
		c.log.Debugf("降级轮询写入 %d 条样本", stored)
	}
}

// Snapshot 摄取侧状态快照（供状态接口展示）
type Snapshot struct {
	State          string `json:"state"`
	BreakerOpen    bool   `json:"breaker_open"`
	Requested      int    `json:"requested_feeds"`
	Acked          int    `json:"acked_feeds"`
	LastUpdateAtMs int64  `json:"last_update_at_ms"`
}

// StatusSnapshot 返回当前摄取状态
func (c *Client) StatusSnapshot() Snapshot {
	c.subMu.RLock()
	requested := len(c.requested)
	acked := len(c.acked)
	c.subMu.RUnlock()

	return Snapshot{
		State:          c.State().String(),
		BreakerOpen:    c.breaker.IsOpen(),
		Requested:      requested,
		Acked:          acked,
		LastUpdateAtMs: c.lastUpdateAt.Load(),
	}
}
