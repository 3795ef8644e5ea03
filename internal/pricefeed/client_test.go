package pricefeed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func testClientConfig(wsURL string) *ClientConfig {
	cfg := DefaultClientConfig()
	cfg.WSURL = wsURL
	cfg.PingInterval = 50 * time.Millisecond
	cfg.HeartbeatTimeout = 10 * time.Second
	cfg.ReadTimeout = time.Second
	cfg.WriteTimeout = time.Second
	cfg.HealthInterval = time.Hour // 测试中不依赖健康检查
	cfg.ReconnectBaseDelay = time.Millisecond
	cfg.ReconnectMaxDelay = 5 * time.Millisecond
	return cfg
}

// TestClient_SubscribeAndReceive 建连、订阅确认、价格更新写入缓存
func TestClient_SubscribeAndReceive(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var req subscribeRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		if req.Type != "subscribe" || len(req.IDs) != 1 {
			t.Errorf("订阅请求不符合预期: %+v", req)
		}

		_ = conn.WriteJSON(map[string]any{
			"type": "response", "status": "success", "ids": req.IDs,
		})
		_ = conn.WriteJSON(map[string]any{
			"type": "price_update",
			"price_feed": map[string]any{
				"id": req.IDs[0],
				"price": map[string]any{
					"price": "6512345", "conf": "1000",
					"expo": -2, "publish_time": 1700000000,
				},
			},
		})

		// 保持连接：继续读以处理 ping，直到客户端断开
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	cache := NewCache(10, 0, 0)
	cfg := testClientConfig("ws" + strings.TrimPrefix(srv.URL, "http"))
	client := NewClient(cfg, cache)

	if err := client.Start([]string{"0xABCDEF"}); err != nil {
		t.Fatalf("Start 失败: %v", err)
	}
	defer client.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sample, ok := client.GetLatest("abcdef"); ok {
			if sample.Price != 65123.45 {
				t.Fatalf("价格解析错误: 期望 65123.45，实际 %v", sample.Price)
			}
			if sample.PublishTime != 1700000000*1000 {
				t.Fatalf("publish_time 应转换为毫秒: %d", sample.PublishTime)
			}
			if client.State() != StateConnected {
				t.Fatalf("状态应为 connected，实际 %s", client.State())
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("超时未收到价格更新")
}

// TestClient_SkipsMalformedMessages 坏消息只跳过，连接不断
func TestClient_SkipsMalformedMessages(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}

		_ = conn.WriteMessage(websocket.TextMessage, []byte("{not-json"))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"price_update","price_feed":{"id":"x","price":{"price":"abc","expo":0,"publish_time":1}}}`))
		_ = conn.WriteJSON(map[string]any{
			"type": "price_update",
			"price_feed": map[string]any{
				"id":    "feed1",
				"price": map[string]any{"price": "100", "expo": 0, "publish_time": 1700000000},
			},
		})

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	cache := NewCache(10, 0, 0)
	client := NewClient(testClientConfig("ws"+strings.TrimPrefix(srv.URL, "http")), cache)
	if err := client.Start([]string{"feed1"}); err != nil {
		t.Fatalf("Start 失败: %v", err)
	}
	defer client.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sample, ok := client.GetLatest("feed1"); ok {
			if sample.Price != 100 {
				t.Fatalf("价格应为 100，实际 %v", sample.Price)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("坏消息之后的正常消息应被处理")
}

// TestClient_BreakerTripsAfterMaxAttempts 重连尝试达上限后断路器打开且不再拨号
func TestClient_BreakerTripsAfterMaxAttempts(t *testing.T) {
	var dials atomic.Int64
	cfg := testClientConfig("ws://127.0.0.1:0")
	cfg.MaxReconnectAttempts = 2
	cfg.Breaker = BreakerConfig{ErrorThreshold: 100, ErrorWindow: time.Minute, Cooldown: time.Hour}
	cfg.Dialer = func(ctx context.Context, url string) (*websocket.Conn, *http.Response, error) {
		dials.Add(1)
		return nil, nil, &websocket.CloseError{Code: websocket.CloseAbnormalClosure, Text: "dial refused"}
	}

	client := NewClient(cfg, NewCache(10, 0, 0))
	if err := client.Start([]string{"feed1"}); err != nil {
		t.Fatalf("Start 应该容忍初次建连失败: %v", err)
	}
	defer client.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !client.BreakerOpen() {
		time.Sleep(5 * time.Millisecond)
	}
	if !client.BreakerOpen() {
		t.Fatal("达到重连上限后断路器应打开")
	}

	// 初次 1 次 + 重连 2 次
	if n := dials.Load(); n > 3 {
		t.Fatalf("断路器打开后不应继续拨号: 共拨号 %d 次", n)
	}
	if client.State() == StateConnected {
		t.Fatal("断路器打开时不应处于已连接状态")
	}
}

// TestClient_StopDiscardsInflightDial Stop 之后才完成的在途拨号必须被丢弃：
// 不得存连接、不得置 Connected 状态
func TestClient_StopDiscardsInflightDial(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	release := make(chan struct{})
	var dials atomic.Int64

	cfg := testClientConfig(wsURL)
	cfg.Dialer = func(ctx context.Context, url string) (*websocket.Conn, *http.Response, error) {
		if dials.Add(1) == 1 {
			// 第一次拨号失败，把客户端推进重连循环
			return nil, nil, &websocket.CloseError{Code: websocket.CloseAbnormalClosure, Text: "dial refused"}
		}
		// 重连拨号无视 ctx 阻塞到 Stop 之后才完成，模拟不可取消的底层拨号
		<-release
		dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
		return dialer.Dial(url, nil)
	}

	client := NewClient(cfg, NewCache(10, 0, 0))
	if err := client.Start([]string{"feed1"}); err != nil {
		t.Fatalf("Start 失败: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && dials.Load() < 2 {
		time.Sleep(5 * time.Millisecond)
	}
	if dials.Load() < 2 {
		t.Fatal("重连拨号未发生")
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		close(release)
	}()
	client.Stop()

	if client.State() == StateConnected {
		t.Fatal("Stop 之后状态不应为 Connected")
	}
	if client.currentConn() != nil {
		t.Fatal("Stop 之后不应持有连接")
	}
}

// TestClient_HealthResubscribesUnacked 订阅迟迟未被确认时健康检查补发
func TestClient_HealthResubscribesUnacked(t *testing.T) {
	var subs atomic.Int64
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// 只计数订阅请求，从不发确认
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if strings.Contains(string(data), "subscribe") {
				subs.Add(1)
			}
		}
	}))
	defer srv.Close()

	cfg := testClientConfig("ws" + strings.TrimPrefix(srv.URL, "http"))
	cfg.HealthInterval = 50 * time.Millisecond
	client := NewClient(cfg, NewCache(10, 0, 0))
	if err := client.Start([]string{"feed1"}); err != nil {
		t.Fatalf("Start 失败: %v", err)
	}
	defer client.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && subs.Load() < 2 {
		time.Sleep(10 * time.Millisecond)
	}
	if n := subs.Load(); n < 2 {
		t.Fatalf("未确认订阅应被补发，只见到 %d 次订阅请求", n)
	}
}

// TestClient_HeartbeatTimeoutReconnects 对端吞掉 ping 不回 pong 时触发重新拨号
func TestClient_HeartbeatTimeoutReconnects(t *testing.T) {
	var conns atomic.Int64
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conns.Add(1)
		// 吞掉 ping 不回 pong，模拟半死连接
		conn.SetPingHandler(func(string) error { return nil })
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	cfg := testClientConfig("ws" + strings.TrimPrefix(srv.URL, "http"))
	cfg.PingInterval = 20 * time.Millisecond
	cfg.HeartbeatTimeout = 80 * time.Millisecond
	client := NewClient(cfg, NewCache(10, 0, 0))
	if err := client.Start([]string{"feed1"}); err != nil {
		t.Fatalf("Start 失败: %v", err)
	}
	defer client.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && conns.Load() < 2 {
		time.Sleep(10 * time.Millisecond)
	}
	if conns.Load() < 2 {
		t.Fatal("心跳超时后应重新拨号")
	}
}

// TestClient_StalledConnectionForcesReconnect 连接存活但数据停滞时健康检查强制重连
func TestClient_StalledConnectionForcesReconnect(t *testing.T) {
	var conns atomic.Int64
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conns.Add(1)

		var req subscribeRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		_ = conn.WriteJSON(map[string]any{
			"type": "response", "status": "success", "ids": req.IDs,
		})
		_ = conn.WriteJSON(map[string]any{
			"type": "price_update",
			"price_feed": map[string]any{
				"id":    "feed1",
				"price": map[string]any{"price": "100", "expo": 0, "publish_time": 1700000000},
			},
		})
		// 之后保持连接但不再发任何数据
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	cfg := testClientConfig("ws" + strings.TrimPrefix(srv.URL, "http"))
	cfg.HealthInterval = 40 * time.Millisecond
	cfg.StaleDataAfter = 120 * time.Millisecond
	client := NewClient(cfg, NewCache(10, 0, 0))
	if err := client.Start([]string{"feed1"}); err != nil {
		t.Fatalf("Start 失败: %v", err)
	}
	defer client.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && conns.Load() < 2 {
		time.Sleep(10 * time.Millisecond)
	}
	if conns.Load() < 2 {
		t.Fatal("数据停滞后应强制重连")
	}
}

// TestClient_StartValidation Start 的参数与重入校验
func TestClient_StartValidation(t *testing.T) {
	client := NewClient(testClientConfig("ws://127.0.0.1:0"), NewCache(10, 0, 0))

	if err := client.Start(nil); err == nil {
		t.Fatal("空 feed 列表应返回错误")
	}

	// Stop 未启动时应幂等无副作用
	client.Stop()
	client.Stop()
}
