package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/botsentinel/gosentinel/internal/detector"
	"github.com/botsentinel/gosentinel/internal/flush"
	"github.com/botsentinel/gosentinel/internal/ledger"
	"github.com/botsentinel/gosentinel/internal/pricefeed"
	"github.com/botsentinel/gosentinel/internal/registrar"
	"github.com/botsentinel/gosentinel/internal/server"
	"github.com/botsentinel/gosentinel/internal/service"
	"github.com/botsentinel/gosentinel/internal/store"
	"github.com/botsentinel/gosentinel/pkg/config"
	"github.com/botsentinel/gosentinel/pkg/logger"
	"github.com/botsentinel/gosentinel/pkg/shutdown"
)

func main() {
	configPath := flag.String("config", "config.yaml", "配置文件路径")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "配置加载失败: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		OutputFile: cfg.Log.OutputFile,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "日志初始化失败: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		logger.Errorf("启动失败: %v", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	sd := shutdown.NewManager()

	// 价格摄取
	cache := pricefeed.NewCache(cfg.Feed.HistoryCapacity,
		cfg.Feed.FreshFor.Duration, cfg.Feed.RestartAfter.Duration)
	feedClient := pricefeed.NewClient(&pricefeed.ClientConfig{
		WSURL:                cfg.Feed.WSURL,
		HTTPURL:              cfg.Feed.HTTPURL,
		PingInterval:         cfg.Feed.PingInterval.Duration,
		HeartbeatTimeout:     cfg.Feed.HeartbeatTimeout.Duration,
		ReadTimeout:          cfg.Feed.ReadTimeout.Duration,
		WriteTimeout:         cfg.Feed.WriteTimeout.Duration,
		HealthInterval:       cfg.Feed.HealthInterval.Duration,
		StaleDataAfter:       cfg.Feed.StaleDataAfter.Duration,
		ReconnectBaseDelay:   cfg.Feed.ReconnectBaseDelay.Duration,
		ReconnectMaxDelay:    cfg.Feed.ReconnectMaxDelay.Duration,
		MaxReconnectAttempts: cfg.Feed.MaxReconnectAttempts,
		Breaker: pricefeed.BreakerConfig{
			ErrorThreshold: cfg.Feed.ErrorThreshold,
			ErrorWindow:    cfg.Feed.ErrorWindow.Duration,
			Cooldown:       cfg.Feed.BreakerCooldown.Duration,
		},
		PollInterval: cfg.Feed.PollInterval.Duration,
	}, cache)

	// 分类引擎
	th := detector.DefaultThresholds()
	th.WindowDuration = cfg.Detector.WindowDuration.Duration
	th.Retention = cfg.Detector.Retention.Duration
	th.BadBotMin = cfg.Detector.BadBotMin
	th.SuspiciousMin = cfg.Detector.SuspiciousMin
	th.GoodBotMin = cfg.Detector.GoodBotMin
	th.LiquidityMinVolume = decimal.NewFromFloat(cfg.Detector.LiquidityMinVolume)
	th.MakerMinPerHour = cfg.Detector.MakerMinPerHour

	windowStore := detector.NewUserWindowStore(th.WindowDuration, th.Retention)
	engine := detector.NewEngine(windowStore, feedClient, cfg.Detector.ReactionFeedID, th)

	// 持久化
	var pendingStore *store.PendingStore
	if cfg.Flush.DataDir != "" {
		ps, err := store.OpenPendingStore(cfg.Flush.DataDir)
		if err != nil {
			return err
		}
		pendingStore = ps
		sd.OnShutdown("pending-store", func(ctx context.Context) { _ = ps.Close() })
	}
	var audit *store.AuditLog
	if cfg.Flush.AuditDBPath != "" {
		a, err := store.OpenAuditLog(cfg.Flush.AuditDBPath)
		if err != nil {
			return err
		}
		audit = a
		sd.OnShutdown("audit-log", func(ctx context.Context) { _ = a.Close() })
	}

	// 登记服务客户端（证明签名可选）
	var signer *registrar.ProofSigner
	if cfg.Registrar.Mnemonic != "" {
		s, err := registrar.NewProofSigner(cfg.Registrar.Mnemonic, cfg.Registrar.DerivationPath)
		if err != nil {
			return err
		}
		signer = s
		logger.Infof("批次证明签名地址: %s", s.Address())
	}
	regClient, err := registrar.NewClient(registrar.Config{
		BaseURL: cfg.Registrar.BaseURL,
		Timeout: cfg.Registrar.Timeout.Duration,
		Signer:  signer,
	})
	if err != nil {
		return err
	}

	coord := flush.NewCoordinator(regClient, flush.Policy{
		BatchSize:        cfg.Flush.BatchSize,
		UseExternalProof: cfg.Flush.UseExternalProof,
	}, pendingStore, audit)

	// 账本事件源（可选）
	var source ledger.Source
	if cfg.Ledger.RPCURL != "" {
		src, err := ledger.NewEthSource(ledger.Config{
			RPCURL:          cfg.Ledger.RPCURL,
			ContractAddress: cfg.Ledger.ContractAddress,
			EventTopic:      cfg.Ledger.EventTopic,
			AmountDecimals:  cfg.Ledger.AmountDecimals,
			ChunkSize:       cfg.Ledger.ChunkSize,
			EventBuffer:     cfg.Ledger.EventBuffer,
			PollInterval:    cfg.Ledger.PollInterval.Duration,
		})
		if err != nil {
			return err
		}
		source = src
	} else {
		logger.Warn("未配置账本 RPC，仅运行价格摄取与 API")
	}

	sentinel := service.New(feedClient, engine, coord, source, audit, service.Options{
		FeedIDs:       cfg.Feed.FeedIDs,
		SweepInterval: cfg.Detector.SweepInterval.Duration,
	})
	if err := sentinel.Start(); err != nil {
		return err
	}
	sd.OnShutdown("sentinel", func(ctx context.Context) { sentinel.Stop(ctx) })

	api := server.New(sentinel, cfg.Server.Listen)
	api.Start()
	sd.OnShutdown("api", func(ctx context.Context) { api.Stop(ctx) })

	// 等待退出信号
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logger.Infof("收到信号 %s，开始退出", s)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sd.Shutdown(ctx)
	return nil
}
