package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config 全局配置
type Config struct {
	Feed      FeedConfig      `yaml:"feed"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Detector  DetectorConfig  `yaml:"detector"`
	Flush     FlushConfig     `yaml:"flush"`
	Registrar RegistrarConfig `yaml:"registrar"`
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
}

// FeedConfig 价格流接入配置
type FeedConfig struct {
	WSURL   string   `yaml:"ws_url"`
	HTTPURL string   `yaml:"http_url"` // REST 最新价端点（降级轮询用）
	FeedIDs []string `yaml:"feed_ids"`

	PingInterval     Duration `yaml:"ping_interval"`
	HeartbeatTimeout Duration `yaml:"heartbeat_timeout"` // 超过该时长无 pong 视为连接已死
	ReadTimeout      Duration `yaml:"read_timeout"`
	WriteTimeout     Duration `yaml:"write_timeout"`
	HealthInterval   Duration `yaml:"health_interval"`    // 订阅健康检查周期
	StaleDataAfter   Duration `yaml:"stale_data_after"`   // 超过该时长无任何更新则强制重连
	FreshFor         Duration `yaml:"fresh_for"`          // GetAllLatest 的新鲜度阈值
	RestartAfter     Duration `yaml:"restart_after"`      // 更宽松的阈值：超过则建议调用方强制重启
	HistoryCapacity  int      `yaml:"history_capacity"`   // 每个 feed 的环形历史容量

	ReconnectBaseDelay   Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    Duration `yaml:"reconnect_max_delay"`
	MaxReconnectAttempts int      `yaml:"max_reconnect_attempts"`

	ErrorThreshold  int      `yaml:"error_threshold"`  // 滑动窗口内错误数上限
	ErrorWindow     Duration `yaml:"error_window"`     // 滑动窗口长度
	BreakerCooldown Duration `yaml:"breaker_cooldown"` // 断路器冷却时间
	PollInterval    Duration `yaml:"poll_interval"`    // 降级 HTTP 轮询周期
}

// LedgerConfig 账本事件源配置
type LedgerConfig struct {
	RPCURL          string   `yaml:"rpc_url"`
	ContractAddress string   `yaml:"contract_address"`
	EventTopic      string   `yaml:"event_topic"`
	AmountDecimals  int32    `yaml:"amount_decimals"` // 事件金额的定点小数位
	ChunkSize       uint64   `yaml:"chunk_size"`      // 历史回补单次查询的区块跨度
	EventBuffer     int      `yaml:"event_buffer"`    // 交易事件有界通道容量
	PollInterval    Duration `yaml:"poll_interval"`   // 无订阅能力的 provider 的轮询周期
}

// DetectorConfig 分类引擎配置（阈值集中管理，见 internal/detector）
type DetectorConfig struct {
	ReactionFeedID string   `yaml:"reaction_feed_id"` // 反应时间兜底用的 feed
	WindowDuration Duration `yaml:"window_duration"`  // 滚动窗口长度
	Retention      Duration `yaml:"retention"`        // 地址状态保留时长
	SweepInterval  Duration `yaml:"sweep_interval"`   // 保留清扫周期

	BadBotMin     int `yaml:"bad_bot_min"`
	SuspiciousMin int `yaml:"suspicious_min"`
	GoodBotMin    int `yaml:"good_bot_min"`

	LiquidityMinVolume float64 `yaml:"liquidity_min_volume"`
	MakerMinPerHour    float64 `yaml:"maker_min_per_hour"`
}

// FlushConfig 批量上报配置
type FlushConfig struct {
	BatchSize        int    `yaml:"batch_size"`
	UseExternalProof bool   `yaml:"use_external_proof"`
	DataDir          string `yaml:"data_dir"`      // badger 待上报队列快照目录
	AuditDBPath      string `yaml:"audit_db_path"` // sqlite 上报审计库
}

// RegistrarConfig 外部登记服务配置
type RegistrarConfig struct {
	BaseURL        string   `yaml:"base_url"`
	Timeout        Duration `yaml:"timeout"`
	Mnemonic       string   `yaml:"mnemonic"`        // 证明签名钱包助记词（建议用环境变量注入）
	DerivationPath string   `yaml:"derivation_path"` // 默认 m/44'/60'/0'/0/0
}

// ServerConfig 状态/管理 API 配置
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `yaml:"level"`
	OutputFile string `yaml:"output_file"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Compress   bool   `yaml:"compress"`
}

// Default 返回带默认值的配置
func Default() *Config {
	return &Config{
		Feed: FeedConfig{
			PingInterval:         D(5 * time.Second),
			HeartbeatTimeout:     D(20 * time.Second),
			ReadTimeout:          D(30 * time.Second),
			WriteTimeout:         D(10 * time.Second),
			HealthInterval:       D(10 * time.Second),
			StaleDataAfter:       D(60 * time.Second),
			FreshFor:             D(30 * time.Second),
			RestartAfter:         D(2 * time.Minute),
			HistoryCapacity:      100,
			ReconnectBaseDelay:   D(1 * time.Second),
			ReconnectMaxDelay:    D(30 * time.Second),
			MaxReconnectAttempts: 10,
			ErrorThreshold:       5,
			ErrorWindow:          D(1 * time.Minute),
			BreakerCooldown:      D(2 * time.Minute),
			PollInterval:         D(10 * time.Second),
		},
		Ledger: LedgerConfig{
			AmountDecimals: 6,
			ChunkSize:      2000,
			EventBuffer:    1024,
			PollInterval:   D(2 * time.Second),
		},
		Detector: DetectorConfig{
			WindowDuration:     D(1 * time.Hour),
			Retention:          D(24 * time.Hour),
			SweepInterval:      D(10 * time.Minute),
			BadBotMin:          80,
			SuspiciousMin:      70,
			GoodBotMin:         55,
			LiquidityMinVolume: 10000,
			MakerMinPerHour:    10,
		},
		Flush: FlushConfig{
			BatchSize:   10,
			DataDir:     "data/pending",
			AuditDBPath: "data/flush_audit.db",
		},
		Registrar: RegistrarConfig{
			Timeout:        D(30 * time.Second),
			DerivationPath: "m/44'/60'/0'/0/0",
		},
		Server: ServerConfig{
			Listen: "127.0.0.1:8787",
		},
		Log: LogConfig{
			Level:      "info",
			OutputFile: "logs/sentinel.log",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     7,
			Compress:   true,
		},
	}
}

// Load 读取配置：.env（尽力而为）→ YAML 文件（可选）→ 环境变量覆盖 → 校验
func Load(path string) (*Config, error) {
	// .env 不存在不算错误
	_ = godotenv.Load()

	cfg := Default()

	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("解析配置文件失败: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides 环境变量覆盖（SENTINEL_ 前缀，敏感项只走环境变量）
func (c *Config) applyEnvOverrides() {
	if v := getenv("SENTINEL_FEED_WS_URL"); v != "" {
		c.Feed.WSURL = v
	}
	if v := getenv("SENTINEL_FEED_HTTP_URL"); v != "" {
		c.Feed.HTTPURL = v
	}
	if v := getenv("SENTINEL_FEED_IDS"); v != "" {
		c.Feed.FeedIDs = splitCSV(v)
	}
	if v := getenv("SENTINEL_LEDGER_RPC_URL"); v != "" {
		c.Ledger.RPCURL = v
	}
	if v := getenv("SENTINEL_LEDGER_CONTRACT"); v != "" {
		c.Ledger.ContractAddress = v
	}
	if v := getenv("SENTINEL_REGISTRAR_URL"); v != "" {
		c.Registrar.BaseURL = v
	}
	if v := getenv("SENTINEL_REGISTRAR_MNEMONIC"); v != "" {
		c.Registrar.Mnemonic = v
	}
	if v := getenv("SENTINEL_LISTEN"); v != "" {
		c.Server.Listen = v
	}
	if v := getenv("SENTINEL_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := getenv("SENTINEL_FLUSH_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Flush.BatchSize = n
		}
	}
}

// Validate 校验配置并回填缺省值
func (c *Config) Validate() error {
	if len(c.Feed.FeedIDs) == 0 {
		return fmt.Errorf("feed.feed_ids 不能为空")
	}
	if c.Feed.HistoryCapacity <= 0 {
		c.Feed.HistoryCapacity = 100
	}
	if c.Feed.MaxReconnectAttempts <= 0 {
		c.Feed.MaxReconnectAttempts = 10
	}
	if c.Ledger.ChunkSize == 0 {
		c.Ledger.ChunkSize = 2000
	}
	if c.Ledger.EventBuffer <= 0 {
		c.Ledger.EventBuffer = 1024
	}
	if c.Flush.BatchSize <= 0 {
		return fmt.Errorf("flush.batch_size 必须大于 0")
	}
	if !(c.Detector.GoodBotMin < c.Detector.SuspiciousMin && c.Detector.SuspiciousMin < c.Detector.BadBotMin) {
		return fmt.Errorf("detector 阈值必须满足 good_bot_min < suspicious_min < bad_bot_min")
	}
	if c.Detector.ReactionFeedID == "" && len(c.Feed.FeedIDs) > 0 {
		c.Detector.ReactionFeedID = c.Feed.FeedIDs[0]
	}
	return nil
}

func getenv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
