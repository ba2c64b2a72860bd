package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"superdao-relay/pkg/logger"
)

// Config 描述了 superdaod 在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth"`
	Storage   StorageConfig   `json:"storage"`
	JobQueue  JobQueueConfig  `json:"job_queue"`
	Web3      Web3Config      `json:"web3"`
	Fee       FeeConfig       `json:"fee"`
	Relayer   RelayerConfig   `json:"relayer"`
	MetaTx    MetaTxConfig    `json:"metatx"`
	Catalog   CatalogConfig   `json:"catalog"`
	Metadata  MetadataConfig  `json:"metadata"`
	Logging   logger.Config   `json:"logging"`
	Metrics   MetricsConfig   `json:"metrics"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Alerting  AlertingConfig  `json:"alerting"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address        string  `json:"address"`
	WebhookAPIKey  string  `json:"webhook_api_key"`
	WebhookRPS     float64 `json:"webhook_rps"`
	WebhookBurst   int     `json:"webhook_burst"`
	ShutdownSecond int     `json:"shutdown_seconds"`
}

// AuthConfig 配置运营接口使用的 JWT。
type AuthConfig struct {
	Mode       string `json:"mode"`
	Secret     string `json:"secret"`
	Issuer     string `json:"issuer"`
	TTLSeconds int64  `json:"ttl_seconds"`
}

// StorageConfig 统一描述 MySQL、Redis 等后端的连接信息。
type StorageConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
	WhitelistCacheSize     int    `json:"whitelist_cache_size"`
}

// JobQueueConfig 描述链上任务队列。
type JobQueueConfig struct {
	Driver          string         `json:"driver"`
	Workers         int            `json:"workers"`
	MaxRetries      int            `json:"max_retries"`
	StaleAfterSec   int            `json:"stale_after_seconds"`
	MemoryQueueSize int            `json:"memory_queue_size"`
	Redis           RedisConfig    `json:"redis"`
	RabbitMQ        RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 为 Redis 队列与缓存提供连接参数。
type RedisConfig struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	Queue     string `json:"queue"`
	BlockWait int    `json:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 队列。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// Web3Config 包含访问区块链节点所需的 RPC 地址。
type Web3Config struct {
	ChainConfig  string `json:"chain_config"`
	DefaultChain string `json:"default_chain"`
	RPCURL       string `json:"rpc_url"`
}

// FeeConfig 控制 gas 费用的获取方式。
type FeeConfig struct {
	Speed                string  `json:"speed"`
	CacheTTLSeconds      int     `json:"cache_ttl_seconds"`
	CacheDriver          string  `json:"cache_driver"`
	RefreshIntervalSec   int     `json:"refresh_interval_seconds"`
	MaxRetries           uint64  `json:"max_retries"`
	HTTPTimeoutSeconds   int     `json:"http_timeout_seconds"`
	GasMultiplier        float64 `json:"gas_multiplier"`
	DefaultGasLimit      uint64  `json:"default_gas_limit"`
	FallbackMaxFeeGwei   float64 `json:"fallback_max_fee_gwei"`
	FallbackPriorityGwei float64 `json:"fallback_priority_fee_gwei"`
	FallbackGasPriceGwei float64 `json:"fallback_gas_price_gwei"`
}

// RelayerConfig 描述平台代付钱包。
type RelayerConfig struct {
	PrivateKey        string `json:"private_key"`
	WaitReceipt       bool   `json:"wait_receipt"`
	ReceiptTimeoutSec int    `json:"receipt_timeout_seconds"`
	AirdropBatchSize  int    `json:"airdrop_batch_size"`
	MetaTxGasOverhead uint64 `json:"metatx_gas_overhead"`
	MetaTxMaxGas      uint64 `json:"metatx_max_gas"`
}

// MetaTxConfig 描述 ERC-2771 forwarder。
type MetaTxConfig struct {
	Forwarders     map[string]string `json:"forwarders"`
	AllowedTargets []string          `json:"allowed_targets"`
}

// CatalogConfig 指向 DAO 目录文件。
type CatalogConfig struct {
	Path string `json:"path"`
}

// MetadataConfig 描述 IPFS 网关。
type MetadataConfig struct {
	Gateway string `json:"gateway"`
}

// MetricsConfig 配置 Prometheus 指标。
type MetricsConfig struct {
	Enabled bool `json:"enabled"`
	// Address 非空时在独立端口暴露 /metrics，否则挂在 API 服务上。
	Address string `json:"address"`
}

// SchedulerConfig 配置周期任务。
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
}

// AlertingConfig 配置告警渠道。
type AlertingConfig struct {
	WebhookURL string `json:"webhook_url"`
}

// FeeCacheTTL 返回费用缓存时间。
func (c FeeConfig) FeeCacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// RefreshInterval 返回费用刷新周期。
func (c FeeConfig) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalSec) * time.Second
}

// HTTPTimeout 返回 gas station 请求超时。
func (c FeeConfig) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutSeconds) * time.Second
}

// ReceiptTimeout 返回等待回执的超时时间。
func (c RelayerConfig) ReceiptTimeout() time.Duration {
	return time.Duration(c.ReceiptTimeoutSec) * time.Second
}

// StaleAfter 返回运行中任务被视为卡死的阈值。
func (c JobQueueConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterSec) * time.Second
}

// Load 负责解析指定路径的 JSON 配置文件，并合并 .env 与环境变量中的敏感配置。
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	baseDir := filepath.Dir(path)
	// .env 文件是可选的，缺失时直接忽略。
	_ = godotenv.Load(filepath.Join(baseDir, ".env"))
	cfg.applyEnv(os.Getenv)
	cfg.applyDefaults(baseDir)

	return &cfg, nil
}

// applyEnv 使用环境变量覆盖密钥类配置，避免写入配置文件。
func (c *Config) applyEnv(getenv func(string) string) {
	override := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	override(&c.Relayer.PrivateKey, "SUPERDAO_RELAYER_KEY")
	override(&c.Auth.Secret, "SUPERDAO_JWT_SECRET")
	override(&c.Server.WebhookAPIKey, "SUPERDAO_WEBHOOK_API_KEY")
	override(&c.Storage.DSN, "SUPERDAO_MYSQL_DSN")
	override(&c.JobQueue.Redis.Address, "SUPERDAO_REDIS_ADDR")
	override(&c.JobQueue.RabbitMQ.URL, "SUPERDAO_RABBITMQ_URL")
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.WebhookRPS <= 0 {
		c.Server.WebhookRPS = 5
	}
	if c.Server.WebhookBurst <= 0 {
		c.Server.WebhookBurst = 10
	}
	if c.Server.ShutdownSecond <= 0 {
		c.Server.ShutdownSecond = 5
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = "disabled"
	}
	if c.Auth.Issuer == "" {
		c.Auth.Issuer = "superdaod"
	}
	if c.Auth.TTLSeconds <= 0 {
		c.Auth.TTLSeconds = 3600
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.WhitelistCacheSize <= 0 {
		c.Storage.WhitelistCacheSize = 4096
	}

	if c.JobQueue.Driver == "" {
		c.JobQueue.Driver = "memory"
	}
	if c.JobQueue.Workers <= 0 {
		c.JobQueue.Workers = 1
	}
	if c.JobQueue.MaxRetries <= 0 {
		c.JobQueue.MaxRetries = 3
	}
	if c.JobQueue.StaleAfterSec <= 0 {
		c.JobQueue.StaleAfterSec = 600
	}
	if c.JobQueue.MemoryQueueSize <= 0 {
		c.JobQueue.MemoryQueueSize = 1024
	}

	if c.Fee.Speed == "" {
		c.Fee.Speed = "fast"
	}
	if c.Fee.CacheTTLSeconds <= 0 {
		c.Fee.CacheTTLSeconds = 15
	}
	if c.Fee.CacheDriver == "" {
		c.Fee.CacheDriver = "memory"
	}
	if c.Fee.RefreshIntervalSec <= 0 {
		c.Fee.RefreshIntervalSec = 15
	}
	if c.Fee.MaxRetries == 0 {
		c.Fee.MaxRetries = 2
	}
	if c.Fee.HTTPTimeoutSeconds <= 0 {
		c.Fee.HTTPTimeoutSeconds = 5
	}
	if c.Fee.GasMultiplier <= 0 {
		c.Fee.GasMultiplier = 1.2
	}
	if c.Fee.DefaultGasLimit == 0 {
		c.Fee.DefaultGasLimit = 500_000
	}
	if c.Fee.FallbackMaxFeeGwei <= 0 {
		c.Fee.FallbackMaxFeeGwei = 300
	}
	if c.Fee.FallbackPriorityGwei <= 0 {
		c.Fee.FallbackPriorityGwei = 40
	}
	if c.Fee.FallbackGasPriceGwei <= 0 {
		c.Fee.FallbackGasPriceGwei = 300
	}

	if c.Relayer.ReceiptTimeoutSec <= 0 {
		c.Relayer.ReceiptTimeoutSec = 120
	}
	if c.Relayer.AirdropBatchSize <= 0 {
		c.Relayer.AirdropBatchSize = 100
	}
	if c.Relayer.MetaTxGasOverhead == 0 {
		c.Relayer.MetaTxGasOverhead = 50_000
	}
	if c.Relayer.MetaTxMaxGas == 0 {
		c.Relayer.MetaTxMaxGas = 1_000_000
	}

	if c.Metadata.Gateway == "" {
		c.Metadata.Gateway = "https://ipfs.io/ipfs/"
	}

	c.Web3.ChainConfig = resolvePath(baseDir, c.Web3.ChainConfig)
	c.Catalog.Path = resolvePath(baseDir, c.Catalog.Path)
}

func resolvePath(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
