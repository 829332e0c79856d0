package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"AgentWallet/pkg/logger"
)

// DefaultPath 是未通过 AGENTWALLET_CONFIG 指定时的配置文件位置。
const DefaultPath = "configs/agentwallet.json"

// Config 描述了 AgentWallet 在启动阶段需要加载的全部配置。
type Config struct {
	Wallet   WalletConfig   `json:"wallet"`
	Ledger   LedgerConfig   `json:"ledger"`
	Gateway  GatewayConfig  `json:"gateway"`
	LLM      LLMConfig      `json:"llm"`
	Receipts ReceiptsConfig `json:"receipts"`
	Server   ServerConfig   `json:"server"`
	Metrics  MetricsConfig  `json:"metrics"`
	Alerting AlertingConfig `json:"alerting"`
	Logging  logger.Config  `json:"logging"`
	Runtime  RuntimeConfig  `json:"runtime"`
}

// 钱包模式。auto 表示配置了 Circle 凭证时使用 circle，否则使用 simulated。
const (
	WalletModeAuto      = "auto"
	WalletModeSimulated = "simulated"
	WalletModeCircle    = "circle"
	WalletModeEVM       = "evm"
)

// WalletConfig 控制付款使用的钱包实现。
type WalletConfig struct {
	Mode                   string       `json:"mode"`
	TransferTimeoutSeconds int          `json:"transfer_timeout_seconds"`
	Circle                 CircleConfig `json:"circle"`
	EVM                    EVMConfig    `json:"evm"`
}

// CircleConfig 描述 Circle 开发者托管钱包的访问参数。
type CircleConfig struct {
	APIKey                 string `json:"api_key"`
	EntitySecret           string `json:"entity_secret"`
	BaseURL                string `json:"base_url"`
	Network                string `json:"network"`
	WalletSetName          string `json:"wallet_set_name"`
	WalletID               string `json:"wallet_id"`
	WalletSetID            string `json:"wallet_set_id"`
	TokenID                string `json:"token_id"`
	TokenAddress           string `json:"token_address"`
	FeeLevel               string `json:"fee_level"`
	TimeoutSeconds         int    `json:"timeout_seconds"`
	BreakerFailures        uint32 `json:"breaker_failures"`
	BreakerCooldownSeconds int    `json:"breaker_cooldown_seconds"`
}

// EVMConfig 描述直接签名转账所需的链参数。
type EVMConfig struct {
	NetworksFile   string `json:"networks_file"`
	Network        string `json:"network"`
	RPCURL         string `json:"rpc_url"`
	PrivateKey     string `json:"private_key"`
	ChainID        int64  `json:"chain_id"`
	TokenAddress   string `json:"token_address"`
	TokenDecimals  int32  `json:"token_decimals"`
	WaitForReceipt bool   `json:"wait_for_receipt"`
}

// LedgerConfig 描述交易日志的存储后端。
type LedgerConfig struct {
	Driver                 string      `json:"driver"`
	DSN                    string      `json:"dsn"`
	Path                   string      `json:"path"`
	MaxOpenConns           int         `json:"max_open_conns"`
	MaxIdleConns           int         `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int         `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int         `json:"conn_max_idle_time_seconds"`
	Cache                  CacheConfig `json:"cache"`
}

// CacheConfig 控制最近交易与总花费的读缓存。
type CacheConfig struct {
	Driver     string      `json:"driver"`
	TTLSeconds int         `json:"ttl_seconds"`
	Redis      RedisConfig `json:"redis"`
}

// RedisConfig 是 Redis 连接参数。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Prefix   string `json:"prefix"`
}

// GatewayConfig 控制付费网关。
type GatewayConfig struct {
	CatalogFile    string          `json:"catalog_file"`
	MaxParamLength int             `json:"max_param_length"`
	RateLimit      RateLimitConfig `json:"rate_limit"`
}

// RateLimitConfig 是付费调用的滑动窗口限流参数。
// MaxCalls 缺省为 30，显式配置 0 表示拒绝所有付费调用。
type RateLimitConfig struct {
	MaxCalls      *int `json:"max_calls,omitempty"`
	PeriodSeconds int  `json:"period_seconds"`
}

// Limit 返回窗口内允许的调用次数。
func (r RateLimitConfig) Limit() int {
	if r.MaxCalls == nil {
		return 0
	}
	return *r.MaxCalls
}

// LLMConfig 用于配置兜底回复使用的大模型。
type LLMConfig struct {
	Provider       string       `json:"provider"`
	TimeoutSeconds int          `json:"timeout_seconds"`
	Gemini         GeminiConfig `json:"gemini"`
	OpenAI         OpenAIConfig `json:"openai"`
}

// GeminiConfig 描述 Gemini 接入参数。
type GeminiConfig struct {
	APIKey  string `json:"api_key"`
	Model   string `json:"model"`
	BaseURL string `json:"base_url"`
}

// OpenAIConfig 描述 OpenAI 兼容接口的接入参数。
type OpenAIConfig struct {
	APIKey      string  `json:"api_key"`
	Model       string  `json:"model"`
	BaseURL     string  `json:"base_url"`
	Temperature float64 `json:"temperature"`
}

// ReceiptsConfig 控制交易落库后的回执发布。
type ReceiptsConfig struct {
	Driver   string                `json:"driver"`
	Redis    ReceiptRedisConfig    `json:"redis"`
	RabbitMQ ReceiptRabbitMQConfig `json:"rabbitmq"`
}

// ReceiptRedisConfig 描述 Redis 列表形式的回执队列。
type ReceiptRedisConfig struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	List      string `json:"list"`
	MaxLength int64  `json:"max_length"`
}

// ReceiptRabbitMQConfig 描述 RabbitMQ 回执队列。
type ReceiptRabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// ServerConfig 控制 HTTP API 服务。
type ServerConfig struct {
	Address            string `json:"address"`
	RequestsPerMinute  int    `json:"requests_per_minute"`
	ReadTimeoutSeconds int    `json:"read_timeout_seconds"`
	// APIKeys 按名称配置 /api/v1 的访问密钥，为空时不做认证。
	APIKeys map[string]string `json:"api_keys"`
}

// MetricsConfig 控制 Prometheus 指标。Address 为空时指标挂在 API 的 /metrics 上。
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address"`
}

// AlertingConfig 控制关键故障告警。
type AlertingConfig struct {
	WebhookURL     string `json:"webhook_url"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Default 返回只包含默认值的配置，等价于加载一个空文件。
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults(".")
	return cfg
}

// Load 解析 JSON 配置文件，叠加环境变量并填充默认值。path 为空时只使用
// 环境变量与默认值。
func Load(path string) (*Config, error) {
	cfg := &Config{}
	baseDir := "."
	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		if err := json.Unmarshal(content, cfg); err != nil {
			return nil, fmt.Errorf("解析配置失败: %w", err)
		}
		baseDir = filepath.Dir(path)
	}

	cfg.applyEnv(os.LookupEnv)
	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOptional 与 Load 相同，但文件不存在时退回到默认配置。
func LoadOptional(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			path = ""
		}
	}
	return Load(path)
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}

	c.Wallet.Mode = strings.ToLower(strings.TrimSpace(c.Wallet.Mode))
	if c.Wallet.Mode == "" {
		c.Wallet.Mode = WalletModeAuto
	}
	if c.Wallet.TransferTimeoutSeconds <= 0 {
		c.Wallet.TransferTimeoutSeconds = 30
	}
	if c.Wallet.Circle.Network == "" {
		c.Wallet.Circle.Network = "ARC-TESTNET"
	}
	if c.Wallet.Circle.WalletSetName == "" {
		c.Wallet.Circle.WalletSetName = "agentic-commerce-wallets"
	}
	if c.Wallet.EVM.Network == "" {
		c.Wallet.EVM.Network = "ARC-TESTNET"
	}
	c.Wallet.EVM.NetworksFile = resolve(baseDir, c.Wallet.EVM.NetworksFile)

	c.Ledger.Driver = strings.ToLower(strings.TrimSpace(c.Ledger.Driver))
	if c.Ledger.Driver == "" {
		c.Ledger.Driver = "sqlite"
	}
	if c.Ledger.Path == "" {
		c.Ledger.Path = filepath.Join(c.Runtime.DataDir, "wallet_data.db")
	} else {
		c.Ledger.Path = resolve(baseDir, c.Ledger.Path)
	}
	if c.Ledger.Cache.Driver == "" {
		c.Ledger.Cache.Driver = "memory"
	}
	if c.Ledger.Cache.TTLSeconds <= 0 {
		c.Ledger.Cache.TTLSeconds = 30
	}

	c.Gateway.CatalogFile = resolve(baseDir, c.Gateway.CatalogFile)
	if c.Gateway.MaxParamLength <= 0 {
		c.Gateway.MaxParamLength = 200
	}
	if c.Gateway.RateLimit.MaxCalls == nil {
		defaultMaxCalls := 30
		c.Gateway.RateLimit.MaxCalls = &defaultMaxCalls
	}
	if c.Gateway.RateLimit.PeriodSeconds <= 0 {
		c.Gateway.RateLimit.PeriodSeconds = 60
	}

	c.LLM.Provider = strings.ToLower(strings.TrimSpace(c.LLM.Provider))
	if c.LLM.Provider == "" {
		c.LLM.Provider = "auto"
	}
	if c.LLM.TimeoutSeconds <= 0 {
		c.LLM.TimeoutSeconds = 20
	}

	if c.Receipts.Driver == "" {
		c.Receipts.Driver = "none"
	}

	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.RequestsPerMinute <= 0 {
		c.Server.RequestsPerMinute = 120
	}
	if c.Server.ReadTimeoutSeconds <= 0 {
		c.Server.ReadTimeoutSeconds = 10
	}

	if c.Alerting.TimeoutSeconds <= 0 {
		c.Alerting.TimeoutSeconds = 5
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(c.Runtime.DataDir, "audit", "payments.log")
	}
}

// Validate 校验配置的一致性。
func (c *Config) Validate() error {
	var errs []error
	switch c.Wallet.Mode {
	case WalletModeAuto, WalletModeSimulated:
	case WalletModeCircle:
		if c.Wallet.Circle.APIKey == "" || c.Wallet.Circle.EntitySecret == "" {
			errs = append(errs, errors.New("circle 模式需要 api_key 与 entity_secret"))
		}
	case WalletModeEVM:
		if c.Wallet.EVM.PrivateKey == "" {
			errs = append(errs, errors.New("evm 模式需要 private_key"))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的钱包模式: %s", c.Wallet.Mode))
	}

	switch c.Ledger.Driver {
	case "sqlite", "sqlite3":
	case "mysql":
		if c.Ledger.DSN == "" {
			errs = append(errs, errors.New("mysql 存储需要 dsn"))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的存储驱动: %s", c.Ledger.Driver))
	}

	switch c.Ledger.Cache.Driver {
	case "none", "memory":
	case "redis":
		if c.Ledger.Cache.Redis.Address == "" {
			errs = append(errs, errors.New("redis 缓存需要 address"))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的缓存驱动: %s", c.Ledger.Cache.Driver))
	}

	switch c.LLM.Provider {
	case "auto", "none", "gemini", "openai":
	default:
		errs = append(errs, fmt.Errorf("未知的大模型提供方: %s", c.LLM.Provider))
	}

	switch c.Receipts.Driver {
	case "none", "memory":
	case "redis":
		if c.Receipts.Redis.Address == "" {
			errs = append(errs, errors.New("redis 回执需要 address"))
		}
	case "rabbitmq":
		if c.Receipts.RabbitMQ.URL == "" {
			errs = append(errs, errors.New("rabbitmq 回执需要 url"))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的回执驱动: %s", c.Receipts.Driver))
	}

	if c.Gateway.RateLimit.Limit() < 0 {
		errs = append(errs, errors.New("rate_limit.max_calls 不能为负数"))
	}
	return errors.Join(errs...)
}

// TransferTimeout 返回单次转账的超时时间。
func (c *Config) TransferTimeout() time.Duration {
	return time.Duration(c.Wallet.TransferTimeoutSeconds) * time.Second
}

// RatePeriod 返回限流窗口长度。
func (c *Config) RatePeriod() time.Duration {
	return time.Duration(c.Gateway.RateLimit.PeriodSeconds) * time.Second
}

// ResolvedWalletMode 把 auto 解析成具体模式。
func (c *Config) ResolvedWalletMode() string {
	if c.Wallet.Mode != WalletModeAuto {
		return c.Wallet.Mode
	}
	if c.Wallet.Circle.APIKey != "" && c.Wallet.Circle.EntitySecret != "" {
		return WalletModeCircle
	}
	return WalletModeSimulated
}

// ResolvedLLMProvider 把 auto 解析成具体提供方，未配置密钥时返回 none。
func (c *Config) ResolvedLLMProvider() string {
	if c.LLM.Provider != "auto" {
		return c.LLM.Provider
	}
	switch {
	case c.LLM.Gemini.APIKey != "":
		return "gemini"
	case c.LLM.OpenAI.APIKey != "":
		return "openai"
	default:
		return "none"
	}
}

func resolve(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
