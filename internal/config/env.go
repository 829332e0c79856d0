package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// 环境变量名。密钥只建议通过环境变量或 .env 提供。
const (
	EnvConfigPath         = "AGENTWALLET_CONFIG"
	EnvWalletMode         = "AGENTWALLET_WALLET_MODE"
	EnvLedgerPath         = "AGENTWALLET_DB_PATH"
	EnvListenAddress      = "AGENTWALLET_LISTEN"
	EnvLogLevel           = "AGENTWALLET_LOG_LEVEL"
	EnvRateLimitMaxCalls  = "AGENTWALLET_RATE_LIMIT"
	EnvCircleAPIKey       = "CIRCLE_API_KEY"
	EnvCircleEntitySecret = "CIRCLE_ENTITY_SECRET"
	EnvCircleWalletID     = "CIRCLE_WALLET_ID"
	EnvGeminiAPIKey       = "GEMINI_API_KEY"
	EnvOpenAIAPIKey       = "OPENAI_API_KEY"
	EnvEVMPrivateKey      = "EVM_PRIVATE_KEY"
	EnvEVMRPCURL          = "EVM_RPC_URL"
	EnvAlertWebhook       = "AGENTWALLET_ALERT_WEBHOOK"
	EnvAPIKey             = "AGENTWALLET_API_KEY"
)

// LoadDotEnv 依次加载 .env 文件，不覆盖已经存在的环境变量。文件不存在时忽略。
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env.local", ".env"}
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("加载 %s 失败: %w", path, err)
		}
	}
	return nil
}

// LoadDotEnvForConfig 先加载配置文件目录下的 .env，再加载工作目录下的 .env。
func LoadDotEnvForConfig(configPath string) error {
	if configPath == "" {
		return LoadDotEnv()
	}
	dir := filepath.Dir(configPath)
	return LoadDotEnv(filepath.Join(dir, ".env"), ".env.local", ".env")
}

// ConfigPath 返回要加载的配置文件路径：显式参数优先，其次环境变量，
// 最后是 DefaultPath。explicit 表示调用方要求该文件必须存在。
func ConfigPath(flag string) (path string, explicit bool) {
	if flag = strings.TrimSpace(flag); flag != "" {
		return flag, true
	}
	if env := strings.TrimSpace(os.Getenv(EnvConfigPath)); env != "" {
		return env, true
	}
	return DefaultPath, false
}

// applyEnv 用环境变量覆盖配置中的对应字段。
func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}

	str(EnvWalletMode, &c.Wallet.Mode)
	str(EnvLedgerPath, &c.Ledger.Path)
	str(EnvListenAddress, &c.Server.Address)
	str(EnvLogLevel, &c.Logging.Level)
	str(EnvCircleAPIKey, &c.Wallet.Circle.APIKey)
	str(EnvCircleEntitySecret, &c.Wallet.Circle.EntitySecret)
	str(EnvCircleWalletID, &c.Wallet.Circle.WalletID)
	str(EnvGeminiAPIKey, &c.LLM.Gemini.APIKey)
	str(EnvOpenAIAPIKey, &c.LLM.OpenAI.APIKey)
	str(EnvEVMPrivateKey, &c.Wallet.EVM.PrivateKey)
	str(EnvEVMRPCURL, &c.Wallet.EVM.RPCURL)
	str(EnvAlertWebhook, &c.Alerting.WebhookURL)

	if v, ok := lookup(EnvAPIKey); ok && strings.TrimSpace(v) != "" {
		if c.Server.APIKeys == nil {
			c.Server.APIKeys = map[string]string{}
		}
		c.Server.APIKeys["env"] = strings.TrimSpace(v)
	}

	if v, ok := lookup(EnvRateLimitMaxCalls); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			c.Gateway.RateLimit.MaxCalls = &n
		}
	}
}
