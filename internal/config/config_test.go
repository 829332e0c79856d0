package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		EnvConfigPath, EnvWalletMode, EnvLedgerPath, EnvListenAddress, EnvLogLevel, EnvRateLimitMaxCalls,
		EnvCircleAPIKey, EnvCircleEntitySecret, EnvCircleWalletID, EnvGeminiAPIKey, EnvOpenAIAPIKey,
		EnvEVMPrivateKey, EnvEVMRPCURL, EnvAlertWebhook, EnvAPIKey,
	} {
		t.Setenv(key, "")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "agentwallet.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, WalletModeAuto, cfg.Wallet.Mode)
	assert.Equal(t, WalletModeSimulated, cfg.ResolvedWalletMode())
	assert.Equal(t, "sqlite", cfg.Ledger.Driver)
	assert.Equal(t, filepath.Join("data", "wallet_data.db"), cfg.Ledger.Path)
	assert.Equal(t, 30, cfg.Gateway.RateLimit.Limit())
	assert.Equal(t, "1m0s", cfg.RatePeriod().String())
	assert.Equal(t, "30s", cfg.TransferTimeout().String())
	assert.Equal(t, 200, cfg.Gateway.MaxParamLength)
	assert.Equal(t, "none", cfg.ResolvedLLMProvider())
	assert.Equal(t, "none", cfg.Receipts.Driver)
	assert.Equal(t, ":8080", cfg.Server.Address)
}

func TestLoadResolvesRelativePaths(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `{
		"runtime": {"data_dir": "state"},
		"gateway": {"catalog_file": "services.yaml", "rate_limit": {"max_calls": 5, "period_seconds": 10}},
		"logging": {"audit": {"enabled": true}}
	}`)
	dir := filepath.Dir(path)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "state"), cfg.Runtime.DataDir)
	assert.Equal(t, filepath.Join(dir, "state", "wallet_data.db"), cfg.Ledger.Path)
	assert.Equal(t, filepath.Join(dir, "services.yaml"), cfg.Gateway.CatalogFile)
	assert.Equal(t, filepath.Join(dir, "state", "audit", "payments.log"), cfg.Logging.Audit.Path)
	assert.Equal(t, 5, cfg.Gateway.RateLimit.Limit())
	assert.Equal(t, "10s", cfg.RatePeriod().String())
}

func TestExplicitZeroMaxCallsIsKept(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeConfig(t, `{"gateway": {"rate_limit": {"max_calls": 0}}}`))
	require.NoError(t, err)
	require.NotNil(t, cfg.Gateway.RateLimit.MaxCalls)
	assert.Equal(t, 0, cfg.Gateway.RateLimit.Limit())

	cfg, err = Load(writeConfig(t, `{"gateway": {"rate_limit": {"period_seconds": 5}}}`))
	require.NoError(t, err)
	assert.Equal(t, 30, cfg.Gateway.RateLimit.Limit())
}

func TestEnvironmentOverridesSecrets(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvCircleAPIKey, "TEST_API_KEY:abc")
	t.Setenv(EnvCircleEntitySecret, "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff")
	t.Setenv(EnvGeminiAPIKey, "gemini-key")
	t.Setenv(EnvRateLimitMaxCalls, "3")
	t.Setenv(EnvAPIKey, "api-secret")

	path := writeConfig(t, `{"wallet": {"circle": {"api_key": "from-file"}}}`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "TEST_API_KEY:abc", cfg.Wallet.Circle.APIKey)
	assert.Equal(t, WalletModeCircle, cfg.ResolvedWalletMode())
	assert.Equal(t, "gemini", cfg.ResolvedLLMProvider())
	assert.Equal(t, 3, cfg.Gateway.RateLimit.Limit())
	assert.Equal(t, map[string]string{"env": "api-secret"}, cfg.Server.APIKeys)
}

func TestValidateRejectsInconsistentConfig(t *testing.T) {
	clearEnv(t)
	cases := map[string]string{
		"unknown wallet mode":   `{"wallet": {"mode": "paypal"}}`,
		"circle without secret": `{"wallet": {"mode": "circle", "circle": {"api_key": "k"}}}`,
		"evm without key":       `{"wallet": {"mode": "evm"}}`,
		"mysql without dsn":     `{"ledger": {"driver": "mysql"}}`,
		"unknown driver":        `{"ledger": {"driver": "postgres"}}`,
		"redis cache":           `{"ledger": {"cache": {"driver": "redis"}}}`,
		"rabbitmq receipts":     `{"receipts": {"driver": "rabbitmq"}}`,
		"unknown provider":      `{"llm": {"provider": "claude"}}`,
		"negative rate":         `{"gateway": {"rate_limit": {"max_calls": -1}}}`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, content))
			assert.Error(t, err)
		})
	}
}

func TestLoadErrors(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, `{not json`))
	assert.Error(t, err)
}

func TestLoadOptionalFallsBackToDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := LoadOptional(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.Equal(t, WalletModeAuto, cfg.Wallet.Mode)
}

func TestLoadDotEnvDoesNotOverride(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("OPENAI_API_KEY=from-dotenv\nAGENTWALLET_TEST_ONLY=loaded\n"), 0o600))
	t.Setenv(EnvOpenAIAPIKey, "from-env")
	t.Cleanup(func() { _ = os.Unsetenv("AGENTWALLET_TEST_ONLY") })

	require.NoError(t, LoadDotEnv(envFile, filepath.Join(dir, "absent.env")))
	assert.Equal(t, "from-env", os.Getenv(EnvOpenAIAPIKey))
	assert.Equal(t, "loaded", os.Getenv("AGENTWALLET_TEST_ONLY"))
}

func TestConfigPath(t *testing.T) {
	clearEnv(t)
	path, explicit := ConfigPath("")
	assert.Equal(t, DefaultPath, path)
	assert.False(t, explicit)

	t.Setenv(EnvConfigPath, "/etc/agentwallet.json")
	path, explicit = ConfigPath("")
	assert.Equal(t, "/etc/agentwallet.json", path)
	assert.True(t, explicit)

	path, explicit = ConfigPath("custom.json")
	assert.Equal(t, "custom.json", path)
	assert.True(t, explicit)
}
