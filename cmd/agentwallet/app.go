package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"AgentWallet/internal/agent"
	"AgentWallet/internal/config"
	"AgentWallet/internal/gateway"
	"AgentWallet/internal/ledger"
	"AgentWallet/internal/llm"
	"AgentWallet/internal/llm/gemini"
	"AgentWallet/internal/llm/openai"
	"AgentWallet/internal/observability/alerting"
	"AgentWallet/internal/observability/metrics"
	"AgentWallet/internal/receipt"
	"AgentWallet/internal/wallet"
	"AgentWallet/internal/wallet/circle"
	"AgentWallet/internal/wallet/evm"
	"AgentWallet/pkg/logger"
)

// app 持有一次进程运行中装配好的全部组件。
type app struct {
	cfg      *config.Config
	store    ledger.Store
	gateway  *gateway.Gateway
	agent    *agent.Agent
	registry *prometheus.Registry
	recorder *metrics.Recorder
	closers  []func() error
	log      *slog.Logger
}

// loadConfig 加载 .env 与配置文件。显式指定的配置文件必须存在。
func loadConfig(flag string) (*config.Config, error) {
	path, explicit := config.ConfigPath(flag)
	if err := config.LoadDotEnvForConfig(path); err != nil {
		return nil, err
	}
	if explicit {
		return config.Load(path)
	}
	return config.LoadOptional(path)
}

// bootstrap 加载配置、初始化日志并装配应用。
func bootstrap(ctx context.Context, cli *CLI) (*app, error) {
	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return nil, fmt.Errorf("加载配置失败: %w", err)
	}
	if cli.LogLevel != "" {
		cfg.Logging.Level = cli.LogLevel
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	return newApp(ctx, cfg)
}

// newApp 根据配置装配存储、钱包、网关与智能体。
func newApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{cfg: cfg, log: logger.Named("agentwallet")}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.recorder = metrics.New(a.registry)

	sqlStore, err := openLedger(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, sqlStore.Close)
	a.store, err = a.withCache(ctx, sqlStore)
	if err != nil {
		return nil, err
	}

	w, err := a.openWallet(ctx, sqlStore)
	if err != nil {
		return nil, err
	}

	catalog, err := gateway.LoadCatalogFile(cfg.Gateway.CatalogFile)
	if err != nil {
		return nil, err
	}

	publisher, err := a.openPublisher(ctx)
	if err != nil {
		return nil, err
	}

	a.gateway = gateway.New(
		wallet.Guard(w, wallet.GuardConfig{Timeout: cfg.TransferTimeout()}),
		a.store,
		gateway.WithCatalog(catalog),
		gateway.WithRateLimit(cfg.Gateway.RateLimit.Limit(), cfg.RatePeriod()),
		gateway.WithMaxParamLength(cfg.Gateway.MaxParamLength),
		gateway.WithPublisher(publisher),
		gateway.WithAlerts(a.alerts()),
		gateway.WithMetrics(a.recorder),
	)

	agentOpts := []agent.Option{agent.WithMetrics(a.recorder)}
	completion, err := newCompletion(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if completion != nil {
		agentOpts = append(agentOpts,
			agent.WithCompletion(completion),
			agent.WithCompletionTimeout(time.Duration(cfg.LLM.TimeoutSeconds)*time.Second),
		)
	}
	a.agent = agent.New(a.gateway, agentOpts...)

	a.log.Info("AgentWallet 已就绪",
		slog.String("wallet_mode", string(w.Mode())),
		slog.String("ledger", cfg.Ledger.Driver),
		slog.String("cache", cfg.Ledger.Cache.Driver),
		slog.String("receipts", cfg.Receipts.Driver),
		slog.String("llm", llmName(completion)),
		slog.Int("services", len(catalog.Names())),
	)
	return a, nil
}

// Close 按装配的逆序释放资源。
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("释放资源失败", slog.String("error", err.Error()))
		}
	}
	a.closers = nil
}

func openLedger(ctx context.Context, cfg *config.Config) (*ledger.SQLStore, error) {
	return ledger.Open(ctx, ledger.Config{
		Driver:          cfg.Ledger.Driver,
		DSN:             cfg.Ledger.DSN,
		Path:            cfg.Ledger.Path,
		MaxOpenConns:    cfg.Ledger.MaxOpenConns,
		MaxIdleConns:    cfg.Ledger.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Ledger.ConnMaxLifetimeSeconds) * time.Second,
		ConnMaxIdleTime: time.Duration(cfg.Ledger.ConnMaxIdleTimeSeconds) * time.Second,
	})
}

func (a *app) withCache(ctx context.Context, store ledger.Store) (ledger.Store, error) {
	ttl := time.Duration(a.cfg.Ledger.Cache.TTLSeconds) * time.Second
	switch a.cfg.Ledger.Cache.Driver {
	case "memory":
		return ledger.NewCachedStore(store, ledger.NewMemoryCache(ledger.WithTTL(ttl))), nil
	case "redis":
		rc := a.cfg.Ledger.Cache.Redis
		cache, err := ledger.NewRedisCache(ctx, ledger.RedisCacheConfig{
			Address:  rc.Address,
			Password: rc.Password,
			DB:       rc.DB,
			Prefix:   rc.Prefix,
			TTL:      ttl,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, cache.Close)
		return ledger.NewCachedStore(store, cache), nil
	default:
		return store, nil
	}
}

func (a *app) openWallet(ctx context.Context, state ledger.Store) (wallet.Wallet, error) {
	switch mode := a.cfg.ResolvedWalletMode(); mode {
	case config.WalletModeSimulated:
		return wallet.NewSimulated(), nil
	case config.WalletModeCircle:
		return a.openCircle(ctx, state)
	case config.WalletModeEVM:
		return a.openEVM(ctx)
	default:
		return nil, fmt.Errorf("未知的钱包模式: %s", mode)
	}
}

func (a *app) openCircle(ctx context.Context, state ledger.Store) (wallet.Wallet, error) {
	cc := a.cfg.Wallet.Circle
	network, err := wallet.ParseNetwork(cc.Network)
	if err != nil {
		return nil, err
	}
	client, err := circle.NewClient(circle.Config{
		APIKey:       cc.APIKey,
		EntitySecret: cc.EntitySecret,
		BaseURL:      cc.BaseURL,
		WalletID:     cc.WalletID,
		WalletSetID:  cc.WalletSetID,
		Network:      network,
		TokenID:      cc.TokenID,
		TokenAddress: cc.TokenAddress,
		FeeLevel:     cc.FeeLevel,
		Timeout:      time.Duration(cc.TimeoutSeconds) * time.Second,
		Breaker: circle.BreakerConfig{
			ConsecutiveFailures: cc.BreakerFailures,
			Timeout:             time.Duration(cc.BreakerCooldownSeconds) * time.Second,
		},
	})
	if err != nil {
		return nil, err
	}
	if err := provisionCircle(ctx, client, state, cc.WalletSetName, network, a.log); err != nil {
		return nil, err
	}
	return client, nil
}

// circleWallet 是启动时钱包恢复与创建所需的 Circle 客户端能力。
type circleWallet interface {
	wallet.Provisioner
	WalletID() string
	WalletSetID() string
	UseWallet(id, address string)
	UseWalletSet(id string)
}

// provisionCircle 确保 Circle 客户端绑定到一个钱包：优先使用配置，
// 其次恢复持久化的钱包，最后创建新的钱包集合与钱包并持久化。
func provisionCircle(ctx context.Context, client circleWallet, state ledger.Store, setName string, network wallet.Network, log *slog.Logger) error {
	if id := client.WalletID(); id != "" {
		return nil
	}
	id, err := state.GetState(ctx, ledger.StateWalletID, "")
	if err != nil {
		return err
	}
	if id != "" {
		address, err := state.GetState(ctx, ledger.StateWalletAddress, "")
		if err != nil {
			return err
		}
		client.UseWallet(id, address)
		log.Info("已恢复 Circle 钱包", slog.String("wallet_id", id), slog.String("address", address))
		return nil
	}

	if client.WalletSetID() == "" {
		setID, err := state.GetState(ctx, ledger.StateWalletSetID, "")
		if err != nil {
			return err
		}
		if setID == "" {
			if setID, err = client.CreateWalletSet(ctx, setName); err != nil {
				return err
			}
			if err := state.SetState(ctx, ledger.StateWalletSetID, setID); err != nil {
				return err
			}
		} else {
			client.UseWalletSet(setID)
		}
	}

	info, err := client.CreateWallet(ctx, network)
	if err != nil {
		return err
	}
	for key, value := range map[string]string{
		ledger.StateWalletID:      info.ID,
		ledger.StateWalletAddress: info.Address,
		ledger.StateWalletNetwork: string(info.Network),
	} {
		if err := state.SetState(ctx, key, value); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) openEVM(ctx context.Context) (wallet.Wallet, error) {
	ec := a.cfg.Wallet.EVM
	networks, err := evm.LoadNetworks(ec.NetworksFile)
	if err != nil {
		return nil, err
	}
	def, err := networks.Lookup(ec.Network)
	if err != nil {
		return nil, err
	}
	cfg := evm.Config{
		RPCURL:         def.RPCURL,
		PrivateKey:     ec.PrivateKey,
		ChainID:        def.ChainID,
		TokenAddress:   def.TokenAddress,
		TokenDecimals:  def.TokenDecimals,
		WaitForReceipt: ec.WaitForReceipt,
	}
	if ec.RPCURL != "" {
		cfg.RPCURL = ec.RPCURL
	}
	if ec.ChainID != 0 {
		cfg.ChainID = ec.ChainID
	}
	if ec.TokenAddress != "" {
		cfg.TokenAddress = ec.TokenAddress
		cfg.TokenDecimals = ec.TokenDecimals
	}
	client, err := evm.Dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error {
		client.Close()
		return nil
	})
	a.log.Info("EVM 钱包已连接", slog.String("network", ec.Network), slog.String("address", client.Address().Hex()))
	return client, nil
}

func (a *app) openPublisher(ctx context.Context) (receipt.Publisher, error) {
	var (
		publisher receipt.Publisher
		err       error
	)
	switch a.cfg.Receipts.Driver {
	case "memory":
		publisher = receipt.NewMemory()
	case "redis":
		rc := a.cfg.Receipts.Redis
		publisher, err = receipt.NewRedisPublisher(ctx, receipt.RedisConfig{
			Address:   rc.Address,
			Password:  rc.Password,
			DB:        rc.DB,
			List:      rc.List,
			MaxLength: rc.MaxLength,
		})
	case "rabbitmq":
		rc := a.cfg.Receipts.RabbitMQ
		publisher, err = receipt.NewRabbitMQPublisher(receipt.RabbitMQConfig{
			URL:        rc.URL,
			Queue:      rc.Queue,
			Durable:    rc.Durable,
			AutoDelete: rc.AutoDelete,
		})
	default:
		publisher = receipt.Noop{}
	}
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, publisher.Close)
	return publisher, nil
}

func (a *app) alerts() alerting.Dispatcher {
	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	if url := a.cfg.Alerting.WebhookURL; url != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{
			URL:    url,
			Client: &http.Client{Timeout: time.Duration(a.cfg.Alerting.TimeoutSeconds) * time.Second},
		})
	}
	return alerting.NewFanout(notifiers...)
}

// newCompletion 创建兜底回复使用的大模型客户端，未配置时返回 nil。
func newCompletion(ctx context.Context, cfg *config.Config) (llm.Client, error) {
	timeout := time.Duration(cfg.LLM.TimeoutSeconds) * time.Second
	switch provider := cfg.ResolvedLLMProvider(); provider {
	case "none":
		return nil, nil
	case "gemini":
		return gemini.NewClient(ctx, gemini.Config{
			APIKey:  cfg.LLM.Gemini.APIKey,
			Model:   cfg.LLM.Gemini.Model,
			BaseURL: cfg.LLM.Gemini.BaseURL,
			Timeout: timeout,
		})
	case "openai":
		return openai.NewClient(openai.Config{
			APIKey:      cfg.LLM.OpenAI.APIKey,
			BaseURL:     cfg.LLM.OpenAI.BaseURL,
			Model:       cfg.LLM.OpenAI.Model,
			Timeout:     timeout,
			Temperature: cfg.LLM.OpenAI.Temperature,
		})
	default:
		return nil, errors.New("未知的大模型 provider: " + provider)
	}
}

func llmName(c llm.Client) string {
	if c == nil {
		return "none"
	}
	return llm.NameOf(c)
}
