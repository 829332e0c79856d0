package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	xerrors "AgentWallet/internal/errors"
	"AgentWallet/internal/ledger"
	"AgentWallet/internal/money"
	"AgentWallet/internal/observability/alerting"
	"AgentWallet/internal/observability/metrics"
	"AgentWallet/internal/ratelimit"
	"AgentWallet/internal/receipt"
	"AgentWallet/internal/wallet"
	"AgentWallet/pkg/logger"
)

// 默认的限流窗口：每 60 秒最多 30 次付费调用。
const (
	DefaultMaxCalls = 30
	DefaultPeriod   = time.Minute
)

const (
	rateLimitedMessage   = "Rate limit exceeded. Please try again later."
	paymentFailedMessage = "Payment failed"
	invalidCallMessage   = "Invalid service call"
	notImplemented       = "Service not implemented"
	unrecordedMessage    = "Payment succeeded but the transaction could not be recorded"
	receiptTimeout       = 5 * time.Second
)

// CallResult 是一次付费调用的结构化结果。
type CallResult struct {
	Success    bool                   `json:"success"`
	Service    string                 `json:"service"`
	Result     any                    `json:"result,omitempty"`
	Cost       decimal.Decimal        `json:"cost_usdc"`
	PaymentRef string                 `json:"tx_hash,omitempty"`
	RecordID   int64                  `json:"record_id,omitempty"`
	Mode       wallet.Mode            `json:"mode,omitempty"`
	Code       xerrors.Code           `json:"code,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Payment    *wallet.TransferResult `json:"details,omitempty"`
}

// Gateway 在付款成功之后才执行服务，并把付款与结果写入交易日志。
type Gateway struct {
	// mu 覆盖整个调用过程，同一网关不会同时有两笔付款在途。
	mu sync.Mutex

	wallet    wallet.Wallet
	store     ledger.Store
	catalog   *Catalog
	executors map[string]Executor
	limiter   *ratelimit.Limiter
	publisher receipt.Publisher
	alerts    alerting.Dispatcher
	metrics   *metrics.Recorder
	maxParam  int
	now       func() time.Time
	log       *slog.Logger
}

// Option 定义可选的 Gateway 配置。
type Option func(*Gateway)

// WithCatalog 替换内置服务目录。
func WithCatalog(c *Catalog) Option {
	return func(g *Gateway) {
		if c != nil {
			g.catalog = c
		}
	}
}

// WithExecutor 为指定服务注册执行器。
func WithExecutor(service string, ex Executor) Option {
	return func(g *Gateway) {
		if ex != nil {
			g.executors[service] = ex
		}
	}
}

// WithExecutors 批量注册执行器。
func WithExecutors(executors map[string]Executor) Option {
	return func(g *Gateway) {
		for name, ex := range executors {
			if ex != nil {
				g.executors[name] = ex
			}
		}
	}
}

// WithLimiter 使用外部创建的限流器。
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(g *Gateway) {
		if l != nil {
			g.limiter = l
		}
	}
}

// WithRateLimit 按窗口参数创建限流器。
func WithRateLimit(maxCalls int, period time.Duration) Option {
	return func(g *Gateway) {
		g.limiter = ratelimit.New(maxCalls, period)
	}
}

// WithPublisher 配置回执发布器。
func WithPublisher(p receipt.Publisher) Option {
	return func(g *Gateway) {
		if p != nil {
			g.publisher = p
		}
	}
}

// WithAlerts 配置告警分发器。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(g *Gateway) {
		g.alerts = d
	}
}

// WithMetrics 配置指标采集。
func WithMetrics(m *metrics.Recorder) Option {
	return func(g *Gateway) {
		g.metrics = m
	}
}

// WithMaxParamLength 设置字符串参数的最大长度。
func WithMaxParamLength(n int) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.maxParam = n
		}
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		if now != nil {
			g.now = now
		}
	}
}

// WithLogger 替换日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.log = l
		}
	}
}

// New 创建网关。钱包总是经过 wallet.Guard 包装。
func New(w wallet.Wallet, store ledger.Store, opts ...Option) *Gateway {
	g := &Gateway{
		store:     store,
		catalog:   DefaultCatalog(),
		executors: DefaultExecutors(),
		publisher: receipt.Noop{},
		maxParam:  DefaultMaxParamLength,
		now:       time.Now,
		log:       logger.Named("gateway"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	if g.limiter == nil {
		g.limiter = ratelimit.New(DefaultMaxCalls, DefaultPeriod)
	}
	g.wallet = wallet.Guard(w, wallet.GuardConfig{Now: g.now})
	if err := g.catalog.Validate(); err != nil {
		g.log.Warn("服务目录校验未通过，相关调用会在付款前被拒绝", slog.Any("error", err))
	}
	g.metrics.SetRateRemaining(g.limiter.Remaining())
	return g
}

// Catalog 返回服务目录。
func (g *Gateway) Catalog() *Catalog { return g.catalog }

// Wallet 返回经过保护的钱包。
func (g *Gateway) Wallet() wallet.Wallet { return g.wallet }

// Store 返回交易存储。
func (g *Gateway) Store() ledger.Store { return g.store }

// RateRemaining 返回当前窗口内剩余的调用次数。
func (g *Gateway) RateRemaining() int { return g.limiter.Remaining() }

// CallService 依次执行查找、限流、清洗、付款、执行、落库。返回的 error
// 只在付款成功但记录写入失败时非空，此时结果仍携带支付凭证。
func (g *Gateway) CallService(ctx context.Context, name string, params ledger.Params) (*CallResult, error) {
	if g.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置交易存储")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	svc, ok := g.catalog.Lookup(name)
	if !ok {
		g.metrics.ObserveCall(name, metrics.OutcomeUnknownService)
		return &CallResult{
			Service: name,
			Code:    xerrors.CodeUnknownService,
			Error:   fmt.Sprintf("Unknown service: %s", name),
		}, nil
	}

	clean := SanitizeParams(params, g.maxParam)
	if err := validateCall(svc, clean); err != nil {
		g.log.Warn("调用参数校验失败，未付款", slog.String("service", svc.Name), slog.Any("error", err))
		g.metrics.ObserveCall(svc.Name, metrics.OutcomeInvalidCall)
		return &CallResult{
			Service: svc.Name,
			Cost:    svc.Cost,
			Code:    xerrors.CodeInvalidArgument,
			Error:   invalidCallMessage + ": " + err.Error(),
		}, nil
	}

	admitted := g.limiter.Allow()
	g.metrics.SetRateRemaining(g.limiter.Remaining())
	if !admitted {
		g.log.Warn("服务调用被限流", slog.String("service", svc.Name))
		g.metrics.ObserveCall(svc.Name, metrics.OutcomeRateLimited)
		return &CallResult{
			Service: svc.Name,
			Cost:    svc.Cost,
			Code:    xerrors.CodeRateLimited,
			Error:   rateLimitedMessage,
		}, nil
	}

	started := g.now()
	payment := g.wallet.Transfer(ctx, wallet.TransferRequest{
		To:          svc.Destination,
		Amount:      svc.Cost,
		Description: fmt.Sprintf("%s API call", svc.Name),
	})
	g.metrics.ObservePayment(string(payment.Mode), payment.Success, g.now().Sub(started))
	if !payment.Success {
		g.log.Warn("付款失败，未执行服务", slog.String("service", svc.Name), slog.String("error", payment.Error))
		g.metrics.ObserveCall(svc.Name, metrics.OutcomePaymentFailed)
		return &CallResult{
			Service: svc.Name,
			Cost:    svc.Cost,
			Mode:    payment.Mode,
			Code:    xerrors.CodePaymentFailed,
			Error:   paymentFailedMessage,
			Payment: &payment,
		}, nil
	}

	// 付款已经发生，剩余步骤不再响应调用方取消。
	ctx = context.WithoutCancel(ctx)

	result := g.execute(ctx, svc.Name, clean)
	res := &CallResult{
		Success:    true,
		Service:    svc.Name,
		Result:     result,
		Cost:       svc.Cost,
		PaymentRef: payment.PaymentRef,
		Mode:       payment.Mode,
	}

	createdAt := g.now()
	id, err := g.store.RecordTransaction(ctx, ledger.NewTransaction{
		Service:    svc.Name,
		Params:     clean,
		Cost:       svc.Cost,
		PaymentRef: payment.PaymentRef,
		Result:     result,
		CreatedAt:  createdAt,
	})
	if err != nil {
		err = xerrors.Wrap(xerrors.CodeStorageFailure, err, "付款成功但交易记录写入失败",
			xerrors.WithMetadata("service", svc.Name),
			xerrors.WithMetadata("tx_hash", payment.PaymentRef),
			xerrors.WithMetadata("cost_usdc", svc.Cost.String()),
		)
		g.log.Error("交易记录写入失败", slog.String("service", svc.Name), slog.String("tx_hash", payment.PaymentRef), slog.Any("error", err))
		g.metrics.ObserveStoreFailure()
		g.metrics.ObserveCall(svc.Name, metrics.OutcomeStorageFailure)
		g.raise(ctx, err)

		res.Success = false
		res.Code = xerrors.CodeStorageFailure
		res.Error = unrecordedMessage
		return res, err
	}
	res.RecordID = id

	g.publish(ctx, receipt.Receipt{
		RecordID:   id,
		Service:    svc.Name,
		Cost:       svc.Cost,
		PaymentRef: payment.PaymentRef,
		Mode:       string(payment.Mode),
		CreatedAt:  createdAt,
	})
	g.metrics.ObserveSpend(svc.Name, svc.Cost)
	g.metrics.ObserveCall(svc.Name, metrics.OutcomeSuccess)
	g.log.Info("服务调用成功",
		slog.String("service", svc.Name),
		slog.String("cost_usdc", svc.Cost.String()),
		slog.String("tx_hash", payment.PaymentRef),
		slog.Int64("record_id", id),
	)
	return res, nil
}

// validateCall 在付款前完成记录写入所需的本地校验，避免付款之后才发现
// 价格或参数无法落库。
func validateCall(svc Service, params ledger.Params) error {
	if !svc.Cost.IsPositive() {
		return fmt.Errorf("cost must be positive")
	}
	if _, err := money.ToMicros(svc.Cost); err != nil {
		return fmt.Errorf("cost %s exceeds USDC precision", svc.Cost.String())
	}
	if _, err := json.Marshal(params); err != nil {
		return fmt.Errorf("params cannot be encoded: %v", err)
	}
	return nil
}

func (g *Gateway) execute(ctx context.Context, service string, params ledger.Params) (result any) {
	ex, ok := g.executors[service]
	if !ok {
		return ErrorResult{Error: notImplemented}
	}
	defer func() {
		if r := recover(); r != nil {
			g.log.Error("服务执行时发生 panic", slog.String("service", service), slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
			result = ErrorResult{Error: fmt.Sprintf("service panicked: %v", r)}
		}
	}()

	out, err := ex.Execute(ctx, params)
	if err != nil {
		wrapped := xerrors.Wrap(xerrors.CodeExecutorFailure, err, "服务执行失败", xerrors.WithMetadata("service", service))
		g.log.Warn("服务执行失败，记录错误结果", slog.String("service", service), slog.Any("error", wrapped))
		return ErrorResult{Error: err.Error()}
	}
	return out
}

func (g *Gateway) publish(ctx context.Context, r receipt.Receipt) {
	pubCtx, cancel := context.WithTimeout(ctx, receiptTimeout)
	defer cancel()
	if err := g.publisher.Publish(pubCtx, r); err != nil {
		err = xerrors.Wrap(xerrors.CodeQueueFailure, err, "发布回执失败")
		g.log.Warn("回执发布失败", slog.Int64("record_id", r.RecordID), slog.Any("error", err))
		g.metrics.ObserveReceiptFailure()
	}
}

func (g *Gateway) raise(ctx context.Context, err error) {
	if g.alerts == nil || !xerrors.ShouldAlert(err) {
		return
	}
	if notifyErr := g.alerts.Notify(ctx, alerting.EventFromError(err, g.now())); notifyErr != nil {
		g.log.Error("告警发送失败", slog.Any("error", notifyErr))
	}
}
