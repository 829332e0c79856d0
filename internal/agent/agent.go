package agent

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	xerrors "AgentWallet/internal/errors"
	"AgentWallet/internal/gateway"
	"AgentWallet/internal/ledger"
	"AgentWallet/internal/llm"
	"AgentWallet/internal/observability/metrics"
	"AgentWallet/pkg/logger"
)

const (
	// MaxQueryLength 是单次问题的最大字符数，超出部分被截断。
	MaxQueryLength = 500
	// historyDepth 是历史查询返回的记录条数。
	historyDepth = 5
	// defaultMaxTurns 是会话中保留的最近对话轮数。
	defaultMaxTurns = 50
	// defaultCompletionTimeout 是调用大模型的默认超时时间。
	defaultCompletionTimeout = 20 * time.Second
)

const (
	emptyQueryMessage   = "Please enter a query."
	noHistoryMessage    = "No transactions yet."
	fallbackHelpMessage = "Try: weather [city], stock [symbol], news [topic], or check balance"
)

// Turn 是会话中的一轮问答。
type Turn struct {
	Query  string    `json:"query"`
	Reply  string    `json:"reply"`
	Intent Intent    `json:"intent"`
	At     time.Time `json:"at"`
}

// Session 是显式传入、传出 Process 的会话状态。Agent 本身不保存会话，
// 持久化的交易日志才是历史的唯一来源。
type Session struct {
	ID    string          `json:"id"`
	Turns []Turn          `json:"turns,omitempty"`
	Calls int             `json:"calls"`
	Spent decimal.Decimal `json:"spent_usdc"`
}

// NewSession 创建一个空会话。
func NewSession() Session {
	return Session{ID: uuid.NewString()}
}

// Reply 是一次处理的输出。
type Reply struct {
	Text   string                     `json:"reply"`
	Intent Intent                     `json:"intent"`
	Call   *gateway.CallResult        `json:"call,omitempty"`
	Recent []ledger.TransactionRecord `json:"transactions,omitempty"`
}

// Agent 把自然语言问题路由到付费网关或免费的余额、历史查询。
type Agent struct {
	gateway           *gateway.Gateway
	router            Router
	completion        llm.Client
	completionTimeout time.Duration
	maxTurns          int
	metrics           *metrics.Recorder
	now               func() time.Time
	log               *slog.Logger
}

// Option 定义可选的 Agent 配置。
type Option func(*Agent)

// WithRouter 替换默认的关键字路由。
func WithRouter(r Router) Option {
	return func(a *Agent) {
		if r != nil {
			a.router = r
		}
	}
}

// WithCompletion 配置大模型，仅在没有匹配到意图时生成建议性回复。
func WithCompletion(c llm.Client) Option {
	return func(a *Agent) {
		a.completion = c
	}
}

// WithCompletionTimeout 设置调用大模型的超时时间。
func WithCompletionTimeout(timeout time.Duration) Option {
	return func(a *Agent) {
		if timeout > 0 {
			a.completionTimeout = timeout
		}
	}
}

// WithMaxTurns 设置会话中保留的对话轮数。
func WithMaxTurns(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.maxTurns = n
		}
	}
}

// WithMetrics 注入指标记录器。
func WithMetrics(m *metrics.Recorder) Option {
	return func(a *Agent) {
		a.metrics = m
	}
}

// WithClock 替换时钟，便于测试。
func WithClock(now func() time.Time) Option {
	return func(a *Agent) {
		if now != nil {
			a.now = now
		}
	}
}

// WithLogger 替换默认日志器。
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) {
		if l != nil {
			a.log = l
		}
	}
}

// New 创建一个 Agent。
func New(gw *gateway.Gateway, opts ...Option) *Agent {
	ag := &Agent{
		gateway:           gw,
		router:            KeywordRouter{},
		completionTimeout: defaultCompletionTimeout,
		maxTurns:          defaultMaxTurns,
		now:               time.Now,
		log:               logger.Named("agent"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ag)
		}
	}
	return ag
}

// Gateway 返回 Agent 使用的付费网关。
func (a *Agent) Gateway() *gateway.Gateway { return a.gateway }

// Process 处理一次问题并返回新的会话状态。唯一返回的错误是持久化失败，
// 此时 Reply 仍然携带可读的提示。
func (a *Agent) Process(ctx context.Context, session Session, query string) (Reply, Session, error) {
	if a.gateway == nil {
		return Reply{Intent: IntentNone}, session, xerrors.New(xerrors.CodeInitializationFailure, "未配置付费网关")
	}

	query = strings.TrimSpace(query)
	if query == "" {
		return Reply{Text: emptyQueryMessage, Intent: IntentNone}, session, nil
	}
	query = truncateRunes(query, MaxQueryLength)

	route := a.router.Route(query)
	var (
		reply Reply
		err   error
	)
	switch {
	case route.Intent.Paid():
		reply, err = a.callService(ctx, route)
		if reply.Call != nil && reply.Call.PaymentRef != "" {
			session.Calls++
			session.Spent = session.Spent.Add(reply.Call.Cost)
		}
	case route.Intent == IntentBalance:
		reply, err = a.balance(ctx)
	case route.Intent == IntentHistory:
		reply, err = a.history(ctx)
	default:
		reply = a.fallback(ctx, query)
	}
	reply.Intent = route.Intent

	a.log.Debug("问题处理完成",
		slog.String("session", session.ID),
		slog.String("intent", string(route.Intent)),
		slog.Bool("failed", err != nil),
	)
	return reply, a.remember(session, query, reply), err
}

func (a *Agent) callService(ctx context.Context, route Route) (Reply, error) {
	res, err := a.gateway.CallService(ctx, route.Service, route.Params)
	if res == nil {
		return Reply{Text: errorText(err)}, err
	}
	if !res.Success {
		return Reply{Text: res.Error, Call: res}, err
	}
	return Reply{Text: FormatResult(res), Call: res}, err
}

func (a *Agent) balance(ctx context.Context) (Reply, error) {
	bal := a.gateway.Wallet().Balance(ctx)
	total, err := a.gateway.Store().TotalSpent(ctx)
	if err != nil {
		return Reply{Text: "Unable to read the transaction log."}, asStorageFailure(err, "读取累计花费失败")
	}
	return Reply{Text: fmt.Sprintf("Wallet Balance: %s USDC | Total Spent: %s USDC",
		bal.USDC.StringFixed(4), total.StringFixed(4))}, nil
}

func (a *Agent) history(ctx context.Context) (Reply, error) {
	recent, err := a.gateway.Store().RecentTransactions(ctx, historyDepth)
	if err != nil {
		return Reply{Text: "Unable to read the transaction log."}, asStorageFailure(err, "读取交易历史失败")
	}
	return Reply{Text: FormatHistory(recent), Recent: recent}, nil
}

// fallback 没有匹配到意图时使用大模型生成回复，失败时退回帮助文本。
func (a *Agent) fallback(ctx context.Context, query string) Reply {
	if a.completion == nil {
		return Reply{Text: fallbackHelpMessage}
	}

	count, err := a.gateway.Store().TransactionCount(ctx)
	if err != nil {
		a.log.Warn("读取交易数量失败", slog.String("error", err.Error()))
		count = 0
	}
	bal := a.gateway.Wallet().Balance(ctx)

	callCtx, cancel := context.WithTimeout(ctx, a.completionTimeout)
	defer cancel()

	provider := llm.NameOf(a.completion)
	text, err := a.complete(callCtx, provider, llm.Prompt{
		System:  a.systemPrompt(),
		Context: llm.BuildContext(bal.USDC.StringFixed(4), count, query),
	})
	if err != nil {
		attrs := []any{slog.String("provider", provider), slog.String("error", err.Error())}
		if stdErrors.Is(err, context.DeadlineExceeded) {
			attrs = append(attrs, slog.Bool("timeout", true))
		}
		a.log.Error("大模型调用失败", attrs...)
		a.metrics.ObserveProviderFailure(provider)
		return Reply{Text: fallbackHelpMessage}
	}
	if text = strings.TrimSpace(text); text == "" {
		return Reply{Text: fallbackHelpMessage}
	}
	return Reply{Text: text}
}

// complete 调用补全服务，把 panic 转换成普通错误。
func (a *Agent) complete(ctx context.Context, provider string, prompt llm.Prompt) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("大模型调用时发生 panic", slog.String("provider", provider), slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
			text, err = "", fmt.Errorf("completion provider panicked: %v", r)
		}
	}()
	return a.completion.Complete(ctx, prompt)
}

// systemPrompt 用当前服务目录的价格生成系统指令。
func (a *Agent) systemPrompt() string {
	services := a.gateway.Catalog().Services()
	priced := make([]llm.PricedService, 0, len(services))
	for _, svc := range services {
		priced = append(priced, llm.PricedService{Name: svc.Name, Description: svc.Description, CostUSDC: svc.Cost.String()})
	}
	return llm.SystemPrompt(priced)
}

func (a *Agent) remember(session Session, query string, reply Reply) Session {
	turns := append(slices.Clone(session.Turns), Turn{
		Query:  query,
		Reply:  reply.Text,
		Intent: reply.Intent,
		At:     a.now().UTC(),
	})
	if len(turns) > a.maxTurns {
		turns = turns[len(turns)-a.maxTurns:]
	}
	session.Turns = turns
	return session
}

// FormatResult 把成功的付费调用结果格式化为一行或多行文本。
func FormatResult(res *gateway.CallResult) string {
	cost := res.Cost.String()
	switch data := res.Result.(type) {
	case gateway.WeatherReport:
		return fmt.Sprintf("Weather in %s: %s, %s | Cost: %s USDC", data.City, data.Temperature, data.Condition, cost)
	case gateway.StockQuote:
		sign := ""
		if !data.Change.IsNegative() {
			sign = "+"
		}
		return fmt.Sprintf("%s: $%s (%s%s%%) | Cost: %s USDC",
			data.Symbol, data.Price.StringFixed(2), sign, data.Change.StringFixed(2), cost)
	case gateway.NewsDigest:
		lines := make([]string, 0, len(data.Headlines))
		for _, h := range data.Headlines {
			lines = append(lines, "  - "+h)
		}
		return fmt.Sprintf("News on %s:\n%s\n\nCost: %s USDC", data.Topic, strings.Join(lines, "\n"), cost)
	case gateway.Translation:
		return fmt.Sprintf("%s (%s) | Cost: %s USDC", data.Translated, data.LanguagePair, cost)
	case gateway.ErrorResult:
		return fmt.Sprintf("%s failed: %s | Cost: %s USDC", res.Service, data.Error, cost)
	default:
		raw, err := json.Marshal(res.Result)
		if err != nil {
			return fmt.Sprintf("%s | Cost: %s USDC", res.Service, cost)
		}
		return fmt.Sprintf("%s: %s | Cost: %s USDC", res.Service, raw, cost)
	}
}

// FormatHistory 格式化最近的交易记录。
func FormatHistory(records []ledger.TransactionRecord) string {
	if len(records) == 0 {
		return noHistoryMessage
	}
	lines := make([]string, 0, len(records))
	for _, rec := range records {
		lines = append(lines, fmt.Sprintf("  - %s: %s USDC @ %s",
			rec.Service, rec.Cost.String(), rec.CreatedAt.UTC().Format("2006-01-02T15:04:05")))
	}
	return "Recent Transactions:\n" + strings.Join(lines, "\n")
}

func asStorageFailure(err error, message string) error {
	if xerrors.CodeOf(err) == xerrors.CodeStorageFailure {
		return err
	}
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, message)
}

func errorText(err error) string {
	if err == nil {
		return "Request failed"
	}
	if e, ok := xerrors.From(err); ok {
		return e.Message()
	}
	return err.Error()
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	n := 0
	for i := range s {
		if n == limit {
			return s[:i]
		}
		n++
	}
	return s
}
