package gateway

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"AgentWallet/internal/ledger"
)

// Executor 执行一次已付费的服务调用。返回的 error 会被转换成结构化的
// 错误结果并照常落库，因为付款已经发生。
type Executor interface {
	Execute(ctx context.Context, params ledger.Params) (any, error)
}

// ExecutorFunc 允许普通函数作为 Executor。
type ExecutorFunc func(ctx context.Context, params ledger.Params) (any, error)

// Execute 实现 Executor。
func (f ExecutorFunc) Execute(ctx context.Context, params ledger.Params) (any, error) {
	return f(ctx, params)
}

// ErrorResult 是执行失败时写入结果字段的结构。
type ErrorResult struct {
	Error string `json:"error"`
}

// WeatherReport 是 weather 服务的结果。
type WeatherReport struct {
	City        string `json:"city"`
	Temperature string `json:"temperature"`
	Condition   string `json:"condition"`
	Humidity    string `json:"humidity"`
	Wind        string `json:"wind"`
}

// StockQuote 是 stock 服务的结果。
type StockQuote struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	Change decimal.Decimal `json:"change"`
	Volume int64           `json:"volume"`
}

// NewsDigest 是 news 服务的结果。
type NewsDigest struct {
	Topic     string   `json:"topic"`
	Headlines []string `json:"headlines"`
}

// Translation 是 translation 服务的结果。
type Translation struct {
	Original     string `json:"original"`
	Translated   string `json:"translated"`
	LanguagePair string `json:"language_pair"`
}

// SimulatedServices 生成演示用的服务结果，不访问任何外部数据源。
type SimulatedServices struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulatedServices 创建演示服务。rng 为 nil 时使用随机种子。
func NewSimulatedServices(rng *rand.Rand) *SimulatedServices {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &SimulatedServices{rng: rng}
}

// Executors 返回按服务名索引的执行器。
func (s *SimulatedServices) Executors() map[string]Executor {
	return map[string]Executor{
		"weather":     ExecutorFunc(s.weather),
		"stock":       ExecutorFunc(s.stock),
		"news":        ExecutorFunc(s.news),
		"translation": ExecutorFunc(s.translation),
	}
}

// DefaultExecutors 返回内置四个服务的演示执行器。
func DefaultExecutors() map[string]Executor {
	return NewSimulatedServices(nil).Executors()
}

func (s *SimulatedServices) weather(_ context.Context, params ledger.Params) (any, error) {
	return WeatherReport{
		City:        stringParam(params, "city", "Unknown"),
		Temperature: "22°C",
		Condition:   "Sunny",
		Humidity:    "45%",
		Wind:        "12 km/h",
	}, nil
}

func (s *SimulatedServices) stock(_ context.Context, params ledger.Params) (any, error) {
	s.mu.Lock()
	price := 100 + s.rng.Float64()*400
	change := -5 + s.rng.Float64()*10
	volume := 1_000_000 + s.rng.Int64N(49_000_001)
	s.mu.Unlock()

	return StockQuote{
		Symbol: strings.ToUpper(stringParam(params, "symbol", "AAPL")),
		Price:  decimal.NewFromFloat(price).Round(2),
		Change: decimal.NewFromFloat(change).Round(2),
		Volume: volume,
	}, nil
}

func (s *SimulatedServices) news(_ context.Context, params ledger.Params) (any, error) {
	topic := stringParam(params, "topic", "technology")
	return NewsDigest{
		Topic: topic,
		Headlines: []string{
			fmt.Sprintf("Breaking: AI makes breakthrough in %s", topic),
			fmt.Sprintf("Market update: %s sector sees major growth", topic),
			fmt.Sprintf("Experts predict future of %s", topic),
		},
	}, nil
}

func (s *SimulatedServices) translation(_ context.Context, params ledger.Params) (any, error) {
	text := stringParam(params, "text", "")
	target := stringParam(params, "target_language", "es")
	return Translation{
		Original:     text,
		Translated:   fmt.Sprintf("[%s] %s", target, text),
		LanguagePair: "en-" + target,
	}, nil
}

func stringParam(params ledger.Params, key, def string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return def
}
