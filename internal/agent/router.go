package agent

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"AgentWallet/internal/ledger"
)

// Intent 是从用户问题中识别出的意图。
type Intent string

const (
	IntentNone     Intent = "none"
	IntentWeather  Intent = "weather"
	IntentStock    Intent = "stock"
	IntentNews     Intent = "news"
	IntentBalance  Intent = "balance"
	IntentHistory  Intent = "history"
	IntentFallback Intent = "fallback"
)

// Paid 表示该意图是否需要调用付费服务。
func (i Intent) Paid() bool {
	switch i {
	case IntentWeather, IntentStock, IntentNews:
		return true
	default:
		return false
	}
}

// Route 是路由结果：意图、目标服务与抽取出的参数。
type Route struct {
	Intent  Intent
	Service string
	Params  ledger.Params
}

// Router 把用户问题映射为一次路由决策，可替换。
type Router interface {
	Route(query string) Route
}

// RouterFunc 允许使用普通函数实现 Router。
type RouterFunc func(query string) Route

// Route 实现 Router。
func (f RouterFunc) Route(query string) Route { return f(query) }

// 参数抽取的默认值。
const (
	DefaultCity   = "Mumbai"
	DefaultSymbol = "AAPL"
	DefaultTopic  = "technology"
)

const trimChars = "?.,!"

var (
	cityPrepositions  = map[string]struct{}{"in": {}, "for": {}, "at": {}}
	topicPrepositions = map[string]struct{}{"about": {}, "on": {}, "for": {}}
	cityStopWords     = map[string]struct{}{"what": {}, "how": {}, "get": {}, "check": {}, "show": {}}
	symbolStopWords   = map[string]struct{}{
		"GET": {}, "STOCK": {}, "PRICE": {}, "THE": {}, "WHAT": {}, "SHOW": {}, "CHECK": {},
	}
)

// KeywordRouter 按固定优先级做单次关键字匹配：
// weather > stock/price/ticker > news > balance/wallet > history > fallback。
type KeywordRouter struct{}

// Route 实现 Router。
func (KeywordRouter) Route(query string) Route {
	lower := strings.ToLower(query)
	switch {
	case strings.Contains(lower, "weather"):
		return Route{Intent: IntentWeather, Service: "weather", Params: ledger.Params{"city": ExtractCity(query)}}
	case containsAny(lower, "stock", "price", "ticker"):
		return Route{Intent: IntentStock, Service: "stock", Params: ledger.Params{"symbol": ExtractSymbol(query)}}
	case strings.Contains(lower, "news"):
		return Route{Intent: IntentNews, Service: "news", Params: ledger.Params{"topic": ExtractTopic(query)}}
	case containsAny(lower, "balance", "wallet"):
		return Route{Intent: IntentBalance}
	case strings.Contains(lower, "history"):
		return Route{Intent: IntentHistory}
	default:
		return Route{Intent: IntentFallback}
	}
}

// ExtractCity 取 in/for/at 之后的单词；否则取第一个首字母大写且不是
// 常见动词的单词；都没有时返回 DefaultCity。
func ExtractCity(query string) string {
	words := strings.Fields(query)
	for i, word := range words {
		if _, ok := cityPrepositions[strings.ToLower(word)]; ok && i+1 < len(words) {
			if city := strings.Trim(words[i+1], trimChars); city != "" {
				return city
			}
		}
	}
	for _, word := range words {
		first, _ := utf8.DecodeRuneInString(word)
		if !unicode.IsUpper(first) {
			continue
		}
		if _, stop := cityStopWords[strings.ToLower(word)]; stop {
			continue
		}
		if city := strings.Trim(word, trimChars); city != "" {
			return city
		}
	}
	return DefaultCity
}

// ExtractSymbol 取第一个长度 1 到 5 的纯字母单词（大写），跳过停用词。
func ExtractSymbol(query string) string {
	for _, word := range strings.Fields(strings.ToUpper(query)) {
		clean := strings.Trim(word, trimChars)
		n := utf8.RuneCountInString(clean)
		if n < 1 || n > 5 || !allLetters(clean) {
			continue
		}
		if _, stop := symbolStopWords[clean]; stop {
			continue
		}
		return clean
	}
	return DefaultSymbol
}

// ExtractTopic 取 about/on/for 之后的单词（小写），否则返回 DefaultTopic。
func ExtractTopic(query string) string {
	words := strings.Fields(strings.ToLower(query))
	for i, word := range words {
		if _, ok := topicPrepositions[word]; ok && i+1 < len(words) {
			if topic := strings.Trim(words[i+1], trimChars); topic != "" {
				return topic
			}
		}
	}
	return DefaultTopic
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func allLetters(s string) bool {
	for _, r := range s {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return s != ""
}
