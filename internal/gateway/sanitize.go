package gateway

import (
	"slices"
	"strings"
	"unicode"

	"AgentWallet/internal/ledger"
)

// DefaultMaxParamLength 是字符串参数保留的最大字符数。
const DefaultMaxParamLength = 200

// Sanitize 只保留字母、数字、下划线、空白与 .,!?'- 标点，其他字符（控制符、
// 尖括号等标记字符）全部丢弃；空白统一替换为空格，最后按 rune 截断到 max。
func Sanitize(value string, max int) string {
	if max <= 0 {
		max = DefaultMaxParamLength
	}
	var b strings.Builder
	b.Grow(min(len(value), max*4))
	kept := 0
	for _, r := range value {
		if kept >= max {
			break
		}
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '_':
		case unicode.IsSpace(r):
			r = ' '
		case strings.ContainsRune(".,!?'-", r):
		default:
			continue
		}
		b.WriteRune(r)
		kept++
	}
	return b.String()
}

// SanitizeParams 返回清洗后的参数副本。字符串值与键都会被清洗，嵌套的
// map 与切片递归处理，其他基础类型原样保留。清洗后为空的键被丢弃。
// 多个键清洗后相同时，原本就合法的键优先，否则取字典序最小的原始键。
func SanitizeParams(params ledger.Params, max int) ledger.Params {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	out := make(ledger.Params, len(params))
	exact := make(map[string]bool, len(params))
	for _, k := range keys {
		key := Sanitize(k, max)
		if key == "" || exact[key] {
			continue
		}
		if _, taken := out[key]; taken && k != key {
			continue
		}
		out[key] = sanitizeValue(params[k], max)
		exact[key] = k == key
	}
	return out
}

func sanitizeValue(v any, max int) any {
	switch val := v.(type) {
	case string:
		return Sanitize(val, max)
	case map[string]any:
		return map[string]any(SanitizeParams(val, max))
	case ledger.Params:
		return SanitizeParams(val, max)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sanitizeValue(item, max)
		}
		return out
	case []string:
		out := make([]string, len(val))
		for i, item := range val {
			out[i] = Sanitize(item, max)
		}
		return out
	default:
		return v
	}
}
