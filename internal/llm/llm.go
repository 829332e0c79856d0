package llm

import (
	"context"
	"fmt"
	"strings"
)

// Prompt 是发送给补全服务的上下文。
type Prompt struct {
	// System 为空时使用 DefaultSystemPrompt。
	System string
	// Context 包含余额、最近调用次数与用户原始问题。
	Context string
}

// Client 定义了调用大模型的统一接口。返回的文本仅作为建议性回复。
type Client interface {
	Complete(ctx context.Context, prompt Prompt) (string, error)
}

// Named 由能报告自身名称的补全服务实现，用于日志与指标。
type Named interface {
	Name() string
}

// NameOf 返回补全服务的名称。
func NameOf(c Client) string {
	if n, ok := c.(Named); ok {
		return n.Name()
	}
	return "custom"
}

// SystemOrDefault 返回提示词中的系统指令或默认指令。
func (p Prompt) SystemOrDefault() string {
	if s := strings.TrimSpace(p.System); s != "" {
		return s
	}
	return DefaultSystemPrompt
}

// PricedService 是系统指令中列出的一项付费服务。
type PricedService struct {
	Name        string
	Description string
	CostUSDC    string
}

const systemPromptHeader = `You are an autonomous AI agent managing a USDC wallet on Arc Network.
You can pay for API services in real-time using your programmable wallet.

## Available Paid Services:
`

const systemPromptFooter = `
## Free Actions:
- check_balance(): View your USDC wallet balance
- get_history(): View recent transaction history

## Important Rules:
1. ALWAYS consider the cost before calling paid services
2. Inform the user of the cost BEFORE making the call
3. If multiple services are needed, explain the total cost
4. Be efficient - don't make unnecessary API calls

Respond naturally while being cost-conscious. Format responses clearly.`

// SystemPrompt 按服务目录生成系统指令，价格取自目录而不是固定文本。
func SystemPrompt(services []PricedService) string {
	var b strings.Builder
	b.WriteString(systemPromptHeader)
	if len(services) == 0 {
		b.WriteString("- none configured\n")
	}
	for _, svc := range services {
		if desc := strings.TrimSuffix(strings.TrimSpace(svc.Description), "."); desc != "" {
			fmt.Fprintf(&b, "- %s: %s. Cost: %s USDC\n", svc.Name, desc, svc.CostUSDC)
			continue
		}
		fmt.Fprintf(&b, "- %s: Cost: %s USDC\n", svc.Name, svc.CostUSDC)
	}
	b.WriteString(systemPromptFooter)
	return b.String()
}

// DefaultSystemPrompt 在调用方没有提供服务目录时使用。
var DefaultSystemPrompt = SystemPrompt(nil)

// BuildContext 组装补全服务需要的钱包上下文。
func BuildContext(balanceUSDC string, recentCalls int64, query string) string {
	return fmt.Sprintf("Current Wallet State:\n- USDC Balance: %s\n- Recent calls: %d\n\nUser Query: %s\n",
		balanceUSDC, recentCalls, query)
}
