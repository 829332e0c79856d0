package wallet

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	xerrors "AgentWallet/internal/errors"
)

// Mode 标识钱包的运行模式。
type Mode string

const (
	ModeSimulated Mode = "simulated"
	ModeCircle    Mode = "circle"
	ModeEVM       Mode = "evm"
)

// Network 是 Circle 钱包支持的区块链标识。
type Network string

const (
	NetworkArcTestnet Network = "ARC-TESTNET"
	NetworkArcMainnet Network = "ARC-MAINNET"
)

// ParseNetwork 校验网络名称，仅接受 ARC-TESTNET 与 ARC-MAINNET。
func ParseNetwork(raw string) (Network, error) {
	switch n := Network(strings.TrimSpace(raw)); n {
	case NetworkArcTestnet, NetworkArcMainnet:
		return n, nil
	default:
		return "", xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("Invalid blockchain: %s. Must be one of [%s %s]", raw, NetworkArcTestnet, NetworkArcMainnet))
	}
}

// Balance 是钱包余额快照。
type Balance struct {
	USDC   decimal.Decimal `json:"usdc"`
	Native decimal.Decimal `json:"native"`
}

// DefaultBalance 是余额不可用时返回的演示余额。
func DefaultBalance() Balance {
	return Balance{USDC: decimal.NewFromInt(10), Native: decimal.New(1, -1)}
}

// TransferRequest 描述一次 USDC 转账。
type TransferRequest struct {
	To          string
	Amount      decimal.Decimal
	Description string
}

// TransferResult 是转账的结构化结果，远程异常也会转换成 Success=false。
type TransferResult struct {
	Success     bool            `json:"success"`
	PaymentRef  string          `json:"tx_hash,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	To          string          `json:"to"`
	Description string          `json:"description,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Mode        Mode            `json:"mode"`
	Error       string          `json:"error,omitempty"`
}

// Info 描述一个已创建的钱包。
type Info struct {
	ID      string  `json:"id"`
	Address string  `json:"address"`
	Network Network `json:"blockchain"`
	Mode    Mode    `json:"mode"`
}

// Wallet 是付费网关依赖的最小钱包能力。
type Wallet interface {
	Mode() Mode
	// Balance 永不失败，查询失败时返回 DefaultBalance。
	Balance(ctx context.Context) Balance
	Transfer(ctx context.Context, req TransferRequest) TransferResult
}

// Provisioner 是可选能力：创建钱包集合与钱包。
type Provisioner interface {
	CreateWalletSet(ctx context.Context, name string) (string, error)
	CreateWallet(ctx context.Context, network Network) (Info, error)
}

// DefaultWalletSetName 是创建钱包集合时使用的默认名称。
const DefaultWalletSetName = "agentic-commerce-wallets"

// Failed 构造一个失败的转账结果。
func Failed(req TransferRequest, mode Mode, at time.Time, message string) TransferResult {
	return TransferResult{
		Success:     false,
		Amount:      req.Amount,
		To:          req.To,
		Description: req.Description,
		Timestamp:   at,
		Mode:        mode,
		Error:       message,
	}
}

// Succeeded 构造一个成功的转账结果。
func Succeeded(req TransferRequest, mode Mode, at time.Time, ref string) TransferResult {
	return TransferResult{
		Success:     true,
		PaymentRef:  ref,
		Amount:      req.Amount,
		To:          req.To,
		Description: req.Description,
		Timestamp:   at,
		Mode:        mode,
	}
}

// AsProvisioner 返回钱包（或被 Guard 包装的钱包）的 Provisioner 能力。
func AsProvisioner(w Wallet) (Provisioner, bool) {
	for w != nil {
		if p, ok := w.(Provisioner); ok {
			return p, true
		}
		u, ok := w.(interface{ Unwrap() Wallet })
		if !ok {
			return nil, false
		}
		w = u.Unwrap()
	}
	return nil, false
}
