package wallet

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DemoWalletID 是模拟模式下钱包的固定 ID。
const DemoWalletID = "demo-wallet-001"

// Simulated 是不访问任何网络的本地钱包，满足与真实钱包相同的约定。
type Simulated struct {
	mu      sync.Mutex
	balance Balance
	now     func() time.Time
}

// SimulatedOption 定义模拟钱包的可选配置。
type SimulatedOption func(*Simulated)

// WithStartingBalance 设置初始余额。
func WithStartingBalance(b Balance) SimulatedOption {
	return func(s *Simulated) {
		s.balance = b
	}
}

// WithSimulatedClock 替换时间来源。
func WithSimulatedClock(now func() time.Time) SimulatedOption {
	return func(s *Simulated) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSimulated 创建模拟钱包，默认余额为 10 USDC 与 0.1 原生代币。
func NewSimulated(opts ...SimulatedOption) *Simulated {
	s := &Simulated{balance: DefaultBalance(), now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Mode 实现 Wallet。
func (s *Simulated) Mode() Mode { return ModeSimulated }

// Balance 实现 Wallet。
func (s *Simulated) Balance(context.Context) Balance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance
}

// Transfer 实现 Wallet：校验、扣减余额并返回 0xDEMO 前缀的凭证。
func (s *Simulated) Transfer(ctx context.Context, req TransferRequest) TransferResult {
	now := s.now()
	if err := ValidateTransfer(req); err != nil {
		return Failed(req, ModeSimulated, now, ErrorMessage(err))
	}
	if err := ctx.Err(); err != nil {
		return Failed(req, ModeSimulated, now, err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.balance.USDC.LessThan(req.Amount) {
		return Failed(req, ModeSimulated, now, "Insufficient USDC balance")
	}
	s.balance.USDC = s.balance.USDC.Sub(req.Amount)
	return Succeeded(req, ModeSimulated, now, DemoReference())
}

// CreateWalletSet 实现 Provisioner。
func (s *Simulated) CreateWalletSet(_ context.Context, name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		name = DefaultWalletSetName
	}
	return "demo-set-" + name, nil
}

// CreateWallet 实现 Provisioner，返回固定的演示钱包。
func (s *Simulated) CreateWallet(_ context.Context, network Network) (Info, error) {
	network, err := ParseNetwork(string(network))
	if err != nil {
		return Info{}, err
	}
	return Info{
		ID:      DemoWalletID,
		Address: "0xDEMO..." + uuid.NewString()[:8],
		Network: network,
		Mode:    ModeSimulated,
	}, nil
}

// DemoReference 生成 0xDEMO 加 56 位十六进制字符的模拟交易凭证。
func DemoReference() string {
	hex := strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
	return "0xDEMO" + hex[:56]
}

var (
	_ Wallet      = (*Simulated)(nil)
	_ Provisioner = (*Simulated)(nil)
)
