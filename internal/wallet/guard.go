package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"AgentWallet/pkg/logger"
)

// DefaultTransferTimeout 是单次钱包调用的默认超时。
const DefaultTransferTimeout = 30 * time.Second

// GuardConfig 配置钱包边界保护。
type GuardConfig struct {
	Timeout time.Duration
	Logger  *slog.Logger
	Audit   *slog.Logger
	Now     func() time.Time
}

// Guarded 在任意钱包外层提供超时、panic 恢复与结果校验，保证远程异常
// 不会越过钱包边界。
type Guarded struct {
	inner   Wallet
	timeout time.Duration
	log     *slog.Logger
	audit   *slog.Logger
	now     func() time.Time
}

// Guard 包装钱包。已经被包装的钱包不会重复包装。
func Guard(w Wallet, cfg GuardConfig) *Guarded {
	if g, ok := w.(*Guarded); ok {
		return g
	}
	g := &Guarded{
		inner:   w,
		timeout: cfg.Timeout,
		log:     cfg.Logger,
		audit:   cfg.Audit,
		now:     cfg.Now,
	}
	if g.timeout <= 0 {
		g.timeout = DefaultTransferTimeout
	}
	if g.log == nil {
		g.log = logger.Named("wallet")
	}
	if g.audit == nil {
		g.audit = logger.Audit()
	}
	if g.now == nil {
		g.now = time.Now
	}
	return g
}

// Unwrap 返回被包装的钱包。
func (g *Guarded) Unwrap() Wallet { return g.inner }

// Mode 实现 Wallet。
func (g *Guarded) Mode() Mode { return g.inner.Mode() }

// Balance 实现 Wallet，超时或 panic 时返回 DefaultBalance。
func (g *Guarded) Balance(ctx context.Context) Balance {
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	done := make(chan Balance, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				g.log.Error("查询余额时发生 panic", slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
				done <- DefaultBalance()
			}
		}()
		done <- g.inner.Balance(callCtx)
	}()

	select {
	case b := <-done:
		return b
	case <-callCtx.Done():
		g.log.Warn("查询余额超时，返回默认余额", slog.Any("error", callCtx.Err()))
		return DefaultBalance()
	}
}

// Transfer 实现 Wallet。
func (g *Guarded) Transfer(ctx context.Context, req TransferRequest) TransferResult {
	mode := g.inner.Mode()
	started := g.now()

	if err := ValidateTransfer(req); err != nil {
		res := Failed(req, mode, started, ErrorMessage(err))
		g.record(req, res, started)
		return res
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	done := make(chan TransferResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				g.log.Error("钱包转账时发生 panic", slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
				done <- Failed(req, mode, g.now(), fmt.Sprintf("wallet panic: %v", r))
			}
		}()
		done <- g.inner.Transfer(callCtx, req)
	}()

	var res TransferResult
	select {
	case res = <-done:
	case <-callCtx.Done():
		// 超时与返回同时发生时以实际结果为准。
		select {
		case res = <-done:
		default:
			res = Failed(req, mode, g.now(), timeoutMessage(callCtx.Err()))
			go g.watchLate(done, req)
		}
	}

	res = g.normalize(req, res, mode, started)
	g.record(req, res, started)
	return res
}

func (g *Guarded) normalize(req TransferRequest, res TransferResult, mode Mode, started time.Time) TransferResult {
	if res.Mode == "" {
		res.Mode = mode
	}
	if res.Timestamp.IsZero() {
		res.Timestamp = started
	}
	if res.To == "" {
		res.To = req.To
	}
	if res.Amount.IsZero() {
		res.Amount = req.Amount
	}
	if res.Description == "" {
		res.Description = req.Description
	}
	if res.Success && strings.TrimSpace(res.PaymentRef) == "" {
		g.log.Error("钱包返回成功但缺少支付凭证", slog.String("mode", string(res.Mode)), slog.String("to", req.To))
		res.Success = false
		res.Error = "wallet reported success without a payment reference"
	}
	if !res.Success && res.Error == "" {
		res.Error = "payment failed"
	}
	return res
}

// watchLate 记录超时之后才返回的转账结果，供人工对账。
func (g *Guarded) watchLate(done <-chan TransferResult, req TransferRequest) {
	select {
	case res := <-done:
		if res.Success {
			g.audit.Warn("payment.late_success",
				slog.String("to", req.To),
				slog.String("amount", req.Amount.String()),
				slog.String("tx_hash", res.PaymentRef),
				slog.String("description", req.Description),
			)
		}
	case <-time.After(2 * g.timeout):
	}
}

func (g *Guarded) record(req TransferRequest, res TransferResult, started time.Time) {
	attrs := []any{
		slog.String("mode", string(res.Mode)),
		slog.String("to", req.To),
		slog.String("amount", req.Amount.String()),
		slog.String("description", req.Description),
		slog.Bool("success", res.Success),
		slog.String("tx_hash", res.PaymentRef),
		slog.Duration("duration", g.now().Sub(started)),
	}
	if res.Error != "" {
		attrs = append(attrs, slog.String("error", res.Error))
	}
	g.audit.Info("payment.attempt", attrs...)
}

func timeoutMessage(err error) string {
	if errors.Is(err, context.Canceled) {
		return "Payment cancelled before the wallet responded"
	}
	return "Payment timed out waiting for the wallet"
}

var _ Wallet = (*Guarded)(nil)
