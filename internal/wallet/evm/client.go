// Package evm pays service fees by signing and broadcasting transfers on an
// EVM chain. The payment reference is the transaction hash.
package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"AgentWallet/internal/money"
	"AgentWallet/internal/wallet"
	"AgentWallet/pkg/logger"
)

// NativeDecimals is the precision of the chain's native value.
const NativeDecimals int32 = 18

const nativeTransferGas = 21_000

const erc20ABI = `[
  {"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
  {"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

var parsedERC20 = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		panic(fmt.Sprintf("parse erc20 abi: %v", err))
	}
	return parsed
}()

// Backend is the subset of chain access the wallet needs. Both
// *ethclient.Client and the simulated backend client satisfy it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg gethcore.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	CallContract(ctx context.Context, msg gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
}

// Config describes how to construct an EVM wallet.
type Config struct {
	RPCURL     string
	PrivateKey string
	ChainID    int64
	// TokenAddress switches transfers to an ERC-20 token; empty pays in native value.
	TokenAddress   string
	TokenDecimals  int32
	WaitForReceipt bool
	ReceiptPoll    time.Duration
}

// Client implements wallet.Wallet on an EVM compatible chain.
type Client struct {
	backend       Backend
	closer        func()
	key           *ecdsa.PrivateKey
	from          common.Address
	chainID       *big.Int
	token         *common.Address
	tokenDecimals int32
	waitReceipt   bool
	poll          time.Duration
	now           func() time.Time
	log           *slog.Logger

	// mu serialises nonce allocation and broadcast.
	mu sync.Mutex
}

// Dial connects to the configured RPC endpoint and returns a ready-to-use wallet.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置 EVM RPC 地址")
	}
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接 EVM 节点失败: %w", err)
	}
	client, err := New(ctx, eth, cfg)
	if err != nil {
		eth.Close()
		return nil, err
	}
	client.closer = eth.Close
	return client, nil
}

// New wraps an existing backend, such as a simulated chain in tests.
func New(ctx context.Context, backend Backend, cfg Config) (*Client, error) {
	if backend == nil {
		return nil, errors.New("缺少链访问后端")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("解析 EVM 私钥失败: %w", err)
	}

	chainID := big.NewInt(cfg.ChainID)
	if cfg.ChainID <= 0 {
		chainID, err = backend.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("获取链 ID 失败: %w", err)
		}
	}

	c := &Client{
		backend:     backend,
		key:         key,
		from:        crypto.PubkeyToAddress(key.PublicKey),
		chainID:     chainID,
		waitReceipt: cfg.WaitForReceipt,
		poll:        cfg.ReceiptPoll,
		now:         time.Now,
		log:         logger.Named("evm"),
	}
	if c.poll <= 0 {
		c.poll = time.Second
	}
	if token := strings.TrimSpace(cfg.TokenAddress); token != "" {
		if err := wallet.ValidateAddress(token); err != nil {
			return nil, fmt.Errorf("代币地址无效: %w", err)
		}
		addr := common.HexToAddress(token)
		c.token = &addr
		c.tokenDecimals = cfg.TokenDecimals
		if c.tokenDecimals <= 0 {
			c.tokenDecimals = money.USDCDecimals
		}
	}
	return c, nil
}

// Close releases the RPC connection when the client dialled it.
func (c *Client) Close() {
	if c != nil && c.closer != nil {
		c.closer()
	}
}

// Address returns the paying account.
func (c *Client) Address() common.Address { return c.from }

// Mode implements wallet.Wallet.
func (c *Client) Mode() wallet.Mode { return wallet.ModeEVM }

// Balance implements wallet.Wallet. Without a token the native balance is
// reported as USDC, which matches chains that use USDC for gas.
func (c *Client) Balance(ctx context.Context) wallet.Balance {
	native, err := c.backend.BalanceAt(ctx, c.from, nil)
	if err != nil {
		c.log.Warn("查询原生余额失败", slog.Any("error", err))
		return wallet.DefaultBalance()
	}
	nativeAmount := money.FromBaseUnits(native, NativeDecimals)
	if c.token == nil {
		return wallet.Balance{USDC: nativeAmount, Native: nativeAmount}
	}

	tokenBalance, err := c.tokenBalance(ctx)
	if err != nil {
		c.log.Warn("查询代币余额失败", slog.Any("error", err))
		return wallet.DefaultBalance()
	}
	return wallet.Balance{USDC: money.FromBaseUnits(tokenBalance, c.tokenDecimals), Native: nativeAmount}
}

func (c *Client) tokenBalance(ctx context.Context) (*big.Int, error) {
	data, err := parsedERC20.Pack("balanceOf", c.from)
	if err != nil {
		return nil, fmt.Errorf("编码 balanceOf 失败: %w", err)
	}
	out, err := c.backend.CallContract(ctx, gethcore.CallMsg{From: c.from, To: c.token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("调用 balanceOf 失败: %w", err)
	}
	values, err := parsedERC20.Unpack("balanceOf", out)
	if err != nil || len(values) == 0 {
		return nil, fmt.Errorf("解析 balanceOf 返回值失败: %v", err)
	}
	balance, ok := values[0].(*big.Int)
	if !ok {
		return nil, errors.New("balanceOf 返回值类型错误")
	}
	return balance, nil
}

// Transfer implements wallet.Wallet.
func (c *Client) Transfer(ctx context.Context, req wallet.TransferRequest) wallet.TransferResult {
	now := c.now()
	if err := wallet.ValidateTransfer(req); err != nil {
		return wallet.Failed(req, wallet.ModeEVM, now, wallet.ErrorMessage(err))
	}

	tx, err := c.buildAndSend(ctx, req)
	if err != nil {
		c.log.Error("EVM 转账失败", slog.String("to", req.To), slog.String("amount", req.Amount.String()), slog.Any("error", err))
		return wallet.Failed(req, wallet.ModeEVM, now, err.Error())
	}

	if c.waitReceipt {
		receipt, err := c.waitForReceipt(ctx, tx.Hash())
		if err != nil {
			return wallet.Failed(req, wallet.ModeEVM, now, fmt.Sprintf("等待交易 %s 上链失败: %v", tx.Hash().Hex(), err))
		}
		if receipt.Status != coretypes.ReceiptStatusSuccessful {
			return wallet.Failed(req, wallet.ModeEVM, now, fmt.Sprintf("交易 %s 执行失败", tx.Hash().Hex()))
		}
	}
	return wallet.Succeeded(req, wallet.ModeEVM, now, tx.Hash().Hex())
}

func (c *Client) buildAndSend(ctx context.Context, req wallet.TransferRequest) (*coretypes.Transaction, error) {
	to := common.HexToAddress(req.To)

	var (
		target = to
		value  = new(big.Int)
		data   []byte
		gas    uint64
	)
	if c.token == nil {
		amount, err := money.ToBaseUnits(req.Amount, NativeDecimals)
		if err != nil {
			return nil, err
		}
		value = amount
		gas = nativeTransferGas
	} else {
		amount, err := money.ToBaseUnits(req.Amount, c.tokenDecimals)
		if err != nil {
			return nil, err
		}
		data, err = parsedERC20.Pack("transfer", to, amount)
		if err != nil {
			return nil, fmt.Errorf("编码 transfer 失败: %w", err)
		}
		target = *c.token
		gas, err = c.backend.EstimateGas(ctx, gethcore.CallMsg{From: c.from, To: &target, Data: data})
		if err != nil {
			return nil, fmt.Errorf("估算 gas 失败: %w", err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	nonce, err := c.backend.PendingNonceAt(ctx, c.from)
	if err != nil {
		return nil, fmt.Errorf("查询 nonce 失败: %w", err)
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("查询 gas 价格失败: %w", err)
	}

	tx := coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &target,
		Value:    value,
		Data:     data,
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return nil, fmt.Errorf("签名交易失败: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("发送交易失败: %w", err)
	}
	return signed, nil
}

// waitForReceipt polls until the receipt is available or ctx ends. The
// transaction is already broadcast, so lookup errors such as a node still
// indexing are retried rather than reported as a failed payment.
func (c *Client) waitForReceipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, gethcore.NotFound) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.log.Debug("查询交易回执失败，稍后重试", slog.String("tx", hash.Hex()), slog.Any("error", err))
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

var _ wallet.Wallet = (*Client)(nil)
