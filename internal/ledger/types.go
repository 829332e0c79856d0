package ledger

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Params 是一次付费调用的参数，值只允许基础类型。
type Params map[string]any

// NewTransaction 描述一条待写入的交易记录。
type NewTransaction struct {
	Service    string
	Params     Params
	Cost       decimal.Decimal
	PaymentRef string
	Result     any
	// CreatedAt 为空时由存储使用进程时钟填充。
	CreatedAt time.Time
}

// TransactionRecord 是已经落库的交易记录，写入后不可修改。
type TransactionRecord struct {
	ID         int64           `json:"id"`
	Service    string          `json:"service"`
	Params     Params          `json:"params"`
	Cost       decimal.Decimal `json:"cost_usdc"`
	PaymentRef string          `json:"tx_hash"`
	Result     json.RawMessage `json:"result"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Store 抽象交易日志与钱包状态的持久化接口。
type Store interface {
	RecordTransaction(ctx context.Context, tx NewTransaction) (int64, error)
	RecentTransactions(ctx context.Context, limit int) ([]TransactionRecord, error)
	TotalSpent(ctx context.Context) (decimal.Decimal, error)
	TransactionCount(ctx context.Context) (int64, error)
	GetState(ctx context.Context, key, def string) (string, error)
	SetState(ctx context.Context, key, value string) error
	Close() error
}

// 钱包状态表使用的键。
const (
	StateWalletID      = "wallet_id"
	StateWalletSetID   = "wallet_set_id"
	StateWalletAddress = "wallet_address"
	StateWalletNetwork = "wallet_network"
)

// DefaultRecentLimit 是未指定数量时返回的历史条数。
const DefaultRecentLimit = 5

// MaxRecentLimit 限制单次查询返回的最大条数。
const MaxRecentLimit = 500
