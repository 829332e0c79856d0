// Package receipt publishes a notification for every persisted paid call.
// Publication happens after the ledger commit and is best effort: a failed
// publish is logged by the caller and never rolls back the record.
package receipt

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Receipt 描述一次已落库的付费调用。
type Receipt struct {
	RecordID   int64           `json:"record_id"`
	Service    string          `json:"service"`
	Cost       decimal.Decimal `json:"cost_usdc"`
	PaymentRef string          `json:"tx_hash"`
	Mode       string          `json:"mode"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Encode 将回执序列化为 JSON。
func (r Receipt) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// Decode 解析 JSON 回执。
func Decode(data []byte) (Receipt, error) {
	var r Receipt
	err := json.Unmarshal(data, &r)
	return r, err
}

// Publisher 负责投递回执。
type Publisher interface {
	Publish(ctx context.Context, r Receipt) error
	Close() error
}

// Noop 丢弃所有回执。
type Noop struct{}

// Publish 实现 Publisher。
func (Noop) Publish(context.Context, Receipt) error { return nil }

// Close 实现 Publisher。
func (Noop) Close() error { return nil }

// ErrClosed 表示发布器已经关闭。
var ErrClosed = errors.New("回执发布器已关闭")

// Memory 将回执保存在内存中，主要用于测试与单机演示。
type Memory struct {
	mu       sync.Mutex
	receipts []Receipt
	closed   bool
}

// NewMemory 创建内存发布器。
func NewMemory() *Memory {
	return &Memory{}
}

// Publish 实现 Publisher。
func (m *Memory) Publish(ctx context.Context, r Receipt) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.receipts = append(m.receipts, r)
	return nil
}

// Receipts 返回已发布回执的副本。
func (m *Memory) Receipts() []Receipt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Receipt(nil), m.receipts...)
}

// Close 实现 Publisher。
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

var (
	_ Publisher = Noop{}
	_ Publisher = (*Memory)(nil)
	_ Publisher = (*RedisPublisher)(nil)
	_ Publisher = (*RabbitMQPublisher)(nil)
)
