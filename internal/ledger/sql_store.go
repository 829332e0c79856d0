package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	xerrors "AgentWallet/internal/errors"
	"AgentWallet/internal/money"
)

// SQLStore 基于 database/sql 实现交易存储，支持 SQLite 与 MySQL。
type SQLStore struct {
	mu      sync.Mutex
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// StoreOption 定义可选的 SQLStore 配置。
type StoreOption func(*SQLStore)

// WithClock 替换生成 created_at 的时钟。
func WithClock(now func() time.Time) StoreOption {
	return func(s *SQLStore) {
		if now != nil {
			s.now = now
		}
	}
}

// Open 打开数据库并执行迁移，重复打开同一个库不会重复建表。
func Open(ctx context.Context, cfg Config, opts ...StoreOption) (*SQLStore, error) {
	dialect, err := cfg.dialect()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "存储驱动配置无效")
	}
	db, err := openDatabase(ctx, dialect, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开交易存储失败")
	}
	store := newSQLStore(db, dialect, opts...)
	if err := store.runMigrations(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化交易存储失败")
	}
	return store, nil
}

func newSQLStore(db *sql.DB, dialect Dialect, opts ...StoreOption) *SQLStore {
	s := &SQLStore{db: db, dialect: dialect, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Dialect 返回当前使用的数据库方言。
func (s *SQLStore) Dialect() Dialect { return s.dialect }

const insertTransactionSQL = `INSERT INTO transactions
    (service, params, cost_usdc, cost_micros, tx_hash, result, created_at)
    VALUES (?, ?, ?, ?, ?, ?, ?)`

// RecordTransaction 在单个事务内追加一条交易记录，提交成功后才返回。
func (s *SQLStore) RecordTransaction(ctx context.Context, in NewTransaction) (int64, error) {
	if strings.TrimSpace(in.Service) == "" {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "service 不能为空")
	}
	if in.Cost.IsNegative() {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "cost 不能为负数")
	}
	micros, err := money.ToMicros(in.Cost)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "cost 精度超出 USDC 范围")
	}

	params := in.Params
	if params == nil {
		params = Params{}
	}
	// encoding/json 按键排序输出 map，保证参数序列化稳定。
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化参数失败")
	}
	resultJSON, err := json.Marshal(in.Result)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化调用结果失败")
	}

	createdAt := in.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启写入事务失败")
	}
	res, err := tx.ExecContext(ctx, insertTransactionSQL,
		in.Service,
		string(paramsJSON),
		in.Cost.String(),
		micros,
		in.PaymentRef,
		string(resultJSON),
		formatTimestamp(createdAt),
	)
	if err != nil {
		tx.Rollback()
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入交易记录失败",
			xerrors.WithMetadata("service", in.Service),
			xerrors.WithMetadata("tx_hash", in.PaymentRef))
	}
	id, err := res.LastInsertId()
	if err != nil {
		tx.Rollback()
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取交易记录 ID 失败")
	}
	if err := tx.Commit(); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交交易记录失败",
			xerrors.WithMetadata("service", in.Service),
			xerrors.WithMetadata("tx_hash", in.PaymentRef))
	}
	return id, nil
}

const selectRecentSQL = `SELECT id, service, params, cost_usdc, cost_micros, tx_hash, result, created_at
    FROM transactions ORDER BY id DESC LIMIT ?`

// RecentTransactions 返回最近的交易记录，最新的在前。
func (s *SQLStore) RecentTransactions(ctx context.Context, limit int) ([]TransactionRecord, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	if limit > MaxRecentLimit {
		limit = MaxRecentLimit
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, selectRecentSQL, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询交易记录失败")
	}
	defer rows.Close()

	records := make([]TransactionRecord, 0, limit)
	for rows.Next() {
		var (
			record     TransactionRecord
			paramsRaw  string
			costRaw    string
			micros     int64
			resultRaw  string
			createdRaw string
		)
		if err := rows.Scan(&record.ID, &record.Service, &paramsRaw, &costRaw, &micros, &record.PaymentRef, &resultRaw, &createdRaw); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析交易记录失败")
		}
		if paramsRaw != "" {
			if err := json.Unmarshal([]byte(paramsRaw), &record.Params); err != nil {
				return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析交易参数失败",
					xerrors.WithMetadata("id", fmt.Sprint(record.ID)))
			}
		}
		record.Cost = money.FromMicros(micros)
		if resultRaw != "" {
			record.Result = json.RawMessage(resultRaw)
		}
		record.CreatedAt = parseTimestamp(createdRaw)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历交易记录失败")
	}
	return records, nil
}

// TotalSpent 汇总全部交易的花费，空库返回 0。
func (s *SQLStore) TotalSpent(ctx context.Context) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT SUM(cost_micros) FROM transactions`).Scan(&total); err != nil {
		return decimal.Zero, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计总花费失败")
	}
	if !total.Valid {
		return decimal.Zero, nil
	}
	return money.FromMicros(total.Int64), nil
}

// TransactionCount 返回交易记录总数。
func (s *SQLStore) TransactionCount(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions`).Scan(&count); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计交易数量失败")
	}
	return count, nil
}

// GetState 读取钱包状态，不存在时返回 def。
func (s *SQLStore) GetState(ctx context.Context, key, def string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var value string
	err := s.db.QueryRowContext(ctx, `SELECT state_value FROM wallet_state WHERE state_key = ?`, key).Scan(&value)
	switch {
	case err == sql.ErrNoRows:
		return def, nil
	case err != nil:
		return def, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取钱包状态失败",
			xerrors.WithMetadata("key", key))
	}
	return value, nil
}

// SetState 以 upsert 方式写入钱包状态。
func (s *SQLStore) SetState(ctx context.Context, key, value string) error {
	if strings.TrimSpace(key) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "state key 不能为空")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启写入事务失败")
	}
	if _, err := tx.ExecContext(ctx, s.upsertStateSQL(), key, value); err != nil {
		tx.Rollback()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入钱包状态失败",
			xerrors.WithMetadata("key", key))
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交钱包状态失败")
	}
	return nil
}

func (s *SQLStore) upsertStateSQL() string {
	if s.dialect == DialectMySQL {
		return `INSERT INTO wallet_state (state_key, state_value) VALUES (?, ?)
    ON DUPLICATE KEY UPDATE state_value = VALUES(state_value)`
	}
	return `INSERT INTO wallet_state (state_key, state_value) VALUES (?, ?)
    ON CONFLICT(state_key) DO UPDATE SET state_value = excluded.state_value`
}

// Close 关闭底层数据库连接。
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

const timestampLayout = "2006-01-02T15:04:05.000000Z07:00"

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func parseTimestamp(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
