package ledger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"AgentWallet/pkg/logger"
)

// Cache 是交易历史的读缓存。缓存只在存储提交之后被失效，从不先于存储写入。
type Cache interface {
	GetRecent(ctx context.Context, limit int) ([]TransactionRecord, bool, error)
	SetRecent(ctx context.Context, limit int, records []TransactionRecord) error
	GetTotal(ctx context.Context) (decimal.Decimal, bool, error)
	SetTotal(ctx context.Context, total decimal.Decimal) error
	Invalidate(ctx context.Context) error
}

// CachedStore 在 Store 之上提供读穿缓存，缓存故障时回落到底层存储。
type CachedStore struct {
	Store
	cache Cache
	log   *slog.Logger

	mu         sync.Mutex
	generation uint64
	// stale 为 true 表示最近一次失效失败，读请求需要绕过缓存。
	stale bool
}

// NewCachedStore 包装 store。cache 为 nil 时直接返回 store。
func NewCachedStore(store Store, cache Cache) Store {
	if cache == nil {
		return store
	}
	return &CachedStore{Store: store, cache: cache, log: logger.Named("ledger.cache")}
}

// RecordTransaction 写入底层存储，成功后再失效缓存。
func (c *CachedStore) RecordTransaction(ctx context.Context, tx NewTransaction) (int64, error) {
	id, err := c.Store.RecordTransaction(ctx, tx)
	if err != nil {
		return id, err
	}
	c.invalidate(ctx)
	return id, nil
}

// RecentTransactions 优先读缓存，未命中时读取存储并回填。
func (c *CachedStore) RecentTransactions(ctx context.Context, limit int) ([]TransactionRecord, error) {
	gen, usable := c.snapshot()
	if usable {
		records, ok, err := c.cache.GetRecent(ctx, limit)
		if err != nil {
			c.log.Warn("读取历史缓存失败", slog.Any("error", err))
		} else if ok {
			return records, nil
		}
	}

	records, err := c.Store.RecentTransactions(ctx, limit)
	if err != nil {
		return nil, err
	}
	c.fill(gen, func() {
		if err := c.cache.SetRecent(ctx, limit, records); err != nil {
			c.log.Warn("回填历史缓存失败", slog.Any("error", err))
		}
	})
	return records, nil
}

// TotalSpent 优先读缓存，未命中时读取存储并回填。
func (c *CachedStore) TotalSpent(ctx context.Context) (decimal.Decimal, error) {
	gen, usable := c.snapshot()
	if usable {
		total, ok, err := c.cache.GetTotal(ctx)
		if err != nil {
			c.log.Warn("读取总花费缓存失败", slog.Any("error", err))
		} else if ok {
			return total, nil
		}
	}

	total, err := c.Store.TotalSpent(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	c.fill(gen, func() {
		if err := c.cache.SetTotal(ctx, total); err != nil {
			c.log.Warn("回填总花费缓存失败", slog.Any("error", err))
		}
	})
	return total, nil
}

func (c *CachedStore) invalidate(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	if err := c.cache.Invalidate(ctx); err != nil {
		c.stale = true
		c.log.Warn("失效历史缓存失败，后续读取将绕过缓存", slog.Any("error", err))
		return
	}
	c.stale = false
}

func (c *CachedStore) snapshot() (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stale {
		// 再次尝试失效，成功后恢复使用缓存。
		if err := c.cache.Invalidate(context.Background()); err == nil {
			c.stale = false
		}
	}
	return c.generation, !c.stale
}

// fill 仅在读取期间没有写入时回填缓存。检查与回填在同一把锁内完成，
// 写入方的失效要么先于检查，要么晚于回填，旧数据不会留在缓存里。
func (c *CachedStore) fill(gen uint64, set func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stale || c.generation != gen {
		return
	}
	set()
}

// MemoryCache 是进程内缓存实现。
type MemoryCache struct {
	mu     sync.RWMutex
	ttl    time.Duration
	now    func() time.Time
	recent map[int]memoryEntry[[]TransactionRecord]
	total  *memoryEntry[decimal.Decimal]
}

type memoryEntry[T any] struct {
	value   T
	expires time.Time
}

// MemoryCacheOption 定义 MemoryCache 的可选配置。
type MemoryCacheOption func(*MemoryCache)

// WithTTL 设置缓存条目的过期时间，0 表示不过期。
func WithTTL(ttl time.Duration) MemoryCacheOption {
	return func(m *MemoryCache) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithCacheClock 替换缓存使用的时钟。
func WithCacheClock(now func() time.Time) MemoryCacheOption {
	return func(m *MemoryCache) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMemoryCache 创建进程内缓存。
func NewMemoryCache(opts ...MemoryCacheOption) *MemoryCache {
	m := &MemoryCache{now: time.Now, recent: make(map[int]memoryEntry[[]TransactionRecord])}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

func (m *MemoryCache) expired(expires time.Time) bool {
	return !expires.IsZero() && !m.now().Before(expires)
}

func (m *MemoryCache) expiry() time.Time {
	if m.ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(m.ttl)
}

// GetRecent 实现 Cache。
func (m *MemoryCache) GetRecent(_ context.Context, limit int) ([]TransactionRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.recent[limit]
	if !ok || m.expired(entry.expires) {
		return nil, false, nil
	}
	out := make([]TransactionRecord, len(entry.value))
	copy(out, entry.value)
	return out, true, nil
}

// SetRecent 实现 Cache。
func (m *MemoryCache) SetRecent(_ context.Context, limit int, records []TransactionRecord) error {
	stored := make([]TransactionRecord, len(records))
	copy(stored, records)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recent[limit] = memoryEntry[[]TransactionRecord]{value: stored, expires: m.expiry()}
	return nil
}

// GetTotal 实现 Cache。
func (m *MemoryCache) GetTotal(context.Context) (decimal.Decimal, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.total == nil || m.expired(m.total.expires) {
		return decimal.Zero, false, nil
	}
	return m.total.value, true, nil
}

// SetTotal 实现 Cache。
func (m *MemoryCache) SetTotal(_ context.Context, total decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total = &memoryEntry[decimal.Decimal]{value: total, expires: m.expiry()}
	return nil
}

// Invalidate 实现 Cache。
func (m *MemoryCache) Invalidate(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recent = make(map[int]memoryEntry[[]TransactionRecord])
	m.total = nil
	return nil
}

var (
	_ Store = (*SQLStore)(nil)
	_ Store = (*CachedStore)(nil)
	_ Cache = (*MemoryCache)(nil)
)
