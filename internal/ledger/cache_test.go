package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingStore struct {
	Store
	recentReads atomic.Int32
	totalReads  atomic.Int32
}

func (c *countingStore) RecentTransactions(ctx context.Context, limit int) ([]TransactionRecord, error) {
	c.recentReads.Add(1)
	return c.Store.RecentTransactions(ctx, limit)
}

func (c *countingStore) TotalSpent(ctx context.Context) (decimal.Decimal, error) {
	c.totalReads.Add(1)
	return c.Store.TotalSpent(ctx)
}

type failingCache struct {
	*MemoryCache
	invalidateErr error
}

func (f *failingCache) Invalidate(ctx context.Context) error {
	if f.invalidateErr != nil {
		return f.invalidateErr
	}
	return f.MemoryCache.Invalidate(ctx)
}

func newCountingStore(t *testing.T) *countingStore {
	t.Helper()
	store := openTestStore(t, filepath.Join(t.TempDir(), "ledger.db"))
	t.Cleanup(func() { store.Close() })
	return &countingStore{Store: store}
}

func TestCachedStoreServesRepeatedReadsFromCache(t *testing.T) {
	ctx := context.Background()
	backing := newCountingStore(t)
	cached := NewCachedStore(backing, NewMemoryCache())

	_, err := cached.RecordTransaction(ctx, NewTransaction{Service: "weather", Cost: usdc("0.001")})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		records, err := cached.RecentTransactions(ctx, 5)
		require.NoError(t, err)
		require.Len(t, records, 1)

		total, err := cached.TotalSpent(ctx)
		require.NoError(t, err)
		assert.Equal(t, "0.001", total.String())
	}
	assert.Equal(t, int32(1), backing.recentReads.Load())
	assert.Equal(t, int32(1), backing.totalReads.Load())
}

func TestCachedStoreInvalidatesAfterWrite(t *testing.T) {
	ctx := context.Background()
	backing := newCountingStore(t)
	cached := NewCachedStore(backing, NewMemoryCache())

	total, err := cached.TotalSpent(ctx)
	require.NoError(t, err)
	assert.True(t, total.IsZero())

	_, err = cached.RecordTransaction(ctx, NewTransaction{Service: "stock", Cost: usdc("0.002")})
	require.NoError(t, err)

	total, err = cached.TotalSpent(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0.002", total.String())

	records, err := cached.RecentTransactions(ctx, 5)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "stock", records[0].Service)
}

func TestCachedStoreBypassesCacheWhenInvalidationFails(t *testing.T) {
	ctx := context.Background()
	backing := newCountingStore(t)
	cache := &failingCache{MemoryCache: NewMemoryCache()}
	cached := NewCachedStore(backing, cache)

	_, err := cached.TotalSpent(ctx)
	require.NoError(t, err)

	cache.invalidateErr = errors.New("redis down")
	_, err = cached.RecordTransaction(ctx, NewTransaction{Service: "news", Cost: usdc("0.003")})
	require.NoError(t, err, "cache failures never fail a committed write")

	total, err := cached.TotalSpent(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0.003", total.String(), "stale cache entry must not be served")

	cache.invalidateErr = nil
	total, err = cached.TotalSpent(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0.003", total.String())
}

// racingCache runs a write through the cached store while a reader is
// filling the total, the window between the generation check and the fill.
type racingCache struct {
	*MemoryCache
	onFill func()
	once   sync.Once
}

func (r *racingCache) SetTotal(ctx context.Context, total decimal.Decimal) error {
	r.once.Do(r.onFill)
	return r.MemoryCache.SetTotal(ctx, total)
}

func TestCachedStoreFillDoesNotOutliveConcurrentWrite(t *testing.T) {
	ctx := context.Background()
	backing := newCountingStore(t)
	cache := &racingCache{MemoryCache: NewMemoryCache()}
	cached := NewCachedStore(backing, cache)

	_, err := cached.RecordTransaction(ctx, NewTransaction{Service: "weather", Cost: usdc("0.001")})
	require.NoError(t, err)

	done := make(chan error, 1)
	cache.onFill = func() {
		go func() {
			_, err := cached.RecordTransaction(ctx, NewTransaction{Service: "stock", Cost: usdc("0.002")})
			done <- err
		}()
		time.Sleep(50 * time.Millisecond)
	}

	total, err := cached.TotalSpent(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0.001", total.String())
	require.NoError(t, <-done)

	stored, err := backing.Store.TotalSpent(ctx)
	require.NoError(t, err)
	total, err = cached.TotalSpent(ctx)
	require.NoError(t, err)
	assert.Equal(t, stored.String(), total.String())
	assert.Equal(t, "0.003", total.String())
}

func TestNewCachedStoreWithoutCacheReturnsStore(t *testing.T) {
	backing := newCountingStore(t)
	assert.Same(t, backing, NewCachedStore(backing, nil))
}

func TestMemoryCacheExpires(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	cache := NewMemoryCache(WithTTL(time.Minute), WithCacheClock(func() time.Time { return now }))

	require.NoError(t, cache.SetTotal(ctx, usdc("0.5")))
	total, ok, err := cache.GetTotal(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "0.5", total.String())

	now = now.Add(2 * time.Minute)
	_, ok, err = cache.GetTotal(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryCacheReturnsCopies(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache()
	records := []TransactionRecord{{ID: 1, Service: "weather"}}
	require.NoError(t, cache.SetRecent(ctx, 5, records))

	records[0].Service = "mutated"
	got, ok, err := cache.GetRecent(ctx, 5)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "weather", got[0].Service)

	_, ok, err = cache.GetRecent(ctx, 10)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNewRedisCacheRequiresAddress(t *testing.T) {
	_, err := NewRedisCache(context.Background(), RedisCacheConfig{})
	assert.Error(t, err)
}
