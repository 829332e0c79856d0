package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// RedisCacheConfig 描述 Redis 历史缓存的连接参数。
type RedisCacheConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// RedisCache 将最近交易与总花费缓存到 Redis。
type RedisCache struct {
	client redis.Cmdable
	closer func() error
	prefix string
	ttl    time.Duration
}

// NewRedisCache 连接 Redis 并创建缓存。
func NewRedisCache(ctx context.Context, cfg RedisCacheConfig) (*RedisCache, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	cache := NewRedisCacheWithClient(client, cfg.Prefix, cfg.TTL)
	cache.closer = client.Close
	return cache, nil
}

// NewRedisCacheWithClient 复用已有的 Redis 客户端。
func NewRedisCacheWithClient(client redis.Cmdable, prefix string, ttl time.Duration) *RedisCache {
	if prefix == "" {
		prefix = "agentwallet:ledger"
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisCache) recentKey() string { return r.prefix + ":recent" }
func (r *RedisCache) totalKey() string  { return r.prefix + ":total" }

// GetRecent 实现 Cache。
func (r *RedisCache) GetRecent(ctx context.Context, limit int) ([]TransactionRecord, bool, error) {
	raw, err := r.client.HGet(ctx, r.recentKey(), strconv.Itoa(limit)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("读取 Redis 历史缓存失败: %w", err)
	}
	var records []TransactionRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, false, fmt.Errorf("解析 Redis 历史缓存失败: %w", err)
	}
	return records, true, nil
}

// SetRecent 实现 Cache。
func (r *RedisCache) SetRecent(ctx context.Context, limit int, records []TransactionRecord) error {
	encoded, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("序列化历史缓存失败: %w", err)
	}
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.recentKey(), strconv.Itoa(limit), encoded)
	pipe.Expire(ctx, r.recentKey(), r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("写入 Redis 历史缓存失败: %w", err)
	}
	return nil
}

// GetTotal 实现 Cache。
func (r *RedisCache) GetTotal(ctx context.Context) (decimal.Decimal, bool, error) {
	raw, err := r.client.Get(ctx, r.totalKey()).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("读取 Redis 总花费缓存失败: %w", err)
	}
	total, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("解析 Redis 总花费缓存失败: %w", err)
	}
	return total, true, nil
}

// SetTotal 实现 Cache。
func (r *RedisCache) SetTotal(ctx context.Context, total decimal.Decimal) error {
	if err := r.client.Set(ctx, r.totalKey(), total.String(), r.ttl).Err(); err != nil {
		return fmt.Errorf("写入 Redis 总花费缓存失败: %w", err)
	}
	return nil
}

// Invalidate 实现 Cache。
func (r *RedisCache) Invalidate(ctx context.Context) error {
	if err := r.client.Del(ctx, r.recentKey(), r.totalKey()).Err(); err != nil {
		return fmt.Errorf("失效 Redis 缓存失败: %w", err)
	}
	return nil
}

// Close 关闭由缓存自己创建的 Redis 连接。
func (r *RedisCache) Close() error {
	if r == nil || r.closer == nil {
		return nil
	}
	return r.closer()
}

var _ Cache = (*RedisCache)(nil)
