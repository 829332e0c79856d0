package receipt

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisList 是回执列表的默认键名。
const DefaultRedisList = "agentwallet:receipts"

// RedisConfig 描述 Redis 回执列表的连接参数。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	List     string
	// MaxLength 大于 0 时只保留最新的 MaxLength 条回执。
	MaxLength int64
}

// RedisPublisher 使用 Redis list 保存回执，最新的回执位于表头。
type RedisPublisher struct {
	client redis.Cmdable
	closer func() error
	list   string
	maxLen int64
}

// NewRedisPublisher 创建 Redis 回执发布器。
func NewRedisPublisher(ctx context.Context, cfg RedisConfig) (*RedisPublisher, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	p := NewRedisPublisherWithClient(client, cfg.List, cfg.MaxLength)
	p.closer = client.Close
	return p, nil
}

// NewRedisPublisherWithClient 复用已有的 Redis 客户端。
func NewRedisPublisherWithClient(client redis.Cmdable, list string, maxLen int64) *RedisPublisher {
	if list == "" {
		list = DefaultRedisList
	}
	return &RedisPublisher{client: client, list: list, maxLen: maxLen}
}

// Publish 将回执写入 Redis 列表。
func (p *RedisPublisher) Publish(ctx context.Context, r Receipt) error {
	if p == nil || p.client == nil {
		return ErrClosed
	}
	payload, err := r.Encode()
	if err != nil {
		return fmt.Errorf("序列化回执失败: %w", err)
	}
	pipe := p.client.TxPipeline()
	pipe.LPush(ctx, p.list, payload)
	if p.maxLen > 0 {
		pipe.LTrim(ctx, p.list, 0, p.maxLen-1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("Redis 发布回执失败: %w", err)
	}
	return nil
}

// Recent 读取最新的 limit 条回执。
func (p *RedisPublisher) Recent(ctx context.Context, limit int64) ([]Receipt, error) {
	if limit <= 0 {
		limit = 10
	}
	values, err := p.client.LRange(ctx, p.list, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("Redis 读取回执失败: %w", err)
	}
	out := make([]Receipt, 0, len(values))
	for _, v := range values {
		r, err := Decode([]byte(v))
		if err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// Close 关闭 Redis 连接。
func (p *RedisPublisher) Close() error {
	if p == nil || p.closer == nil {
		return nil
	}
	return p.closer()
}
