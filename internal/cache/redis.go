package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisBackendConfig 描述 Redis 持久化后端的连接参数。
type RedisBackendConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisBackend 使用 Redis 作为缓存的持久化镜像，适合多实例共享恢复。
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// NewRedisBackend 创建 Redis 后端实例。
func NewRedisBackend(cfg RedisBackendConfig) (*RedisBackend, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "agent:cache:"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisBackend{client: client, prefix: prefix}, nil
}

// Load 读取键对应的条目，键不存在返回 (nil, nil)。
func (b *RedisBackend) Load(ctx context.Context, key string) (*Entry, error) {
	value, err := b.client.Get(ctx, b.prefix+key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("读取 Redis 缓存失败: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal([]byte(value), &entry); err != nil {
		return nil, fmt.Errorf("解析 Redis 缓存失败: %w", err)
	}
	return &entry, nil
}

// Store 写入条目，同时让 Redis 按 TTL 兜底过期。
func (b *RedisBackend) Store(ctx context.Context, key string, entry Entry) error {
	encoded, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("序列化缓存条目失败: %w", err)
	}
	if err := b.client.Set(ctx, b.prefix+key, encoded, entry.TTL).Err(); err != nil {
		return fmt.Errorf("写入 Redis 缓存失败: %w", err)
	}
	return nil
}

// Delete 删除键对应的条目。
func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	if err := b.client.Del(ctx, b.prefix+key).Err(); err != nil {
		return fmt.Errorf("删除 Redis 缓存失败: %w", err)
	}
	return nil
}

// Clear 按前缀扫描并删除全部条目。
func (b *RedisBackend) Clear(ctx context.Context) error {
	iter := b.client.Scan(ctx, 0, b.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := b.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("清空 Redis 缓存失败: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("扫描 Redis 缓存失败: %w", err)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (b *RedisBackend) Close() error {
	return b.client.Close()
}
