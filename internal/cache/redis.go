// Package cache Redis 支撑的会话吊销与去重，未启用 Redis 时使用进程内实现
package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"flowstream/internal/config"

	"github.com/redis/go-redis/v9"
)

const (
	revokedPrefix = "flowstream:revoked:"
	seenPrefix    = "flowstream:seen:"
)

// Connect 支持 redis:// URL 或 host:port
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	var opt *redis.Options
	if strings.HasPrefix(cfg.Addr, "redis://") || strings.HasPrefix(cfg.Addr, "rediss://") {
		parsed, err := redis.ParseURL(cfg.Addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opt = parsed
	} else {
		opt = &redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB}
	}
	if cfg.PoolSize > 0 {
		opt.PoolSize = cfg.PoolSize
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// RevocationStore 已注销的会话 jti
type RevocationStore interface {
	MarkRevoked(ctx context.Context, jti string, expiresAt time.Time) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// SeenFilter 判断某个键是否首次出现，首次出现时原子地标记。
// 处理失败时调用 Forget 撤销标记，下次同步会重试
type SeenFilter interface {
	IsNew(ctx context.Context, key string) (bool, error)
	Forget(ctx context.Context, key string) error
}

// RedisRevocationStore 以 TTL 保存吊销标记，TTL 为 token 剩余有效期
type RedisRevocationStore struct {
	client *redis.Client
}

func NewRedisRevocationStore(client *redis.Client) *RedisRevocationStore {
	return &RedisRevocationStore{client: client}
}

func (s *RedisRevocationStore) MarkRevoked(ctx context.Context, jti string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil
	}
	return s.client.Set(ctx, revokedPrefix+jti, "1", ttl).Err()
}

func (s *RedisRevocationStore) IsRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := s.client.Exists(ctx, revokedPrefix+jti).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RedisSeenFilter 基于 SETNX 的去重
type RedisSeenFilter struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisSeenFilter(client *redis.Client, ttl time.Duration) *RedisSeenFilter {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisSeenFilter{client: client, ttl: ttl}
}

func (f *RedisSeenFilter) IsNew(ctx context.Context, key string) (bool, error) {
	set, err := f.client.SetNX(ctx, seenPrefix+key, 1, f.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup SETNX: %w", err)
	}
	return set, nil
}

func (f *RedisSeenFilter) Forget(ctx context.Context, key string) error {
	if err := f.client.Del(ctx, seenPrefix+key).Err(); err != nil {
		return fmt.Errorf("dedup DEL: %w", err)
	}
	return nil
}
