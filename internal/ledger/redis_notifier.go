package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisNotifierConfig 描述 Redis 事件发布的连接参数。
type RedisNotifierConfig struct {
	Address  string
	Password string
	DB       int
	Channel  string
}

// RedisNotifier 通过 Redis PUBLISH 广播记录事件。
type RedisNotifier struct {
	client  *redis.Client
	channel string
}

var _ Notifier = (*RedisNotifier)(nil)

// NewRedisNotifier 创建 Redis 事件发布器。
func NewRedisNotifier(ctx context.Context, cfg RedisNotifierConfig) (*RedisNotifier, error) {
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
	return NewRedisNotifierWithClient(client, cfg.Channel), nil
}

// NewRedisNotifierWithClient 复用已有的 Redis 客户端。
func NewRedisNotifierWithClient(client *redis.Client, channel string) *RedisNotifier {
	if channel == "" {
		channel = "bbdfi:ledger"
	}
	return &RedisNotifier{client: client, channel: channel}
}

// Publish 实现 Notifier 接口。
func (n *RedisNotifier) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化记录事件失败: %w", err)
	}
	if err := n.client.Publish(ctx, n.channel, payload).Err(); err != nil {
		return fmt.Errorf("Redis 发布记录事件失败: %w", err)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (n *RedisNotifier) Close() error {
	if n == nil || n.client == nil {
		return nil
	}
	return n.client.Close()
}
