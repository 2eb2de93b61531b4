package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig 描述 Redis 事件队列的连接参数。
type RedisConfig struct {
	Address   string        `json:"address"`
	Password  string        `json:"password"`
	DB        int           `json:"db"`
	Key       string        `json:"key"`
	MaxLen    int64         `json:"max_len"`
	BlockWait time.Duration `json:"block_wait"`
}

// RedisQueue 使用 Redis list 保存事件，LPUSH 写入、BRPOP 读取，列表长度由 LTRIM 限制。
type RedisQueue struct {
	client redis.UniversalClient
	key    string
	maxLen int64
	wait   time.Duration
}

// NewRedisQueue 连接 Redis 并返回队列。
func NewRedisQueue(ctx context.Context, cfg RedisConfig) (*RedisQueue, error) {
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
	return newRedisQueue(client, cfg), nil
}

func newRedisQueue(client redis.UniversalClient, cfg RedisConfig) *RedisQueue {
	q := &RedisQueue{client: client, key: cfg.Key, maxLen: cfg.MaxLen, wait: cfg.BlockWait}
	if q.key == "" {
		q.key = "pluginhost:events"
	}
	if q.maxLen <= 0 {
		q.maxLen = 10000
	}
	if q.wait <= 0 {
		q.wait = 5 * time.Second
	}
	return q
}

// Publish 写入事件并裁剪列表。
func (q *RedisQueue) Publish(ctx context.Context, env Envelope) error {
	raw, err := env.Encode()
	if err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.LPush(ctx, q.key, raw)
	pipe.LTrim(ctx, q.key, 0, q.maxLen-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("Redis 发布事件失败: %w", err)
	}
	return nil
}

// Consume 通过 BRPOP 按写入顺序读取事件，handler 返回错误时停止消费。
func (q *RedisQueue) Consume(ctx context.Context, handler Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		values, err := q.client.BRPop(ctx, q.wait, q.key).Result()
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("Redis 读取事件失败: %w", err)
		case len(values) != 2:
			continue
		}
		env, err := decodeEnvelope([]byte(values[1]))
		if err != nil {
			continue
		}
		if err := handler(ctx, env); err != nil {
			return fmt.Errorf("处理事件 %s 失败: %w", env.Type, err)
		}
	}
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}
