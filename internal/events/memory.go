package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrQueueClosed 表示队列已关闭。
var ErrQueueClosed = errors.New("队列已关闭")

// MemoryQueue 使用 channel 模拟消息队列，用于单进程部署与测试。
type MemoryQueue struct {
	ch     chan Envelope
	mu     sync.RWMutex
	closed bool
}

// NewMemoryQueue 创建容量为 size 的内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 256
	}
	return &MemoryQueue{ch: make(chan Envelope, size)}
}

// Publish 投递事件，队列满时阻塞直到 ctx 结束。
func (q *MemoryQueue) Publish(ctx context.Context, env Envelope) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- env:
		return nil
	}
}

// Consume 逐条处理事件，直到 ctx 结束、队列关闭或 handler 返回错误。
// handler 内取消 ctx 后不会再取出新的事件。
func (q *MemoryQueue) Consume(ctx context.Context, handler Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-q.ch:
			if !ok {
				return ErrQueueClosed
			}
			if err := handler(ctx, env); err != nil {
				return fmt.Errorf("处理事件 %s 失败: %w", env.Type, err)
			}
		}
	}
}

// Len 返回排队中的事件数。
func (q *MemoryQueue) Len() int { return len(q.ch) }

// Close 关闭队列。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		close(q.ch)
		q.closed = true
	}
	return nil
}
