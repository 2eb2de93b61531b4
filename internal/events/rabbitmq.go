package events

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQConfig 描述 RabbitMQ 事件队列的连接参数。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// RabbitMQQueue 使用 RabbitMQ 队列传输事件。
type RabbitMQQueue struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

// NewRabbitMQQueue 连接 RabbitMQ 并声明队列。
func NewRabbitMQQueue(cfg RabbitMQConfig) (*RabbitMQQueue, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "pluginhost.events"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("设置 RabbitMQ QOS 失败: %w", err)
		}
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ 队列失败: %w", err)
	}
	return &RabbitMQQueue{conn: conn, ch: ch, queue: queue}, nil
}

// Publish 以 JSON 消息投递事件，消息类型写入 AMQP type 属性。
func (q *RabbitMQQueue) Publish(ctx context.Context, env Envelope) error {
	if q == nil || q.ch == nil {
		return errors.New("RabbitMQ 队列未初始化")
	}
	raw, err := env.Encode()
	if err != nil {
		return err
	}
	return q.ch.PublishWithContext(ctx, "", q.queue, false, false, publishing(env, raw))
}

func publishing(env Envelope, body []byte) amqp.Publishing {
	return amqp.Publishing{
		ContentType: "application/json",
		Type:        string(env.Type),
		Timestamp:   env.Timestamp,
		Headers:     amqp.Table{"plugin_id": env.PluginID},
		Body:        body,
	}
}

// Consume 使用手动确认模式消费队列，无法解析的消息直接确认丢弃；
// handler 返回错误时消息重新入队并停止消费。
func (q *RabbitMQQueue) Consume(ctx context.Context, handler Handler) error {
	if q == nil || q.ch == nil {
		return errors.New("RabbitMQ 队列未初始化")
	}
	msgs, err := q.ch.ConsumeWithContext(ctx, q.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("订阅 RabbitMQ 队列失败: %w", err)
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return ErrQueueClosed
			}
			env, err := decodeEnvelope(msg.Body)
			if err != nil {
				_ = msg.Ack(false)
				continue
			}
			if err := handler(ctx, env); err != nil {
				_ = msg.Nack(false, true)
				return fmt.Errorf("处理事件 %s 失败: %w", env.Type, err)
			}
			_ = msg.Ack(false)
		}
	}
}

// Close 关闭 channel 与连接。
func (q *RabbitMQQueue) Close() error {
	if q == nil {
		return nil
	}
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
