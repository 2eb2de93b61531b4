// Package events 将插件运行时事件总线上的事件转发到外部消息系统，
// 支持内存、Redis list 与 RabbitMQ 三种后端。
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"PluginRuntime/pkg/plugin"
)

// Envelope 是跨进程传输的事件格式。
type Envelope struct {
	Type      plugin.EventType `json:"type"`
	PluginID  string           `json:"plugin_id"`
	Timestamp time.Time        `json:"timestamp"`
	Payload   any              `json:"payload,omitempty"`
}

// NewEnvelope 将总线事件转换为可序列化的信封。实例会被替换为快照，错误替换为错误信息。
func NewEnvelope(evt plugin.Event) Envelope {
	env := Envelope{Type: evt.Type, PluginID: evt.PluginID, Timestamp: evt.Timestamp, Payload: evt.Payload}
	switch p := evt.Payload.(type) {
	case *plugin.Instance:
		if p != nil {
			env.Payload = p.Snapshot()
		}
	case plugin.RegistryEntry:
		env.Payload = p.Metadata
	case error:
		env.Payload = map[string]string{"error": p.Error()}
	}
	return env
}

// Encode 序列化信封。
func (e Envelope) Encode() ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("编码事件 %s 失败: %w", e.Type, err)
	}
	return raw, nil
}

// decodeEnvelope 反序列化信封，Payload 保持为通用 JSON 值。
func decodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("解析事件失败: %w", err)
	}
	return env, nil
}

// Handler 处理从队列取出的事件。
type Handler func(ctx context.Context, env Envelope) error

// Publisher 负责向外部系统投递事件。
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
	Close() error
}

// Consumer 负责从外部系统读取事件。
type Consumer interface {
	Consume(ctx context.Context, handler Handler) error
	Close() error
}

// Queue 同时具备发布与消费能力。
type Queue interface {
	Publisher
	Consumer
}
