package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WebhookSender 以 JSON 形式调用机器人 webhook，同时实现钉钉与 Slack 发送接口。
type WebhookSender struct {
	URL    string
	Client *http.Client
	// Format 为 "dingtalk" 或 "slack"，决定请求体结构。
	Format Channel
}

// NewDingTalkWebhook 返回钉钉机器人发送器。
func NewDingTalkWebhook(url string) *WebhookSender {
	return &WebhookSender{URL: url, Format: ChannelDingTalk}
}

// NewSlackWebhook 返回 Slack incoming webhook 发送器。
func NewSlackWebhook(url string) *WebhookSender {
	return &WebhookSender{URL: url, Format: ChannelSlack}
}

// Send 实现 DingTalkSender。
func (s *WebhookSender) Send(ctx context.Context, content string) error {
	return s.post(ctx, s.body("", content))
}

// SendTo 供 Slack 适配使用。
func (s *WebhookSender) SendTo(ctx context.Context, channel, content string) error {
	return s.post(ctx, s.body(channel, content))
}

func (s *WebhookSender) body(channel, content string) any {
	if s.Format == ChannelSlack {
		msg := map[string]string{"text": content}
		if channel != "" {
			msg["channel"] = channel
		}
		return msg
	}
	return map[string]any{
		"msgtype": "text",
		"text":    map[string]string{"content": content},
	}
}

func (s *WebhookSender) post(ctx context.Context, body any) error {
	if s == nil || s.URL == "" {
		return fmt.Errorf("webhook 地址为空")
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("调用 webhook 失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook 返回 %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}

// SlackWebhook 将 WebhookSender 适配为 SlackSender。
type SlackWebhook struct{ *WebhookSender }

// Send 实现 SlackSender。
func (s SlackWebhook) Send(ctx context.Context, channel, content string) error {
	return s.SendTo(ctx, channel, content)
}
