package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"ops-platform/pkg/errors"
	"ops-platform/pkg/validate"
)

// Message 回复到聊天频道的消息
type Message struct {
	Channel  string `json:"channel,omitempty"`
	Text     string `json:"text" validate:"required"`
	ThreadTS string `json:"thread_ts,omitempty"`
}

// Notifier 通过 incoming webhook 回复消息
type Notifier struct {
	client     *resty.Client
	webhookURL string
}

// NewNotifier 创建 Notifier
func NewNotifier(webhookURL string, timeout time.Duration) *Notifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Notifier{client: resty.New().SetTimeout(timeout), webhookURL: webhookURL}
}

// Notify 发送一条消息；5xx 与网络错误可重试
func (n *Notifier) Notify(ctx context.Context, msg Message) error {
	if n.webhookURL == "" {
		return errors.Wrap(errors.ErrInvalidArg, "chat webhook url not configured")
	}
	if err := validate.Struct(&msg); err != nil {
		return err
	}
	resp, err := n.client.R().SetContext(ctx).SetBody(msg).Post(n.webhookURL)
	if err != nil {
		return errors.Transient(err)
	}
	if resp.IsError() {
		err := fmt.Errorf("chat webhook returned %d: %s", resp.StatusCode(), resp.String())
		if resp.StatusCode() >= 500 {
			return errors.Transient(err)
		}
		return errors.Permanent(err)
	}
	return nil
}
