// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package queue

import (
	"context"
	"time"

	"ops-platform/pkg/errors"
)

// ErrReceiptInvalid 回执已过期（消息已被重新投递）或消息已删除
var ErrReceiptInvalid = errors.Wrap(errors.ErrNotFound, "receipt invalid")

// Message 一次接收得到的消息；Receipt 仅在本次可见性窗口内有效
type Message struct {
	ID              string    `json:"id"`
	Body            []byte    `json:"body"`
	ReceiveCount    int       `json:"receive_count"`
	FirstReceivedAt time.Time `json:"first_received_at"`
	SentAt          time.Time `json:"sent_at"`
	Receipt         string    `json:"receipt,omitempty"`
}

// Queue 至少一次投递的消息队列：API/Bus 入队，Consumer 批量接收、处理后 Ack
type Queue interface {
	Name() string
	// Enqueue 入队，返回消息 ID
	Enqueue(ctx context.Context, body []byte) (string, error)
	// DequeueBatch 阻塞直到凑满 maxSize 条或 maxWait 到期；不足一批也返回，可能为空
	DequeueBatch(ctx context.Context, maxSize int, maxWait time.Duration) ([]*Message, error)
	// Ack 删除消息；回执失效时返回 ErrReceiptInvalid
	Ack(ctx context.Context, receipt string) error
	// ChangeVisibility 调整处理中消息的可见时间，0 表示立即可见
	ChangeVisibility(ctx context.Context, receipt string, timeout time.Duration) error
	// Len 主队列中的消息数（含处理中）；已到期且达到接收上限的消息先转入死信，不计入
	Len(ctx context.Context) (int, error)
	// DeadLetters 死信队列内容，按进入顺序；读之前同样执行死信转移
	DeadLetters(ctx context.Context) ([]*Message, error)
}

// Options 队列参数
type Options struct {
	Name              string
	VisibilityTimeout time.Duration
	// MaxReceiveCount 接收次数达到该值后，下一次可见时移入死信队列；<=0 不做死信
	MaxReceiveCount int
	// PollInterval 后端轮询间隔（postgres）
	PollInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 200 * time.Millisecond
	}
	return o
}
