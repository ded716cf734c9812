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
	"sync"
	"time"

	"ops-platform/pkg/log"
)

// BatchResult 批处理结果；未列出的消息视为成功并由 Consumer 逐条 Ack
type BatchResult struct {
	// Failed 处理失败的消息 ID，保持不可见直至可见性超时后重新投递
	Failed []string
	// Held 由处理方接管、稍后自行 Ack 的消息 ID
	Held []string
}

// BatchHandler 处理一批消息；单条失败不应让整批失败
type BatchHandler interface {
	HandleBatch(ctx context.Context, msgs []*Message) BatchResult
}

// BatchHandlerFunc 函数适配器
type BatchHandlerFunc func(ctx context.Context, msgs []*Message) BatchResult

func (f BatchHandlerFunc) HandleBatch(ctx context.Context, msgs []*Message) BatchResult {
	return f(ctx, msgs)
}

// ConsumerConfig 消费者配置
type ConsumerConfig struct {
	BatchSize   int           // 每批最多条数，<=0 表示 1
	BatchWindow time.Duration // 凑批最长等待
	Concurrency int           // 同时处理的批数，<=0 表示 1
}

// Consumer 轮询队列、以信号量限制并发地调用 BatchHandler，并按部分失败语义 Ack
type Consumer struct {
	queue   Queue
	handler BatchHandler
	config  ConsumerConfig
	logger  *log.Logger

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	limiter chan struct{} // 信号量，限制并发
}

// NewConsumer 创建消费者
func NewConsumer(q Queue, h BatchHandler, config ConsumerConfig, logger *log.Logger) *Consumer {
	if config.BatchSize <= 0 {
		config.BatchSize = 1
	}
	if config.BatchWindow <= 0 {
		config.BatchWindow = time.Second
	}
	max := config.Concurrency
	if max <= 0 {
		max = 1
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Consumer{
		queue:   q,
		handler: h,
		config:  config,
		logger:  logger.With("queue", q.Name()),
		limiter: make(chan struct{}, max),
	}
}

// Start 启动拉取循环：占一个槽位后 DequeueBatch，拿到消息则异步处理
func (c *Consumer) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	// 处理中的批次不随 Stop 取消，Stop 等待其完成
	runCtx := context.WithoutCancel(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-loopCtx.Done():
				return
			case c.limiter <- struct{}{}:
			}
			msgs, err := c.queue.DequeueBatch(loopCtx, c.config.BatchSize, c.config.BatchWindow)
			if err != nil && loopCtx.Err() == nil {
				c.logger.Warn("dequeue failed", "error", err)
				time.Sleep(200 * time.Millisecond)
			}
			if len(msgs) == 0 {
				<-c.limiter
				continue
			}
			c.wg.Add(1)
			go func(batch []*Message) {
				defer c.wg.Done()
				defer func() { <-c.limiter }()
				c.process(runCtx, batch)
			}(msgs)
		}
	}()
}

func (c *Consumer) process(ctx context.Context, msgs []*Message) {
	res := c.handler.HandleBatch(ctx, msgs)
	skip := make(map[string]struct{}, len(res.Failed)+len(res.Held))
	for _, id := range res.Failed {
		skip[id] = struct{}{}
	}
	for _, id := range res.Held {
		skip[id] = struct{}{}
	}
	for _, m := range msgs {
		if _, ok := skip[m.ID]; ok {
			continue
		}
		if err := c.queue.Ack(ctx, m.Receipt); err != nil {
			c.logger.Warn("ack failed", "message_id", m.ID, "error", err)
		}
	}
	if len(res.Failed) > 0 {
		c.logger.Info("batch partially failed", "size", len(msgs), "failed", len(res.Failed))
	}
}

// Stop 停止拉取并等待处理中的批次完成
func (c *Consumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}
