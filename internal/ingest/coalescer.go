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

package ingest

import (
	"context"
	"sync"
	"time"

	"ops-platform/internal/queue"
	"ops-platform/pkg/log"
	"ops-platform/pkg/metrics"
)

// CoalescerConfig 合并参数：累计 BatchSize 条或最早一条等待满 Window 即触发一次 job
type CoalescerConfig struct {
	BatchSize int
	Window    time.Duration
	// Queue 非空时，flush 成功后 Ack 暂扣的消息
	Queue  queue.Queue
	Logger *log.Logger
}

// Coalescer 把大量小写入合并为少量 ingestion job
type Coalescer struct {
	trigger   Trigger
	queue     queue.Queue
	batchSize int
	window    time.Duration
	logger    *log.Logger

	mu       sync.Mutex
	items    []SyncItem
	receipts []string
	first    time.Time

	flushMu sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// NewCoalescer 创建并启动窗口检查
func NewCoalescer(trigger Trigger, cfg CoalescerConfig) *Coalescer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Window <= 0 {
		cfg.Window = 3 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNop()
	}
	c := &Coalescer{
		trigger:   trigger,
		queue:     cfg.Queue,
		batchSize: cfg.BatchSize,
		window:    cfg.Window,
		logger:    logger.With("component", "ingest.coalescer"),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go c.loop()
	return c
}

func (c *Coalescer) loop() {
	defer close(c.done)
	tick := c.window / 10
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			due := len(c.items) > 0 && time.Since(c.first) >= c.window
			c.mu.Unlock()
			if due {
				c.Flush(context.Background())
			}
		}
	}
}

// Add 加入一个待同步对象；receipt 为空表示无需 Ack
func (c *Coalescer) Add(ctx context.Context, item SyncItem, receipt string) {
	c.mu.Lock()
	if len(c.items) == 0 {
		c.first = time.Now()
	}
	c.items = append(c.items, item)
	if receipt != "" {
		c.receipts = append(c.receipts, receipt)
	}
	full := len(c.items) >= c.batchSize
	c.mu.Unlock()
	if full {
		c.Flush(ctx)
	}
}

// HandleBatch 作为同步队列的消费者：有效条目暂扣到 flush 成功后再 Ack，无效条目留待重投直至进入死信
func (c *Coalescer) HandleBatch(ctx context.Context, msgs []*queue.Message) queue.BatchResult {
	var res queue.BatchResult
	for _, m := range msgs {
		item, err := parseSyncItem(m.Body)
		if err != nil {
			c.logger.Warn("invalid sync item", "message_id", m.ID, "error", err)
			res.Failed = append(res.Failed, m.ID)
			continue
		}
		res.Held = append(res.Held, m.ID)
		c.Add(ctx, *item, m.Receipt)
	}
	return res
}

// Pending 当前累计的条目数
func (c *Coalescer) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Flush 立即触发一次 job；失败时条目对应的消息不 Ack，可见性超时后重新投递
func (c *Coalescer) Flush(ctx context.Context) {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.Lock()
	items, receipts := c.items, c.receipts
	c.items, c.receipts = nil, nil
	c.mu.Unlock()
	if len(items) == 0 {
		return
	}

	jobID, err := c.trigger.StartJob(ctx, items)
	if err != nil {
		metrics.IngestionJobsTotal.WithLabelValues("error").Inc()
		c.logger.Error("start ingestion job failed", "items", len(items), "error", err)
		return
	}
	metrics.IngestionJobsTotal.WithLabelValues("started").Inc()
	c.logger.Info("ingestion job started", "job_id", jobID, "items", len(items))

	if c.queue == nil {
		return
	}
	for _, r := range receipts {
		if err := c.queue.Ack(ctx, r); err != nil {
			c.logger.Warn("ack sync item failed", "error", err)
		}
	}
}

// Close 停止窗口检查；未 flush 的条目依赖队列重投
func (c *Coalescer) Close() {
	c.once.Do(func() { close(c.stop) })
	<-c.done
}
