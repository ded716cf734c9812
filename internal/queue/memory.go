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

	"github.com/google/uuid"

	"ops-platform/pkg/metrics"
)

type memEntry struct {
	msg       Message
	visibleAt time.Time
}

// MemoryQueue 进程内队列；同一实例在 API 与 Worker 间共享时有效
type MemoryQueue struct {
	opts    Options
	mu      sync.Mutex
	entries []*memEntry
	dead    []*Message
	// notify 有新消息或消息重新可见时唤醒等待者
	notify chan struct{}
}

// NewMemoryQueue 创建内存队列
func NewMemoryQueue(opts Options) *MemoryQueue {
	return &MemoryQueue{
		opts:   opts.withDefaults(),
		notify: make(chan struct{}, 1),
	}
}

func (q *MemoryQueue) Name() string { return q.opts.Name }

func (q *MemoryQueue) Enqueue(ctx context.Context, body []byte) (string, error) {
	id := uuid.New().String()
	now := time.Now()
	q.mu.Lock()
	q.entries = append(q.entries, &memEntry{
		msg:       Message{ID: id, Body: append([]byte(nil), body...), SentAt: now},
		visibleAt: now,
	})
	depth := len(q.entries)
	q.mu.Unlock()
	metrics.QueueDepth.WithLabelValues(q.opts.Name).Set(float64(depth))
	q.wake()
	return id, nil
}

func (q *MemoryQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) DequeueBatch(ctx context.Context, maxSize int, maxWait time.Duration) ([]*Message, error) {
	if maxSize <= 0 {
		maxSize = 1
	}
	deadline := time.Now().Add(maxWait)
	var out []*Message
	for {
		out = append(out, q.receive(maxSize-len(out))...)
		if len(out) >= maxSize {
			return out, nil
		}
		wait := time.Until(deadline)
		if wait <= 0 {
			return out, nil
		}
		// 处理中的消息可能在等待期间重新可见
		if next := q.nextVisible(); next > 0 && next < wait {
			wait = next
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return out, ctx.Err()
		case <-q.notify:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// moveDeadLocked 把已重新可见且接收次数达到上限的消息转入死信；调用方持有 q.mu
func (q *MemoryQueue) moveDeadLocked(now time.Time) {
	if q.opts.MaxReceiveCount <= 0 {
		return
	}
	kept := q.entries[:0]
	for _, e := range q.entries {
		if e.visibleAt.After(now) || e.msg.ReceiveCount < q.opts.MaxReceiveCount {
			kept = append(kept, e)
			continue
		}
		dead := e.msg
		dead.Receipt = ""
		q.dead = append(q.dead, &dead)
		metrics.QueueDeadLettersTotal.WithLabelValues(q.opts.Name).Inc()
	}
	for i := len(kept); i < len(q.entries); i++ {
		q.entries[i] = nil
	}
	q.entries = kept
}

// receive 领取至多 n 条可见消息；超过接收上限的消息先转入死信
func (q *MemoryQueue) receive(n int) []*Message {
	if n <= 0 {
		return nil
	}
	now := time.Now()
	q.mu.Lock()
	defer q.mu.Unlock()
	q.moveDeadLocked(now)

	var out []*Message
	kept := q.entries[:0]
	for _, e := range q.entries {
		if e.visibleAt.After(now) || len(out) >= n {
			kept = append(kept, e)
			continue
		}
		e.msg.ReceiveCount++
		if e.msg.FirstReceivedAt.IsZero() {
			e.msg.FirstReceivedAt = now
		}
		e.msg.Receipt = uuid.New().String()
		e.visibleAt = now.Add(q.opts.VisibilityTimeout)
		cp := e.msg
		out = append(out, &cp)
		kept = append(kept, e)
	}
	for i := len(kept); i < len(q.entries); i++ {
		q.entries[i] = nil
	}
	q.entries = kept
	if len(out) > 0 {
		metrics.QueueReceivesTotal.WithLabelValues(q.opts.Name).Add(float64(len(out)))
	}
	metrics.QueueDepth.WithLabelValues(q.opts.Name).Set(float64(len(q.entries)))
	return out
}

// nextVisible 距最近一条处理中消息重新可见的时长；无则返回 0
func (q *MemoryQueue) nextVisible() time.Duration {
	now := time.Now()
	q.mu.Lock()
	defer q.mu.Unlock()
	var min time.Duration
	for _, e := range q.entries {
		if d := e.visibleAt.Sub(now); d > 0 && (min == 0 || d < min) {
			min = d
		}
	}
	return min
}

func (q *MemoryQueue) Ack(ctx context.Context, receipt string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.entries {
		if e.msg.Receipt != "" && e.msg.Receipt == receipt {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			metrics.QueueDepth.WithLabelValues(q.opts.Name).Set(float64(len(q.entries)))
			return nil
		}
	}
	return ErrReceiptInvalid
}

func (q *MemoryQueue) ChangeVisibility(ctx context.Context, receipt string, timeout time.Duration) error {
	q.mu.Lock()
	found := false
	for _, e := range q.entries {
		if e.msg.Receipt != "" && e.msg.Receipt == receipt {
			e.visibleAt = time.Now().Add(timeout)
			found = true
			break
		}
	}
	q.mu.Unlock()
	if !found {
		return ErrReceiptInvalid
	}
	q.wake()
	return nil
}

func (q *MemoryQueue) Len(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.moveDeadLocked(time.Now())
	return len(q.entries), nil
}

func (q *MemoryQueue) DeadLetters(ctx context.Context) ([]*Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.moveDeadLocked(time.Now())
	out := make([]*Message, len(q.dead))
	for i, m := range q.dead {
		cp := *m
		out[i] = &cp
	}
	return out, nil
}
