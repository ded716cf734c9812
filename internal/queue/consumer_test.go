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
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsumer_PartialBatchFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := NewMemoryQueue(Options{Name: "c-partial", VisibilityTimeout: 50 * time.Millisecond, MaxReceiveCount: 2})
	bad, _ := q.Enqueue(ctx, []byte("bad"))
	for i := 0; i < 3; i++ {
		_, _ = q.Enqueue(ctx, []byte("good"))
	}

	var mu sync.Mutex
	seen := map[string]int{}
	h := BatchHandlerFunc(func(_ context.Context, msgs []*Message) BatchResult {
		var res BatchResult
		mu.Lock()
		defer mu.Unlock()
		for _, m := range msgs {
			seen[m.ID]++
			if string(m.Body) == "bad" {
				res.Failed = append(res.Failed, m.ID)
			}
		}
		return res
	})
	c := NewConsumer(q, h, ConsumerConfig{BatchSize: 10, BatchWindow: 20 * time.Millisecond}, nil)
	c.Start(ctx)

	require.Eventually(t, func() bool {
		dead, _ := q.DeadLetters(ctx)
		return len(dead) == 1
	}, 3*time.Second, 10*time.Millisecond)
	c.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, seen[bad])
	for id, n := range seen {
		if id != bad {
			assert.Equal(t, 1, n, "acked messages are delivered once")
		}
	}
	n, _ := q.Len(ctx)
	assert.Zero(t, n)
}

func TestConsumer_HeldMessagesNotAcked(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(Options{Name: "c-held", VisibilityTimeout: time.Hour})
	_, _ = q.Enqueue(ctx, []byte("a"))

	held := make(chan *Message, 1)
	c := NewConsumer(q, BatchHandlerFunc(func(_ context.Context, msgs []*Message) BatchResult {
		held <- msgs[0]
		return BatchResult{Held: []string{msgs[0].ID}}
	}), ConsumerConfig{BatchSize: 1}, nil)
	c.Start(ctx)
	m := <-held
	c.Stop()

	n, _ := q.Len(ctx)
	assert.Equal(t, 1, n)
	require.NoError(t, q.Ack(ctx, m.Receipt))
}

func TestConsumer_MaxConcurrency(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(Options{Name: "c-conc", VisibilityTimeout: time.Minute})
	for i := 0; i < 6; i++ {
		_, _ = q.Enqueue(ctx, []byte("x"))
	}
	var current, peak, done int32
	c := NewConsumer(q, BatchHandlerFunc(func(_ context.Context, msgs []*Message) BatchResult {
		n := atomic.AddInt32(&current, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&current, -1)
		atomic.AddInt32(&done, int32(len(msgs)))
		return BatchResult{}
	}), ConsumerConfig{BatchSize: 1, BatchWindow: 10 * time.Millisecond, Concurrency: 2}, nil)
	c.Start(ctx)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&done) == 6 }, 2*time.Second, 5*time.Millisecond)
	c.Stop()
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}
