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

package eventbus

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"ops-platform/pkg/errors"
	"ops-platform/pkg/log"
	"ops-platform/pkg/metrics"
	"ops-platform/pkg/tracing"
)

// ErrClosed 总线已关闭
var ErrClosed = stderrors.New("event bus closed")

// Receipt 发布回执
type Receipt struct {
	EventID string   `json:"event_id"`
	Rules   []string `json:"matched_rules"`
}

// Options 总线参数
type Options struct {
	Workers   int
	QueueSize int
	Retry     RetryPolicy
	// RateLimit 每个目标的投递速率，<=0 不限流
	RateLimit rate.Limit
	RateBurst int
	Logger    *log.Logger
}

type delivery struct {
	ev     *Event
	rule   string
	target Target
}

// Bus 按规则将事件异步扇出到目标；Publish 不等待投递
type Bus struct {
	opts   Options
	logger *log.Logger

	mu     sync.RWMutex
	rules  []*Rule
	closed bool

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter

	jobs     chan delivery
	inflight sync.WaitGroup
	workers  sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

// New 创建总线并启动投递 worker
func New(opts Options) *Bus {
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = DefaultRetryPolicy
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		opts:     opts,
		logger:   logger.With("component", "eventbus"),
		limiters: make(map[string]*rate.Limiter),
		jobs:     make(chan delivery, opts.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}
	for i := 0; i < opts.Workers; i++ {
		b.workers.Add(1)
		go b.worker()
	}
	return b
}

func (b *Bus) worker() {
	defer b.workers.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case d := <-b.jobs:
			b.deliver(d)
		}
	}
}

// PutRule 新增或替换同名规则
func (b *Bus) PutRule(r *Rule) error {
	if r == nil || r.Name == "" {
		return errors.Invalid("name", "rule name is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, old := range b.rules {
		if old.Name == r.Name {
			b.rules[i] = r
			return nil
		}
	}
	b.rules = append(b.rules, r)
	return nil
}

// RemoveRule 删除规则，不存在时返回 ErrNotFound
func (b *Bus) RemoveRule(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, r := range b.rules {
		if r.Name == name {
			b.rules = append(b.rules[:i], b.rules[i+1:]...)
			return nil
		}
	}
	return errors.Wrapf(errors.ErrNotFound, "rule %s", name)
}

// Rules 当前规则快照
func (b *Bus) Rules() []*Rule {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]*Rule(nil), b.rules...)
}

// Publish 校验并分发事件，立即返回；每个 (规则, 目标) 独立投递
func (b *Bus) Publish(ctx context.Context, ev Event) (Receipt, error) {
	if err := ev.Validate(); err != nil {
		return Receipt{}, err
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return Receipt{}, ErrClosed
	}
	metrics.EventsPublishedTotal.WithLabelValues(ev.Bus()).Inc()

	receipt := Receipt{EventID: ev.ID, Rules: []string{}}
	evp := &ev
	for _, r := range b.rules {
		if r.bus() != ev.Bus() || !r.Pattern.Matches(evp) {
			continue
		}
		receipt.Rules = append(receipt.Rules, r.Name)
		metrics.RuleMatchesTotal.WithLabelValues(r.Name).Inc()
		for _, t := range r.Targets {
			d := delivery{ev: evp, rule: r.Name, target: t}
			b.inflight.Add(1)
			select {
			case b.jobs <- d:
			default:
				// 队列已满，单独起 goroutine，不阻塞发布方
				go b.deliver(d)
			}
		}
	}
	b.logger.Debug("event published", "event_id", ev.ID, "source", ev.Source, "detail_type", ev.DetailType, "rules", receipt.Rules)
	return receipt, nil
}

func (b *Bus) limiter(id string) *rate.Limiter {
	if b.opts.RateLimit <= 0 {
		return nil
	}
	b.limMu.Lock()
	defer b.limMu.Unlock()
	l, ok := b.limiters[id]
	if !ok {
		l = rate.NewLimiter(b.opts.RateLimit, b.opts.RateBurst)
		b.limiters[id] = l
	}
	return l
}

// deliver 投递到单个目标：瞬时错误指数退避重试，永久错误仅丢弃该目标
func (b *Bus) deliver(d delivery) {
	defer b.inflight.Done()
	ctx, span := tracing.StartDeliverySpan(b.ctx, d.ev.ID, d.rule, d.target.ID())
	logger := b.logger.With("event_id", d.ev.ID, "rule", d.rule, "target", d.target.ID())

	var (
		err      error
		attempt  int
		outcome  = "exhausted"
		policy   = b.opts.Retry
		maxTries = policy.attempts()
	)
	for attempt = 1; attempt <= maxTries; attempt++ {
		if l := b.limiter(d.target.ID()); l != nil {
			if err = l.Wait(ctx); err != nil {
				outcome = "dropped"
				break
			}
		}
		err = d.target.Deliver(ctx, d.ev)
		if err == nil {
			outcome = "delivered"
			break
		}
		if errors.IsPermanent(err) {
			outcome = "dropped"
			logger.Warn("permanent delivery failure, dropping for this target", "error", err, "attempt", attempt)
			break
		}
		if attempt == maxTries {
			break
		}
		logger.Debug("delivery failed, retrying", "error", err, "attempt", attempt)
		if sleepCtx(ctx, policy.Backoff(attempt)) != nil {
			outcome = "dropped"
			break
		}
	}
	if attempt > maxTries {
		attempt = maxTries
	}
	if outcome == "exhausted" {
		logger.Error("delivery retries exhausted", "error", err, "attempts", attempt)
	}
	metrics.DeliveriesTotal.WithLabelValues(d.target.ID(), outcome).Inc()
	metrics.DeliveryAttempts.WithLabelValues(d.target.ID()).Observe(float64(attempt))
	if outcome == "delivered" {
		err = nil
	}
	tracing.EndSpan(span, err)
}

// Close 拒绝新事件并等待在途投递完成；ctx 到期后中止剩余重试
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	b.cancel()
	b.workers.Wait()
	return err
}
