package eventbus

import (
	"context"
	"math"
	"time"
)

// RetryPolicy 投递重试策略；MaxAttempts 含首次投递
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	Multiplier     float64
	MaxBackoff     time.Duration
}

// DefaultRetryPolicy 5 次，200ms 起指数退避，上限 30s
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:    5,
	InitialBackoff: 200 * time.Millisecond,
	Multiplier:     2,
	MaxBackoff:     30 * time.Second,
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// Backoff 第 attempt 次失败后的等待时间（attempt 从 1 开始）
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if p.InitialBackoff <= 0 {
		return 0
	}
	m := p.Multiplier
	if m <= 0 {
		m = 2
	}
	d := time.Duration(float64(p.InitialBackoff) * math.Pow(m, float64(attempt-1)))
	if p.MaxBackoff > 0 && (d > p.MaxBackoff || d <= 0) {
		d = p.MaxBackoff
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
