package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// Policy 定义指数退避重试策略
type Policy struct {
	MaxRetries   int           // 最大重试次数（0 表示只执行一次）
	InitialDelay time.Duration // 首次重试前的延迟
	MaxDelay     time.Duration // 延迟上限
	Multiplier   float64       // 退避倍数
	Jitter       bool          // ±25% 随机抖动

	// Retryable 判断错误是否值得重试；为空时所有错误都重试
	Retryable func(error) bool
	// OnRetry 每次重试前回调
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultPolicy 返回远程任务取消等轻量调用使用的默认策略
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:   1,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Retryer 按 Policy 执行函数
type Retryer struct {
	policy Policy
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// New 创建重试器，非法参数回落到默认值
func New(policy Policy, logger *zap.Logger) *Retryer {
	def := DefaultPolicy()
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = def.InitialDelay
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = def.MaxDelay
	}
	if policy.Multiplier < 1.0 {
		policy.Multiplier = def.Multiplier
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retryer{policy: policy, logger: logger, sleep: sleepCtx}
}

// Policy 返回生效的策略
func (r *Retryer) Policy() Policy {
	return r.policy
}

// Do 执行 fn，失败时按策略重试
func (r *Retryer) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Value(ctx, r, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Value 执行返回值的 fn，失败时按策略重试
func Value[T any](ctx context.Context, r *Retryer, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= r.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.delay(attempt)
			r.logger.Debug("retrying",
				zap.Int("attempt", attempt),
				zap.Int("max_retries", r.policy.MaxRetries),
				zap.Duration("delay", delay),
				zap.Error(lastErr))
			if r.policy.OnRetry != nil {
				r.policy.OnRetry(attempt, lastErr, delay)
			}
			if err := r.sleep(ctx, delay); err != nil {
				return zero, fmt.Errorf("retry cancelled: %w", errors.Join(err, lastErr))
			}
		}

		v, err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				r.logger.Debug("retry succeeded", zap.Int("attempt", attempt))
			}
			return v, nil
		}
		lastErr = err

		if !r.retryable(err) {
			return zero, err
		}
	}

	return zero, fmt.Errorf("failed after %d retries: %w", r.policy.MaxRetries, lastErr)
}

// delay = initial * multiplier^(attempt-1)，上限 MaxDelay
func (r *Retryer) delay(attempt int) time.Duration {
	d := float64(r.policy.InitialDelay) * math.Pow(r.policy.Multiplier, float64(attempt-1))
	if d > float64(r.policy.MaxDelay) {
		d = float64(r.policy.MaxDelay)
	}
	if r.policy.Jitter {
		d += (rand.Float64()*2 - 1) * d * 0.25
	}
	if d < float64(r.policy.InitialDelay) {
		d = float64(r.policy.InitialDelay)
	}
	return time.Duration(d)
}

func (r *Retryer) retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if r.policy.Retryable == nil {
		return true
	}
	return r.policy.Retryable(err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
