package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/stateflow/types"
)

// Class 故障分类
// 分类决定后续处理：Transient 重试，Configuration/Fatal 立即上抛，
// Cancelled 终止且不计入故障。
type Class string

const (
	// ClassTransient 瞬态故障（网络、超时、可恢复的坏输出），按策略重试
	ClassTransient Class = "transient"
	// ClassConfiguration 配置故障（坏表达式、缺失引用），永不重试
	ClassConfiguration Class = "configuration"
	// ClassFatal 致命故障（重试耗尽、执行器不可恢复）
	ClassFatal Class = "fatal"
	// ClassCancelled 调用方取消
	ClassCancelled Class = "cancelled"
)

// Classify 按错误码归类故障。
// types.Error 的 Retryable 标记优先于错误码映射。
func Classify(err error) Class {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) {
		return ClassCancelled
	}
	switch types.GetErrorCode(err) {
	case types.ErrConfigFault, types.ErrCondition, types.ErrNoTransition:
		return ClassConfiguration
	case types.ErrDecisionParse, types.ErrTimeout, types.ErrAgentUnavailable:
		return ClassTransient
	case types.ErrRetryExhausted:
		return ClassFatal
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	if types.IsRetryable(err) {
		return ClassTransient
	}
	return ClassFatal
}

// Policy 重试策略配置
// MaxAttempts 是总调用次数（含首次），不是额外重试次数。
type Policy struct {
	MaxAttempts    int           `yaml:"max_attempts" json:"max_attempts"`
	InitialDelay   time.Duration `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay       time.Duration `yaml:"max_delay" json:"max_delay"`
	Multiplier     float64       `yaml:"multiplier" json:"multiplier"`
	Jitter         bool          `yaml:"jitter" json:"jitter"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout" json:"attempt_timeout"`

	// Classify 覆盖默认分类；为 nil 时使用包级 Classify。
	Classify func(error) Class `yaml:"-" json:"-"`
	// OnAttemptFailure 在每次失败的尝试后调用（含最后一次）。
	OnAttemptFailure func(attempt int, err error, class Class, delay time.Duration) `yaml:"-" json:"-"`
}

// DefaultPolicy 返回默认重试策略。
func DefaultPolicy() *Policy {
	return &Policy{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// normalize 填充非法字段的缺省值。
func (p *Policy) normalize() {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 1 * time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.Multiplier < 1.0 {
		p.Multiplier = 2.0
	}
	if p.Classify == nil {
		p.Classify = Classify
	}
}

// Runner 按策略执行函数
type Runner struct {
	policy *Policy
	logger *zap.Logger
}

// NewRunner 创建重试执行器。
func NewRunner(policy *Policy, logger *zap.Logger) *Runner {
	if policy == nil {
		policy = DefaultPolicy()
	}
	policy.normalize()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		policy: policy,
		logger: logger.With(zap.String("component", "retry_runner")),
	}
}

// Policy 返回执行器的策略。
func (r *Runner) Policy() *Policy { return r.policy }

// Do 执行 fn，瞬态故障按指数退避重试。
func (r *Runner) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := r.DoWithResult(ctx, func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	})
	return err
}

// DoWithResult 执行 fn 并返回结果。
// 每次尝试独立套用 AttemptTimeout；尝试超时归类为瞬态，
// 父 context 取消则立即终止且不再重试。
func (r *Runner) DoWithResult(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	var lastErr error

	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := r.calculateDelay(attempt)
			r.logger.Debug("retrying attempt",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", r.policy.MaxAttempts),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
			select {
			case <-ctx.Done():
				return nil, types.NewError(types.ErrCancelled, "retry wait cancelled").WithCause(ctx.Err())
			case <-time.After(delay):
			}
		}

		result, err := r.runAttempt(ctx, fn)
		if err == nil {
			if attempt > 1 {
				r.logger.Info("retry succeeded", zap.Int("attempt", attempt))
			}
			return result, nil
		}
		lastErr = err

		// 父 context 结束：按取消处理，不重试也不升级为 Fatal。
		if ctx.Err() != nil {
			return nil, types.NewError(types.ErrCancelled, "invocation cancelled").WithCause(err)
		}

		class := r.policy.Classify(err)
		var nextDelay time.Duration
		if class == ClassTransient && attempt < r.policy.MaxAttempts {
			nextDelay = r.calculateDelay(attempt + 1)
		}
		if r.policy.OnAttemptFailure != nil {
			r.policy.OnAttemptFailure(attempt, err, class, nextDelay)
		}

		if class != ClassTransient {
			r.logger.Debug("failure is not retryable",
				zap.String("class", string(class)),
				zap.Error(err),
			)
			return nil, err
		}
	}

	r.logger.Warn("retry budget exhausted",
		zap.Int("attempts", r.policy.MaxAttempts),
		zap.Error(lastErr),
	)
	return nil, types.NewErrorf(types.ErrRetryExhausted,
		"still failing after %d attempts", r.policy.MaxAttempts).WithCause(lastErr)
}

// runAttempt 执行单次尝试，套用每次尝试的超时。
func (r *Runner) runAttempt(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	if r.policy.AttemptTimeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, r.policy.AttemptTimeout)
	defer cancel()
	result, err := fn(attemptCtx)
	// 尝试超时而父 context 仍有效：归类为瞬态超时。
	if err != nil && attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return nil, types.NewErrorf(types.ErrTimeout,
			"attempt exceeded %s", r.policy.AttemptTimeout).WithCause(err)
	}
	return result, err
}

// calculateDelay 计算第 attempt 次尝试前的延迟：指数退避 + 可选抖动。
func (r *Runner) calculateDelay(attempt int) time.Duration {
	delay := float64(r.policy.InitialDelay) * math.Pow(r.policy.Multiplier, float64(attempt-2))

	if delay > float64(r.policy.MaxDelay) {
		delay = float64(r.policy.MaxDelay)
	}

	// ±25% 抖动，避免并发工作流同步重试
	if r.policy.Jitter {
		jitter := delay * 0.25
		delay = delay + (rand.Float64()*2-1)*jitter
	}

	if delay < float64(r.policy.InitialDelay) {
		delay = float64(r.policy.InitialDelay)
	}

	return time.Duration(delay)
}
