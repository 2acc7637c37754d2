package resilience

import (
	"context"
	stderrors "errors"
	"math/rand"
	"time"

	"github.com/NikhilSetiya/usage-governor/pkg/logging"
)

// RetryPolicy holds configuration for retry logic
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first
	MaxAttempts int
	// InitialDelay is the delay before the second attempt
	InitialDelay time.Duration
	// MaxDelay caps the delay between attempts
	MaxDelay time.Duration
	// BackoffMultiplier is applied to the delay after every retry
	BackoffMultiplier float64
	// Jitter adds up to 10% randomness to each delay
	Jitter bool
}

// DefaultRetryPolicy returns the policy used for provider calls
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		InitialDelay:      time.Second,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

func (p RetryPolicy) normalize() RetryPolicy {
	defaults := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaults.MaxAttempts
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = defaults.InitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaults.MaxDelay
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.BackoffMultiplier < 1 {
		p.BackoffMultiplier = defaults.BackoffMultiplier
	}
	return p
}

// nextDelay grows delay by the multiplier, capped at MaxDelay
func (p RetryPolicy) nextDelay(delay time.Duration) time.Duration {
	next := time.Duration(float64(delay) * p.BackoffMultiplier)
	if next > p.MaxDelay || next < delay {
		return p.MaxDelay
	}
	return next
}

func (p RetryPolicy) withJitter(delay time.Duration) time.Duration {
	if !p.Jitter {
		return delay
	}
	jittered := delay + time.Duration(rand.Float64()*0.1*float64(delay))
	if jittered > p.MaxDelay {
		return p.MaxDelay
	}
	return jittered
}

// Sink receives attempt telemetry. Calls happen synchronously on the
// executing goroutine, before any backoff sleep.
type Sink interface {
	AttemptStarted(opCtx OperationContext)
	AttemptFailed(aiErr *AIError, willRetry bool)
}

type nopSink struct{}

func (nopSink) AttemptStarted(OperationContext) {}
func (nopSink) AttemptFailed(*AIError, bool)    {}

// Sleeper waits for d or until ctx is done
type Sleeper func(ctx context.Context, d time.Duration) error

func contextSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Executor runs operations with classified retry
type Executor struct {
	sink   Sink
	sleep  Sleeper
	logger *logging.Logger
}

// ExecutorOption configures an Executor
type ExecutorOption func(*Executor)

// WithSink sets the telemetry sink
func WithSink(sink Sink) ExecutorOption {
	return func(e *Executor) {
		if sink != nil {
			e.sink = sink
		}
	}
}

// WithSleeper replaces the backoff sleep
func WithSleeper(sleep Sleeper) ExecutorOption {
	return func(e *Executor) {
		if sleep != nil {
			e.sleep = sleep
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *logging.Logger) ExecutorOption {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewExecutor creates an executor
func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{
		sink:   nopSink{},
		sleep:  contextSleep,
		logger: logging.GetLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExecuteWithRetry runs op until it succeeds, fails with a non-retryable
// classification, or exhausts policy.MaxAttempts. The returned error is
// always an *AIError describing the final attempt.
func ExecuteWithRetry[T any](ctx context.Context, exec *Executor, op func(context.Context) (T, error), opCtx OperationContext, policy RetryPolicy) (T, error) {
	var zero T
	if exec == nil {
		exec = NewExecutor()
	}
	policy = policy.normalize()
	opCtx.MaxAttempts = policy.MaxAttempts

	delay := policy.InitialDelay
	var lastErr *AIError

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		opCtx.Attempt = attempt

		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, interrupted(lastErr, err)
			}
			return zero, NewAIError(err, opCtx)
		}

		exec.sink.AttemptStarted(opCtx)

		result, err := op(ctx)
		if err == nil {
			if attempt > 1 {
				exec.logger.Info("Operation succeeded after retry",
					"operation", opCtx.Operation,
					"attempt", attempt,
					"provider", opCtx.Provider,
				)
			}
			return result, nil
		}

		lastErr = NewAIError(err, opCtx)
		if IsCircuitBreakerError(err) {
			// The breaker will keep rejecting until its timeout elapses
			lastErr.Retryable = false
		}
		willRetry := lastErr.Retryable && attempt < policy.MaxAttempts
		exec.sink.AttemptFailed(lastErr, willRetry)

		if !willRetry {
			break
		}

		wait := policy.withJitter(delay)
		exec.logger.Debug("Operation failed, retrying",
			"operation", opCtx.Operation,
			"error_type", string(lastErr.Type),
			"attempt", attempt,
			"max_attempts", policy.MaxAttempts,
			"delay", wait,
		)

		if err := exec.sleep(ctx, wait); err != nil {
			return zero, interrupted(lastErr, err)
		}
		delay = policy.nextDelay(delay)
	}

	exec.logger.Error("Operation failed",
		"operation", opCtx.Operation,
		"error_type", string(lastErr.Type),
		"severity", string(lastErr.Severity),
		"attempts", lastErr.Context.Attempt,
		"user_id", opCtx.UserID,
		"provider", opCtx.Provider,
	)

	return zero, lastErr
}

// interrupted annotates the last classified failure with the reason the
// retry loop was abandoned. Classification is kept.
func interrupted(last *AIError, reason error) *AIError {
	annotated := *last
	annotated.Retryable = false
	annotated.Cause = stderrors.Join(last.Cause, reason)
	return &annotated
}

// Execute is the untyped form of ExecuteWithRetry
func (e *Executor) Execute(ctx context.Context, op func(context.Context) error, opCtx OperationContext, policy RetryPolicy) error {
	_, err := ExecuteWithRetry(ctx, e, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, opCtx, policy)
	return err
}
