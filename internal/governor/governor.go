package governor

import (
	"context"
	"strconv"
	"time"

	"github.com/NikhilSetiya/usage-governor/internal/monitoring"
	"github.com/NikhilSetiya/usage-governor/pkg/errors"
	"github.com/NikhilSetiya/usage-governor/pkg/logging"
	"github.com/NikhilSetiya/usage-governor/pkg/metrics"
	"github.com/NikhilSetiya/usage-governor/pkg/resilience"
	"github.com/NikhilSetiya/usage-governor/pkg/tracing"
)

// Config holds governor configuration
type Config struct {
	// DefaultProvider labels invocations that do not name a provider
	DefaultProvider string                 `json:"default_provider"`
	RetryPolicy     resilience.RetryPolicy `json:"retry_policy"`
}

// DefaultConfig returns default governor configuration
func DefaultConfig() *Config {
	return &Config{
		DefaultProvider: "default",
		RetryPolicy:     resilience.DefaultRetryPolicy(),
	}
}

// Option configures a Governor
type Option func(*Governor)

// WithConfig overrides the governor configuration
func WithConfig(config *Config) Option {
	return func(g *Governor) {
		if config != nil {
			g.config = config
		}
	}
}

// WithExecutor sets the retry executor
func WithExecutor(exec *resilience.Executor) Option {
	return func(g *Governor) { g.executor = exec }
}

// WithBreakers routes provider calls through per-provider circuit breakers
func WithBreakers(breakers *resilience.BreakerSet) Option {
	return func(g *Governor) { g.breakers = breakers }
}

// WithLogger sets the logger
func WithLogger(logger *logging.Logger) Option {
	return func(g *Governor) { g.logger = logger }
}

// WithMetrics sets the metrics sink
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Governor) { g.metrics = m }
}

// WithTracer sets the tracing service
func WithTracer(tracer *tracing.TracingService) Option {
	return func(g *Governor) { g.tracer = tracer }
}

// WithClock overrides time.Now for invocation timing
func WithClock(now func() time.Time) Option {
	return func(g *Governor) { g.now = now }
}

// Governor admits, executes, settles, and reports AI feature invocations.
// It is the only caller of provider operations.
type Governor struct {
	accounts Accounts
	reporter Reporter
	config   *Config
	executor *resilience.Executor
	breakers *resilience.BreakerSet
	logger   *logging.Logger
	metrics  *metrics.Metrics
	tracer   *tracing.TracingService
	now      func() time.Time
}

// New creates a governor charging accounts and reporting to reporter
func New(accounts Accounts, reporter Reporter, opts ...Option) *Governor {
	g := &Governor{
		accounts: accounts,
		reporter: reporter,
		config:   DefaultConfig(),
		logger:   logging.GetLogger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}

	if g.executor == nil {
		g.executor = resilience.NewExecutor(resilience.WithLogger(g.logger), resilience.WithSink(g.metrics))
	}
	if g.config.DefaultProvider == "" {
		g.config.DefaultProvider = "default"
	}
	return g
}

// Invoke runs op for userID if the user can afford featureKey, retrying
// transient failures and charging only on success. Failures are returned
// as *errors.AppError carrying the fixed user-facing message; the raw
// provider error is only available as the cause.
func Invoke[T any](ctx context.Context, g *Governor, userID, featureKey string, op Operation[T], opts ...InvokeOption) (*Result[T], error) {
	o := g.invokeOptions(featureKey, opts)
	result := &Result[T]{State: StateChecking, Provider: o.provider}

	if userID == "" || featureKey == "" {
		return result, errors.NewValidationError("user ID and feature key are required")
	}
	if op == nil {
		return result, errors.NewValidationError("operation is required")
	}

	ctx, span := g.tracer.StartInvocationSpan(ctx, featureKey, userID, o.provider)
	defer span.End()

	start := g.now()

	affordability, err := g.accounts.CanAfford(ctx, userID, featureKey)
	if err != nil {
		tracing.RecordError(span, err)
		result.State = StateFailed
		g.finish(ctx, result.State, userID, featureKey, g.now().Sub(start), logging.Fields{
			"stage": "admission",
			"error": err.Error(),
		})
		return result, err
	}

	if !affordability.CanAfford {
		result.State = StateRejected
		result.Balance = affordability.Balance
		result.Required = affordability.Required
		result.Duration = g.now().Sub(start)
		g.finish(ctx, result.State, userID, featureKey, result.Duration, logging.Fields{
			"balance":  affordability.Balance,
			"required": affordability.Required,
		})
		err := errors.NewInsufficientTokensError(affordability.Balance, affordability.Required)
		tracing.RecordError(span, err)
		return result, err
	}

	result.State = StateExecuting
	result.IsUnlimited = affordability.IsUnlimited

	var breaker *resilience.CircuitBreaker
	if g.breakers != nil {
		breaker = g.breakers.Get(o.provider)
	}

	policy := g.config.RetryPolicy
	if o.policy != nil {
		policy = *o.policy
	}

	opCtx := resilience.OperationContext{
		Operation:  o.operation,
		UserID:     userID,
		SessionID:  o.sessionID,
		FeatureKey: featureKey,
		Provider:   o.provider,
		Metadata:   o.metadata,
	}

	value, err := resilience.ExecuteWithRetry(ctx, g.executor, func(ctx context.Context) (T, error) {
		result.Attempts++
		return resilience.CallWithBreaker[T](ctx, breaker, op)
	}, opCtx, policy)
	result.Duration = g.now().Sub(start)

	if err != nil {
		result.State = StateFailed
		errorType := resilience.Classify(err)
		tracing.RecordError(span, err)

		g.report(monitoring.RequestRecord{
			Duration:   result.Duration,
			UserID:     userID,
			FeatureKey: featureKey,
			Provider:   o.provider,
			Err:        err,
		})
		result.State = StateReported
		g.finish(ctx, result.State, userID, featureKey, result.Duration, logging.Fields{
			"provider":   o.provider,
			"attempts":   result.Attempts,
			"error_type": string(errorType),
			"error":      err.Error(),
		})

		return result, errors.NewUserFacingError(errorType, err)
	}

	result.State = StateSucceeded

	spendMetadata := make(map[string]string, len(o.metadata)+2)
	for k, v := range o.metadata {
		spendMetadata[k] = v
	}
	spendMetadata["provider"] = o.provider
	spendMetadata["attempts"] = strconv.Itoa(result.Attempts)
	if o.sessionID != "" {
		spendMetadata["session_id"] = o.sessionID
	}

	deduction, err := g.accounts.Deduct(ctx, userID, featureKey, spendMetadata)
	if err != nil {
		// The provider call succeeded but could not be paid for. The value
		// is withheld so concurrent invocations cannot overspend.
		result.State = StateFailed
		tracing.RecordError(span, err)

		g.report(monitoring.RequestRecord{
			Duration:   result.Duration,
			UserID:     userID,
			FeatureKey: featureKey,
			Provider:   o.provider,
			Err:        err,
		})
		result.State = StateReported
		g.finish(ctx, result.State, userID, featureKey, result.Duration, logging.Fields{
			"stage":    "settlement",
			"provider": o.provider,
			"error":    err.Error(),
		})
		return result, err
	}

	result.Value = value
	result.State = StateSettled
	result.Cost = deduction.Cost
	result.NewBalance = deduction.NewBalance
	result.TransactionID = deduction.TransactionID
	result.IsUnlimited = deduction.IsUnlimited

	g.report(monitoring.RequestRecord{
		Duration:   result.Duration,
		UserID:     userID,
		FeatureKey: featureKey,
		Provider:   o.provider,
		Cost:       float64(deduction.Cost),
	})
	g.finish(ctx, result.State, userID, featureKey, result.Duration, logging.Fields{
		"provider":       o.provider,
		"attempts":       result.Attempts,
		"cost":           deduction.Cost,
		"balance_after":  deduction.NewBalance,
		"transaction_id": deduction.TransactionID,
		"unlimited":      deduction.IsUnlimited,
	})

	return result, nil
}

func (g *Governor) invokeOptions(featureKey string, opts []InvokeOption) *invokeOptions {
	o := &invokeOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if o.provider == "" {
		o.provider = g.config.DefaultProvider
	}
	if o.operation == "" {
		o.operation = featureKey
	}
	return o
}

func (g *Governor) report(record monitoring.RequestRecord) {
	if g.reporter != nil {
		g.reporter.RecordRequest(record)
	}
}

func (g *Governor) finish(ctx context.Context, state State, userID, featureKey string, duration time.Duration, fields logging.Fields) {
	g.metrics.RecordInvocation(featureKey, string(state), duration)
	g.logger.LogInvocation(ctx, string(state), userID, featureKey, duration, fields)
}
