package governor

import (
	"context"
	"time"

	"github.com/NikhilSetiya/usage-governor/internal/ledger"
	"github.com/NikhilSetiya/usage-governor/internal/monitoring"
	"github.com/NikhilSetiya/usage-governor/pkg/resilience"
)

// State is a step of the invocation lifecycle
type State string

const (
	StateChecking  State = "checking"
	StateRejected  State = "rejected"
	StateExecuting State = "executing"
	StateSucceeded State = "succeeded"
	StateSettled   State = "settled"
	StateFailed    State = "failed"
	StateReported  State = "reported"
)

// Terminal reports whether no further transition follows s
func (s State) Terminal() bool {
	return s == StateRejected || s == StateSettled || s == StateReported
}

// Operation is an opaque AI provider call
type Operation[T any] func(ctx context.Context) (T, error)

// Accounts is the part of the ledger the governor needs
type Accounts interface {
	CanAfford(ctx context.Context, userID, featureKey string) (*ledger.Affordability, error)
	Deduct(ctx context.Context, userID, featureKey string, metadata map[string]string) (*ledger.DeductResult, error)
}

// Reporter receives the outcome of every executed invocation
type Reporter interface {
	RecordRequest(record monitoring.RequestRecord)
}

// Result describes a finished invocation
type Result[T any] struct {
	Value         T             `json:"value"`
	State         State         `json:"state"`
	Provider      string        `json:"provider"`
	Attempts      int           `json:"attempts"`
	Duration      time.Duration `json:"duration"`
	Cost          int64         `json:"cost"`
	NewBalance    int64         `json:"new_balance"`
	TransactionID string        `json:"transaction_id,omitempty"`
	IsUnlimited   bool          `json:"is_unlimited"`
	// Balance and Required are set on rejection
	Balance  int64 `json:"balance,omitempty"`
	Required int64 `json:"required,omitempty"`
}

// InvokeOption configures a single invocation
type InvokeOption func(*invokeOptions)

type invokeOptions struct {
	provider  string
	policy    *resilience.RetryPolicy
	sessionID string
	metadata  map[string]string
	operation string
}

// WithProvider names the provider the operation calls. It selects the
// circuit breaker and labels telemetry.
func WithProvider(provider string) InvokeOption {
	return func(o *invokeOptions) { o.provider = provider }
}

// WithRetryPolicy overrides the governor's retry policy
func WithRetryPolicy(policy resilience.RetryPolicy) InvokeOption {
	return func(o *invokeOptions) { o.policy = &policy }
}

// WithSessionID attaches the caller's session to errors and logs
func WithSessionID(sessionID string) InvokeOption {
	return func(o *invokeOptions) { o.sessionID = sessionID }
}

// WithMetadata adds context stored on the spend transaction
func WithMetadata(metadata map[string]string) InvokeOption {
	return func(o *invokeOptions) { o.metadata = metadata }
}

// WithOperationName overrides the operation name used in errors and logs.
// It defaults to the feature key.
func WithOperationName(name string) InvokeOption {
	return func(o *invokeOptions) { o.operation = name }
}
