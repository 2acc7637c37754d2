package resilience

import (
	"fmt"
	"time"

	"github.com/NikhilSetiya/usage-governor/pkg/errors"
)

// OperationContext describes the call being executed. Attempt and
// MaxAttempts are filled in by the executor.
type OperationContext struct {
	Operation   string            `json:"operation"`
	Attempt     int               `json:"attempt"`
	MaxAttempts int               `json:"max_attempts"`
	UserID      string            `json:"user_id,omitempty"`
	SessionID   string            `json:"session_id,omitempty"`
	FeatureKey  string            `json:"feature_key,omitempty"`
	Provider    string            `json:"provider,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// AIError is a classified failure of a single attempt.
type AIError struct {
	Type      errors.ErrorType `json:"type"`
	Severity  errors.Severity  `json:"severity"`
	Retryable bool             `json:"retryable"`
	Context   OperationContext `json:"context"`
	Timestamp time.Time        `json:"timestamp"`
	Cause     error            `json:"-"`
}

// NewAIError classifies err and attaches the operation context.
func NewAIError(err error, opCtx OperationContext) *AIError {
	errorType := Classify(err)
	return &AIError{
		Type:      errorType,
		Severity:  errorType.Severity(),
		Retryable: errorType.Retryable(),
		Context:   opCtx,
		Timestamp: time.Now(),
		Cause:     err,
	}
}

// Error implements the error interface
func (e *AIError) Error() string {
	if e.Context.Operation != "" {
		return fmt.Sprintf("%s failed on attempt %d/%d (%s): %v",
			e.Context.Operation, e.Context.Attempt, e.Context.MaxAttempts, e.Type, e.Cause)
	}
	return fmt.Sprintf("attempt %d/%d failed (%s): %v",
		e.Context.Attempt, e.Context.MaxAttempts, e.Type, e.Cause)
}

// Unwrap returns the underlying cause
func (e *AIError) Unwrap() error {
	return e.Cause
}

// ErrorType implements errors.Classified
func (e *AIError) ErrorType() errors.ErrorType {
	return e.Type
}

// UserMessage returns the fixed message safe to show end users.
func (e *AIError) UserMessage() string {
	return errors.UserMessage(e.Type)
}
