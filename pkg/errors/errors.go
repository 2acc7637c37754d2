package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

// ErrorType represents the classification of an error
type ErrorType string

const (
	ErrorTypeRateLimit          ErrorType = "rate_limit"
	ErrorTypeQuotaExceeded      ErrorType = "quota_exceeded"
	ErrorTypeAuthentication     ErrorType = "authentication"
	ErrorTypeNetwork            ErrorType = "network"
	ErrorTypeParsing            ErrorType = "parsing"
	ErrorTypeCache              ErrorType = "cache"
	ErrorTypeProvider           ErrorType = "provider_error"
	ErrorTypeValidation         ErrorType = "validation"
	ErrorTypeUnknown            ErrorType = "unknown"
	ErrorTypeInsufficientTokens ErrorType = "insufficient_tokens"
	ErrorTypeAccountNotFound    ErrorType = "account_not_found"

	// Not part of the AI taxonomy; used for persistence and lookups.
	ErrorTypeInternal ErrorType = "internal"
	ErrorTypeNotFound ErrorType = "not_found"
)

// Severity represents how urgently an error needs attention
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Severity returns the fixed severity for an error type
func (t ErrorType) Severity() Severity {
	switch t {
	case ErrorTypeAuthentication, ErrorTypeInternal:
		return SeverityCritical
	case ErrorTypeQuotaExceeded, ErrorTypeProvider:
		return SeverityHigh
	case ErrorTypeRateLimit, ErrorTypeNetwork, ErrorTypeUnknown:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Retryable reports whether an operation failing with this type may succeed
// on a later attempt.
func (t ErrorType) Retryable() bool {
	switch t {
	case ErrorTypeNetwork, ErrorTypeProvider, ErrorTypeCache:
		return true
	default:
		return false
	}
}

// UserMessage returns the fixed, user-facing message for an error type.
// Raw provider text must never be shown to end users.
func UserMessage(t ErrorType) string {
	switch t {
	case ErrorTypeRateLimit:
		return "Too many requests right now. Please wait a moment and try again."
	case ErrorTypeQuotaExceeded:
		return "Daily usage limit reached. Upgrade your plan or try again tomorrow."
	case ErrorTypeAuthentication:
		return "The AI service is temporarily unavailable. Please contact support."
	case ErrorTypeNetwork:
		return "We could not reach the AI service. Please check your connection and try again."
	case ErrorTypeParsing:
		return "The AI service returned an unexpected response. Please try again."
	case ErrorTypeCache:
		return "A temporary storage problem occurred. Please try again."
	case ErrorTypeProvider:
		return "The AI service is having problems. Please try again in a few minutes."
	case ErrorTypeValidation:
		return "The request was invalid. Please review your input and try again."
	case ErrorTypeInsufficientTokens:
		return "You do not have enough tokens for this feature. Purchase more tokens to continue."
	case ErrorTypeNotFound:
		return "The requested resource was not found."
	default:
		return "Something went wrong. Please try again later."
	}
}

// Classified is implemented by errors that carry their own classification.
// Operations should return one whenever they know what went wrong.
type Classified interface {
	error
	ErrorType() ErrorType
}

// AppError represents an application error with context
type AppError struct {
	Type      ErrorType         `json:"type"`
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Cause     error             `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// ErrorType implements Classified
func (e *AppError) ErrorType() ErrorType {
	return e.Type
}

// NewAppError creates a new application error
func NewAppError(errorType ErrorType, code, message string) *AppError {
	return &AppError{
		Type:      errorType,
		Code:      code,
		Message:   message,
		Details:   make(map[string]string),
		Timestamp: time.Now(),
	}
}

// WithCause adds a cause to the error
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// WithDetail adds a detail to the error
func (e *AppError) WithDetail(key, value string) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithRequestID adds a request ID to the error
func (e *AppError) WithRequestID(requestID string) *AppError {
	e.RequestID = requestID
	return e
}

// Common error constructors
func NewValidationError(message string) *AppError {
	return NewAppError(ErrorTypeValidation, "VALIDATION_ERROR", message)
}

func NewAuthenticationError(message string) *AppError {
	return NewAppError(ErrorTypeAuthentication, "AUTHENTICATION_ERROR", message)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrorTypeNotFound, "NOT_FOUND", fmt.Sprintf("%s not found", resource))
}

func NewRateLimitError(message string) *AppError {
	return NewAppError(ErrorTypeRateLimit, "RATE_LIMIT_EXCEEDED", message)
}

func NewQuotaExceededError(message string) *AppError {
	return NewAppError(ErrorTypeQuotaExceeded, "QUOTA_EXCEEDED", message)
}

func NewNetworkError(message string) *AppError {
	return NewAppError(ErrorTypeNetwork, "NETWORK_ERROR", message)
}

func NewParsingError(message string) *AppError {
	return NewAppError(ErrorTypeParsing, "PARSING_ERROR", message)
}

func NewCacheError(message string) *AppError {
	return NewAppError(ErrorTypeCache, "CACHE_ERROR", message)
}

func NewProviderError(provider, message string) *AppError {
	return NewAppError(ErrorTypeProvider, "PROVIDER_ERROR", message).
		WithDetail("provider", provider)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrorTypeInternal, "INTERNAL_ERROR", message)
}

// Ledger-specific errors
func NewInsufficientTokensError(balance, required int64) *AppError {
	return NewAppError(ErrorTypeInsufficientTokens, "INSUFFICIENT_TOKENS", UserMessage(ErrorTypeInsufficientTokens)).
		WithDetail("balance", fmt.Sprintf("%d", balance)).
		WithDetail("required", fmt.Sprintf("%d", required))
}

func NewAccountNotFoundError(userID string) *AppError {
	return NewAppError(ErrorTypeAccountNotFound, "ACCOUNT_NOT_FOUND", "token account not found").
		WithDetail("user_id", userID)
}

// NewUserFacingError builds the error returned to end users for a
// classification. The cause is kept for logs and support tooling only.
func NewUserFacingError(errorType ErrorType, cause error) *AppError {
	code := "AI_" + strings.ToUpper(string(errorType))
	return NewAppError(errorType, code, UserMessage(errorType)).WithCause(cause)
}

// AsAppError finds the first AppError in the chain
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsType checks if the error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	var classified Classified
	if stderrors.As(err, &classified) {
		return classified.ErrorType() == errorType
	}
	return false
}

// IsNotFound reports whether err is a not-found error
func IsNotFound(err error) bool {
	return IsType(err, ErrorTypeNotFound)
}

// GetCode returns the error code if it's an AppError
func GetCode(err error) string {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code
	}
	return "UNKNOWN_ERROR"
}

// GetType returns the error type if the error is classified
func GetType(err error) ErrorType {
	var classified Classified
	if stderrors.As(err, &classified) {
		return classified.ErrorType()
	}
	return ErrorTypeUnknown
}
