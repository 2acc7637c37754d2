package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	appErrors "github.com/NikhilSetiya/usage-governor/pkg/errors"
	"github.com/stretchr/testify/assert"
)

type taggedError struct {
	errorType appErrors.ErrorType
}

func (e taggedError) Error() string                  { return "rate limit exceeded" }
func (e taggedError) ErrorType() appErrors.ErrorType { return e.errorType }

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected appErrors.ErrorType
	}{
		{"nil", nil, appErrors.ErrorTypeUnknown},
		{"tagged variant wins over message", taggedError{appErrors.ErrorTypeParsing}, appErrors.ErrorTypeParsing},
		{"wrapped app error", fmt.Errorf("calling provider: %w", appErrors.NewQuotaExceededError("monthly cap")), appErrors.ErrorTypeQuotaExceeded},
		{"ai error keeps its type", NewAIError(appErrors.NewCacheError("miss"), OperationContext{}), appErrors.ErrorTypeCache},
		{"circuit open", &CircuitBreakerError{Name: "openai", State: StateOpen}, appErrors.ErrorTypeProvider},
		{"deadline", fmt.Errorf("request: %w", context.DeadlineExceeded), appErrors.ErrorTypeNetwork},
		{"net error", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("refused")}, appErrors.ErrorTypeNetwork},
		{"rate limit text", errors.New("429 Too Many Requests"), appErrors.ErrorTypeRateLimit},
		{"quota text", errors.New("You exceeded your current quota"), appErrors.ErrorTypeQuotaExceeded},
		{"auth text", errors.New("Incorrect API key provided: invalid_api_key"), appErrors.ErrorTypeAuthentication},
		{"network text", errors.New("read tcp: connection reset by peer"), appErrors.ErrorTypeNetwork},
		{"parsing text", errors.New("unexpected token < in JSON at position 0"), appErrors.ErrorTypeParsing},
		{"cache text", errors.New("redis: nil"), appErrors.ErrorTypeCache},
		{"provider text", errors.New("502 Bad Gateway"), appErrors.ErrorTypeProvider},
		{"overloaded", errors.New("model is overloaded"), appErrors.ErrorTypeProvider},
		{"validation text", errors.New("invalid request: messages must not be empty"), appErrors.ErrorTypeValidation},
		{"opaque", errors.New("boom"), appErrors.ErrorTypeUnknown},
		{"reset with digits in request id", errors.New("dial tcp 10.0.4.18:443: connection reset by peer (request id req_84013)"), appErrors.ErrorTypeNetwork},
		{"digits outside a status are ignored", errors.New("completion 5003 of batch 4012 rejected"), appErrors.ErrorTypeUnknown},
		{"status code auth", errors.New("request failed with status code 401"), appErrors.ErrorTypeAuthentication},
		{"status forbidden", errors.New("upstream status=403"), appErrors.ErrorTypeAuthentication},
		{"leading status", errors.New("400 Bad Request"), appErrors.ErrorTypeValidation},
		{"http status line", errors.New("unexpected reply HTTP/1.1 503"), appErrors.ErrorTypeProvider},
		{"status rate limit", errors.New("upstream returned status 429"), appErrors.ErrorTypeRateLimit},
		{"network phrase beats status", errors.New("status 401 after connection refused"), appErrors.ErrorTypeNetwork},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Classify(tt.err))
		})
	}
}

func TestSeverityAndRetryability(t *testing.T) {
	tests := []struct {
		errorType appErrors.ErrorType
		severity  appErrors.Severity
		retryable bool
	}{
		{appErrors.ErrorTypeAuthentication, appErrors.SeverityCritical, false},
		{appErrors.ErrorTypeQuotaExceeded, appErrors.SeverityHigh, false},
		{appErrors.ErrorTypeProvider, appErrors.SeverityHigh, true},
		{appErrors.ErrorTypeRateLimit, appErrors.SeverityMedium, false},
		{appErrors.ErrorTypeNetwork, appErrors.SeverityMedium, true},
		{appErrors.ErrorTypeUnknown, appErrors.SeverityMedium, false},
		{appErrors.ErrorTypeParsing, appErrors.SeverityLow, false},
		{appErrors.ErrorTypeCache, appErrors.SeverityLow, true},
		{appErrors.ErrorTypeValidation, appErrors.SeverityLow, false},
		{appErrors.ErrorTypeInsufficientTokens, appErrors.SeverityLow, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.errorType), func(t *testing.T) {
			aiErr := NewAIError(appErrors.NewAppError(tt.errorType, "TEST", "test"), OperationContext{})
			assert.Equal(t, tt.severity, aiErr.Severity)
			assert.Equal(t, tt.retryable, aiErr.Retryable)
		})
	}
}
