package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/NikhilSetiya/usage-governor/pkg/errors"
)

// APIResponse represents a standard API response
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// APIError represents an API error
type APIError struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

func requestID(c *gin.Context) string {
	return c.GetString("request_id")
}

func respond(c *gin.Context, status int, data interface{}) {
	c.JSON(status, APIResponse{
		Success:   true,
		Data:      data,
		RequestID: requestID(c),
		Timestamp: time.Now(),
	})
}

func respondError(c *gin.Context, status int, apiErr *APIError) {
	c.AbortWithStatusJSON(status, APIResponse{
		Success:   false,
		Error:     apiErr,
		RequestID: requestID(c),
		Timestamp: time.Now(),
	})
}

// SuccessResponse sends a 200 OK response
func SuccessResponse(c *gin.Context, data interface{}) {
	respond(c, http.StatusOK, data)
}

// CreatedResponse sends a 201 Created response
func CreatedResponse(c *gin.Context, data interface{}) {
	respond(c, http.StatusCreated, data)
}

// StatusForType maps an error classification to an HTTP status code
func StatusForType(errorType errors.ErrorType) int {
	switch errorType {
	case errors.ErrorTypeValidation:
		return http.StatusBadRequest
	case errors.ErrorTypeAuthentication:
		return http.StatusUnauthorized
	case errors.ErrorTypeInsufficientTokens:
		return http.StatusPaymentRequired
	case errors.ErrorTypeNotFound, errors.ErrorTypeAccountNotFound:
		return http.StatusNotFound
	case errors.ErrorTypeRateLimit, errors.ErrorTypeQuotaExceeded:
		return http.StatusTooManyRequests
	case errors.ErrorTypeNetwork, errors.ErrorTypeProvider:
		return http.StatusServiceUnavailable
	case errors.ErrorTypeParsing:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ErrorResponseFromError sends an error response based on the error type.
// Only AppError messages reach the client; anything else is reported as
// an internal error.
func ErrorResponseFromError(c *gin.Context, err error) {
	_ = c.Error(err)

	appErr, ok := errors.AsAppError(err)
	if !ok {
		InternalErrorResponse(c, "An unexpected error occurred")
		return
	}

	apiErr := &APIError{
		Code:    appErr.Code,
		Message: appErr.Message,
	}
	if len(appErr.Details) > 0 {
		apiErr.Details = make(map[string]string, len(appErr.Details))
		for k, v := range appErr.Details {
			apiErr.Details[k] = v
		}
	}
	if appErr.Type == errors.ErrorTypeInternal {
		apiErr.Message = "An unexpected error occurred"
		apiErr.Details = nil
	}

	respondError(c, StatusForType(appErr.Type), apiErr)
}

// BadRequestResponse sends a 400 Bad Request response
func BadRequestResponse(c *gin.Context, message string) {
	respondError(c, http.StatusBadRequest, &APIError{Code: "BAD_REQUEST", Message: message})
}

// UnauthorizedResponse sends a 401 Unauthorized response
func UnauthorizedResponse(c *gin.Context, message string) {
	respondError(c, http.StatusUnauthorized, &APIError{Code: "UNAUTHORIZED", Message: message})
}

// ForbiddenResponse sends a 403 Forbidden response
func ForbiddenResponse(c *gin.Context, message string) {
	respondError(c, http.StatusForbidden, &APIError{Code: "FORBIDDEN", Message: message})
}

// NotFoundResponse sends a 404 Not Found response
func NotFoundResponse(c *gin.Context, message string) {
	respondError(c, http.StatusNotFound, &APIError{Code: "NOT_FOUND", Message: message})
}

// InternalErrorResponse sends a 500 Internal Server Error response
func InternalErrorResponse(c *gin.Context, message string) {
	respondError(c, http.StatusInternalServerError, &APIError{Code: "INTERNAL_ERROR", Message: message})
}
