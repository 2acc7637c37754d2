package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/NikhilSetiya/usage-governor/pkg/logging"
	"github.com/NikhilSetiya/usage-governor/pkg/tracing"
)

// LoggingMiddleware logs every request with correlation and request IDs.
// An incoming X-Request-ID is kept so callers can trace their own calls.
func LoggingMiddleware(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		correlationID := c.GetHeader("X-Correlation-ID")
		if correlationID == "" {
			correlationID = logging.NewCorrelationID()
		}

		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = logging.NewCorrelationID()
		}

		ctx := logging.WithCorrelationID(c.Request.Context(), correlationID)
		ctx = logging.WithRequestID(ctx, requestID)
		c.Request = c.Request.WithContext(ctx)

		c.Set("request_id", requestID)
		c.Header("X-Correlation-ID", correlationID)
		c.Header("X-Request-ID", requestID)

		c.Next()

		// Auth and tracing run later in the chain, so the subject and the
		// span are only known now.
		if subject := c.GetString("subject"); subject != "" {
			ctx = logging.WithUserID(ctx, subject)
		}
		ctx = withTraceIDs(ctx, c.Request.Context())

		logger.LogRequest(
			ctx,
			c.Request.Method,
			c.Request.URL.Path,
			c.Request.UserAgent(),
			c.ClientIP(),
			c.Writer.Status(),
			time.Since(start),
		)
	}
}

// withTraceIDs copies the trace and span IDs of the span in spanCtx into ctx
func withTraceIDs(ctx, spanCtx context.Context) context.Context {
	if traceID := tracing.GetTraceID(spanCtx); traceID != "" {
		ctx = logging.WithTraceID(ctx, traceID)
		ctx = logging.WithSpanID(ctx, tracing.GetSpanID(spanCtx))
	}
	return ctx
}

// ErrorLoggingMiddleware logs errors attached to the gin context
func ErrorLoggingMiddleware(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		ctx := c.Request.Context()
		for _, err := range c.Errors {
			logger.LogError(
				withTraceIDs(ctx, ctx),
				err.Err,
				"Request processing error",
				logging.Fields{
					"error_type": err.Type,
					"meta":       err.Meta,
					"path":       c.FullPath(),
				},
			)
		}
	}
}

// RecoveryMiddleware recovers from panics and logs them
func RecoveryMiddleware(logger *logging.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logger.LogPanic(
			c.Request.Context(),
			recovered,
			"Request panic recovered",
		)

		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":          "Internal server error",
			"correlation_id": logging.GetCorrelationID(c.Request.Context()),
		})
	})
}
