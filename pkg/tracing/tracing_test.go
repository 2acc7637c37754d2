package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecordingService() (*TracingService, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	config := DefaultConfig()
	config.Enabled = true
	return NewWithProvider(tp, config), recorder
}

func TestTracingService_DisabledIsNoop(t *testing.T) {
	ts, err := NewTracingService(DefaultConfig())
	require.NoError(t, err)

	ctx, span := ts.StartInvocationSpan(context.Background(), "cover_letter", "user-1", "openai")
	span.End()

	assert.Empty(t, GetTraceID(ctx))
	assert.NoError(t, ts.Shutdown(context.Background()))
}

func TestTracingService_InvocationSpanAttributes(t *testing.T) {
	ts, recorder := newRecordingService()

	ctx, span := ts.StartInvocationSpan(context.Background(), "cover_letter", "user-1", "openai")
	assert.NotEmpty(t, GetTraceID(ctx))
	assert.NotEmpty(t, GetSpanID(ctx))
	RecordError(span, errors.New("provider down"))
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "governor.invoke.cover_letter", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)

	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsString()
	}
	assert.Equal(t, "user-1", attrs["governor.user_id"])
	assert.Equal(t, "openai", attrs["governor.provider"])
}

func TestTracingService_NilSafe(t *testing.T) {
	var ts *TracingService
	_, span := ts.StartLedgerSpan(context.Background(), "deduct", "user-1")
	span.End()
	assert.NoError(t, ts.Shutdown(context.Background()))
}
