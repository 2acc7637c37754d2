// Package resilience classifies AI provider failures and retries the ones
// that may succeed on a later attempt.
//
// # Classification
//
// Classify maps any error onto the taxonomy in pkg/errors. Errors that
// implement errors.Classified are trusted as-is, context deadlines and
// net.Error values are network failures, and the message text of opaque
// third-party errors is matched last.
//
//	switch resilience.Classify(err) {
//	case errors.ErrorTypeRateLimit:
//		// back off at the caller
//	}
//
// # Retry with Exponential Backoff
//
// Only Network, ProviderError and Cache failures are retried. Delays start
// at InitialDelay and grow by BackoffMultiplier up to MaxDelay. The sleep
// between attempts honours context cancellation.
//
//	exec := resilience.NewExecutor(resilience.WithSink(sink))
//	reply, err := resilience.ExecuteWithRetry(ctx, exec, func(ctx context.Context) (string, error) {
//		return client.Complete(ctx, prompt)
//	}, resilience.OperationContext{Operation: "cover_letter", Provider: "openai"},
//		resilience.DefaultRetryPolicy())
//
// A failed call always returns an *AIError carrying the classification,
// severity, and the attempt on which it gave up.
//
// # Circuit Breaker
//
// A BreakerSet keeps one CircuitBreaker per provider. An open breaker
// fails fast with a CircuitBreakerError, classified as ProviderError, and
// the set's Availability feeds provider health into monitoring.
//
//	breakers := resilience.NewBreakerSet(resilience.DefaultCircuitBreakerConfig(""), "openai", "anthropic")
//	reply, err := resilience.CallWithBreaker(ctx, breakers.Get("openai"), call)
package resilience
