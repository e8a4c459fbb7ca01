// Package reliability provides the retry primitives shared by the broker core.
//
// This package implements:
//   - Backoff policies: exponential (capped, non-decreasing) and constant delays
//   - Retrier: runs an operation up to N times, waiting between attempts,
//     stopping early on non-retryable errors or context cancellation
//   - Error taxonomy: Category and CategoryOf, so terminal failures can be
//     told apart (connectivity, channel protocol, processing, poison, config)
//
// Example usage:
//
//	err := reliability.WithRetry(ctx, 5, time.Second, func(ctx context.Context) error {
//	    return publish(ctx)
//	}, reliability.WithBackoffFactor(2), reliability.WithMaxDelay(time.Minute))
package reliability
