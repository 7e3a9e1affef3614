// Package reliability provides the circuit breaker guarding the broker and the
// result store.
//
// A breaker opens after a run of consecutive failures and rejects calls with
// an *OpenError (matching ErrCircuitOpen) until its open timeout elapses. It
// then lets a limited number of probes through; enough successes close it
// again and a single failure re-opens it. Calls are never retried.
//
// Example:
//
//	cb := reliability.NewBreaker(
//		reliability.WithName("redis"),
//		reliability.WithFailureThreshold(5),
//		reliability.WithOpenTimeout(30*time.Second),
//	)
//	err := cb.Execute(ctx, func(ctx context.Context) error {
//		return client.Ping(ctx).Err()
//	})
package reliability
