package routing

import "context"

// ExecuteWithFallbackTyped is a type-safe generic wrapper around
// Executor.ExecuteWithFallback. It eliminates the need for type assertions
// on the return value.
//
// Usage:
//
//	chunks, err := routing.ExecuteWithFallbackTyped[[]types.RetrievedChunk](
//	    exec, ctx, routing.CapabilityRerank, targets, resolve, call)
func ExecuteWithFallbackTyped[T any](
	e *Executor,
	ctx context.Context,
	capability Capability,
	targets []Target,
	resolve ClientResolver,
	call func(ctx context.Context, client any, target Target) (T, error),
) (T, error) {
	result, err := e.ExecuteWithFallback(ctx, capability, targets, resolve,
		func(ctx context.Context, client any, target Target) (any, error) {
			return call(ctx, client, target)
		})
	if err != nil {
		var zero T
		return zero, err
	}
	return result.(T), nil
}
