package txlog

import "context"

type workerKey struct{}

// ContextWithWorker tags the context with an execution-context identifier.
// The identifier is stamped onto recorded commands for diagnostics only; it
// never affects ordering or correctness.
func ContextWithWorker(ctx context.Context, worker int) context.Context {
	return context.WithValue(ctx, workerKey{}, worker)
}

// WorkerFromContext returns the identifier set by ContextWithWorker, or -1
// when the context carries none. Worker 0 is a real identifier and never the
// fallback.
func WorkerFromContext(ctx context.Context) int {
	if v, ok := ctx.Value(workerKey{}).(int); ok {
		return v
	}
	return -1
}
