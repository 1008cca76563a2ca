package port

import "context"

// Instrumentation records application-level metrics for guarded operations.
type Instrumentation interface {
	RecordOperationDuration(ctx context.Context, operation string, ms float64)
	IncrementOperationCount(ctx context.Context, operation string)
	IncrementOperationErrors(ctx context.Context, operation, errorType string)
	IncrementCacheResult(ctx context.Context, operation string, hit bool)
	IncrementRateLimited(ctx context.Context, operation string)
	RecordToolDuration(ctx context.Context, tool string, ms float64)
}

// NoopInstrumentation discards all metrics.
type NoopInstrumentation struct{}

func (NoopInstrumentation) RecordOperationDuration(context.Context, string, float64) {}
func (NoopInstrumentation) IncrementOperationCount(context.Context, string)          {}
func (NoopInstrumentation) IncrementOperationErrors(context.Context, string, string) {}
func (NoopInstrumentation) IncrementCacheResult(context.Context, string, bool)       {}
func (NoopInstrumentation) IncrementRateLimited(context.Context, string)             {}
func (NoopInstrumentation) RecordToolDuration(context.Context, string, float64)      {}
