package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/guillermoBallester/moat"

// Instruments holds pre-created OTel metric instruments.
type Instruments struct {
	OperationCount    metric.Int64Counter
	OperationDuration metric.Float64Histogram
	OperationErrors   metric.Int64Counter
	CacheLookups      metric.Int64Counter
	RateLimited       metric.Int64Counter
	ToolDuration      metric.Float64Histogram
}

// NewInstruments creates metric instruments from the global MeterProvider.
func NewInstruments() *Instruments {
	return newInstrumentsFromMeter(otel.Meter(meterName))
}

// NoopInstruments returns instruments that record nothing.
func NoopInstruments() *Instruments {
	return newInstrumentsFromMeter(noop.NewMeterProvider().Meter(meterName))
}

func newInstrumentsFromMeter(meter metric.Meter) *Instruments {
	// OTel SDK returns noop instruments on error; safe to discard.
	opCount, _ := meter.Int64Counter("moat.operation.count",
		metric.WithDescription("Guarded database operations executed"),
	)
	opDuration, _ := meter.Float64Histogram("moat.operation.duration",
		metric.WithDescription("Guarded database operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	opErrors, _ := meter.Int64Counter("moat.operation.errors",
		metric.WithDescription("Failed guarded database operations"),
	)
	cacheLookups, _ := meter.Int64Counter("moat.cache.lookups",
		metric.WithDescription("Result cache lookups by outcome"),
	)
	rateLimited, _ := meter.Int64Counter("moat.ratelimit.rejections",
		metric.WithDescription("Operations rejected by the rate limiter"),
	)
	toolDuration, _ := meter.Float64Histogram("moat.tool.duration",
		metric.WithDescription("MCP tool call duration in milliseconds"),
		metric.WithUnit("ms"),
	)

	return &Instruments{
		OperationCount:    opCount,
		OperationDuration: opDuration,
		OperationErrors:   opErrors,
		CacheLookups:      cacheLookups,
		RateLimited:       rateLimited,
		ToolDuration:      toolDuration,
	}
}

func opAttr(operation string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("db.operation.name", operation))
}

func (i *Instruments) RecordOperationDuration(ctx context.Context, operation string, ms float64) {
	i.OperationDuration.Record(ctx, ms, opAttr(operation))
}

func (i *Instruments) IncrementOperationCount(ctx context.Context, operation string) {
	i.OperationCount.Add(ctx, 1, opAttr(operation))
}

func (i *Instruments) IncrementOperationErrors(ctx context.Context, operation, errorType string) {
	i.OperationErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("db.operation.name", operation),
		attribute.String("error.type", errorType),
	))
}

func (i *Instruments) IncrementCacheResult(ctx context.Context, operation string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	i.CacheLookups.Add(ctx, 1, metric.WithAttributes(
		attribute.String("db.operation.name", operation),
		attribute.String("cache.result", result),
	))
}

func (i *Instruments) IncrementRateLimited(ctx context.Context, operation string) {
	i.RateLimited.Add(ctx, 1, opAttr(operation))
}

func (i *Instruments) RecordToolDuration(ctx context.Context, tool string, ms float64) {
	i.ToolDuration.Record(ctx, ms, metric.WithAttributes(attribute.String("mcp.tool", tool)))
}
