package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/guillermoBallester/moat/internal/audit"
	"github.com/guillermoBallester/moat/internal/cache"
	"github.com/guillermoBallester/moat/internal/core/domain"
	"github.com/guillermoBallester/moat/internal/core/port"
	"github.com/guillermoBallester/moat/internal/performance"
)

type toolNameKey struct{}

// WithToolName returns a context carrying the MCP tool name for audit logging.
func WithToolName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, toolNameKey{}, name)
}

func toolNameFromCtx(ctx context.Context) string {
	if v, ok := ctx.Value(toolNameKey{}).(string); ok {
		return v
	}
	return ""
}

// Operation describes one guarded database call.
type Operation struct {
	// Name keys the rate bucket, metrics and the cache fingerprint.
	Name       string
	Resource   audit.ResourceType
	Database   string
	Collection string
	// Prepare validates the caller's input and returns the sanitized query and
	// options used for the fingerprint and the audit trail.
	Prepare func() (query, options any, err error)
	// NoCache bypasses the cache and miss collapsing.
	NoCache bool
}

// Outcome is the result of a guarded call plus its bookkeeping.
type Outcome[T any] struct {
	Value       T
	OperationID string
	CacheHit    bool
	Duration    time.Duration
	Query       any
	Options     any
}

// Counted is implemented by results that know how many documents they carry.
type Counted interface {
	ResultCount() int
}

// Run executes exec as a guarded operation: ensure connection, rate limit,
// sanitize, cache lookup, then a bounded and retried call whose result is
// cached. Every outcome is recorded to metrics and the audit log.
func Run[T any](ctx context.Context, m *ConnectionManager, op Operation, exec func(ctx context.Context, db port.Database) (T, error)) (Outcome[T], error) {
	ctx, span := m.tracer.Start(ctx, "moat."+op.Name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "mongodb"),
			attribute.String("db.operation.name", op.Name),
			attribute.String("db.namespace", op.Database),
			attribute.String("db.collection.name", op.Collection),
		),
	)
	defer span.End()

	g := &guard[T]{m: m, op: op, tool: toolNameFromCtx(ctx), span: span}
	g.id = m.monitor.Start(op.Name, op.Database, op.Collection)
	g.start = m.now()

	out, err := g.run(ctx, exec)
	out.OperationID = string(g.id)
	out.Duration = m.now().Sub(g.start)
	out.Query, out.Options = g.query, g.options
	g.finish(ctx, out, err)
	return out, err
}

type guard[T any] struct {
	m     *ConnectionManager
	op    Operation
	tool  string
	span  trace.Span
	id    performance.OperationID
	start time.Time

	query   any
	options any
}

func (g *guard[T]) run(ctx context.Context, exec func(context.Context, port.Database) (T, error)) (Outcome[T], error) {
	var out Outcome[T]
	m := g.m

	db, err := m.EnsureConnection(ctx)
	if err != nil {
		return out, g.classify(err)
	}
	if err := m.CheckRateLimit(ctx, g.op.Name); err != nil {
		return out, g.classify(err)
	}
	if g.op.Prepare != nil {
		g.query, g.options, err = g.op.Prepare()
		if err != nil {
			return out, g.classify(err)
		}
	}

	if g.op.NoCache || !m.cache.Enabled() {
		out.Value, err = g.execute(ctx, db, exec)
		return out, err
	}

	key := cache.GenerateKey(g.op.Name, g.op.Database, g.op.Collection, g.query, g.options)
	if v, ok := m.cache.Get(key); ok {
		if cached, ok := v.(T); ok {
			m.inst.IncrementCacheResult(ctx, g.op.Name, true)
			out.Value, out.CacheHit = cached, true
			return out, nil
		}
	}
	m.inst.IncrementCacheResult(ctx, g.op.Name, false)

	// The flight is shared, so it must outlive the caller that started it.
	shared := context.WithoutCancel(ctx)
	ch := m.flights.DoChan(key, func() (any, error) {
		v, err := g.execute(shared, db, exec)
		if err != nil {
			return nil, err
		}
		m.cache.Set(key, v, m.cache.TTL())
		return v, nil
	})
	select {
	case <-ctx.Done():
		return out, g.classify(ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return out, res.Err
		}
		out.Value = res.Val.(T)
		return out, nil
	}
}

// execute runs exec with retry. Each attempt is bounded by the operation
// timeout and by ctx, and a done ctx also ends the backoff wait.
func (g *guard[T]) execute(ctx context.Context, db port.Database, exec func(context.Context, port.Database) (T, error)) (T, error) {
	m := g.m
	attempt := 0

	v, err := retry(ctx, m.cfg.Retry, func(err error, next time.Duration) {
		m.log.WarnContext(ctx, "retrying operation",
			slog.String("db.operation.name", g.op.Name),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", next),
			slog.String("error", err.Error()),
		)
	}, func() (T, error) {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, m.cfg.OperationTimeout)
		defer cancel()
		v, err := exec(attemptCtx, db)
		if err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, domain.ErrTimeout) {
			err = domain.Wrap(domain.ErrTimeout, err)
		}
		return v, err
	})
	if err != nil {
		var zero T
		return zero, g.classify(err)
	}
	return v, nil
}

func (g *guard[T]) classify(err error) error {
	return domain.Classify(err, g.op.Name, g.op.Database, g.op.Collection)
}

// finish records metrics, the audit event and any security event for one
// completed call.
func (g *guard[T]) finish(ctx context.Context, out Outcome[T], err error) {
	m := g.m
	count := resultCount(out.Value)
	hit := out.CacheHit
	var cacheHit *bool
	if err == nil {
		cacheHit = &hit
	}

	m.monitor.End(g.id, err == nil, performance.EndOptions{
		Err:               err,
		DocumentsReturned: count,
		BytesReturned:     resultBytes(out.Value, err),
		CacheHit:          cacheHit,
	})
	m.inst.RecordOperationDuration(ctx, g.op.Name, float64(out.Duration.Microseconds())/1000)

	md := audit.Metadata{
		OperationID: string(g.id),
		ToolName:    g.tool,
		Duration:    out.Duration,
		Success:     err == nil,
		Query:       g.query,
		Options:     g.options,
		ResultCount: count,
		CacheHit:    cacheHit,
	}
	if err != nil {
		md.Error = err.Error()
	}
	m.audit.LogToolExecution(ctx, audit.Event{
		Action:   g.op.Name,
		Resource: audit.Resource{Type: g.op.Resource, Database: g.op.Database, Collection: g.op.Collection},
		Metadata: md,
	})

	if err != nil {
		code := codeOf(err)
		m.inst.IncrementOperationErrors(ctx, g.op.Name, code)
		g.span.RecordError(err)
		g.span.SetStatus(codes.Error, err.Error())
		g.span.SetAttributes(attribute.String("error.type", code))
		if kind, ok := securityEventFor(err); ok {
			m.audit.LogSecurityEvent(ctx, kind, audit.SecurityDetails{
				OperationID: string(g.id),
				ToolName:    g.tool,
				Database:    g.op.Database,
				Collection:  g.op.Collection,
				Query:       g.query,
				Reason:      err.Error(),
			})
		}
		m.log.WarnContext(ctx, "operation failed",
			slog.String("db.operation.name", g.op.Name),
			slog.String("db.namespace", g.op.Database),
			slog.String("db.collection.name", g.op.Collection),
			slog.String("error.type", code),
			slog.String("error", err.Error()),
		)
		return
	}

	m.inst.IncrementOperationCount(ctx, g.op.Name)
	g.span.SetAttributes(
		attribute.Bool("moat.cache_hit", hit),
		attribute.Int("db.response.returned_rows", count),
	)
	m.audit.LogPerformanceEvent(ctx, out.Duration, audit.PerformanceDetails{
		OperationID: string(g.id),
		ToolName:    g.tool,
		Database:    g.op.Database,
		Collection:  g.op.Collection,
		ResultCount: count,
		CacheHit:    hit,
		Slow:        m.monitor.IsSlowQuery(out.Duration),
	})
}

// securityEventFor maps a rejection to its security event type. Rate-limit
// rejections are logged where they happen.
func securityEventFor(err error) (audit.SecurityEventType, bool) {
	switch {
	case errors.Is(err, domain.ErrRestrictedNamespace), errors.Is(err, domain.ErrSecurity):
		return audit.UnauthorizedAccess, true
	case errors.Is(err, domain.ErrDestructiveStage):
		return audit.BlockedOperation, true
	case errors.Is(err, domain.ErrUnsafeOperator):
		return audit.SuspiciousQuery, true
	}
	return "", false
}

func codeOf(err error) string {
	var de *domain.Error
	if errors.As(err, &de) {
		return de.Code()
	}
	return domain.KindCode(nil)
}

func resultCount(v any) int {
	switch r := v.(type) {
	case Counted:
		return r.ResultCount()
	case []map[string]any:
		return len(r)
	case []any:
		return len(r)
	}
	return 0
}

// resultBytes approximates the payload size as its JSON encoding.
func resultBytes(v any, err error) int {
	if err != nil {
		return 0
	}
	b, jerr := json.Marshal(v)
	if jerr != nil {
		return 0
	}
	return len(b)
}
