package mcp

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/guillermoBallester/moat/internal/core/port"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// inflight is what BeforeCallTool leaves for the matching After/OnError hook.
type inflight struct {
	tool  string
	start time.Time
	span  trace.Span
}

type toolCalls struct {
	log    *slog.Logger
	tracer trace.Tracer
	inst   port.Instrumentation
	calls  sync.Map // callKey -> *inflight
}

// callKey scopes a JSON-RPC id to its session; ids repeat across clients.
type callKey struct {
	session string
	id      any
}

func keyFor(ctx context.Context, id any) callKey {
	k := callKey{id: id}
	if cs := server.ClientSessionFromContext(ctx); cs != nil {
		k.session = cs.SessionID()
	}
	return k
}

// ToolCallHooks logs every tools/call with its duration and outcome. With a
// tracer it wraps the call in a span, with instrumentation it records the
// per-tool latency histogram. Either may be nil.
func ToolCallHooks(logger *slog.Logger, tracer trace.Tracer, inst port.Instrumentation) *server.Hooks {
	tc := &toolCalls{log: logger, tracer: tracer, inst: inst}

	hooks := &server.Hooks{}
	hooks.AddBeforeCallTool(tc.before)
	hooks.AddAfterCallTool(tc.after)
	hooks.AddOnError(tc.onError)
	return hooks
}

func (tc *toolCalls) before(ctx context.Context, id any, req *mcp.CallToolRequest) {
	call := &inflight{tool: req.Params.Name, start: time.Now()}
	if tc.tracer != nil {
		_, call.span = tc.tracer.Start(ctx, "moat.tool",
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attribute.String("mcp.tool", call.tool)),
		)
	}
	tc.calls.Store(keyFor(ctx, id), call)
}

func (tc *toolCalls) after(ctx context.Context, id any, req *mcp.CallToolRequest, result any) {
	var failure error
	if r, ok := result.(*mcp.CallToolResult); ok && r.IsError {
		failure = errors.New(resultText(r))
	}
	tc.finish(ctx, id, req.Params.Name, failure)
}

func (tc *toolCalls) onError(ctx context.Context, id any, method mcp.MCPMethod, message any, err error) {
	req, ok := message.(*mcp.CallToolRequest)
	if !ok {
		return
	}
	tc.finish(ctx, id, req.Params.Name, err)
}

func (tc *toolCalls) finish(ctx context.Context, id any, tool string, failure error) {
	var call *inflight
	if v, ok := tc.calls.LoadAndDelete(keyFor(ctx, id)); ok {
		call = v.(*inflight)
	} else {
		call = &inflight{tool: tool, start: time.Now()}
	}
	elapsed := time.Since(call.start)

	attrs := []slog.Attr{
		slog.String("rpc.method", string(mcp.MethodToolsCall)),
		slog.String("mcp.tool", tool),
		slog.Duration("duration", elapsed),
		slog.Bool("error", failure != nil),
	}
	level := slog.LevelInfo
	if failure != nil {
		level = slog.LevelWarn
		attrs = append(attrs, slog.String("error.message", failure.Error()))
	}
	tc.log.LogAttrs(ctx, level, "tool call", attrs...)

	if tc.inst != nil {
		tc.inst.RecordToolDuration(ctx, tool, float64(elapsed.Microseconds())/1000)
	}

	if call.span == nil {
		return
	}
	if failure != nil {
		call.span.RecordError(failure)
		call.span.SetStatus(codes.Error, "tool returned error")
	}
	call.span.End()
}

func resultText(r *mcp.CallToolResult) string {
	for _, c := range r.Content {
		if t, ok := c.(mcp.TextContent); ok {
			return t.Text
		}
	}
	return "tool returned error"
}
