package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/guillermoBallester/moat/internal/adapter/policy"
	"github.com/guillermoBallester/moat/internal/core/domain"
	"github.com/guillermoBallester/moat/internal/core/port"
	"github.com/guillermoBallester/moat/internal/core/service"
	"github.com/guillermoBallester/moat/internal/performance"
	"github.com/guillermoBallester/moat/internal/ratelimit"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// --- fake Database ---

type fakeDatabase struct {
	mu         sync.Mutex
	docs       []map[string]any
	total      int64
	lastFilter map[string]any
	lastOpts   port.FindOptions
	pipeline   []map[string]any
	findErr    error

	collections []port.CollectionInfo
	databases   []port.DatabaseInfo
	indexes     []port.IndexInfo
}

func (f *fakeDatabase) Ping(context.Context) error { return nil }

func (f *fakeDatabase) Find(_ context.Context, _, _ string, filter map[string]any, opts port.FindOptions) ([]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastFilter, f.lastOpts = filter, opts
	return f.docs, f.findErr
}

func (f *fakeDatabase) CountDocuments(_ context.Context, _, _ string, filter map[string]any) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastFilter = filter
	return f.total, nil
}

func (f *fakeDatabase) Distinct(_ context.Context, _, _, field string, _ map[string]any) ([]any, error) {
	var out []any
	for _, d := range f.docs {
		out = append(out, d[field])
	}
	return out, nil
}

func (f *fakeDatabase) Aggregate(_ context.Context, _, _ string, pipeline []map[string]any, _ domain.AggregateOptions) ([]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pipeline = pipeline
	return f.docs, nil
}

func (f *fakeDatabase) Explain(context.Context, string, string, map[string]any, port.FindOptions, string) (map[string]any, error) {
	return map[string]any{
		"queryPlanner": map[string]any{
			"namespace":     "shop.orders",
			"winningPlan":   map[string]any{"stage": "COLLSCAN"},
			"rejectedPlans": []any{},
		},
	}, nil
}

func (f *fakeDatabase) ListCollections(context.Context, string) ([]port.CollectionInfo, error) {
	return f.collections, nil
}

func (f *fakeDatabase) ListDatabases(context.Context) ([]port.DatabaseInfo, error) {
	return f.databases, nil
}

func (f *fakeDatabase) ListIndexes(context.Context, string, string) ([]port.IndexInfo, error) {
	return f.indexes, nil
}

func (f *fakeDatabase) DatabaseStats(context.Context, string) (map[string]any, error) {
	return map[string]any{"db": "shop", "collections": 2}, nil
}

func (f *fakeDatabase) CollectionStats(context.Context, string, string) (map[string]any, error) {
	return map[string]any{"ns": "shop.orders", "count": 3}, nil
}

func (f *fakeDatabase) ServerStatus(context.Context) (map[string]any, error) {
	return map[string]any{"version": "7.0.14", "uptime": 42}, nil
}

func (f *fakeDatabase) ReadTransaction(ctx context.Context, _ port.TxOptions, fn func(context.Context) error) error {
	return fn(ctx)
}

func (f *fakeDatabase) PoolStats() port.PoolStats   { return port.PoolStats{} }
func (f *fakeDatabase) Close(context.Context) error { return nil }

type fakeDialer struct{ db *fakeDatabase }

func (d fakeDialer) Dial(context.Context, port.DialOptions) (port.Database, error) { return d.db, nil }

// --- recording instrumentation ---

type recordingInst struct {
	port.NoopInstrumentation
	mu    sync.Mutex
	tools []string
}

func (r *recordingInst) RecordToolDuration(_ context.Context, tool string, _ float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools = append(r.tools, tool)
}

// --- helpers ---

type testServer struct {
	*server.MCPServer
	db *fakeDatabase
}

type serverOptions struct {
	cfg    func(*service.ManagerConfig)
	policy port.CollectionPolicy
	tracer *sdktrace.TracerProvider
	inst   port.Instrumentation
}

func setupServer(t *testing.T, db *fakeDatabase, opts serverOptions) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := service.ManagerConfig{
		Database:    "shop",
		Performance: performance.Config{Enabled: true},
		Retry:       service.RetryConfig{MaxAttempts: 1, BaseDelay: time.Millisecond},
	}
	if opts.cfg != nil {
		opts.cfg(&cfg)
	}
	m := service.NewConnectionManager(cfg, fakeDialer{db}, service.WithLogger(logger))
	t.Cleanup(func() { _ = m.Disconnect(context.Background()) })

	read := service.NewReadService(m, domain.NewSanitizer("secrets"), opts.policy)
	diag := service.NewDiagnosticsService(m)

	var tracer trace.Tracer
	if opts.tracer != nil {
		tracer = opts.tracer.Tracer("test")
	}
	return &testServer{MCPServer: NewServer("test", read, diag, logger, tracer, opts.inst), db: db}
}

var sessionCounter atomic.Int64

// callTool opens a fresh in-process session so one server can take many calls.
func callTool(t *testing.T, s *server.MCPServer, toolName string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	ctx := context.Background()
	session := server.NewInProcessSession(fmt.Sprintf("test-%d", sessionCounter.Add(1)), nil)
	require.NoError(t, s.RegisterSession(ctx, session))
	sessionCtx := s.WithContext(ctx, session)

	initBytes, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0", "id": "init", "method": "initialize",
		"params": map[string]any{
			"protocolVersion": "2025-03-26",
			"capabilities":    map[string]any{},
			"clientInfo":      map[string]any{"name": "test", "version": "1.0"},
		},
	})
	s.HandleMessage(sessionCtx, initBytes)

	reqBytes, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0", "id": "call-1", "method": "tools/call",
		"params": map[string]any{
			"name":      toolName,
			"arguments": args,
		},
	})
	resp := s.HandleMessage(sessionCtx, reqBytes)
	respBytes, _ := json.Marshal(resp)

	var rpc struct {
		Result *mcp.CallToolResult       `json:"result"`
		Error  *struct{ Message string } `json:"error,omitempty"`
	}
	require.NoError(t, json.Unmarshal(respBytes, &rpc))
	require.Nil(t, rpc.Error, "unexpected RPC error: %v", rpc.Error)
	require.NotNil(t, rpc.Result)
	return rpc.Result
}

func toolText(result *mcp.CallToolResult) string {
	if len(result.Content) == 0 {
		return ""
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		return ""
	}
	return tc.Text
}

func decodeResult(t *testing.T, result *mcp.CallToolResult) map[string]any {
	t.Helper()
	require.False(t, result.IsError, "unexpected tool error: %s", toolText(result))
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(toolText(result)), &out))
	return out
}

func decodeError(t *testing.T, result *mcp.CallToolResult) toolError {
	t.Helper()
	require.True(t, result.IsError, "expected tool error, got: %s", toolText(result))
	var out toolError
	require.NoError(t, json.Unmarshal([]byte(toolText(result)), &out))
	return out
}

func sampleDatabase() *fakeDatabase {
	return &fakeDatabase{
		docs: []map[string]any{
			{"_id": "a1", "status": "paid", "email": "ada@example.com"},
			{"_id": "a2", "status": "open", "email": "alan@example.com"},
		},
		total: 5,
	}
}

// --- registration ---

func TestRegisterTools(t *testing.T) {
	t.Parallel()
	s := setupServer(t, sampleDatabase(), serverOptions{})

	tools := s.ListTools()
	want := []string{
		"query", "count", "distinct", "aggregate", "list_collections", "list_databases",
		"get_indexes", "explain", "stats", "server_status", "system_status",
		"detailed_metrics", "clear_cache", "reset_metrics",
	}
	assert.Len(t, tools, len(want))
	for _, name := range want {
		st, ok := tools[name]
		require.True(t, ok, "tool %s not registered", name)
		require.NotNil(t, st.Tool.Annotations.ReadOnlyHint, name)
		require.NotNil(t, st.Tool.Annotations.DestructiveHint, name)
		assert.False(t, *st.Tool.Annotations.DestructiveHint, name)

		switch name {
		case "clear_cache", "reset_metrics":
			assert.False(t, *st.Tool.Annotations.ReadOnlyHint, name)
		default:
			assert.True(t, *st.Tool.Annotations.ReadOnlyHint, name)
		}
	}

	assert.Contains(t, tools["query"].Tool.InputSchema.Required, "collection")
	assert.Contains(t, tools["aggregate"].Tool.InputSchema.Required, "pipeline")
	assert.Contains(t, tools["distinct"].Tool.InputSchema.Required, "field")
}

// --- read tools ---

func TestQuery_HappyPath(t *testing.T) {
	t.Parallel()
	s := setupServer(t, sampleDatabase(), serverOptions{})

	out := decodeResult(t, callTool(t, s.MCPServer, "query", map[string]any{
		"collection": "orders",
		"filter":     map[string]any{"status": map[string]any{"$in": []any{"paid", "open"}}},
		"limit":      2,
		"sort":       map[string]any{"_id": -1},
		"projection": map[string]any{"status": 1},
	}))

	assert.EqualValues(t, 2, out["count"])
	assert.EqualValues(t, 5, out["total_count"])
	assert.Equal(t, true, out["has_more"])
	assert.Len(t, out["documents"], 2)

	meta := out["metadata"].(map[string]any)
	assert.Equal(t, "shop", meta["database"])
	assert.Equal(t, "orders", meta["collection"])

	assert.EqualValues(t, 2, s.db.lastOpts.Limit)
	require.Len(t, s.db.lastOpts.Sort, 1)
	assert.Equal(t, "_id", s.db.lastOpts.Sort[0].Field)
}

func TestQuery_FilterAsJSONString(t *testing.T) {
	t.Parallel()
	s := setupServer(t, sampleDatabase(), serverOptions{})

	res := callTool(t, s.MCPServer, "query", map[string]any{
		"collection": "orders",
		"filter":     `{"status": "paid"}`,
		"sort":       `[{"status": 1}, {"_id": -1}]`,
	})
	decodeResult(t, res)

	assert.Equal(t, map[string]any{"status": "paid"}, s.db.lastFilter)
	require.Len(t, s.db.lastOpts.Sort, 2)
	assert.Equal(t, "status", s.db.lastOpts.Sort[0].Field)
	assert.Equal(t, "_id", s.db.lastOpts.Sort[1].Field)
}

func TestQuery_ArgumentErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		args    map[string]any
		code    string
		message string
	}{
		{
			name:    "missing collection",
			args:    map[string]any{},
			code:    "VALIDATION_ERROR",
			message: "collection",
		},
		{
			name:    "filter of wrong type",
			args:    map[string]any{"collection": "orders", "filter": 42},
			code:    "VALIDATION_ERROR",
			message: "filter must be an object",
		},
		{
			name:    "malformed filter string",
			args:    map[string]any{"collection": "orders", "filter": "{status:"},
			code:    "VALIDATION_ERROR",
			message: "filter must be a JSON object",
		},
		{
			name:    "limit above maximum",
			args:    map[string]any{"collection": "orders", "limit": 5000},
			code:    "VALIDATION_ERROR",
			message: "limit must be between 0 and 1000",
		},
		{
			name:    "fractional skip",
			args:    map[string]any{"collection": "orders", "skip": 1.5},
			code:    "VALIDATION_ERROR",
			message: "skip must be an integer",
		},
		{
			name:    "javascript operator",
			args:    map[string]any{"collection": "orders", "filter": map[string]any{"$where": "this.a > 1"}},
			code:    "VALIDATION_ERROR",
			message: "unsafe operator",
		},
		{
			name:    "restricted database",
			args:    map[string]any{"collection": "users", "database": "admin"},
			code:    "VALIDATION_ERROR",
			message: "restricted namespace",
		},
		{
			name:    "denied database from policy",
			args:    map[string]any{"collection": "keys", "database": "secrets"},
			code:    "VALIDATION_ERROR",
			message: "restricted namespace",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := setupServer(t, sampleDatabase(), serverOptions{})
			e := decodeError(t, callTool(t, s.MCPServer, "query", tt.args))
			assert.Equal(t, tt.code, e.Error.Code)
			assert.Contains(t, e.Error.Message, tt.message)
		})
	}
}

func TestQuery_DatabaseFailure(t *testing.T) {
	t.Parallel()
	db := sampleDatabase()
	db.findErr = errors.New("(Unauthorized) not authorized on shop to execute command")
	s := setupServer(t, db, serverOptions{})

	e := decodeError(t, callTool(t, s.MCPServer, "query", map[string]any{"collection": "orders"}))
	assert.NotEmpty(t, e.Error.Code)
	assert.Contains(t, e.Error.Message, "not authorized")
}

func TestQuery_MasksPolicyFields(t *testing.T) {
	t.Parallel()
	pol, err := policy.Parse([]byte(`
context:
  collections:
    shop.orders:
      fields:
        email: {mask: redact}
`))
	require.NoError(t, err)
	s := setupServer(t, sampleDatabase(), serverOptions{policy: pol})

	out := decodeResult(t, callTool(t, s.MCPServer, "query", map[string]any{"collection": "orders"}))
	for _, d := range out["documents"].([]any) {
		assert.Equal(t, "***", d.(map[string]any)["email"])
	}
}

func TestQuery_RateLimited(t *testing.T) {
	t.Parallel()
	s := setupServer(t, sampleDatabase(), serverOptions{cfg: func(c *service.ManagerConfig) {
		c.RateLimit = ratelimit.Config{
			Enabled:           true,
			TokensPerInterval: 1,
			Interval:          ratelimit.Hour,
			FireImmediately:   true,
		}
	}})

	decodeResult(t, callTool(t, s.MCPServer, "query", map[string]any{"collection": "orders"}))

	e := decodeError(t, callTool(t, s.MCPServer, "query", map[string]any{"collection": "orders"}))
	assert.Equal(t, "RATE_LIMIT_ERROR", e.Error.Code)
	assert.Positive(t, e.Error.RetryAfterMS)

	decodeResult(t, callTool(t, s.MCPServer, "count", map[string]any{"collection": "orders"}))
}

func TestCount(t *testing.T) {
	t.Parallel()
	s := setupServer(t, sampleDatabase(), serverOptions{})

	out := decodeResult(t, callTool(t, s.MCPServer, "count", map[string]any{
		"collection": "orders",
		"filter":     map[string]any{"status": "paid"},
	}))
	assert.EqualValues(t, 5, out["count"])
	assert.Equal(t, map[string]any{"status": "paid"}, s.db.lastFilter)
}

func TestDistinct(t *testing.T) {
	t.Parallel()
	s := setupServer(t, sampleDatabase(), serverOptions{})

	out := decodeResult(t, callTool(t, s.MCPServer, "distinct", map[string]any{
		"collection": "orders",
		"field":      "status",
	}))
	assert.Equal(t, "status", out["field"])
	assert.ElementsMatch(t, []any{"paid", "open"}, out["values"])

	e := decodeError(t, callTool(t, s.MCPServer, "distinct", map[string]any{"collection": "orders"}))
	assert.Equal(t, "VALIDATION_ERROR", e.Error.Code)
}

func TestAggregate(t *testing.T) {
	t.Parallel()
	s := setupServer(t, sampleDatabase(), serverOptions{})

	out := decodeResult(t, callTool(t, s.MCPServer, "aggregate", map[string]any{
		"collection": "orders",
		"pipeline":   `[{"$match": {"status": "paid"}}, {"$group": {"_id": "$status", "n": {"$sum": 1}}}]`,
		"batch_size": 50,
	}))
	assert.EqualValues(t, 2, out["count"])
	require.Len(t, s.db.pipeline, 2)
	assert.Contains(t, s.db.pipeline[0], "$match")
}

func TestAggregate_Rejected(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		pipeline any
		message  string
	}{
		{"missing", nil, "pipeline is required"},
		{"not an array", map[string]any{"$match": map[string]any{}}, "pipeline must be an array"},
		{"out stage", []any{map[string]any{"$out": "copy"}}, "destructive stage"},
		{"merge stage", []any{map[string]any{"$merge": map[string]any{"into": "copy"}}}, "destructive stage"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := setupServer(t, sampleDatabase(), serverOptions{})
			args := map[string]any{"collection": "orders"}
			if tt.pipeline != nil {
				args["pipeline"] = tt.pipeline
			}
			e := decodeError(t, callTool(t, s.MCPServer, "aggregate", args))
			assert.Equal(t, "VALIDATION_ERROR", e.Error.Code)
			assert.Contains(t, e.Error.Message, tt.message)
			assert.Nil(t, s.db.pipeline, "pipeline must not reach the database")
		})
	}
}

func TestListCollections(t *testing.T) {
	t.Parallel()
	db := sampleDatabase()
	db.collections = []port.CollectionInfo{
		{Name: "orders", Type: "collection"},
		{Name: "system.views", Type: "collection"},
		{Name: "open_orders", Type: "view", ReadOnly: true},
	}
	pol, err := policy.Parse([]byte("context:\n  collections:\n    shop.orders:\n      description: Purchase orders\n"))
	require.NoError(t, err)
	s := setupServer(t, db, serverOptions{policy: pol})

	out := decodeResult(t, callTool(t, s.MCPServer, "list_collections", nil))
	assert.EqualValues(t, 2, out["count"])
	colls := out["collections"].([]any)
	assert.Equal(t, "Purchase orders", colls[0].(map[string]any)["description"])
	assert.Equal(t, "view", colls[1].(map[string]any)["type"])
}

func TestListDatabases(t *testing.T) {
	t.Parallel()
	db := sampleDatabase()
	db.databases = []port.DatabaseInfo{
		{Name: "admin", SizeOnDisk: 10},
		{Name: "shop", SizeOnDisk: 100},
		{Name: "secrets", SizeOnDisk: 5},
		{Name: "local", SizeOnDisk: 1},
	}
	s := setupServer(t, db, serverOptions{})

	out := decodeResult(t, callTool(t, s.MCPServer, "list_databases", nil))
	dbs := out["databases"].([]any)
	require.Len(t, dbs, 1)
	assert.Equal(t, "shop", dbs[0].(map[string]any)["name"])
}

func TestGetIndexes(t *testing.T) {
	t.Parallel()
	db := sampleDatabase()
	db.indexes = []port.IndexInfo{
		{Name: "_id_", Keys: []port.IndexKey{{Field: "_id", Direction: 1}}},
		{Name: "status_1", Keys: []port.IndexKey{{Field: "status", Direction: 1}}, Sparse: true},
	}
	s := setupServer(t, db, serverOptions{})

	out := decodeResult(t, callTool(t, s.MCPServer, "get_indexes", map[string]any{"collection": "orders"}))
	assert.EqualValues(t, 2, out["count"])

	e := decodeError(t, callTool(t, s.MCPServer, "get_indexes", map[string]any{"collection": "system.profile"}))
	assert.Contains(t, e.Error.Message, "restricted namespace")
}

func TestExplain(t *testing.T) {
	t.Parallel()
	s := setupServer(t, sampleDatabase(), serverOptions{})

	out := decodeResult(t, callTool(t, s.MCPServer, "explain", map[string]any{
		"collection": "orders",
		"filter":     map[string]any{"status": "paid"},
		"verbosity":  "queryPlanner",
	}))
	assert.Contains(t, out, "explanation")

	e := decodeError(t, callTool(t, s.MCPServer, "explain", map[string]any{
		"collection": "orders",
		"verbosity":  "everything",
	}))
	assert.Equal(t, "VALIDATION_ERROR", e.Error.Code)
	assert.Contains(t, e.Error.Message, "verbosity")
}

func TestStats(t *testing.T) {
	t.Parallel()
	s := setupServer(t, sampleDatabase(), serverOptions{})

	coll := decodeResult(t, callTool(t, s.MCPServer, "stats", map[string]any{"collection": "orders"}))
	assert.Equal(t, "shop.orders", coll["stats"].(map[string]any)["ns"])

	database := decodeResult(t, callTool(t, s.MCPServer, "stats", nil))
	assert.Equal(t, "shop", database["stats"].(map[string]any)["db"])
}

func TestServerStatus(t *testing.T) {
	t.Parallel()
	s := setupServer(t, sampleDatabase(), serverOptions{})

	out := decodeResult(t, callTool(t, s.MCPServer, "server_status", nil))
	assert.Equal(t, "7.0.14", out["status"].(map[string]any)["version"])
}

// --- diagnostics tools ---

func TestSystemStatus(t *testing.T) {
	t.Parallel()
	s := setupServer(t, sampleDatabase(), serverOptions{})
	decodeResult(t, callTool(t, s.MCPServer, "count", map[string]any{"collection": "orders"}))

	out := decodeResult(t, callTool(t, s.MCPServer, "system_status", nil))
	conn := out["connection"].(map[string]any)
	assert.Equal(t, true, conn["connected"])
	assert.Equal(t, "shop", conn["database"])
	assert.Equal(t, true, out["health"].(map[string]any)["ping"])
}

func TestDetailedMetrics(t *testing.T) {
	t.Parallel()
	s := setupServer(t, sampleDatabase(), serverOptions{})
	decodeResult(t, callTool(t, s.MCPServer, "count", map[string]any{"collection": "orders"}))

	out := decodeResult(t, callTool(t, s.MCPServer, "detailed_metrics", map[string]any{"since": float64(time.Now().Add(-time.Minute).UnixMilli())}))
	tools := out["audit"].(map[string]any)["tool_counts"].(map[string]any)
	assert.EqualValues(t, 1, tools["count"])

	e := decodeError(t, callTool(t, s.MCPServer, "detailed_metrics", map[string]any{"since": -1}))
	assert.Equal(t, "VALIDATION_ERROR", e.Error.Code)
}

func TestClearCacheAndResetMetrics(t *testing.T) {
	t.Parallel()
	s := setupServer(t, sampleDatabase(), serverOptions{})

	cleared := decodeResult(t, callTool(t, s.MCPServer, "clear_cache", nil))
	assert.Equal(t, true, cleared["cleared"])

	decodeResult(t, callTool(t, s.MCPServer, "count", map[string]any{"collection": "orders"}))
	reset := decodeResult(t, callTool(t, s.MCPServer, "reset_metrics", nil))
	assert.Equal(t, true, reset["reset"])

	out := decodeResult(t, callTool(t, s.MCPServer, "detailed_metrics", nil))
	assert.EqualValues(t, 0, out["audit"].(map[string]any)["total_events"])
}

// --- hooks ---

func TestToolCallHooks_SpansAndDurations(t *testing.T) {
	t.Parallel()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	inst := &recordingInst{}

	s := setupServer(t, sampleDatabase(), serverOptions{tracer: tp, inst: inst})

	decodeResult(t, callTool(t, s.MCPServer, "count", map[string]any{"collection": "orders"}))
	decodeError(t, callTool(t, s.MCPServer, "query", map[string]any{"collection": "system.js"}))

	var toolSpans []sdktrace.ReadOnlySpan
	for _, sp := range rec.Ended() {
		if sp.Name() == "moat.tool" {
			toolSpans = append(toolSpans, sp)
		}
	}
	require.Len(t, toolSpans, 2)
	assert.Equal(t, codes.Unset, toolSpans[0].Status().Code)
	assert.Equal(t, codes.Error, toolSpans[1].Status().Code)

	inst.mu.Lock()
	defer inst.mu.Unlock()
	assert.Equal(t, []string{"count", "query"}, inst.tools)
}

func TestErrorResult_Unclassified(t *testing.T) {
	t.Parallel()
	var e toolError
	res := errorResult(errors.New("boom"))
	require.True(t, res.IsError)
	require.NoError(t, json.Unmarshal([]byte(toolText(res)), &e))
	assert.Equal(t, "QUERY_ERROR", e.Error.Code)
	assert.Equal(t, "boom", e.Error.Message)
	assert.Zero(t, e.Error.RetryAfterMS)
}

func TestSinceArg(t *testing.T) {
	t.Parallel()
	req := func(args map[string]any) mcp.CallToolRequest {
		var r mcp.CallToolRequest
		r.Params.Arguments = args
		return r
	}

	since, err := sinceArg(req(nil))
	require.NoError(t, err)
	assert.True(t, since.IsZero())

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	since, err = sinceArg(req(map[string]any{"since": float64(at.UnixMilli())}))
	require.NoError(t, err)
	assert.True(t, at.Equal(since))
}
