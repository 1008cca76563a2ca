package mcp

import (
	"context"
	"strings"
	"time"

	"github.com/guillermoBallester/moat/internal/core/domain"
	"github.com/guillermoBallester/moat/internal/core/service"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Server metadata
const serverName = "moat"

// Tool descriptions
const (
	descQuery = "Find documents in a collection. Returns the matching documents (at most `limit`, default 100, max 1000), " +
		"the total number of matches and whether more pages exist. " +
		"Filters use MongoDB query syntax; $where, $function and $accumulator are refused. " +
		"Use projection to return only the fields you need and sort + skip to page through large results. " +
		"Masked fields come back redacted, hashed or truncated according to the server's policy."

	descCount = "Count documents matching a filter. Cheaper than query when you only need the number."

	descDistinct = "List the distinct values of one field across documents matching an optional filter. " +
		"Useful to discover enum-like values before filtering on them."

	descAggregate = "Run a read-only aggregation pipeline. Stages that write ($out, $merge) or run server-side " +
		"JavaScript are refused. batch_size is capped at 1000 and max_time_ms at the server maximum."

	descListCollections = "List the collections of a database with their type and, when configured, a business description. " +
		"Call this first to discover what data exists."

	descListDatabases = "List the databases visible to this server with their on-disk size. " +
		"Internal databases (admin, local, config) and any operator-denied databases are hidden."

	descGetIndexes = "List a collection's indexes with their keys and options (unique, sparse, TTL, partial filter). " +
		"Use this to write filters and sorts that an index can serve."

	descExplain = "Show how MongoDB would execute a find: the winning plan, index usage and, with " +
		"executionStats, the documents and keys examined. The find is executed for executionStats and allPlansExecution."

	descStats = "Storage statistics for a collection (document count, average size, index sizes), " +
		"or for the whole database when collection is omitted."

	descServerStatus = "Selected fields of the MongoDB serverStatus command: version, uptime, connections, " +
		"opcounters and memory."

	descSystemStatus = "Health of this access layer: connection state and pool, cache hit rate, operation latency " +
		"percentiles, rate-limit buckets and a live ping."

	descDetailedMetrics = "Operation and audit metrics over a time window, including slow queries and recent errors."

	descClearCache = "Drop every cached query result. Subsequent reads go to the database."

	descResetMetrics = "Clear collected performance metrics and the audit history. Rate-limit buckets are kept."
)

// Parameter descriptions
const (
	paramDatabase   = "Database name. Defaults to the database in the connection settings."
	paramCollection = "Collection name"
	paramFilter     = "MongoDB query filter as an object, e.g. {\"status\": \"active\", \"total\": {\"$gt\": 100}}"
	paramLimit      = "Maximum number of documents to return (0-1000, default 100)"
	paramSkip       = "Number of documents to skip"
	paramSort       = "Sort specification: {\"field\": 1 | -1} or an ordered list [{\"a\": 1}, {\"b\": -1}]"
	paramProjection = "Fields to include or exclude, e.g. {\"name\": 1, \"_id\": 0}"
)

// toolSet binds tool handlers to the services they call.
type toolSet struct {
	read *service.ReadService
	diag *service.DiagnosticsService
	now  func() time.Time
}

// RegisterTools adds every moat tool to s. All tools are read-only.
func RegisterTools(s *server.MCPServer, read *service.ReadService, diag *service.DiagnosticsService) {
	ts := &toolSet{read: read, diag: diag, now: time.Now}

	tools := []struct {
		tool    mcp.Tool
		handler server.ToolHandlerFunc
	}{
		{
			mcp.NewTool("query",
				mcp.WithDescription(descQuery),
				readOnly("Find documents"),
				mcp.WithString("collection", mcp.Required(), mcp.Description(paramCollection)),
				mcp.WithString("database", mcp.Description(paramDatabase)),
				mcp.WithObject("filter", mcp.Description(paramFilter)),
				mcp.WithNumber("limit", mcp.Description(paramLimit), mcp.Min(0), mcp.Max(domain.MaxLimit)),
				mcp.WithNumber("skip", mcp.Description(paramSkip), mcp.Min(0)),
				mcp.WithAny("sort", mcp.Description(paramSort)),
				mcp.WithObject("projection", mcp.Description(paramProjection)),
				mcp.WithBoolean("snapshot", mcp.Description("Run the find and the total count against one consistent snapshot")),
			),
			ts.query,
		},
		{
			mcp.NewTool("count",
				mcp.WithDescription(descCount),
				readOnly("Count documents"),
				mcp.WithString("collection", mcp.Required(), mcp.Description(paramCollection)),
				mcp.WithString("database", mcp.Description(paramDatabase)),
				mcp.WithObject("filter", mcp.Description(paramFilter)),
			),
			ts.count,
		},
		{
			mcp.NewTool("distinct",
				mcp.WithDescription(descDistinct),
				readOnly("Distinct values"),
				mcp.WithString("collection", mcp.Required(), mcp.Description(paramCollection)),
				mcp.WithString("field", mcp.Required(), mcp.Description("Field path, dotted for nested fields")),
				mcp.WithString("database", mcp.Description(paramDatabase)),
				mcp.WithObject("filter", mcp.Description(paramFilter)),
			),
			ts.distinct,
		},
		{
			mcp.NewTool("aggregate",
				mcp.WithDescription(descAggregate),
				readOnly("Aggregate"),
				mcp.WithString("collection", mcp.Required(), mcp.Description(paramCollection)),
				mcp.WithArray("pipeline", mcp.Required(),
					mcp.Description("Pipeline stages, each an object with one stage operator"),
					mcp.Items(map[string]any{"type": "object"}),
				),
				mcp.WithString("database", mcp.Description(paramDatabase)),
				mcp.WithNumber("batch_size", mcp.Description("Cursor batch size (max 1000)"), mcp.Min(1)),
				mcp.WithNumber("max_time_ms", mcp.Description("Server-side time limit in milliseconds"), mcp.Min(1)),
			),
			ts.aggregate,
		},
		{
			mcp.NewTool("list_collections",
				mcp.WithDescription(descListCollections),
				readOnly("List collections"),
				mcp.WithString("database", mcp.Description(paramDatabase)),
			),
			ts.listCollections,
		},
		{
			mcp.NewTool("list_databases",
				mcp.WithDescription(descListDatabases),
				readOnly("List databases"),
			),
			ts.listDatabases,
		},
		{
			mcp.NewTool("get_indexes",
				mcp.WithDescription(descGetIndexes),
				readOnly("List indexes"),
				mcp.WithString("collection", mcp.Required(), mcp.Description(paramCollection)),
				mcp.WithString("database", mcp.Description(paramDatabase)),
			),
			ts.getIndexes,
		},
		{
			mcp.NewTool("explain",
				mcp.WithDescription(descExplain),
				readOnly("Explain find"),
				mcp.WithString("collection", mcp.Required(), mcp.Description(paramCollection)),
				mcp.WithString("database", mcp.Description(paramDatabase)),
				mcp.WithObject("filter", mcp.Description(paramFilter)),
				mcp.WithNumber("limit", mcp.Description(paramLimit), mcp.Min(0), mcp.Max(domain.MaxLimit)),
				mcp.WithNumber("skip", mcp.Description(paramSkip), mcp.Min(0)),
				mcp.WithAny("sort", mcp.Description(paramSort)),
				mcp.WithObject("projection", mcp.Description(paramProjection)),
				mcp.WithString("verbosity",
					mcp.Description("Explain verbosity (default executionStats)"),
					mcp.Enum(domain.ExplainVerbosities...),
				),
			),
			ts.explain,
		},
		{
			mcp.NewTool("stats",
				mcp.WithDescription(descStats),
				readOnly("Storage statistics"),
				mcp.WithString("database", mcp.Description(paramDatabase)),
				mcp.WithString("collection", mcp.Description("Collection name. Omit for database statistics.")),
			),
			ts.stats,
		},
		{
			mcp.NewTool("server_status",
				mcp.WithDescription(descServerStatus),
				readOnly("Server status"),
			),
			ts.serverStatus,
		},
		{
			mcp.NewTool("system_status",
				mcp.WithDescription(descSystemStatus),
				readOnly("System status"),
			),
			ts.systemStatus,
		},
		{
			mcp.NewTool("detailed_metrics",
				mcp.WithDescription(descDetailedMetrics),
				readOnly("Detailed metrics"),
				mcp.WithNumber("since",
					mcp.Description("Only include operations at or after this Unix timestamp in milliseconds. Defaults to one hour ago."),
					mcp.Min(0),
				),
			),
			ts.detailedMetrics,
		},
		{
			mcp.NewTool("clear_cache",
				mcp.WithDescription(descClearCache),
				mcp.WithTitleAnnotation("Clear cache"),
				mcp.WithReadOnlyHintAnnotation(false),
				mcp.WithDestructiveHintAnnotation(false),
				mcp.WithIdempotentHintAnnotation(true),
			),
			ts.clearCache,
		},
		{
			mcp.NewTool("reset_metrics",
				mcp.WithDescription(descResetMetrics),
				mcp.WithTitleAnnotation("Reset metrics"),
				mcp.WithReadOnlyHintAnnotation(false),
				mcp.WithDestructiveHintAnnotation(false),
				mcp.WithIdempotentHintAnnotation(true),
			),
			ts.resetMetrics,
		},
	}

	for _, t := range tools {
		s.AddTool(t.tool, named(t.tool.Name, t.handler))
	}
}

// readOnly marks a tool that never changes database state.
func readOnly(title string) mcp.ToolOption {
	return func(t *mcp.Tool) {
		mcp.WithTitleAnnotation(title)(t)
		mcp.WithReadOnlyHintAnnotation(true)(t)
		mcp.WithDestructiveHintAnnotation(false)(t)
		mcp.WithOpenWorldHintAnnotation(false)(t)
	}
}

// named puts the tool name on the context so audit entries and metrics can
// attribute the operation.
func named(name string, h server.ToolHandlerFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return h(service.WithToolName(ctx, name), req)
	}
}

func (ts *toolSet) query(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	collection, err := req.RequireString("collection")
	if err != nil {
		return errorResult(domain.Validationf("%v", err)), nil
	}
	filter, err := objectArg(args, "filter")
	if err != nil {
		return errorResult(err), nil
	}
	projection, err := objectArg(args, "projection")
	if err != nil {
		return errorResult(err), nil
	}
	sort, err := anyArg(args, "sort")
	if err != nil {
		return errorResult(err), nil
	}

	result, err := ts.read.Query(ctx, service.QueryRequest{
		Database:   req.GetString("database", ""),
		Collection: collection,
		Filter:     filter,
		Limit:      args["limit"],
		Skip:       args["skip"],
		Sort:       sort,
		Projection: projection,
		Snapshot:   req.GetBool("snapshot", false),
	})
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(result)
}

func (ts *toolSet) count(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	collection, err := req.RequireString("collection")
	if err != nil {
		return errorResult(domain.Validationf("%v", err)), nil
	}
	filter, err := objectArg(req.GetArguments(), "filter")
	if err != nil {
		return errorResult(err), nil
	}

	result, err := ts.read.Count(ctx, service.CountRequest{
		Database:   req.GetString("database", ""),
		Collection: collection,
		Filter:     filter,
	})
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(result)
}

func (ts *toolSet) distinct(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	collection, err := req.RequireString("collection")
	if err != nil {
		return errorResult(domain.Validationf("%v", err)), nil
	}
	field, err := req.RequireString("field")
	if err != nil {
		return errorResult(domain.Validationf("%v", err)), nil
	}
	filter, err := objectArg(req.GetArguments(), "filter")
	if err != nil {
		return errorResult(err), nil
	}

	result, err := ts.read.Distinct(ctx, service.DistinctRequest{
		Database:   req.GetString("database", ""),
		Collection: collection,
		Field:      field,
		Filter:     filter,
	})
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(result)
}

func (ts *toolSet) aggregate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	collection, err := req.RequireString("collection")
	if err != nil {
		return errorResult(domain.Validationf("%v", err)), nil
	}
	pipeline, err := arrayArg(args, "pipeline")
	if err != nil {
		return errorResult(err), nil
	}

	result, err := ts.read.Aggregate(ctx, service.AggregateRequest{
		Database:   req.GetString("database", ""),
		Collection: collection,
		Pipeline:   pipeline,
		BatchSize:  args["batch_size"],
		MaxTimeMS:  args["max_time_ms"],
	})
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(result)
}

func (ts *toolSet) listCollections(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	result, err := ts.read.ListCollections(ctx, req.GetString("database", ""))
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(result)
}

func (ts *toolSet) listDatabases(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	result, err := ts.read.ListDatabases(ctx)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(result)
}

func (ts *toolSet) getIndexes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	collection, err := req.RequireString("collection")
	if err != nil {
		return errorResult(domain.Validationf("%v", err)), nil
	}
	result, err := ts.read.GetIndexes(ctx, req.GetString("database", ""), collection)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(result)
}

func (ts *toolSet) explain(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	collection, err := req.RequireString("collection")
	if err != nil {
		return errorResult(domain.Validationf("%v", err)), nil
	}
	filter, err := objectArg(args, "filter")
	if err != nil {
		return errorResult(err), nil
	}
	projection, err := objectArg(args, "projection")
	if err != nil {
		return errorResult(err), nil
	}
	sort, err := anyArg(args, "sort")
	if err != nil {
		return errorResult(err), nil
	}

	result, err := ts.read.Explain(ctx, service.ExplainRequest{
		Database:   req.GetString("database", ""),
		Collection: collection,
		Filter:     filter,
		Limit:      args["limit"],
		Skip:       args["skip"],
		Sort:       sort,
		Projection: projection,
		Verbosity:  strings.TrimSpace(req.GetString("verbosity", "")),
	})
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(result)
}

func (ts *toolSet) stats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	result, err := ts.read.Stats(ctx, service.StatsRequest{
		Database:   req.GetString("database", ""),
		Collection: req.GetString("collection", ""),
	})
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(result)
}

func (ts *toolSet) serverStatus(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	result, err := ts.read.ServerStatus(ctx)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(result)
}

func (ts *toolSet) systemStatus(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(ts.diag.SystemStatus(ctx))
}

func (ts *toolSet) detailedMetrics(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	since, err := sinceArg(req)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(ts.diag.DetailedMetrics(since))
}

func (ts *toolSet) clearCache(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ts.diag.ClearCache(ctx)
	return jsonResult(map[string]any{"cleared": true, "timestamp": ts.now().UTC()})
}

func (ts *toolSet) resetMetrics(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ts.diag.ResetMetrics(ctx)
	return jsonResult(map[string]any{"reset": true, "timestamp": ts.now().UTC()})
}
