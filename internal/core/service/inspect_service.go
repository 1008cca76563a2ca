package service

import (
	"context"

	"github.com/guillermoBallester/moat/internal/audit"
	"github.com/guillermoBallester/moat/internal/core/domain"
	"github.com/guillermoBallester/moat/internal/core/port"
)

// ExplainRequest explains the find a QueryRequest with the same fields would
// run.
type ExplainRequest struct {
	Database   string
	Collection string
	Filter     map[string]any
	Limit      any
	Skip       any
	Sort       any
	Projection map[string]any
	Verbosity  string
}

type ExplainResult struct {
	Explanation map[string]any `json:"explanation"`
	Metadata    Metadata       `json:"metadata"`
}

type explainOptions struct {
	Verbosity  string             `json:"verbosity"`
	Limit      int64              `json:"limit,omitempty"`
	Skip       int64              `json:"skip,omitempty"`
	Sort       []domain.SortField `json:"sort,omitempty"`
	Projection map[string]any     `json:"projection,omitempty"`
}

// Explain is never cached: execution statistics change between runs.
func (s *ReadService) Explain(ctx context.Context, req ExplainRequest) (*ExplainResult, error) {
	database := s.database(req.Database)
	var filter map[string]any
	var opts explainOptions

	out, err := Run(ctx, s.m, Operation{
		Name:       OpExplain,
		Resource:   audit.ResourceQuery,
		Database:   database,
		Collection: req.Collection,
		NoCache:    true,
		Prepare: func() (any, any, error) {
			var err error
			if err = s.namespace(database, req.Collection); err != nil {
				return nil, nil, err
			}
			if filter, err = s.san.Filter(req.Filter); err != nil {
				return nil, nil, err
			}
			if opts.Verbosity, err = s.san.Verbosity(req.Verbosity); err != nil {
				return nil, nil, err
			}
			if req.Limit != nil {
				if opts.Limit, err = s.san.Limit(req.Limit); err != nil {
					return nil, nil, err
				}
			}
			if opts.Skip, err = s.san.Skip(req.Skip); err != nil {
				return nil, nil, err
			}
			if opts.Sort, err = s.san.Sort(req.Sort); err != nil {
				return nil, nil, err
			}
			if opts.Projection, err = s.san.Projection(req.Projection); err != nil {
				return nil, nil, err
			}
			return filter, opts, nil
		},
	}, func(ctx context.Context, db port.Database) (map[string]any, error) {
		plan, err := db.Explain(ctx, database, req.Collection, filter, port.FindOptions{
			Limit:      opts.Limit,
			Skip:       opts.Skip,
			Sort:       opts.Sort,
			Projection: opts.Projection,
		}, opts.Verbosity)
		if err != nil {
			return nil, err
		}
		return formatExplain(plan), nil
	})
	if err != nil {
		return nil, err
	}
	return &ExplainResult{
		Explanation: out.Value,
		Metadata:    metadataFor(out, database, req.Collection, 0),
	}, nil
}

var (
	planFields = []string{"stage", "indexName", "direction", "indexBounds", "filter", "sortPattern", "limitAmount", "skipAmount"}

	executionStageFields = []string{
		"stage", "nReturned", "executionTimeMillisEstimate", "works", "advanced",
		"needTime", "needYield", "saveState", "restoreState", "isEOF",
		"indexName", "keysExamined", "docsExamined",
	}
)

// formatExplain keeps the parts of an explain document a caller needs to
// judge index use, dropping driver and shard noise.
func formatExplain(plan map[string]any) map[string]any {
	out := map[string]any{}

	if qp, ok := plan["queryPlanner"].(map[string]any); ok {
		formatted := pick(qp, "plannerVersion", "namespace", "indexFilterSet", "parsedQuery")
		formatted["winningPlan"] = formatStage(qp["winningPlan"], planFields)
		rejected := []any{}
		if plans, ok := qp["rejectedPlans"].([]any); ok {
			for _, p := range plans {
				rejected = append(rejected, formatStage(p, planFields))
			}
		}
		formatted["rejectedPlans"] = rejected
		out["queryPlanner"] = formatted
	}

	if es, ok := plan["executionStats"].(map[string]any); ok {
		formatted := pick(es, "executionSuccess", "nReturned", "executionTimeMillis", "totalKeysExamined", "totalDocsExamined")
		formatted["executionStages"] = formatStage(es["executionStages"], executionStageFields)
		out["executionStats"] = formatted
	}

	if si, ok := plan["serverInfo"].(map[string]any); ok {
		out["serverInfo"] = pick(si, "host", "port", "version", "gitVersion")
	}
	if cmd, ok := plan["command"]; ok {
		out["command"] = cmd
	}
	return out
}

// formatStage walks a plan tree through inputStage and inputStages.
func formatStage(v any, fields []string) any {
	stage, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := pick(stage, fields...)
	if in, ok := stage["inputStage"]; ok {
		out["inputStage"] = formatStage(in, fields)
	}
	if ins, ok := stage["inputStages"].([]any); ok {
		children := make([]any, 0, len(ins))
		for _, in := range ins {
			children = append(children, formatStage(in, fields))
		}
		out["inputStages"] = children
	}
	// Slot-based engine plans nest the classic tree under queryPlan.
	if qp, ok := stage["queryPlan"]; ok {
		out["queryPlan"] = formatStage(qp, fields)
	}
	return out
}

func pick(m map[string]any, keys ...string) map[string]any {
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		if v, ok := m[k]; ok {
			out[k] = v
		}
	}
	return out
}

// StatsRequest asks for collection statistics, or database statistics when
// Collection is empty.
type StatsRequest struct {
	Database   string
	Collection string
}

type StatsResult struct {
	Stats    map[string]any `json:"stats"`
	Metadata Metadata       `json:"metadata"`
}

var (
	databaseStatFields   = []string{"db", "collections", "views", "objects", "avgObjSize", "dataSize", "storageSize", "indexes", "indexSize", "totalSize", "fsUsedSize", "fsTotalSize"}
	collectionStatFields = []string{"ns", "count", "size", "avgObjSize", "storageSize", "nindexes", "totalIndexSize", "indexSizes", "capped", "max"}
)

func (s *ReadService) Stats(ctx context.Context, req StatsRequest) (*StatsResult, error) {
	database := s.database(req.Database)
	resource := audit.ResourceDatabase
	if req.Collection != "" {
		resource = audit.ResourceCollection
	}

	out, err := Run(ctx, s.m, Operation{
		Name:       OpStats,
		Resource:   resource,
		Database:   database,
		Collection: req.Collection,
		NoCache:    true,
		Prepare: func() (any, any, error) {
			if req.Collection == "" {
				return nil, nil, s.san.DatabaseName(database)
			}
			return nil, nil, s.namespace(database, req.Collection)
		},
	}, func(ctx context.Context, db port.Database) (map[string]any, error) {
		if req.Collection == "" {
			stats, err := db.DatabaseStats(ctx, database)
			if err != nil {
				return nil, err
			}
			return pick(stats, databaseStatFields...), nil
		}
		stats, err := db.CollectionStats(ctx, database, req.Collection)
		if err != nil {
			return nil, err
		}
		return pick(stats, collectionStatFields...), nil
	})
	if err != nil {
		return nil, err
	}
	return &StatsResult{
		Stats:    out.Value,
		Metadata: metadataFor(out, database, req.Collection, 0),
	}, nil
}

type ServerStatusResult struct {
	Status   map[string]any `json:"status"`
	Metadata Metadata       `json:"metadata"`
}

var serverStatusFields = []string{"host", "version", "process", "uptime", "localTime", "connections", "network", "opcounters", "mem", "repl"}

// ServerStatus reports a trimmed serverStatus document.
func (s *ReadService) ServerStatus(ctx context.Context) (*ServerStatusResult, error) {
	out, err := Run(ctx, s.m, Operation{
		Name:     OpServerStatus,
		Resource: audit.ResourceDatabase,
		Database: "admin",
		NoCache:  true,
	}, func(ctx context.Context, db port.Database) (map[string]any, error) {
		status, err := db.ServerStatus(ctx)
		if err != nil {
			return nil, err
		}
		return pick(status, serverStatusFields...), nil
	})
	if err != nil {
		return nil, err
	}
	return &ServerStatusResult{
		Status:   out.Value,
		Metadata: metadataFor(out, "admin", "", 0),
	}, nil
}
