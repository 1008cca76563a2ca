package service

import (
	"context"
	"errors"
	"strings"

	"github.com/guillermoBallester/moat/internal/audit"
	"github.com/guillermoBallester/moat/internal/core/domain"
	"github.com/guillermoBallester/moat/internal/core/port"
)

// Operation names. They key rate buckets, metrics and cache fingerprints.
const (
	OpQuery           = "query"
	OpCount           = "count"
	OpDistinct        = "distinct"
	OpAggregate       = "aggregate"
	OpListCollections = "list_collections"
	OpListDatabases   = "list_databases"
	OpGetIndexes      = "get_indexes"
	OpExplain         = "explain"
	OpStats           = "stats"
	OpServerStatus    = "server_status"
)

// Metadata accompanies every read result.
type Metadata struct {
	Database        string `json:"database,omitempty"`
	Collection      string `json:"collection,omitempty"`
	Query           any    `json:"query,omitempty"`
	Options         any    `json:"options,omitempty"`
	ResultCount     int    `json:"result_count"`
	OperationID     string `json:"operation_id,omitempty"`
	CacheHit        bool   `json:"cache_hit"`
	ExecutionTimeMS int64  `json:"execution_time_ms"`
}

func metadataFor[T any](out Outcome[T], database, collection string, count int) Metadata {
	return Metadata{
		Database:        database,
		Collection:      collection,
		Query:           out.Query,
		Options:         out.Options,
		ResultCount:     count,
		OperationID:     out.OperationID,
		CacheHit:        out.CacheHit,
		ExecutionTimeMS: out.Duration.Milliseconds(),
	}
}

// ReadService exposes one guarded entry point per read-only operation.
type ReadService struct {
	m      *ConnectionManager
	san    *domain.Sanitizer
	policy port.CollectionPolicy
}

func NewReadService(m *ConnectionManager, san *domain.Sanitizer, policy port.CollectionPolicy) *ReadService {
	if san == nil {
		san = domain.NewSanitizer()
	}
	if policy == nil {
		policy = port.NoPolicy{}
	}
	return &ReadService{m: m, san: san, policy: policy}
}

// database resolves an empty name to the connection's default database.
func (s *ReadService) database(name string) string {
	if name == "" {
		return s.m.Database()
	}
	return name
}

func (s *ReadService) namespace(database, collection string) error {
	if err := s.san.DatabaseName(database); err != nil {
		return err
	}
	return s.san.CollectionName(collection)
}

// QueryRequest is a find. Numeric options are untyped so the sanitizer can
// reject non-integral input.
type QueryRequest struct {
	Database   string
	Collection string
	Filter     map[string]any
	Limit      any
	Skip       any
	Sort       any
	Projection map[string]any
	// Snapshot runs the find and the count in one snapshot transaction.
	Snapshot bool
}

type QueryResult struct {
	Documents  []map[string]any `json:"documents"`
	Count      int              `json:"count"`
	TotalCount int64            `json:"total_count"`
	HasMore    bool             `json:"has_more"`
	Metadata   Metadata         `json:"metadata"`
}

type queryPage struct {
	Docs  []map[string]any
	Total int64
}

func (p queryPage) ResultCount() int { return len(p.Docs) }

type queryOptions struct {
	Limit      int64              `json:"limit"`
	Skip       int64              `json:"skip"`
	Sort       []domain.SortField `json:"sort,omitempty"`
	Projection map[string]any     `json:"projection,omitempty"`
	Snapshot   bool               `json:"snapshot,omitempty"`
}

// snapshotTx reads from the primary: transactions reject other read
// preferences.
var snapshotTx = port.TxOptions{ReadConcern: "snapshot", ReadPreference: "primary"}

// Query returns up to limit matching documents plus the total match count. A
// zero limit returns no documents but still counts.
func (s *ReadService) Query(ctx context.Context, req QueryRequest) (*QueryResult, error) {
	database := s.database(req.Database)
	var filter map[string]any
	var opts queryOptions

	out, err := Run(ctx, s.m, Operation{
		Name:       OpQuery,
		Resource:   audit.ResourceQuery,
		Database:   database,
		Collection: req.Collection,
		NoCache:    req.Snapshot,
		Prepare: func() (any, any, error) {
			var err error
			if err = s.namespace(database, req.Collection); err != nil {
				return nil, nil, err
			}
			if filter, err = s.san.Filter(req.Filter); err != nil {
				return nil, nil, err
			}
			if opts.Limit, err = s.san.Limit(req.Limit); err != nil {
				return nil, nil, err
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
			opts.Snapshot = req.Snapshot
			return filter, opts, nil
		},
	}, func(ctx context.Context, db port.Database) (queryPage, error) {
		find := func(ctx context.Context, db port.Database) (queryPage, error) {
			page := queryPage{Docs: []map[string]any{}}
			if opts.Limit > 0 {
				docs, err := db.Find(ctx, database, req.Collection, filter, port.FindOptions{
					Limit:      opts.Limit,
					Skip:       opts.Skip,
					Sort:       opts.Sort,
					Projection: opts.Projection,
				})
				if err != nil {
					return queryPage{}, err
				}
				page.Docs = domain.MaskDocuments(docs, s.policy.FieldMasks(database, req.Collection))
			}
			total, err := db.CountDocuments(ctx, database, req.Collection, filter)
			if err != nil {
				return queryPage{}, err
			}
			page.Total = total
			return page, nil
		}
		if !req.Snapshot {
			return find(ctx, db)
		}
		var page queryPage
		err := readTransaction(ctx, db, snapshotTx, func(ctx context.Context, db port.Database) error {
			var err error
			page, err = find(ctx, db)
			return err
		})
		return page, err
	})
	if err != nil {
		return nil, err
	}

	page := out.Value
	return &QueryResult{
		Documents:  page.Docs,
		Count:      len(page.Docs),
		TotalCount: page.Total,
		HasMore:    page.Total > opts.Skip+int64(len(page.Docs)),
		Metadata:   metadataFor(out, database, req.Collection, len(page.Docs)),
	}, nil
}

// CountRequest counts matching documents.
type CountRequest struct {
	Database   string
	Collection string
	Filter     map[string]any
}

type CountResult struct {
	Count    int64    `json:"count"`
	Metadata Metadata `json:"metadata"`
}

func (s *ReadService) Count(ctx context.Context, req CountRequest) (*CountResult, error) {
	database := s.database(req.Database)
	var filter map[string]any

	out, err := Run(ctx, s.m, Operation{
		Name:       OpCount,
		Resource:   audit.ResourceQuery,
		Database:   database,
		Collection: req.Collection,
		Prepare: func() (any, any, error) {
			if err := s.namespace(database, req.Collection); err != nil {
				return nil, nil, err
			}
			var err error
			filter, err = s.san.Filter(req.Filter)
			return filter, nil, err
		},
	}, func(ctx context.Context, db port.Database) (int64, error) {
		return db.CountDocuments(ctx, database, req.Collection, filter)
	})
	if err != nil {
		return nil, err
	}
	return &CountResult{
		Count:    out.Value,
		Metadata: metadataFor(out, database, req.Collection, int(out.Value)),
	}, nil
}

// DistinctRequest lists the distinct values of one field.
type DistinctRequest struct {
	Database   string
	Collection string
	Field      string
	Filter     map[string]any
}

type DistinctResult struct {
	Field    string   `json:"field"`
	Values   []any    `json:"values"`
	Count    int      `json:"count"`
	Metadata Metadata `json:"metadata"`
}

// Distinct values of a masked field are masked too.
func (s *ReadService) Distinct(ctx context.Context, req DistinctRequest) (*DistinctResult, error) {
	database := s.database(req.Database)
	var filter map[string]any

	out, err := Run(ctx, s.m, Operation{
		Name:       OpDistinct,
		Resource:   audit.ResourceQuery,
		Database:   database,
		Collection: req.Collection,
		Prepare: func() (any, any, error) {
			if err := s.namespace(database, req.Collection); err != nil {
				return nil, nil, err
			}
			if err := s.san.FieldName(req.Field); err != nil {
				return nil, nil, err
			}
			var err error
			filter, err = s.san.Filter(req.Filter)
			return filter, map[string]any{"field": req.Field}, err
		},
	}, func(ctx context.Context, db port.Database) ([]any, error) {
		vals, err := db.Distinct(ctx, database, req.Collection, req.Field, filter)
		if err != nil {
			return nil, err
		}
		if mask, ok := s.policy.FieldMasks(database, req.Collection)[req.Field]; ok {
			masked := make([]any, len(vals))
			for i, v := range vals {
				masked[i] = domain.ApplyMask(v, mask)
			}
			vals = masked
		}
		return vals, nil
	})
	if err != nil {
		return nil, err
	}
	return &DistinctResult{
		Field:    req.Field,
		Values:   out.Value,
		Count:    len(out.Value),
		Metadata: metadataFor(out, database, req.Collection, len(out.Value)),
	}, nil
}

// AggregateRequest runs a read-only pipeline.
type AggregateRequest struct {
	Database   string
	Collection string
	Pipeline   []any
	BatchSize  any
	MaxTimeMS  any
}

type AggregateResult struct {
	Documents []map[string]any `json:"documents"`
	Count     int              `json:"count"`
	Metadata  Metadata         `json:"metadata"`
}

// Aggregate applies field masks to the output documents by path. Fields
// renamed inside the pipeline are not recognised.
func (s *ReadService) Aggregate(ctx context.Context, req AggregateRequest) (*AggregateResult, error) {
	database := s.database(req.Database)
	var pipeline []map[string]any
	var opts domain.AggregateOptions

	out, err := Run(ctx, s.m, Operation{
		Name:       OpAggregate,
		Resource:   audit.ResourceAggregation,
		Database:   database,
		Collection: req.Collection,
		Prepare: func() (any, any, error) {
			var err error
			if err = s.namespace(database, req.Collection); err != nil {
				return nil, nil, err
			}
			if pipeline, err = s.san.Pipeline(req.Pipeline); err != nil {
				return nil, nil, err
			}
			if opts, err = s.san.AggregateOptions(req.BatchSize, req.MaxTimeMS); err != nil {
				return nil, nil, err
			}
			return pipeline, opts, nil
		},
	}, func(ctx context.Context, db port.Database) ([]map[string]any, error) {
		docs, err := db.Aggregate(ctx, database, req.Collection, pipeline, opts)
		if err != nil {
			return nil, err
		}
		return domain.MaskDocuments(docs, s.policy.FieldMasks(database, req.Collection)), nil
	})
	if err != nil {
		return nil, err
	}
	return &AggregateResult{
		Documents: out.Value,
		Count:     len(out.Value),
		Metadata:  metadataFor(out, database, req.Collection, len(out.Value)),
	}, nil
}

type CollectionsResult struct {
	Collections []port.CollectionInfo `json:"collections"`
	Count       int                   `json:"count"`
	Metadata    Metadata              `json:"metadata"`
}

// ListCollections hides system collections and fills in operator
// descriptions.
func (s *ReadService) ListCollections(ctx context.Context, database string) (*CollectionsResult, error) {
	database = s.database(database)

	out, err := Run(ctx, s.m, Operation{
		Name:     OpListCollections,
		Resource: audit.ResourceDatabase,
		Database: database,
		Prepare: func() (any, any, error) {
			return nil, nil, s.san.DatabaseName(database)
		},
	}, func(ctx context.Context, db port.Database) ([]port.CollectionInfo, error) {
		colls, err := db.ListCollections(ctx, database)
		if err != nil {
			return nil, err
		}
		visible := make([]port.CollectionInfo, 0, len(colls))
		for _, c := range colls {
			if strings.HasPrefix(c.Name, "system.") {
				continue
			}
			if c.Type == "" {
				c.Type = "collection"
			}
			c.Description = s.policy.CollectionDescription(database, c.Name)
			visible = append(visible, c)
		}
		return visible, nil
	})
	if err != nil {
		return nil, err
	}
	return &CollectionsResult{
		Collections: out.Value,
		Count:       len(out.Value),
		Metadata:    metadataFor(out, database, "", len(out.Value)),
	}, nil
}

type DatabasesResult struct {
	Databases []port.DatabaseInfo `json:"databases"`
	Count     int                 `json:"count"`
	TotalSize int64               `json:"total_size"`
	Metadata  Metadata            `json:"metadata"`
}

// ListDatabases hides restricted databases.
func (s *ReadService) ListDatabases(ctx context.Context) (*DatabasesResult, error) {
	out, err := Run(ctx, s.m, Operation{
		Name:     OpListDatabases,
		Resource: audit.ResourceDatabase,
	}, func(ctx context.Context, db port.Database) ([]port.DatabaseInfo, error) {
		dbs, err := db.ListDatabases(ctx)
		if err != nil {
			return nil, err
		}
		visible := make([]port.DatabaseInfo, 0, len(dbs))
		for _, d := range dbs {
			if errors.Is(s.san.DatabaseName(d.Name), domain.ErrRestrictedNamespace) {
				continue
			}
			visible = append(visible, d)
		}
		return visible, nil
	})
	if err != nil {
		return nil, err
	}

	var total int64
	for _, d := range out.Value {
		total += d.SizeOnDisk
	}
	return &DatabasesResult{
		Databases: out.Value,
		Count:     len(out.Value),
		TotalSize: total,
		Metadata:  metadataFor(out, "", "", len(out.Value)),
	}, nil
}

type IndexesResult struct {
	Indexes  []port.IndexInfo `json:"indexes"`
	Count    int              `json:"count"`
	Metadata Metadata         `json:"metadata"`
}

func (s *ReadService) GetIndexes(ctx context.Context, database, collection string) (*IndexesResult, error) {
	database = s.database(database)

	out, err := Run(ctx, s.m, Operation{
		Name:       OpGetIndexes,
		Resource:   audit.ResourceCollection,
		Database:   database,
		Collection: collection,
		Prepare: func() (any, any, error) {
			return nil, nil, s.namespace(database, collection)
		},
	}, func(ctx context.Context, db port.Database) ([]port.IndexInfo, error) {
		return db.ListIndexes(ctx, database, collection)
	})
	if err != nil {
		return nil, err
	}
	return &IndexesResult{
		Indexes:  out.Value,
		Count:    len(out.Value),
		Metadata: metadataFor(out, database, collection, len(out.Value)),
	}, nil
}
