package mongodb

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/guillermoBallester/moat/internal/core/domain"
	"github.com/guillermoBallester/moat/internal/core/port"
)

// Find runs a find and drains the cursor. A zero limit is left unset, which
// the server treats as unbounded; callers apply their own cap.
func (c *Client) Find(ctx context.Context, database, collection string, filter map[string]any, o port.FindOptions) ([]map[string]any, error) {
	if err := c.live(); err != nil {
		return nil, err
	}
	f, err := toBSON(filter)
	if err != nil {
		return nil, err
	}

	opts := options.Find()
	if o.Limit > 0 {
		opts.SetLimit(o.Limit)
	}
	if o.Skip > 0 {
		opts.SetSkip(o.Skip)
	}
	if len(o.Sort) > 0 {
		opts.SetSort(sortDoc(o.Sort))
	}
	if len(o.Projection) > 0 {
		p, err := toBSON(o.Projection)
		if err != nil {
			return nil, err
		}
		opts.SetProjection(p)
	}
	if o.MaxTime > 0 {
		opts.SetMaxTime(o.MaxTime)
	}

	cur, err := c.collection(database, collection).Find(ctx, f, opts)
	if err != nil {
		return nil, translateError(fmt.Errorf("find: %w", err))
	}
	return drain(ctx, cur)
}

func (c *Client) CountDocuments(ctx context.Context, database, collection string, filter map[string]any) (int64, error) {
	if err := c.live(); err != nil {
		return 0, err
	}
	f, err := toBSON(filter)
	if err != nil {
		return 0, err
	}
	n, err := c.collection(database, collection).CountDocuments(ctx, f)
	if err != nil {
		return 0, translateError(fmt.Errorf("count: %w", err))
	}
	return n, nil
}

func (c *Client) Distinct(ctx context.Context, database, collection, field string, filter map[string]any) ([]any, error) {
	if err := c.live(); err != nil {
		return nil, err
	}
	f, err := toBSON(filter)
	if err != nil {
		return nil, err
	}
	vals, err := c.collection(database, collection).Distinct(ctx, field, f)
	if err != nil {
		return nil, translateError(fmt.Errorf("distinct: %w", err))
	}
	out := make([]any, 0, len(vals))
	for _, v := range vals {
		nv, err := normalizeValue(v)
		if err != nil {
			return nil, err
		}
		out = append(out, nv)
	}
	return out, nil
}

// Aggregate never spills to disk.
func (c *Client) Aggregate(ctx context.Context, database, collection string, pipeline []map[string]any, o domain.AggregateOptions) ([]map[string]any, error) {
	if err := c.live(); err != nil {
		return nil, err
	}
	p, err := pipelineToBSON(pipeline)
	if err != nil {
		return nil, err
	}
	opts := options.Aggregate().SetAllowDiskUse(false)
	if o.BatchSize > 0 {
		opts.SetBatchSize(o.BatchSize)
	}
	if o.MaxTimeMS > 0 {
		opts.SetMaxTime(time.Duration(o.MaxTimeMS) * time.Millisecond)
	}

	cur, err := c.collection(database, collection).Aggregate(ctx, p, opts)
	if err != nil {
		return nil, translateError(fmt.Errorf("aggregate: %w", err))
	}
	return drain(ctx, cur)
}

// Explain wraps the equivalent find in an explain command.
func (c *Client) Explain(ctx context.Context, database, collection string, filter map[string]any, o port.FindOptions, verbosity string) (map[string]any, error) {
	if err := c.live(); err != nil {
		return nil, err
	}
	f, err := toBSON(filter)
	if err != nil {
		return nil, err
	}

	find := bson.D{{Key: "find", Value: collection}, {Key: "filter", Value: f}}
	if len(o.Sort) > 0 {
		find = append(find, bson.E{Key: "sort", Value: sortDoc(o.Sort)})
	}
	if len(o.Projection) > 0 {
		p, err := toBSON(o.Projection)
		if err != nil {
			return nil, err
		}
		find = append(find, bson.E{Key: "projection", Value: p})
	}
	if o.Limit > 0 {
		find = append(find, bson.E{Key: "limit", Value: o.Limit})
	}
	if o.Skip > 0 {
		find = append(find, bson.E{Key: "skip", Value: o.Skip})
	}

	cmd := bson.D{{Key: "explain", Value: find}, {Key: "verbosity", Value: verbosity}}
	return c.runCommand(ctx, database, cmd, "explain")
}

func (c *Client) runCommand(ctx context.Context, database string, cmd bson.D, name string) (map[string]any, error) {
	raw, err := c.client.Database(database).RunCommand(ctx, cmd).Raw()
	if err != nil {
		return nil, translateError(fmt.Errorf("%s: %w", name, err))
	}
	return normalize(raw)
}

func drain(ctx context.Context, cur *mongo.Cursor) ([]map[string]any, error) {
	defer func() { _ = cur.Close(context.WithoutCancel(ctx)) }()

	docs := make([]map[string]any, 0)
	for cur.Next(ctx) {
		doc, err := normalize(cur.Current)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := cur.Err(); err != nil {
		return nil, translateError(fmt.Errorf("iterating cursor: %w", err))
	}
	return docs, nil
}
