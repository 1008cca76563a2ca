package mongodb

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/guillermoBallester/moat/internal/core/port"
)

func (c *Client) ListCollections(ctx context.Context, database string) ([]port.CollectionInfo, error) {
	if err := c.live(); err != nil {
		return nil, err
	}
	specs, err := c.client.Database(database).ListCollectionSpecifications(ctx, bson.D{})
	if err != nil {
		return nil, translateError(fmt.Errorf("listing collections: %w", err))
	}
	out := make([]port.CollectionInfo, 0, len(specs))
	for _, s := range specs {
		out = append(out, port.CollectionInfo{
			Name:     s.Name,
			Type:     s.Type,
			ReadOnly: s.ReadOnly,
		})
	}
	return out, nil
}

func (c *Client) ListDatabases(ctx context.Context) ([]port.DatabaseInfo, error) {
	if err := c.live(); err != nil {
		return nil, err
	}
	res, err := c.client.ListDatabases(ctx, bson.D{})
	if err != nil {
		return nil, translateError(fmt.Errorf("listing databases: %w", err))
	}
	out := make([]port.DatabaseInfo, 0, len(res.Databases))
	for _, d := range res.Databases {
		out = append(out, port.DatabaseInfo{
			Name:       d.Name,
			SizeOnDisk: d.SizeOnDisk,
			Empty:      d.Empty,
		})
	}
	return out, nil
}

// ListIndexes keeps key order as declared on the index.
func (c *Client) ListIndexes(ctx context.Context, database, collection string) ([]port.IndexInfo, error) {
	if err := c.live(); err != nil {
		return nil, err
	}
	specs, err := c.collection(database, collection).Indexes().ListSpecifications(ctx)
	if err != nil {
		return nil, translateError(fmt.Errorf("listing indexes: %w", err))
	}

	out := make([]port.IndexInfo, 0, len(specs))
	for _, s := range specs {
		keys, err := indexKeys(s.KeysDocument)
		if err != nil {
			return nil, fmt.Errorf("index %s: %w", s.Name, err)
		}
		info := port.IndexInfo{
			Name:               s.Name,
			Keys:               keys,
			ExpireAfterSeconds: s.ExpireAfterSeconds,
		}
		if s.Unique != nil {
			info.Unique = *s.Unique
		}
		if s.Sparse != nil {
			info.Sparse = *s.Sparse
		}
		out = append(out, info)
	}
	return out, nil
}

func indexKeys(doc bson.Raw) ([]port.IndexKey, error) {
	elems, err := doc.Elements()
	if err != nil {
		return nil, fmt.Errorf("reading key document: %w", err)
	}
	keys := make([]port.IndexKey, 0, len(elems))
	for _, e := range elems {
		var v any
		if err := e.Value().Unmarshal(&v); err != nil {
			return nil, fmt.Errorf("reading key %s: %w", e.Key(), err)
		}
		dir, err := normalizeValue(v)
		if err != nil {
			return nil, err
		}
		keys = append(keys, port.IndexKey{Field: e.Key(), Direction: dir})
	}
	return keys, nil
}

func (c *Client) DatabaseStats(ctx context.Context, database string) (map[string]any, error) {
	if err := c.live(); err != nil {
		return nil, err
	}
	return c.runCommand(ctx, database, bson.D{{Key: "dbStats", Value: 1}}, "dbStats")
}

func (c *Client) CollectionStats(ctx context.Context, database, collection string) (map[string]any, error) {
	if err := c.live(); err != nil {
		return nil, err
	}
	return c.runCommand(ctx, database, bson.D{{Key: "collStats", Value: collection}}, "collStats")
}

func (c *Client) ServerStatus(ctx context.Context) (map[string]any, error) {
	if err := c.live(); err != nil {
		return nil, err
	}
	return c.runCommand(ctx, "admin", bson.D{{Key: "serverStatus", Value: 1}}, "serverStatus")
}
