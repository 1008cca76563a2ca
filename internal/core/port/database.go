package port

import (
	"context"
	"time"

	"github.com/guillermoBallester/moat/internal/core/domain"
)

// FindOptions are the sanitized cursor options for a find.
type FindOptions struct {
	Limit      int64
	Skip       int64
	Sort       []domain.SortField
	Projection map[string]any
	MaxTime    time.Duration
}

type CollectionInfo struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	ReadOnly    bool   `json:"read_only,omitempty"`
	Description string `json:"description,omitempty"`
}

type DatabaseInfo struct {
	Name       string `json:"name"`
	SizeOnDisk int64  `json:"size_on_disk"`
	Empty      bool   `json:"empty"`
}

type IndexKey struct {
	Field     string `json:"field"`
	Direction any    `json:"direction"`
}

type IndexInfo struct {
	Name               string     `json:"name"`
	Keys               []IndexKey `json:"keys"`
	Unique             bool       `json:"unique"`
	Sparse             bool       `json:"sparse"`
	ExpireAfterSeconds *int32     `json:"expire_after_seconds,omitempty"`
}

// PoolStats is a snapshot of driver connection pool activity.
type PoolStats struct {
	Created    int64 `json:"created"`
	Closed     int64 `json:"closed"`
	CheckedOut int64 `json:"checked_out"`
	InUse      int64 `json:"in_use"`
}

// TxOptions configures a read-only transaction.
type TxOptions struct {
	ReadConcern    string
	ReadPreference string
	MaxCommitTime  time.Duration
}

// Database is a connected, read-only view of a document database. Documents
// are returned as plain JSON-compatible maps.
type Database interface {
	Ping(ctx context.Context) error
	Find(ctx context.Context, database, collection string, filter map[string]any, opts FindOptions) ([]map[string]any, error)
	CountDocuments(ctx context.Context, database, collection string, filter map[string]any) (int64, error)
	Distinct(ctx context.Context, database, collection, field string, filter map[string]any) ([]any, error)
	Aggregate(ctx context.Context, database, collection string, pipeline []map[string]any, opts domain.AggregateOptions) ([]map[string]any, error)
	Explain(ctx context.Context, database, collection string, filter map[string]any, opts FindOptions, verbosity string) (map[string]any, error)
	ListCollections(ctx context.Context, database string) ([]CollectionInfo, error)
	ListDatabases(ctx context.Context) ([]DatabaseInfo, error)
	ListIndexes(ctx context.Context, database, collection string) ([]IndexInfo, error)
	DatabaseStats(ctx context.Context, database string) (map[string]any, error)
	CollectionStats(ctx context.Context, database, collection string) (map[string]any, error)
	ServerStatus(ctx context.Context) (map[string]any, error)
	// ReadTransaction runs fn inside a session-bound transaction. Calls made
	// with the ctx passed to fn join the transaction.
	ReadTransaction(ctx context.Context, opts TxOptions, fn func(ctx context.Context) error) error
	PoolStats() PoolStats
	Close(ctx context.Context) error
}

// DialOptions configure the driver connection pool.
type DialOptions struct {
	URI                    string
	AppName                string
	MaxPoolSize            uint64
	MinPoolSize            uint64
	MaxConnIdleTime        time.Duration
	ServerSelectionTimeout time.Duration
	SocketTimeout          time.Duration
}

// Dialer opens Database connections.
type Dialer interface {
	Dial(ctx context.Context, opts DialOptions) (Database, error)
}
