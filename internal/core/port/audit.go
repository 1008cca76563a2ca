package port

import (
	"context"
	"time"
)

// AuditEntry is the persisted form of one audit event.
type AuditEntry struct {
	Timestamp    time.Time
	OperationID  string
	Action       string
	Tool         string
	ResourceType string
	Database     string
	Collection   string
	Query        any
	Options      any
	ResultCount  int
	CacheHit     *bool
	DurationMS   int64
	Success      bool
	Err          string
}

// AuditSink persists audit entries outside the process.
type AuditSink interface {
	Record(ctx context.Context, entry AuditEntry)
	Close() error
}
