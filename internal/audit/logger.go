// Package audit keeps a bounded, queryable log of every guarded operation and
// security decision, and forwards each event to slog and an optional sink.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/guillermoBallester/moat/internal/core/port"
	"github.com/guillermoBallester/moat/internal/ring"
)

const (
	DefaultCapacity = 10000
	DefaultWindow   = time.Hour
)

// ResourceType names what an event acted on.
type ResourceType string

const (
	ResourceDatabase    ResourceType = "database"
	ResourceCollection  ResourceType = "collection"
	ResourceQuery       ResourceType = "query"
	ResourceAggregation ResourceType = "aggregation"
)

// SecurityEventType is the fixed taxonomy of security events.
type SecurityEventType string

const (
	UnauthorizedAccess SecurityEventType = "UNAUTHORIZED_ACCESS"
	SuspiciousQuery    SecurityEventType = "SUSPICIOUS_QUERY"
	RateLimitExceeded  SecurityEventType = "RATE_LIMIT_EXCEEDED"
	BlockedOperation   SecurityEventType = "BLOCKED_OPERATION"
)

// ActionConnect is recorded when a database connection is established.
const ActionConnect = "CONNECT"

type Resource struct {
	Type       ResourceType `json:"type"`
	Database   string       `json:"database,omitempty"`
	Collection string       `json:"collection,omitempty"`
}

type Metadata struct {
	OperationID string        `json:"operation_id,omitempty"`
	ToolName    string        `json:"tool_name"`
	Timestamp   time.Time     `json:"timestamp"`
	Duration    time.Duration `json:"-"`
	DurationMS  int64         `json:"duration_ms"`
	Success     bool          `json:"success"`
	Error       string        `json:"error,omitempty"`
	Query       any           `json:"query,omitempty"`
	Options     any           `json:"options,omitempty"`
	ResultCount int           `json:"result_count,omitempty"`
	CacheHit    *bool         `json:"cache_hit,omitempty"`
}

// Event is one audit record.
type Event struct {
	Action   string   `json:"action"`
	Resource Resource `json:"resource"`
	Metadata Metadata `json:"metadata"`
}

// SecurityDetails describes the request that triggered a security event.
type SecurityDetails struct {
	OperationID string
	ToolName    string
	Database    string
	Collection  string
	Query       any
	Reason      string
}

// PerformanceDetails describes a completed operation.
type PerformanceDetails struct {
	OperationID string
	ToolName    string
	Database    string
	Collection  string
	ResultCount int
	CacheHit    bool
	Slow        bool
}

// Filter narrows Events. Zero fields match everything.
type Filter struct {
	Action     string
	ToolName   string
	Database   string
	Collection string
	Success    *bool
	Since      time.Time
	Limit      int
}

// Stats summarises events inside a window.
type Stats struct {
	TotalEvents          int            `json:"total_events"`
	SuccessfulOperations int            `json:"successful_operations"`
	FailedOperations     int            `json:"failed_operations"`
	ToolCounts           map[string]int `json:"tool_counts"`
	ErrorCounts          map[string]int `json:"error_counts"`
	DatabaseCounts       map[string]int `json:"database_counts"`
}

// Config controls which events are forwarded to the log. Events are always
// retained in memory.
type Config struct {
	AuditEnabled       bool
	PerformanceLogging bool
	Capacity           int
}

// Logger is safe for concurrent use.
type Logger struct {
	cfg  Config
	log  *slog.Logger
	sink port.AuditSink
	now  func() time.Time

	mu     sync.Mutex
	events *ring.Buffer[Event]
}

// Option customises a Logger.
type Option func(*Logger)

// WithSink forwards every event to sink as well.
func WithSink(sink port.AuditSink) Option {
	return func(l *Logger) { l.sink = sink }
}

// WithClock replaces the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

func NewLogger(cfg Config, log *slog.Logger, opts ...Option) *Logger {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	l := &Logger{
		cfg:    cfg,
		log:    log,
		sink:   NoopSink{},
		now:    time.Now,
		events: ring.New[Event](cfg.Capacity),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LogToolExecution stamps and stores ev, then forwards it.
func (l *Logger) LogToolExecution(ctx context.Context, ev Event) {
	ev.Metadata.Timestamp = l.now()
	ev.Metadata.DurationMS = ev.Metadata.Duration.Milliseconds()
	l.store(ev)
	l.sink.Record(ctx, toEntry(ev))

	if !l.cfg.AuditEnabled {
		return
	}
	attrs := []any{
		slog.String("audit.action", ev.Action),
		slog.String("tool.name", ev.Metadata.ToolName),
		slog.Bool("success", ev.Metadata.Success),
		slog.Int64("duration_ms", ev.Metadata.DurationMS),
	}
	if ev.Metadata.OperationID != "" {
		attrs = append(attrs, slog.String("operation.id", ev.Metadata.OperationID))
	}
	if ev.Resource.Database != "" {
		attrs = append(attrs, slog.String("db.namespace", ev.Resource.Database))
	}
	if ev.Resource.Collection != "" {
		attrs = append(attrs, slog.String("db.collection.name", ev.Resource.Collection))
	}
	if ev.Metadata.CacheHit != nil {
		attrs = append(attrs, slog.Bool("cache_hit", *ev.Metadata.CacheHit))
	}
	if ev.Metadata.ResultCount > 0 {
		attrs = append(attrs, slog.Int("result_count", ev.Metadata.ResultCount))
	}
	if ev.Metadata.Error != "" {
		attrs = append(attrs, slog.String("error", ev.Metadata.Error))
	}
	l.log.InfoContext(ctx, fmt.Sprintf("%s on %s", ev.Action, ev.Resource.Type), attrs...)
}

// LogSecurityEvent logs a warning and stores a failed event whose action is
// the security event type.
func (l *Logger) LogSecurityEvent(ctx context.Context, kind SecurityEventType, d SecurityDetails) {
	ev := Event{
		Action:   string(kind),
		Resource: Resource{Type: resourceFor(d), Database: d.Database, Collection: d.Collection},
		Metadata: Metadata{
			OperationID: d.OperationID,
			ToolName:    d.ToolName,
			Timestamp:   l.now(),
			Success:     false,
			Error:       d.Reason,
			Query:       d.Query,
		},
	}
	l.store(ev)
	l.sink.Record(ctx, toEntry(ev))

	l.log.WarnContext(ctx, "security event",
		slog.String("security.event", string(kind)),
		slog.String("tool.name", d.ToolName),
		slog.String("db.namespace", d.Database),
		slog.String("db.collection.name", d.Collection),
		slog.String("reason", d.Reason),
	)
}

// LogPerformanceEvent logs an operation's duration, flagging slow ones.
func (l *Logger) LogPerformanceEvent(ctx context.Context, d time.Duration, p PerformanceDetails) {
	if !l.cfg.PerformanceLogging {
		return
	}
	msg := fmt.Sprintf("operation completed in %dms", d.Milliseconds())
	level := slog.LevelDebug
	if p.Slow {
		msg += " (SLOW)"
		level = slog.LevelWarn
	}
	l.log.Log(ctx, level, msg,
		slog.String("operation.id", p.OperationID),
		slog.String("tool.name", p.ToolName),
		slog.String("db.namespace", p.Database),
		slog.String("db.collection.name", p.Collection),
		slog.Int64("duration_ms", d.Milliseconds()),
		slog.Int("result_count", p.ResultCount),
		slog.Bool("cache_hit", p.CacheHit),
		slog.Bool("slow", p.Slow),
	)
}

// Events returns matching events, newest first.
func (l *Logger) Events(f Filter) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Event
	l.events.Reverse(func(ev Event) bool {
		if f.matches(ev) {
			out = append(out, ev)
		}
		return f.Limit <= 0 || len(out) < f.Limit
	})
	return out
}

// Stats aggregates events at or after since. A zero since means the last
// hour.
func (l *Logger) Stats(since time.Time) Stats {
	if since.IsZero() {
		since = l.now().Add(-DefaultWindow)
	}
	s := Stats{
		ToolCounts:     make(map[string]int),
		ErrorCounts:    make(map[string]int),
		DatabaseCounts: make(map[string]int),
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.events.Each(func(ev Event) bool {
		if ev.Metadata.Timestamp.Before(since) {
			return true
		}
		s.TotalEvents++
		if ev.Metadata.Success {
			s.SuccessfulOperations++
		} else {
			s.FailedOperations++
		}
		if ev.Metadata.ToolName != "" {
			s.ToolCounts[ev.Metadata.ToolName]++
		}
		if ev.Metadata.Error != "" {
			s.ErrorCounts[ev.Metadata.Error]++
		}
		if ev.Resource.Database != "" {
			s.DatabaseCounts[ev.Resource.Database]++
		}
		return true
	})
	return s
}

// Clear empties the in-memory log.
func (l *Logger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events.Clear()
}

// Close flushes and closes the sink.
func (l *Logger) Close() error {
	return l.sink.Close()
}

func (l *Logger) store(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events.Push(ev)
}

func (f Filter) matches(ev Event) bool {
	switch {
	case f.Action != "" && ev.Action != f.Action:
		return false
	case f.ToolName != "" && ev.Metadata.ToolName != f.ToolName:
		return false
	case f.Database != "" && ev.Resource.Database != f.Database:
		return false
	case f.Collection != "" && ev.Resource.Collection != f.Collection:
		return false
	case f.Success != nil && ev.Metadata.Success != *f.Success:
		return false
	case !f.Since.IsZero() && ev.Metadata.Timestamp.Before(f.Since):
		return false
	}
	return true
}

func resourceFor(d SecurityDetails) ResourceType {
	switch {
	case d.Collection != "":
		return ResourceCollection
	case d.Database != "":
		return ResourceDatabase
	default:
		return ResourceQuery
	}
}

func toEntry(ev Event) port.AuditEntry {
	return port.AuditEntry{
		Timestamp:    ev.Metadata.Timestamp,
		OperationID:  ev.Metadata.OperationID,
		Action:       ev.Action,
		Tool:         ev.Metadata.ToolName,
		ResourceType: string(ev.Resource.Type),
		Database:     ev.Resource.Database,
		Collection:   ev.Resource.Collection,
		Query:        ev.Metadata.Query,
		Options:      ev.Metadata.Options,
		ResultCount:  ev.Metadata.ResultCount,
		CacheHit:     ev.Metadata.CacheHit,
		DurationMS:   ev.Metadata.DurationMS,
		Success:      ev.Metadata.Success,
		Err:          ev.Metadata.Error,
	}
}
