package audit

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/guillermoBallester/moat/internal/core/port"
)

// fileEntry is the NDJSON line written for each audit event.
type fileEntry struct {
	Timestamp   string  `json:"ts"`
	OperationID string  `json:"operation_id,omitempty"`
	Action      string  `json:"action"`
	Tool        string  `json:"tool"`
	Resource    string  `json:"resource"`
	Database    string  `json:"database,omitempty"`
	Collection  string  `json:"collection,omitempty"`
	Query       any     `json:"query,omitempty"`
	Options     any     `json:"options,omitempty"`
	ResultCount int     `json:"result_count"`
	CacheHit    *bool   `json:"cache_hit,omitempty"`
	DurationMS  int64   `json:"duration_ms"`
	Success     bool    `json:"success"`
	Error       *string `json:"error"`
}

// FileSink appends audit entries to a file, one JSON object per line.
type FileSink struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// NewFileSink opens (or creates) path for append-only writing.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, err
	}
	return &FileSink{file: f, enc: json.NewEncoder(f)}, nil
}

func (s *FileSink) Record(_ context.Context, entry port.AuditEntry) {
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	fe := fileEntry{
		Timestamp:   ts.UTC().Format(time.RFC3339Nano),
		OperationID: entry.OperationID,
		Action:      entry.Action,
		Tool:        entry.Tool,
		Resource:    entry.ResourceType,
		Database:    entry.Database,
		Collection:  entry.Collection,
		Query:       entry.Query,
		Options:     entry.Options,
		ResultCount: entry.ResultCount,
		CacheHit:    entry.CacheHit,
		DurationMS:  entry.DurationMS,
		Success:     entry.Success,
	}
	if entry.Err != "" {
		fe.Error = &entry.Err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.enc.Encode(fe) // best-effort; audit I/O never fails a request
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// NoopSink discards all entries.
type NoopSink struct{}

func (NoopSink) Record(context.Context, port.AuditEntry) {}
func (NoopSink) Close() error                            { return nil }
