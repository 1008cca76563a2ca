// Package performance keeps a bounded timeline of database operations and
// summarises it.
package performance

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/guillermoBallester/moat/internal/ring"
)

const (
	DefaultCapacity      = 10000
	DefaultSlowThreshold = time.Second
	DefaultWindow        = time.Hour
	DefaultTopN          = 10
)

// OperationID identifies one started operation. The zero value is returned
// when metrics are disabled and is ignored by End.
type OperationID string

// Metric is a single operation record. Fields after StartTime are set once,
// when the operation ends.
type Metric struct {
	ID                OperationID   `json:"operation_id"`
	Operation         string        `json:"operation"`
	Database          string        `json:"database,omitempty"`
	Collection        string        `json:"collection,omitempty"`
	StartTime         time.Time     `json:"start_time"`
	EndTime           time.Time     `json:"end_time,omitzero"`
	Duration          time.Duration `json:"-"`
	DurationMS        int64         `json:"duration_ms"`
	Finished          bool          `json:"finished"`
	Success           bool          `json:"success"`
	Error             string        `json:"error,omitempty"`
	CacheHit          *bool         `json:"cache_hit,omitempty"`
	DocumentsReturned int           `json:"documents_returned,omitempty"`
	BytesReturned     int           `json:"bytes_returned,omitempty"`
}

// EndOptions carries the outcome details recorded by End.
type EndOptions struct {
	Err               error
	DocumentsReturned int
	BytesReturned     int
	CacheHit          *bool
}

// Stats aggregates finished operations inside a time window.
type Stats struct {
	TotalOperations      int            `json:"total_operations"`
	SuccessfulOperations int            `json:"successful_operations"`
	FailedOperations     int            `json:"failed_operations"`
	AverageDurationMS    float64        `json:"average_duration_ms"`
	SlowQueries          int            `json:"slow_queries"`
	CacheHitRate         float64        `json:"cache_hit_rate"`
	OperationCounts      map[string]int `json:"operation_counts"`
	ErrorCounts          map[string]int `json:"error_counts"`
}

// Config controls the monitor. Zero values fall back to the package defaults.
type Config struct {
	Enabled       bool
	SlowThreshold time.Duration
	Capacity      int
}

// Monitor is safe for concurrent use.
type Monitor struct {
	enabled       bool
	slowThreshold time.Duration
	now           func() time.Time

	mu    sync.Mutex
	buf   *ring.Buffer[*Metric]
	index map[OperationID]*Metric
}

// Option customises a Monitor.
type Option func(*Monitor)

// WithClock replaces the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

func NewMonitor(cfg Config, opts ...Option) *Monitor {
	if cfg.SlowThreshold <= 0 {
		cfg.SlowThreshold = DefaultSlowThreshold
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	m := &Monitor{
		enabled:       cfg.Enabled,
		slowThreshold: cfg.SlowThreshold,
		now:           time.Now,
		buf:           ring.New[*Metric](cfg.Capacity),
		index:         make(map[OperationID]*Metric),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Enabled reports whether operations are being recorded.
func (m *Monitor) Enabled() bool { return m.enabled }

// SlowThreshold returns the duration above which an operation is slow.
func (m *Monitor) SlowThreshold() time.Duration { return m.slowThreshold }

// Start records the beginning of an operation and returns its handle.
func (m *Monitor) Start(operation, database, collection string) OperationID {
	if !m.enabled {
		return ""
	}
	rec := &Metric{
		ID:         OperationID(uuid.NewString()),
		Operation:  operation,
		Database:   database,
		Collection: collection,
		StartTime:  m.now(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if old, evicted := m.buf.Push(rec); evicted {
		delete(m.index, old.ID)
	}
	m.index[rec.ID] = rec
	return rec.ID
}

// End finalises the operation and returns its duration. Unknown, evicted or
// already finished handles are ignored and report ok=false.
func (m *Monitor) End(id OperationID, success bool, opts EndOptions) (time.Duration, bool) {
	if id == "" {
		return 0, false
	}
	end := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.index[id]
	if !ok || rec.Finished {
		return 0, false
	}
	rec.EndTime = end
	rec.Duration = max(end.Sub(rec.StartTime), 0)
	rec.DurationMS = rec.Duration.Milliseconds()
	rec.Finished = true
	rec.Success = success
	if opts.Err != nil {
		rec.Error = opts.Err.Error()
	}
	rec.CacheHit = opts.CacheHit
	rec.DocumentsReturned = opts.DocumentsReturned
	rec.BytesReturned = opts.BytesReturned
	return rec.Duration, true
}

// IsSlowQuery reports whether d exceeds the slow threshold.
func (m *Monitor) IsSlowQuery(d time.Duration) bool {
	return d > m.slowThreshold
}

// Stats aggregates finished operations started at or after since. A zero
// since means the last hour.
func (m *Monitor) Stats(since time.Time) Stats {
	if since.IsZero() {
		since = m.now().Add(-DefaultWindow)
	}
	s := Stats{
		OperationCounts: make(map[string]int),
		ErrorCounts:     make(map[string]int),
	}

	var total time.Duration
	var cacheSamples, cacheHits int

	m.mu.Lock()
	defer m.mu.Unlock()

	m.buf.Each(func(rec *Metric) bool {
		if !rec.Finished || rec.StartTime.Before(since) {
			return true
		}
		s.TotalOperations++
		if rec.Success {
			s.SuccessfulOperations++
		} else {
			s.FailedOperations++
		}
		total += rec.Duration
		if m.IsSlowQuery(rec.Duration) {
			s.SlowQueries++
		}
		if rec.CacheHit != nil {
			cacheSamples++
			if *rec.CacheHit {
				cacheHits++
			}
		}
		s.OperationCounts[rec.Operation]++
		if !rec.Success && rec.Error != "" {
			s.ErrorCounts[rec.Error]++
		}
		return true
	})

	if s.TotalOperations > 0 {
		s.AverageDurationMS = float64(total.Microseconds()) / 1000 / float64(s.TotalOperations)
	}
	if cacheSamples > 0 {
		s.CacheHitRate = float64(cacheHits) / float64(cacheSamples)
	}
	return s
}

// SlowQueries returns up to n slow finished operations, slowest first.
func (m *Monitor) SlowQueries(n int) []Metric {
	if n <= 0 {
		n = DefaultTopN
	}
	out := m.collect(func(rec *Metric) bool {
		return rec.Finished && m.IsSlowQuery(rec.Duration)
	})
	slices.SortStableFunc(out, func(a, b Metric) int {
		return cmp.Compare(b.Duration, a.Duration)
	})
	return out[:min(n, len(out))]
}

// RecentErrors returns up to n failed operations, most recent first.
func (m *Monitor) RecentErrors(n int) []Metric {
	return m.ErrorsSince(time.Time{}, n)
}

// ErrorsSince is RecentErrors limited to operations started at or after
// since. A zero since keeps every record.
func (m *Monitor) ErrorsSince(since time.Time, n int) []Metric {
	if n <= 0 {
		n = DefaultTopN
	}
	out := m.collect(func(rec *Metric) bool {
		return rec.Finished && !rec.Success && !rec.StartTime.Before(since)
	})
	slices.SortStableFunc(out, func(a, b Metric) int {
		return b.EndTime.Compare(a.EndTime)
	})
	return out[:min(n, len(out))]
}

// Metrics returns copies of all records, oldest first.
func (m *Monitor) Metrics() []Metric {
	return m.collect(func(*Metric) bool { return true })
}

// Clear drops every record.
func (m *Monitor) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buf.Clear()
	clear(m.index)
}

func (m *Monitor) collect(keep func(*Metric) bool) []Metric {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Metric
	m.buf.Each(func(rec *Metric) bool {
		if keep(rec) {
			out = append(out, *rec)
		}
		return true
	})
	return out
}
