package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/guillermoBallester/moat/internal/audit"
	"github.com/guillermoBallester/moat/internal/cache"
	"github.com/guillermoBallester/moat/internal/core/port"
	"github.com/guillermoBallester/moat/internal/performance"
	"github.com/guillermoBallester/moat/internal/ratelimit"
)

const (
	statusTopN  = 5
	metricsTopN = 10
)

// DiagnosticsService reports on, and resets, the manager's own state. None
// of its operations are rate limited or cached.
type DiagnosticsService struct {
	m *ConnectionManager
}

func NewDiagnosticsService(m *ConnectionManager) *DiagnosticsService {
	return &DiagnosticsService{m: m}
}

type ConnectionStatus struct {
	State     string          `json:"state"`
	Connected bool            `json:"connected"`
	Database  string          `json:"database"`
	Pool      *port.PoolStats `json:"pool,omitempty"`
}

type PerformanceStatus struct {
	performance.Stats
	SlowQueries  []performance.Metric `json:"slow_queries"`
	RecentErrors []performance.Metric `json:"recent_errors"`
}

type HealthStatus struct {
	Ping      bool      `json:"ping"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type SystemStatus struct {
	Connection  ConnectionStatus                 `json:"connection"`
	Cache       cache.Stats                      `json:"cache"`
	Performance PerformanceStatus                `json:"performance"`
	RateLimit   map[string]ratelimit.BucketStats `json:"rate_limit"`
	Audit       audit.Stats                      `json:"audit"`
	Health      HealthStatus                     `json:"health"`
}

// SystemStatus snapshots every collaborator and pings the server. A failed
// ping is reported, not returned.
func (s *DiagnosticsService) SystemStatus(ctx context.Context) *SystemStatus {
	m := s.m
	stats := m.Stats()
	monitor := m.PerformanceMonitor()

	health := HealthStatus{Timestamp: m.now()}
	if db := m.client(); db != nil {
		pingCtx, cancel := context.WithTimeout(ctx, m.cfg.Dial.ServerSelectionTimeout)
		err := db.Ping(pingCtx)
		cancel()
		health.Ping = err == nil
		if err != nil {
			health.Error = err.Error()
		}
	} else {
		health.Error = "not connected"
	}

	return &SystemStatus{
		Connection: ConnectionStatus{
			State:     stats.State,
			Connected: stats.Connected,
			Database:  stats.Database,
			Pool:      stats.Pool,
		},
		Cache: stats.Cache,
		Performance: PerformanceStatus{
			Stats:        stats.Performance,
			SlowQueries:  emptyIfNil(monitor.SlowQueries(statusTopN)),
			RecentErrors: emptyIfNil(monitor.RecentErrors(statusTopN)),
		},
		RateLimit: stats.RateLimit,
		Audit:     stats.Audit,
		Health:    health,
	}
}

type DetailedMetrics struct {
	Since       time.Time            `json:"since"`
	Performance performance.Stats    `json:"performance"`
	Audit       audit.Stats          `json:"audit"`
	Cache       cache.Stats          `json:"cache"`
	Errors      []performance.Metric `json:"errors"`
}

// DetailedMetrics aggregates metrics at or after since. A zero since means
// the last hour.
func (s *DiagnosticsService) DetailedMetrics(since time.Time) *DetailedMetrics {
	m := s.m
	if since.IsZero() {
		since = m.now().Add(-performance.DefaultWindow)
	}
	return &DetailedMetrics{
		Since:       since,
		Performance: m.PerformanceMonitor().Stats(since),
		Audit:       m.AuditLogger().Stats(since),
		Cache:       m.Cache().Stats(),
		Errors:      emptyIfNil(m.PerformanceMonitor().ErrorsSince(since, metricsTopN)),
	}
}

// ClearCache flushes all cached results and counters.
func (s *DiagnosticsService) ClearCache(ctx context.Context) {
	s.m.Cache().Flush()
	s.m.Logger().InfoContext(ctx, "cache cleared", slog.String("tool.name", toolNameFromCtx(ctx)))
}

// ResetMetrics clears performance metrics and the audit log. Rate buckets
// are left alone.
func (s *DiagnosticsService) ResetMetrics(ctx context.Context) {
	s.m.PerformanceMonitor().Clear()
	s.m.AuditLogger().Clear()
	s.m.Logger().InfoContext(ctx, "metrics reset", slog.String("tool.name", toolNameFromCtx(ctx)))
}

func emptyIfNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
