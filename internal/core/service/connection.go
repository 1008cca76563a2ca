package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/singleflight"

	"github.com/guillermoBallester/moat/internal/audit"
	"github.com/guillermoBallester/moat/internal/cache"
	"github.com/guillermoBallester/moat/internal/core/domain"
	"github.com/guillermoBallester/moat/internal/core/port"
	"github.com/guillermoBallester/moat/internal/performance"
	"github.com/guillermoBallester/moat/internal/ratelimit"
)

// Connection defaults.
const (
	DefaultConnectTimeout      = 30 * time.Second
	DefaultOperationTimeout    = 30 * time.Second
	DefaultHealthCheckInterval = 60 * time.Second
	DefaultMaxCommitTime       = 30 * time.Second

	DefaultMaxPoolSize            = 10
	DefaultMinPoolSize            = 2
	DefaultMaxConnIdleTime        = 30 * time.Second
	DefaultServerSelectionTimeout = 5 * time.Second
	DefaultSocketTimeout          = 45 * time.Second
)

const opConnect = "connect"

// ErrManagerClosed is returned by Connect after Disconnect.
var ErrManagerClosed = errors.New("connection manager closed")

// ManagerConfig is everything a ConnectionManager owns. It is not modified
// after construction.
type ManagerConfig struct {
	Dial     port.DialOptions
	Database string

	ConnectTimeout      time.Duration
	OperationTimeout    time.Duration
	HealthCheckInterval time.Duration
	Retry               RetryConfig

	Cache       cache.Config
	RateLimit   ratelimit.Config
	Performance performance.Config
	Audit       audit.Config
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = DefaultOperationTimeout
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if c.Dial.MaxPoolSize == 0 {
		c.Dial.MaxPoolSize = DefaultMaxPoolSize
	}
	if c.Dial.MinPoolSize == 0 {
		c.Dial.MinPoolSize = min(DefaultMinPoolSize, c.Dial.MaxPoolSize)
	}
	if c.Dial.MaxConnIdleTime <= 0 {
		c.Dial.MaxConnIdleTime = DefaultMaxConnIdleTime
	}
	if c.Dial.ServerSelectionTimeout <= 0 {
		c.Dial.ServerSelectionTimeout = DefaultServerSelectionTimeout
	}
	if c.Dial.SocketTimeout <= 0 {
		c.Dial.SocketTimeout = DefaultSocketTimeout
	}
	if c.Dial.AppName == "" {
		c.Dial.AppName = "moat"
	}
	c.Retry = c.Retry.withDefaults()
	return c
}

// ConnectionManager owns one database client and every piece of per-connection
// state around it: cache, rate buckets, metrics and the audit log. It is safe
// for concurrent use.
type ConnectionManager struct {
	cfg    ManagerConfig
	dialer port.Dialer
	log    *slog.Logger
	tracer trace.Tracer
	inst   port.Instrumentation
	now    func() time.Time

	cache   *cache.Cache
	limiter *ratelimit.Limiter
	monitor *performance.Monitor
	audit   *audit.Logger

	flights singleflight.Group

	// connMu serialises connect, reconnect and disconnect.
	connMu sync.Mutex

	mu           sync.RWMutex
	state        State
	db           port.Database
	closed       bool
	healthCancel context.CancelFunc
	healthWG     sync.WaitGroup
}

// ManagerOption customises a ConnectionManager.
type ManagerOption func(*managerOptions)

type managerOptions struct {
	log    *slog.Logger
	tracer trace.Tracer
	inst   port.Instrumentation
	sink   port.AuditSink
	now    func() time.Time
}

func WithLogger(l *slog.Logger) ManagerOption {
	return func(o *managerOptions) { o.log = l }
}

func WithTracer(t trace.Tracer) ManagerOption {
	return func(o *managerOptions) { o.tracer = t }
}

func WithInstrumentation(inst port.Instrumentation) ManagerOption {
	return func(o *managerOptions) { o.inst = inst }
}

// WithAuditSink forwards audit events to sink in addition to the log.
func WithAuditSink(sink port.AuditSink) ManagerOption {
	return func(o *managerOptions) { o.sink = sink }
}

// WithClock replaces the time source of the manager and its collaborators.
func WithClock(now func() time.Time) ManagerOption {
	return func(o *managerOptions) { o.now = now }
}

func NewConnectionManager(cfg ManagerConfig, dialer port.Dialer, opts ...ManagerOption) *ConnectionManager {
	o := managerOptions{
		log:    slog.New(slog.DiscardHandler),
		tracer: noop.NewTracerProvider().Tracer("noop"),
		inst:   port.NoopInstrumentation{},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	cfg = cfg.withDefaults()

	auditOpts := []audit.Option{audit.WithClock(o.now)}
	if o.sink != nil {
		auditOpts = append(auditOpts, audit.WithSink(o.sink))
	}

	return &ConnectionManager{
		cfg:     cfg,
		dialer:  dialer,
		log:     o.log,
		tracer:  o.tracer,
		inst:    o.inst,
		now:     o.now,
		cache:   cache.New(cfg.Cache, cache.WithClock(o.now)),
		limiter: ratelimit.New(cfg.RateLimit, ratelimit.WithClock(o.now)),
		monitor: performance.NewMonitor(cfg.Performance, performance.WithClock(o.now)),
		audit:   audit.NewLogger(cfg.Audit, o.log, auditOpts...),
		state:   StateDisconnected,
	}
}

// State returns the current lifecycle state.
func (m *ConnectionManager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// transition moves to `to` only if the current state is one of from and the
// edge is legal. It reports whether the move happened.
func (m *ConnectionManager) transition(to State, from ...State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(to, from...)
}

func (m *ConnectionManager) transitionLocked(to State, from ...State) bool {
	cur := m.state
	if !slices.Contains(from, cur) || !canTransition(cur, to) {
		return false
	}
	m.state = to
	m.log.Debug("connection state changed",
		slog.String("state.from", cur.String()),
		slog.String("state.to", to.String()),
	)
	return true
}

// Connect opens the client if it is not already connected. It is a no-op when
// Connected.
func (m *ConnectionManager) Connect(ctx context.Context) error {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	return m.connectLocked(ctx)
}

func (m *ConnectionManager) connectLocked(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return domain.Classify(domain.Wrap(domain.ErrConnection, ErrManagerClosed), opConnect, m.cfg.Database, "")
	}
	if m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	if !m.transitionLocked(StateConnecting, StateDisconnected, StateDegraded) {
		state := m.state
		m.mu.Unlock()
		return domain.Classify(domain.Wrap(domain.ErrConnection,
			fmt.Errorf("cannot connect from state %s", state)), opConnect, m.cfg.Database, "")
	}
	m.mu.Unlock()

	id := m.monitor.Start(opConnect, m.cfg.Database, "")
	start := m.now()

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()
	db, err := m.dialer.Dial(dialCtx, m.cfg.Dial)
	if err == nil {
		err = dialCtx.Err()
		if err != nil {
			_ = db.Close(context.WithoutCancel(ctx))
		}
	}
	elapsed := m.now().Sub(start)

	if err != nil {
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = domain.Wrap(domain.ErrTimeout,
				fmt.Errorf("connect timed out after %s: %w", m.cfg.ConnectTimeout, err))
		}
		derr := domain.Classify(err, opConnect, m.cfg.Database, "")
		m.transition(StateDisconnected, StateConnecting)
		m.monitor.End(id, false, performance.EndOptions{Err: derr})
		m.recordConnect(ctx, id, elapsed, derr)
		m.log.ErrorContext(ctx, "connect failed",
			slog.String("db.system", "mongodb"),
			slog.String("db.namespace", m.cfg.Database),
			slog.String("error.type", derr.Code()),
			slog.String("error", derr.Error()),
		)
		return derr
	}

	m.mu.Lock()
	m.db = db
	m.transitionLocked(StateConnected, StateConnecting)
	m.mu.Unlock()

	m.monitor.End(id, true, performance.EndOptions{})
	m.recordConnect(ctx, id, elapsed, nil)
	m.log.InfoContext(ctx, "connected",
		slog.String("db.system", "mongodb"),
		slog.String("db.namespace", m.cfg.Database),
		slog.Int64("duration_ms", elapsed.Milliseconds()),
	)
	m.startHealthCheck()
	return nil
}

func (m *ConnectionManager) recordConnect(ctx context.Context, id performance.OperationID, d time.Duration, err error) {
	md := audit.Metadata{
		OperationID: string(id),
		ToolName:    opConnect,
		Duration:    d,
		Success:     err == nil,
	}
	if err != nil {
		md.Error = err.Error()
	}
	m.audit.LogToolExecution(ctx, audit.Event{
		Action:   audit.ActionConnect,
		Resource: audit.Resource{Type: audit.ResourceDatabase, Database: m.cfg.Database},
		Metadata: md,
	})
}

// EnsureConnection connects if needed and then pings. A failed ping triggers
// a full reconnect.
func (m *ConnectionManager) EnsureConnection(ctx context.Context) (port.Database, error) {
	if err := m.Connect(ctx); err != nil {
		return nil, err
	}

	db := m.client()
	if db != nil {
		pingCtx, cancel := context.WithTimeout(ctx, m.cfg.Dial.ServerSelectionTimeout)
		err := db.Ping(pingCtx)
		cancel()
		if err == nil {
			return db, nil
		}
		m.log.WarnContext(ctx, "ping failed, reconnecting",
			slog.String("db.namespace", m.cfg.Database),
			slog.String("error", err.Error()),
		)
	}

	if err := m.reconnect(ctx, db); err != nil {
		return nil, err
	}
	if db = m.client(); db == nil {
		return nil, domain.Classify(domain.Wrap(domain.ErrConnection, errors.New("no active client")), opConnect, m.cfg.Database, "")
	}
	return db, nil
}

// reconnect closes the current client and connects again. failed is the
// client the caller saw fail, or nil if it saw no client at all. It does
// nothing when another caller already installed a different live client.
func (m *ConnectionManager) reconnect(ctx context.Context, failed port.Database) error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return domain.Classify(domain.Wrap(domain.ErrConnection, ErrManagerClosed), opConnect, m.cfg.Database, "")
	}
	if m.state == StateConnected && m.db != nil && m.db != failed {
		m.mu.Unlock()
		return nil
	}
	old := m.db
	m.db = nil
	m.transitionLocked(StateDisconnected, StateConnected, StateDegraded)
	m.mu.Unlock()

	if old != nil {
		if err := old.Close(context.WithoutCancel(ctx)); err != nil {
			m.log.WarnContext(ctx, "closing stale client", slog.String("error", err.Error()))
		}
	}
	return m.connectLocked(ctx)
}

func (m *ConnectionManager) client() port.Database {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != StateConnected {
		return nil
	}
	return m.db
}

func (m *ConnectionManager) startHealthCheck() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.healthCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.healthCancel = cancel
	m.healthWG.Add(1)
	go m.healthLoop(ctx)
}

func (m *ConnectionManager) healthLoop(ctx context.Context) {
	defer m.healthWG.Done()
	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.healthCheck(ctx)
		}
	}
}

// healthCheck never propagates failures: they are logged and only drive
// reconnection.
func (m *ConnectionManager) healthCheck(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("health check panicked", slog.Any("panic", r))
		}
	}()

	switch m.State() {
	case StateConnected:
		db := m.client()
		if db == nil {
			return
		}
		pingCtx, cancel := context.WithTimeout(ctx, m.cfg.Dial.ServerSelectionTimeout)
		err := db.Ping(pingCtx)
		cancel()
		if err == nil || ctx.Err() != nil {
			return
		}
		if !m.transition(StateDegraded, StateConnected) {
			return
		}
		m.log.WarnContext(ctx, "health check failed, reconnecting",
			slog.String("db.namespace", m.cfg.Database),
			slog.String("error", err.Error()),
		)
		if err := m.reconnect(ctx, db); err != nil {
			m.log.WarnContext(ctx, "reconnect failed", slog.String("error", err.Error()))
		}
	case StateDegraded, StateDisconnected:
		if err := m.reconnect(ctx, nil); err != nil {
			m.log.WarnContext(ctx, "reconnect failed", slog.String("error", err.Error()))
		}
	}
}

// Disconnect stops the health check, closes the client, stops the cache
// sweeper and closes the audit sink. Repeated calls are no-ops.
func (m *ConnectionManager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	cancel := m.healthCancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.healthWG.Wait()

	m.connMu.Lock()
	defer m.connMu.Unlock()

	m.mu.Lock()
	db := m.db
	m.db = nil
	m.state = StateDisconnected
	m.mu.Unlock()

	var errs []error
	if db != nil {
		if err := db.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	m.cache.Close()
	m.log.InfoContext(ctx, "disconnected", slog.String("db.namespace", m.cfg.Database))
	if err := m.audit.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing audit sink: %w", err))
	}
	return errors.Join(errs...)
}

// CheckRateLimit takes one token from the named bucket. Rejections are logged
// as security events.
func (m *ConnectionManager) CheckRateLimit(ctx context.Context, name string) error {
	err := m.limiter.CheckLimit(ctx, name)
	if err == nil {
		return nil
	}
	m.inst.IncrementRateLimited(ctx, name)
	m.audit.LogSecurityEvent(ctx, audit.RateLimitExceeded, audit.SecurityDetails{
		ToolName: toolNameFromCtx(ctx),
		Reason:   err.Error(),
	})
	return err
}

// WithReadTransaction runs fn inside a read-only transaction on the current
// client. Zero option fields take the snapshot/secondaryPreferred defaults.
func (m *ConnectionManager) WithReadTransaction(ctx context.Context, opts port.TxOptions, fn func(ctx context.Context, db port.Database) error) error {
	db, err := m.EnsureConnection(ctx)
	if err != nil {
		return err
	}
	return readTransaction(ctx, db, opts, fn)
}

func readTransaction(ctx context.Context, db port.Database, opts port.TxOptions, fn func(ctx context.Context, db port.Database) error) error {
	if opts.ReadConcern == "" {
		opts.ReadConcern = "snapshot"
	}
	if opts.ReadPreference == "" {
		opts.ReadPreference = "secondaryPreferred"
	}
	if opts.MaxCommitTime <= 0 {
		opts.MaxCommitTime = DefaultMaxCommitTime
	}
	return db.ReadTransaction(ctx, opts, func(txCtx context.Context) error {
		return fn(txCtx, db)
	})
}

func (m *ConnectionManager) Cache() *cache.Cache                      { return m.cache }
func (m *ConnectionManager) PerformanceMonitor() *performance.Monitor { return m.monitor }
func (m *ConnectionManager) RateLimiter() *ratelimit.Limiter          { return m.limiter }
func (m *ConnectionManager) Logger() *slog.Logger                     { return m.log }
func (m *ConnectionManager) AuditLogger() *audit.Logger               { return m.audit }

// Database returns the default database name.
func (m *ConnectionManager) Database() string { return m.cfg.Database }

// ManagerStats is a snapshot of the manager and all its collaborators.
type ManagerStats struct {
	State       string                           `json:"state"`
	Connected   bool                             `json:"connected"`
	Database    string                           `json:"database"`
	Pool        *port.PoolStats                  `json:"pool,omitempty"`
	Cache       cache.Stats                      `json:"cache"`
	Performance performance.Stats                `json:"performance"`
	RateLimit   map[string]ratelimit.BucketStats `json:"rate_limit"`
	Audit       audit.Stats                      `json:"audit"`
}

// Stats snapshots every collaborator over the last hour.
func (m *ConnectionManager) Stats() ManagerStats {
	state := m.State()
	s := ManagerStats{
		State:       state.String(),
		Connected:   state == StateConnected,
		Database:    m.cfg.Database,
		Cache:       m.cache.Stats(),
		Performance: m.monitor.Stats(time.Time{}),
		RateLimit:   m.limiter.Stats(),
		Audit:       m.audit.Stats(time.Time{}),
	}
	if db := m.client(); db != nil {
		p := db.PoolStats()
		s.Pool = &p
	}
	return s
}
