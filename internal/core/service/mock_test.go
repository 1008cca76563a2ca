package service

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/guillermoBallester/moat/internal/core/domain"
	"github.com/guillermoBallester/moat/internal/core/port"
)

// --- mock Database ---

type mockDatabase struct {
	mu    sync.Mutex
	calls map[string]int

	pingErr    error
	pingFn     func(ctx context.Context) error
	closed     atomic.Bool
	closeCalls atomic.Int32

	findFn      func(ctx context.Context, filter map[string]any, opts port.FindOptions) ([]map[string]any, error)
	countFn     func(ctx context.Context, filter map[string]any) (int64, error)
	distinctFn  func(ctx context.Context, field string) ([]any, error)
	aggregateFn func(ctx context.Context, pipeline []map[string]any, opts domain.AggregateOptions) ([]map[string]any, error)
	explainFn   func(ctx context.Context, verbosity string) (map[string]any, error)
	txFn        func(ctx context.Context, opts port.TxOptions, fn func(context.Context) error) error

	collections []port.CollectionInfo
	databases   []port.DatabaseInfo
	indexes     []port.IndexInfo
	stats       map[string]any
	lastTx      port.TxOptions
}

func newMockDatabase() *mockDatabase {
	return &mockDatabase{calls: make(map[string]int)}
}

func (m *mockDatabase) record(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[name]++
}

func (m *mockDatabase) Calls(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[name]
}

func (m *mockDatabase) setPingErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pingErr = err
}

func (m *mockDatabase) Ping(ctx context.Context) error {
	m.record("ping")
	m.mu.Lock()
	err, fn := m.pingErr, m.pingFn
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return err
}

func (m *mockDatabase) Find(ctx context.Context, _, _ string, filter map[string]any, opts port.FindOptions) ([]map[string]any, error) {
	m.record("find")
	if m.findFn != nil {
		return m.findFn(ctx, filter, opts)
	}
	return []map[string]any{}, nil
}

func (m *mockDatabase) CountDocuments(ctx context.Context, _, _ string, filter map[string]any) (int64, error) {
	m.record("count")
	if m.countFn != nil {
		return m.countFn(ctx, filter)
	}
	return 0, nil
}

func (m *mockDatabase) Distinct(ctx context.Context, _, _, field string, _ map[string]any) ([]any, error) {
	m.record("distinct")
	if m.distinctFn != nil {
		return m.distinctFn(ctx, field)
	}
	return []any{}, nil
}

func (m *mockDatabase) Aggregate(ctx context.Context, _, _ string, pipeline []map[string]any, opts domain.AggregateOptions) ([]map[string]any, error) {
	m.record("aggregate")
	if m.aggregateFn != nil {
		return m.aggregateFn(ctx, pipeline, opts)
	}
	return []map[string]any{}, nil
}

func (m *mockDatabase) Explain(ctx context.Context, _, _ string, _ map[string]any, _ port.FindOptions, verbosity string) (map[string]any, error) {
	m.record("explain")
	if m.explainFn != nil {
		return m.explainFn(ctx, verbosity)
	}
	return map[string]any{}, nil
}

func (m *mockDatabase) ListCollections(context.Context, string) ([]port.CollectionInfo, error) {
	m.record("list_collections")
	return m.collections, nil
}

func (m *mockDatabase) ListDatabases(context.Context) ([]port.DatabaseInfo, error) {
	m.record("list_databases")
	return m.databases, nil
}

func (m *mockDatabase) ListIndexes(context.Context, string, string) ([]port.IndexInfo, error) {
	m.record("list_indexes")
	return m.indexes, nil
}

func (m *mockDatabase) DatabaseStats(context.Context, string) (map[string]any, error) {
	m.record("db_stats")
	return m.stats, nil
}

func (m *mockDatabase) CollectionStats(context.Context, string, string) (map[string]any, error) {
	m.record("coll_stats")
	return m.stats, nil
}

func (m *mockDatabase) ServerStatus(context.Context) (map[string]any, error) {
	m.record("server_status")
	return m.stats, nil
}

func (m *mockDatabase) ReadTransaction(ctx context.Context, opts port.TxOptions, fn func(context.Context) error) error {
	m.record("tx")
	m.mu.Lock()
	m.lastTx = opts
	m.mu.Unlock()
	if m.txFn != nil {
		return m.txFn(ctx, opts, fn)
	}
	return fn(ctx)
}

func (m *mockDatabase) PoolStats() port.PoolStats {
	return port.PoolStats{Created: 2, CheckedOut: 5, InUse: 1}
}

func (m *mockDatabase) Close(context.Context) error {
	m.closed.Store(true)
	m.closeCalls.Add(1)
	return nil
}

// --- mock Dialer ---

type mockDialer struct {
	mu    sync.Mutex
	dials int
	dbs   []*mockDatabase
	err   error
	// block makes Dial wait for ctx to expire.
	block bool
}

// newMockDialer hands out dbs in order; the last one is reused.
func newMockDialer(dbs ...*mockDatabase) *mockDialer {
	return &mockDialer{dbs: dbs}
}

func (d *mockDialer) Dial(ctx context.Context, _ port.DialOptions) (port.Database, error) {
	d.mu.Lock()
	d.dials++
	n := d.dials
	err := d.err
	block := d.block
	d.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	idx := min(n-1, len(d.dbs)-1)
	return d.dbs[idx], nil
}

func (d *mockDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *mockDialer) setErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}
