package mongodb

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/guillermoBallester/moat/internal/core/domain"
	"github.com/guillermoBallester/moat/internal/core/port"
)

// poolCounters tracks driver pool events.
type poolCounters struct {
	created    atomic.Int64
	closed     atomic.Int64
	checkedOut atomic.Int64
	inUse      atomic.Int64
}

func (p *poolCounters) monitor() *event.PoolMonitor {
	return &event.PoolMonitor{
		Event: func(e *event.PoolEvent) {
			switch e.Type {
			case event.ConnectionCreated:
				p.created.Add(1)
			case event.ConnectionClosed:
				p.closed.Add(1)
			case event.GetSucceeded:
				p.checkedOut.Add(1)
				p.inUse.Add(1)
			case event.ConnectionReturned:
				p.inUse.Add(-1)
			}
		},
	}
}

// Dialer opens pooled MongoDB clients.
type Dialer struct{}

func NewDialer() *Dialer {
	return &Dialer{}
}

// Dial connects and pings. The returned client is ready for use; on any
// failure nothing is left open.
func (Dialer) Dial(ctx context.Context, o port.DialOptions) (port.Database, error) {
	pool := &poolCounters{}

	opts := options.Client().
		ApplyURI(o.URI).
		SetPoolMonitor(pool.monitor())
	if o.AppName != "" {
		opts.SetAppName(o.AppName)
	}
	if o.MaxPoolSize > 0 {
		opts.SetMaxPoolSize(o.MaxPoolSize)
	}
	opts.SetMinPoolSize(o.MinPoolSize)
	if o.MaxConnIdleTime > 0 {
		opts.SetMaxConnIdleTime(o.MaxConnIdleTime)
	}
	if o.ServerSelectionTimeout > 0 {
		opts.SetServerSelectionTimeout(o.ServerSelectionTimeout)
	}
	if o.SocketTimeout > 0 {
		opts.SetSocketTimeout(o.SocketTimeout)
	}
	if err := opts.Validate(); err != nil {
		return nil, domain.Wrap(domain.ErrValidation, fmt.Errorf("client options: %w", err))
	}

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, translateError(fmt.Errorf("connecting: %w", err))
	}

	c := &Client{client: client, pool: pool}
	if err := c.Ping(ctx); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return nil, err
	}
	return c, nil
}

// Client is a connected MongoDB deployment. It is safe for concurrent use.
type Client struct {
	client *mongo.Client
	pool   *poolCounters
	closed atomic.Bool
}

// Ping runs the admin ping command.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.live(); err != nil {
		return err
	}
	err := c.client.Database("admin").RunCommand(ctx, bson.D{{Key: "ping", Value: 1}}).Err()
	if err != nil {
		return translateError(fmt.Errorf("ping: %w", err))
	}
	return nil
}

func (c *Client) PoolStats() port.PoolStats {
	return port.PoolStats{
		Created:    c.pool.created.Load(),
		Closed:     c.pool.closed.Load(),
		CheckedOut: c.pool.checkedOut.Load(),
		InUse:      c.pool.inUse.Load(),
	}
}

// Close disconnects the client. Later calls are no-ops.
func (c *Client) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := c.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnecting: %w", err)
	}
	return nil
}

// live fails with a connection error once the client has been closed, so
// callers racing a reconnect never touch a torn-down pool.
func (c *Client) live() error {
	if c.closed.Load() {
		return domain.Wrap(domain.ErrConnection, mongo.ErrClientDisconnected)
	}
	return nil
}

func (c *Client) collection(database, collection string) *mongo.Collection {
	return c.client.Database(database).Collection(collection)
}
