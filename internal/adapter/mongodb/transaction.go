package mongodb

import (
	"context"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/guillermoBallester/moat/internal/core/domain"
	"github.com/guillermoBallester/moat/internal/core/port"
)

// ReadTransaction runs fn in a transaction that is always aborted unless fn
// succeeds. Nothing is written, so commit only releases the snapshot.
func (c *Client) ReadTransaction(ctx context.Context, o port.TxOptions, fn func(ctx context.Context) error) error {
	if err := c.live(); err != nil {
		return err
	}
	txnOpts, err := transactionOptions(o)
	if err != nil {
		return err
	}

	sess, err := c.client.StartSession()
	if err != nil {
		return translateError(fmt.Errorf("starting session: %w", err))
	}
	defer sess.EndSession(context.WithoutCancel(ctx))

	if err := sess.StartTransaction(txnOpts); err != nil {
		return translateError(fmt.Errorf("starting transaction: %w", err))
	}

	if err := fn(mongo.NewSessionContext(ctx, sess)); err != nil {
		_ = sess.AbortTransaction(context.WithoutCancel(ctx))
		return err
	}
	if err := sess.CommitTransaction(ctx); err != nil {
		return translateError(fmt.Errorf("committing transaction: %w", err))
	}
	return nil
}

func transactionOptions(o port.TxOptions) (*options.TransactionOptions, error) {
	opts := options.Transaction()

	switch strings.ToLower(o.ReadConcern) {
	case "", "snapshot":
		opts.SetReadConcern(readconcern.Snapshot())
	case "majority":
		opts.SetReadConcern(readconcern.Majority())
	case "local":
		opts.SetReadConcern(readconcern.Local())
	default:
		return nil, domain.Validationf("unsupported read concern %q", o.ReadConcern)
	}

	if o.ReadPreference != "" {
		mode, err := readpref.ModeFromString(o.ReadPreference)
		if err != nil {
			return nil, domain.Validationf("read preference: %w", err)
		}
		rp, err := readpref.New(mode)
		if err != nil {
			return nil, domain.Validationf("read preference: %w", err)
		}
		opts.SetReadPreference(rp)
	}

	if o.MaxCommitTime > 0 {
		d := o.MaxCommitTime
		opts.SetMaxCommitTime(&d)
	}
	return opts, nil
}
