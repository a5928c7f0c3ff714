package mysql

import (
	"context"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"sacctd/internal/pkg/model"
	"sacctd/internal/pkg/update"
)

// conn is one storage handle. It carries an open transaction; every
// mutating call buffers into it and Commit decides its fate. rollback
// chooses what Close does with an unfinished batch.
type conn struct {
	p        *Plugin
	num      int
	rollback bool
	cluster  string
	logger   *slog.Logger
	tx       *gorm.DB
}

func (c *conn) begin() {
	c.tx = c.p.db.Begin()
}

func (c *conn) Close() error {
	if c.tx == nil {
		return nil
	}
	var err error
	if c.rollback {
		err = c.tx.Rollback().Error
	} else {
		err = c.tx.Commit().Error
	}
	c.tx = nil
	return mapErr(err)
}

func (c *conn) Commit(ctx context.Context, commit bool) error {
	var err error
	if commit {
		err = c.tx.Commit().Error
	} else {
		err = c.tx.Rollback().Error
	}
	c.begin()
	return mapErr(err)
}

func (c *conn) Reset() error {
	err := c.tx.Rollback().Error
	c.begin()
	return mapErr(err)
}

// opCtx applies the configured per-operation deadline.
func (c *conn) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.p.opTimeout > 0 {
		return context.WithTimeout(ctx, c.p.opTimeout)
	}
	return ctx, func() {}
}

func now() uint64 { return uint64(time.Now().Unix()) }

// logTxn appends the transaction-log row for one mutating call, inside
// the same transaction as the change itself.
func (c *conn) logTxn(ctx context.Context, action update.Type, name, actor, cluster, info string) error {
	row := model.Txn{
		Timestamp: now(),
		Action:    int32(action),
		Name:      name,
		Actor:     actor,
		Cluster:   cluster,
		Info:      info,
	}
	return mapErr(c.tx.WithContext(ctx).Create(&row).Error)
}
