package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// WithTx runs fn inside one transaction. Any error returned by fn rolls the
// transaction back, leaving previously committed data untouched.
func WithTx(ctx context.Context, pool Pool, fn func(tx pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "db: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "db: commit tx")
	}
	return nil
}

// Slice identifies the rows of a table that are replaced as one unit, e.g.
// all matrix rows of a mode variant. Where is a SQL predicate using $n
// placeholders bound to Args.
type Slice struct {
	Table string
	Where string
	Args  []any
}

// ReplaceSlice deletes the slice and bulk-loads rows in its place. It must be
// called with a transaction so that readers never see a partial slice.
func ReplaceSlice(ctx context.Context, tx Querier, s Slice, columns []string, rows [][]any) (deleted, inserted int64, err error) {
	deleted, err = DeleteSlice(ctx, tx, s)
	if err != nil {
		return 0, 0, eris.Wrapf(err, "db: replace %s", s.Table)
	}

	inserted, err = CopyFrom(ctx, tx, s.Table, columns, rows)
	if err != nil {
		return deleted, 0, eris.Wrapf(err, "db: replace %s", s.Table)
	}

	return deleted, inserted, nil
}

// DeleteSlice deletes the rows of s. Callers that load the replacement in
// several steps use it inside their transaction.
func DeleteSlice(ctx context.Context, tx Querier, s Slice) (int64, error) {
	if s.Where == "" {
		return 0, eris.Errorf("db: delete %s: empty slice predicate", s.Table)
	}

	tag, err := tx.Exec(ctx, "DELETE FROM "+Sanitize(s.Table)+" WHERE "+s.Where, s.Args...)
	if err != nil {
		return 0, eris.Wrapf(err, "db: delete %s", s.Table)
	}
	return tag.RowsAffected(), nil
}
