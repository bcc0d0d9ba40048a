package store

import (
	"context"
	"database/sql"

	"github.com/sells-group/meterlab/internal/db"
)

// querier is the minimal statement surface the repository is written against.
// Queries use '?' placeholders; the PostgreSQL adapter rebinds them.
type querier interface {
	exec(ctx context.Context, query string, args ...any) (int64, error)
	query(ctx context.Context, query string, args ...any) (rows, error)
	queryRow(ctx context.Context, query string, args ...any) row
}

type rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

type row interface {
	Scan(dest ...any) error
}

// bulkWriter is implemented by queriers that can stage large writes through
// COPY. Only PostgreSQL transactions qualify.
type bulkWriter interface {
	bulkUpsert(ctx context.Context, cfg db.UpsertConfig, rows [][]any) (int64, error)
}

type pgQuerier struct {
	conn db.Conn
}

func (q pgQuerier) exec(ctx context.Context, query string, args ...any) (int64, error) {
	tag, err := q.conn.Exec(ctx, db.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (q pgQuerier) query(ctx context.Context, query string, args ...any) (rows, error) {
	r, err := q.conn.Query(ctx, db.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (q pgQuerier) queryRow(ctx context.Context, query string, args ...any) row {
	return q.conn.QueryRow(ctx, db.Rebind(query), args...)
}

type pgTxQuerier struct {
	pgQuerier
}

func (q pgTxQuerier) bulkUpsert(ctx context.Context, cfg db.UpsertConfig, rows [][]any) (int64, error) {
	return db.BulkUpsert(ctx, q.conn, cfg, rows)
}

// sqlConn is satisfied by both *sql.DB and *sql.Tx.
type sqlConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqlQuerier struct {
	conn sqlConn
}

func (q sqlQuerier) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := q.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (q sqlQuerier) query(ctx context.Context, query string, args ...any) (rows, error) {
	r, err := q.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return sqlRows{r}, nil
}

func (q sqlQuerier) queryRow(ctx context.Context, query string, args ...any) row {
	return q.conn.QueryRowContext(ctx, query, args...)
}

type sqlRows struct {
	*sql.Rows
}

func (r sqlRows) Close() {
	_ = r.Rows.Close()
}
