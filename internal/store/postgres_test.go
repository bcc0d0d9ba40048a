package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/meterlab/internal/apperr"
	"github.com/sells-group/meterlab/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })
	return newPostgresStore(mock), mock
}

// anyArgs matches n bound parameters of any value.
func anyArgs(n int) []any {
	args := make([]any, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

func TestPostgresStore_GetDataset_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM datasets WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetDataset(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LockExperiment_ForUpdate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM experiments WHERE id = \$1 FOR UPDATE`).
		WithArgs("e1").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.LockExperiment(context.Background(), "e1")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertDataset_UniqueViolation(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO datasets`).
		WithArgs(anyArgs(14)...).
		WillReturnError(&pgconn.PgError{Code: pgerrcode.UniqueViolation, Message: "duplicate key"})

	err := s.InsertDataset(context.Background(), &model.Dataset{ID: "d1", Name: "dup"})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindConflict))
	assert.Contains(t, err.Error(), "postgres: insert dataset")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetLabel(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	created := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT id, name, description, created_at FROM labels WHERE id = \$1`).
		WithArgs("l1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "name", "description", "created_at"}).
			AddRow("l1", "spike", "sudden jump", created))

	l, err := s.GetLabel(context.Background(), "l1")
	require.NoError(t, err)
	assert.Equal(t, "spike", l.Name)
	assert.Equal(t, created, l.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListReadings_Rebind(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM readings WHERE dataset_id = $1 AND room IN ($2, $3) ORDER BY ts, room LIMIT $4`)).
		WithArgs("d1", "R1", "R2", 10).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))

	got, err := s.ListReadings(context.Background(), ReadingFilter{DatasetID: "d1", Rooms: []string{"R1", "R2"}, Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateModel_Missing(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE trained_models SET`).
		WithArgs(append(anyArgs(9), "m1", int64(3))...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`FROM trained_models WHERE id = \$1`).
		WithArgs("m1").
		WillReturnError(pgx.ErrNoRows)

	err := s.UpdateModel(context.Background(), &model.TrainedModel{ID: "m1", Version: 3})
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InTx_Serializable(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.Serializable, AccessMode: pgx.ReadWrite})
	mock.ExpectExec(`INSERT INTO event_labels`).
		WithArgs("ev1", "l1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := s.InTx(context.Background(), TxOptions{Serializable: true}, func(tx Repo) error {
		created, err := tx.InsertLink(context.Background(), "ev1", "l1")
		assert.True(t, created)
		return err
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InTx_RollbackOnError(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadOnly})
	mock.ExpectRollback()

	boom := errors.New("boom")
	err := s.InTx(context.Background(), TxOptions{ReadOnly: true}, func(Repo) error { return boom })
	require.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InTx_CommitSerializationFailure(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.Serializable, AccessMode: pgx.ReadWrite})
	mock.ExpectCommit().WillReturnError(&pgconn.PgError{Code: pgerrcode.SerializationFailure})
	mock.ExpectRollback()

	err := s.InTx(context.Background(), TxOptions{Serializable: true}, func(Repo) error { return nil })
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindConflict))
}

func TestPostgresStore_InsertPredictions_BulkInTx(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	preds := make([]model.Prediction, copyThreshold)
	for i := range preds {
		preds[i] = model.Prediction{EvaluationRunID: "r1", Timestamp: t0.Add(time.Duration(i) * time.Minute), Score: 0.5}
	}

	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TEMP TABLE "_tmp_upsert_predictions"`)).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_predictions"}, predictionInsert.Columns).
		WillReturnResult(int64(len(preds)))
	mock.ExpectExec(regexp.QuoteMeta(`ON CONFLICT ("evaluation_run_id", "ts") DO NOTHING`)).
		WillReturnResult(pgxmock.NewResult("INSERT", 98))
	mock.ExpectExec(regexp.QuoteMeta(`DROP TABLE "_tmp_upsert_predictions"`)).
		WillReturnResult(pgxmock.NewResult("DROP TABLE", 0))
	mock.ExpectCommit()

	var n int64
	err := s.InTx(context.Background(), TxOptions{}, func(tx Repo) error {
		var err error
		n, err = tx.InsertPredictions(context.Background(), preds)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, int64(98), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertEvents_RowByRowOutsideTx(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO events .* ON CONFLICT \(id\) DO NOTHING`).
		WithArgs(append([]any{"ev1"}, anyArgs(14)...)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO events .* ON CONFLICT \(id\) DO NOTHING`).
		WithArgs(append([]any{"ev2"}, anyArgs(14)...)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	n, err := s.InsertEvents(context.Background(), []model.Event{
		newEvent("ev1", "d1", "e1", t0, 1),
		newEvent("ev2", "d1", "e1", t0, 2),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClassifyPostgres(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want apperr.Kind
	}{
		{"unique", &pgconn.PgError{Code: pgerrcode.UniqueViolation}, apperr.KindConflict},
		{"deadlock", &pgconn.PgError{Code: pgerrcode.DeadlockDetected}, apperr.KindConflict},
		{"foreign key", &pgconn.PgError{Code: pgerrcode.ForeignKeyViolation}, apperr.KindNotFound},
		{"check", &pgconn.PgError{Code: pgerrcode.CheckViolation}, apperr.KindValidation},
		{"connection", &pgconn.PgError{Code: pgerrcode.ConnectionFailure}, apperr.KindTransient},
		{"canceled", &pgconn.PgError{Code: pgerrcode.QueryCanceled}, apperr.KindTransient},
		{"syntax", &pgconn.PgError{Code: pgerrcode.SyntaxError}, ""},
		{"plain", errors.New("boom"), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyPostgres(tt.err))
		})
	}
}

func TestPostgresDialect_Schema(t *testing.T) {
	ddl := postgresDialect.schema()
	assert.Contains(t, ddl, "ts              TIMESTAMPTZ NOT NULL")
	assert.Contains(t, ddl, "is_positive_label BOOLEAN NOT NULL DEFAULT FALSE")
	assert.NotContains(t, ddl, "{{")

	lite := sqliteDialect.schema()
	assert.Contains(t, lite, "is_positive_label BOOLEAN NOT NULL DEFAULT 0")
	assert.NotContains(t, lite, "{{")
}

func TestPostgresStore_ClearReadingsAt_MatchesProvenance(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`AND (source_event_id = $5 OR source_event_id IS NULL)`)).
		WithArgs(false, "d1", t0, "R1", "ev1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	n, err := s.ClearReadingsAt(context.Background(), "d1", t0, "R1", "ev1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
