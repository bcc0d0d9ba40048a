package store

import (
	"database/sql"
	"errors"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/sells-group/meterlab/internal/apperr"
	"github.com/sells-group/meterlab/internal/resilience"
)

// dialect captures what differs between the two backends.
type dialect struct {
	name      string
	forUpdate string
	types     *strings.Replacer
	classify  func(error) apperr.Kind
}

var postgresDialect = dialect{
	name:      "postgres",
	forUpdate: " FOR UPDATE",
	types: strings.NewReplacer(
		"{{TS}}", "TIMESTAMPTZ",
		"{{JSON}}", "JSONB",
		"{{BOOL}}", "BOOLEAN",
		"{{FLOAT}}", "DOUBLE PRECISION",
		"{{BIGINT}}", "BIGINT",
		"{{FALSE}}", "FALSE",
	),
	classify: classifyPostgres,
}

var sqliteDialect = dialect{
	name: "sqlite",
	types: strings.NewReplacer(
		"{{TS}}", "DATETIME",
		"{{JSON}}", "TEXT",
		"{{BOOL}}", "BOOLEAN",
		"{{FLOAT}}", "REAL",
		"{{BIGINT}}", "INTEGER",
		"{{FALSE}}", "0",
	),
	classify: classifySQLite,
}

func classifyPostgres(err error) apperr.Kind {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.UniqueViolation,
			pgerrcode.SerializationFailure,
			pgerrcode.DeadlockDetected,
			pgerrcode.LockNotAvailable:
			return apperr.KindConflict
		case pgerrcode.ForeignKeyViolation:
			return apperr.KindNotFound
		case pgerrcode.CheckViolation, pgerrcode.NotNullViolation, pgerrcode.InvalidTextRepresentation:
			return apperr.KindValidation
		}
		if pgerrcode.IsConnectionException(pgErr.Code) || pgErr.Code == pgerrcode.QueryCanceled {
			return apperr.KindTransient
		}
		return ""
	}
	if pgconn.Timeout(err) || resilience.IsTransient(err) {
		return apperr.KindTransient
	}
	return ""
}

func classifySQLite(err error) apperr.Kind {
	var sqErr *sqlite.Error
	if errors.As(err, &sqErr) {
		code := sqErr.Code()
		switch code {
		case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
			return apperr.KindNotFound
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return apperr.KindConflict
		}
		switch code & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return apperr.KindConflict
		case sqlite3.SQLITE_CONSTRAINT:
			return apperr.KindValidation
		}
		return ""
	}
	if resilience.IsTransient(err) {
		return apperr.KindTransient
	}
	return ""
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows)
}
