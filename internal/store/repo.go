package store

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/meterlab/internal/apperr"
	"github.com/sells-group/meterlab/internal/model"
)

// copyThreshold is the batch size from which PostgreSQL transactions stage
// writes through COPY instead of row-by-row statements.
const copyThreshold = 100

// maxPage bounds unlimited listings that still need an OFFSET.
const maxPage = 1 << 30

// repo implements Repo once for both backends.
type repo struct {
	q querier
	d dialect
}

// fail wraps err with the operation name and classifies it. Missing rows
// become not-found errors for entity id.
func (r repo) fail(err error, op, entity, id string) error {
	if isNoRows(err) {
		return apperr.NotFound(entity, id)
	}
	wrapped := eris.Wrapf(err, "%s: %s", r.d.name, op)
	if kind := r.d.classify(err); kind != "" {
		return apperr.New(kind, entity, id, wrapped)
	}
	return wrapped
}

// casMiss reports a compare-and-swap that matched no row.
func casMiss(entity, id string, version int64) error {
	return apperr.Conflictf(entity, id, "version %d is stale", version)
}

func (r repo) lock(query string) string {
	return query + r.d.forUpdate
}

// where accumulates filter conditions and their arguments.
type where struct {
	conds []string
	args  []any
}

func (w *where) add(cond string, args ...any) {
	w.conds = append(w.conds, cond)
	w.args = append(w.args, args...)
}

func (w *where) in(col string, vals []string) {
	if len(vals) == 0 {
		return
	}
	ph := strings.TrimSuffix(strings.Repeat("?, ", len(vals)), ", ")
	args := make([]any, len(vals))
	for i, v := range vals {
		args[i] = v
	}
	w.add(col+" IN ("+ph+")", args...)
}

func (w *where) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func limitClause(limit int, args *[]any) string {
	if limit <= 0 {
		return ""
	}
	*args = append(*args, limit)
	return " LIMIT ?"
}

func now() time.Time {
	return model.NormalizeTime(time.Now())
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func derefStr(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return model.NormalizeTime(*t)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func nullBool(b *bool) any {
	if b == nil {
		return nil
	}
	return *b
}
