package store

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/sells-group/meterlab/internal/db"
	"github.com/sells-group/meterlab/internal/model"
)

const eventColumns = `id, dataset_id, experiment_id, line, ts, rule_name, score, window_snapshot,
	status, reviewer_id, reviewed_at, notes, version, created_at, updated_at`

var eventInsert = db.UpsertConfig{
	Table: "events",
	Columns: []string{"id", "dataset_id", "experiment_id", "line", "ts", "rule_name", "score",
		"window_snapshot", "status", "reviewer_id", "reviewed_at", "notes", "version", "created_at", "updated_at"},
	ConflictKeys: []string{"id"},
	DoNothing:    true,
}

func scanEvent(row row) (*model.Event, error) {
	var ev model.Event
	var experimentID *string
	var window []byte
	err := row.Scan(&ev.ID, &ev.DatasetID, &experimentID, &ev.Line, &ev.Timestamp, &ev.RuleName, &ev.Score,
		&window, &ev.Status, &ev.ReviewerID, &ev.ReviewedAt, &ev.Notes, &ev.Version, &ev.CreatedAt, &ev.UpdatedAt)
	if err != nil {
		return nil, err
	}
	ev.ExperimentID = derefStr(experimentID)
	if len(window) > 0 {
		if err := json.Unmarshal(window, &ev.Window); err != nil {
			return nil, eris.Wrap(err, "unmarshal event window")
		}
	}
	ev.Timestamp = ev.Timestamp.UTC()
	ev.ReviewedAt = utcPtr(ev.ReviewedAt)
	ev.CreatedAt, ev.UpdatedAt = ev.CreatedAt.UTC(), ev.UpdatedAt.UTC()
	return &ev, nil
}

func eventRow(ev *model.Event) ([]any, error) {
	window, err := json.Marshal(ev.Window)
	if err != nil {
		return nil, eris.Wrapf(err, "marshal window of event %s", ev.ID)
	}
	return []any{ev.ID, ev.DatasetID, nullStr(ev.ExperimentID), ev.Line, model.NormalizeTime(ev.Timestamp),
		ev.RuleName, ev.Score, string(window), string(ev.Status), ev.ReviewerID, nullTime(ev.ReviewedAt),
		ev.Notes, ev.Version, model.NormalizeTime(ev.CreatedAt), model.NormalizeTime(ev.UpdatedAt)}, nil
}

// InsertEvents creates events by id. Ids that already exist are left as
// they are. It returns the number of events created.
func (r repo) InsertEvents(ctx context.Context, events []model.Event) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}
	rows := make([][]any, len(events))
	for i := range events {
		row, err := eventRow(&events[i])
		if err != nil {
			return 0, err
		}
		rows[i] = row
	}

	if bw, ok := r.q.(bulkWriter); ok && len(rows) >= copyThreshold {
		n, err := bw.bulkUpsert(ctx, eventInsert, rows)
		if err != nil {
			return 0, r.fail(err, "insert events", EntityEvent, events[0].ID)
		}
		return n, nil
	}

	stmt := `INSERT INTO events (` + eventColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`
	var total int64
	for i, row := range rows {
		n, err := r.q.exec(ctx, stmt, row...)
		if err != nil {
			return total, r.fail(err, "insert event", EntityEvent, events[i].ID)
		}
		total += n
	}
	return total, nil
}

func (r repo) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	ev, err := scanEvent(r.q.queryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id))
	if err != nil {
		return nil, r.fail(err, "get event", EntityEvent, id)
	}
	return ev, nil
}

func (r repo) LockEvent(ctx context.Context, id string) (*model.Event, error) {
	ev, err := scanEvent(r.q.queryRow(ctx, r.lock(`SELECT `+eventColumns+` FROM events WHERE id = ?`), id))
	if err != nil {
		return nil, r.fail(err, "lock event", EntityEvent, id)
	}
	return ev, nil
}

// UpdateEventReview writes the review fields when the stored version still
// equals ev.Version, then advances ev.Version.
func (r repo) UpdateEventReview(ctx context.Context, ev *model.Event) error {
	ts := now()
	n, err := r.q.exec(ctx, `UPDATE events SET
		status = ?, reviewer_id = ?, reviewed_at = ?, notes = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		string(ev.Status), ev.ReviewerID, nullTime(ev.ReviewedAt), ev.Notes, ts, ev.ID, ev.Version,
	)
	if err != nil {
		return r.fail(err, "update event review", EntityEvent, ev.ID)
	}
	if n == 0 {
		if _, err := r.GetEvent(ctx, ev.ID); err != nil {
			return err
		}
		return casMiss(EntityEvent, ev.ID, ev.Version)
	}
	ev.Version++
	ev.UpdatedAt = ts
	return nil
}

// ListEvents returns one page of events ordered by (timestamp, id).
func (r repo) ListEvents(ctx context.Context, f EventFilter) ([]model.Event, error) {
	var w where
	if f.ExperimentID != "" {
		w.add("experiment_id = ?", f.ExperimentID)
	}
	if f.Manual {
		w.add("experiment_id IS NULL")
	}
	if f.DatasetID != "" {
		w.add("dataset_id = ?", f.DatasetID)
	}
	if f.Status != "" {
		w.add("status = ?", string(f.Status))
	}
	if f.After != nil {
		ts := model.NormalizeTime(f.After.TS)
		w.add("(ts > ? OR (ts = ? AND id > ?))", ts, ts, f.After.ID)
	}
	args := w.args
	q := `SELECT ` + eventColumns + ` FROM events` + w.String() + ` ORDER BY ts, id` + limitClause(f.Limit, &args)

	rs, err := r.q.query(ctx, q, args...)
	if err != nil {
		return nil, r.fail(err, "list events", EntityEvent, f.ExperimentID)
	}
	defer rs.Close()

	var out []model.Event
	for rs.Next() {
		ev, err := scanEvent(rs)
		if err != nil {
			return nil, r.fail(err, "scan event", EntityEvent, f.ExperimentID)
		}
		out = append(out, *ev)
	}
	if err := rs.Err(); err != nil {
		return nil, r.fail(err, "list events", EntityEvent, f.ExperimentID)
	}
	return out, nil
}

// EventStats groups an experiment's events by review status and line.
func (r repo) EventStats(ctx context.Context, experimentID string) ([]EventStatRow, error) {
	rs, err := r.q.query(ctx, `SELECT status, line, COUNT(*), MIN(score), MAX(score), SUM(score)
		FROM events WHERE experiment_id = ? GROUP BY status, line ORDER BY status, line`, experimentID)
	if err != nil {
		return nil, r.fail(err, "event stats", EntityExperiment, experimentID)
	}
	defer rs.Close()

	var out []EventStatRow
	for rs.Next() {
		var s EventStatRow
		if err := rs.Scan(&s.Status, &s.Line, &s.Count, &s.ScoreMin, &s.ScoreMax, &s.ScoreSum); err != nil {
			return nil, r.fail(err, "scan event stats", EntityExperiment, experimentID)
		}
		out = append(out, s)
	}
	if err := rs.Err(); err != nil {
		return nil, r.fail(err, "event stats", EntityExperiment, experimentID)
	}
	return out, nil
}
