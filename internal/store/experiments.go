package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/sells-group/meterlab/internal/model"
)

const experimentColumns = `id, name, dataset_id, params, status, candidate_count, positive_label_count,
	negative_label_count, stats, failure_reason, run_id, version, created_at, updated_at, started_at, completed_at`

func scanExperiment(row row) (*model.Experiment, error) {
	var e model.Experiment
	var params, stats []byte
	err := row.Scan(&e.ID, &e.Name, &e.DatasetID, &params, &e.Status, &e.CandidateCount,
		&e.PositiveLabelCount, &e.NegativeLabelCount, &stats, &e.FailureReason, &e.RunID, &e.Version,
		&e.CreatedAt, &e.UpdatedAt, &e.StartedAt, &e.CompletedAt)
	if err != nil {
		return nil, err
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &e.Params); err != nil {
			return nil, eris.Wrap(err, "unmarshal experiment params")
		}
	}
	if len(stats) > 0 {
		if err := json.Unmarshal(stats, &e.Stats); err != nil {
			return nil, eris.Wrap(err, "unmarshal experiment stats")
		}
	}
	e.CreatedAt, e.UpdatedAt = e.CreatedAt.UTC(), e.UpdatedAt.UTC()
	e.StartedAt, e.CompletedAt = utcPtr(e.StartedAt), utcPtr(e.CompletedAt)
	return &e, nil
}

func experimentJSON(e *model.Experiment) (params any, stats string, err error) {
	if e.Params != nil {
		b, err := json.Marshal(e.Params)
		if err != nil {
			return nil, "", eris.Wrap(err, "marshal experiment params")
		}
		params = string(b)
	}
	b, err := json.Marshal(e.Stats)
	if err != nil {
		return nil, "", eris.Wrap(err, "marshal experiment stats")
	}
	return params, string(b), nil
}

func (r repo) InsertExperiment(ctx context.Context, e *model.Experiment) error {
	params, stats, err := experimentJSON(e)
	if err != nil {
		return err
	}
	_, err = r.q.exec(ctx,
		`INSERT INTO experiments (`+experimentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Name, e.DatasetID, params, string(e.Status), e.CandidateCount,
		e.PositiveLabelCount, e.NegativeLabelCount, stats, e.FailureReason, e.RunID, e.Version,
		model.NormalizeTime(e.CreatedAt), model.NormalizeTime(e.UpdatedAt), nullTime(e.StartedAt), nullTime(e.CompletedAt),
	)
	if err != nil {
		return r.fail(err, "insert experiment", EntityExperiment, e.Name)
	}
	return nil
}

func (r repo) GetExperiment(ctx context.Context, id string) (*model.Experiment, error) {
	e, err := scanExperiment(r.q.queryRow(ctx, `SELECT `+experimentColumns+` FROM experiments WHERE id = ?`, id))
	if err != nil {
		return nil, r.fail(err, "get experiment", EntityExperiment, id)
	}
	return e, nil
}

func (r repo) GetExperimentByName(ctx context.Context, name string) (*model.Experiment, error) {
	e, err := scanExperiment(r.q.queryRow(ctx, `SELECT `+experimentColumns+` FROM experiments WHERE name = ?`, name))
	if err != nil {
		return nil, r.fail(err, "get experiment by name", EntityExperiment, name)
	}
	return e, nil
}

func (r repo) LockExperiment(ctx context.Context, id string) (*model.Experiment, error) {
	e, err := scanExperiment(r.q.queryRow(ctx, r.lock(`SELECT `+experimentColumns+` FROM experiments WHERE id = ?`), id))
	if err != nil {
		return nil, r.fail(err, "lock experiment", EntityExperiment, id)
	}
	return e, nil
}

// UpdateExperiment writes every mutable column when the stored version still
// equals e.Version, then advances e.Version and e.UpdatedAt.
func (r repo) UpdateExperiment(ctx context.Context, e *model.Experiment) error {
	params, stats, err := experimentJSON(e)
	if err != nil {
		return err
	}
	ts := now()
	n, err := r.q.exec(ctx, `UPDATE experiments SET
		params = ?, status = ?, candidate_count = ?, positive_label_count = ?, negative_label_count = ?,
		stats = ?, failure_reason = ?, run_id = ?, version = version + 1, updated_at = ?, started_at = ?, completed_at = ?
		WHERE id = ? AND version = ?`,
		params, string(e.Status), e.CandidateCount, e.PositiveLabelCount, e.NegativeLabelCount,
		stats, e.FailureReason, e.RunID, ts, nullTime(e.StartedAt), nullTime(e.CompletedAt),
		e.ID, e.Version,
	)
	if err != nil {
		return r.fail(err, "update experiment", EntityExperiment, e.ID)
	}
	if n == 0 {
		if _, err := r.GetExperiment(ctx, e.ID); err != nil {
			return err
		}
		return casMiss(EntityExperiment, e.ID, e.Version)
	}
	e.Version++
	e.UpdatedAt = ts
	return nil
}

// AddExperimentLabelCounts adjusts the positive and negative counters by the
// given deltas.
func (r repo) AddExperimentLabelCounts(ctx context.Context, id string, dPos, dNeg int64) error {
	n, err := r.q.exec(ctx, `UPDATE experiments SET
		positive_label_count = positive_label_count + ?,
		negative_label_count = negative_label_count + ?,
		version = version + 1, updated_at = ?
		WHERE id = ?`,
		dPos, dNeg, now(), id,
	)
	if err != nil {
		return r.fail(err, "add experiment label counts", EntityExperiment, id)
	}
	if n == 0 {
		return r.fail(sql.ErrNoRows, "add experiment label counts", EntityExperiment, id)
	}
	return nil
}

// RecountExperimentCandidates sets candidate_count to the number of events the
// experiment owns and returns it.
func (r repo) RecountExperimentCandidates(ctx context.Context, id string) (int64, error) {
	n, err := r.q.exec(ctx, `UPDATE experiments SET
		candidate_count = (SELECT COUNT(*) FROM events WHERE experiment_id = ?),
		version = version + 1, updated_at = ?
		WHERE id = ?`,
		id, now(), id,
	)
	if err != nil {
		return 0, r.fail(err, "recount experiment candidates", EntityExperiment, id)
	}
	if n == 0 {
		return 0, r.fail(sql.ErrNoRows, "recount experiment candidates", EntityExperiment, id)
	}
	var count int64
	if err := r.q.queryRow(ctx, `SELECT candidate_count FROM experiments WHERE id = ?`, id).Scan(&count); err != nil {
		return 0, r.fail(err, "recount experiment candidates", EntityExperiment, id)
	}
	return count, nil
}

func (r repo) ListExperiments(ctx context.Context, f ExperimentFilter) ([]model.Experiment, error) {
	var w where
	if f.DatasetID != "" {
		w.add("dataset_id = ?", f.DatasetID)
	}
	if f.Status != "" {
		w.add("status = ?", string(f.Status))
	}
	limit := f.Limit
	if f.Offset > 0 && limit <= 0 {
		limit = maxPage
	}
	args := w.args
	q := `SELECT ` + experimentColumns + ` FROM experiments` + w.String() + ` ORDER BY created_at DESC, id` + limitClause(limit, &args)
	if f.Offset > 0 {
		q += " OFFSET ?"
		args = append(args, f.Offset)
	}

	rs, err := r.q.query(ctx, q, args...)
	if err != nil {
		return nil, r.fail(err, "list experiments", EntityExperiment, "")
	}
	defer rs.Close()

	var out []model.Experiment
	for rs.Next() {
		e, err := scanExperiment(rs)
		if err != nil {
			return nil, r.fail(err, "scan experiment", EntityExperiment, "")
		}
		out = append(out, *e)
	}
	if err := rs.Err(); err != nil {
		return nil, r.fail(err, "list experiments", EntityExperiment, "")
	}
	return out, nil
}
