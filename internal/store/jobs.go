package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/meterlab/internal/db"
	"github.com/sells-group/meterlab/internal/model"
)

// jobState is the lifecycle column block shared by trained_models and
// evaluation_runs.
type jobState struct {
	Status        *model.JobStatus
	JobID         *string
	Metrics       *map[string]float64
	Logs          *string
	FailureReason *string
	Version       *int64
	CreatedAt     *time.Time
	UpdatedAt     *time.Time
	DispatchedAt  **time.Time
	StartedAt     **time.Time
	CompletedAt   **time.Time

	metrics []byte
}

const jobStateColumns = `status, job_id, metrics, logs, failure_reason, version,
	created_at, updated_at, dispatched_at, started_at, completed_at`

func (j *jobState) dest() []any {
	return []any{j.Status, j.JobID, &j.metrics, j.Logs, j.FailureReason, j.Version,
		j.CreatedAt, j.UpdatedAt, j.DispatchedAt, j.StartedAt, j.CompletedAt}
}

func (j *jobState) finish() error {
	if len(j.metrics) > 0 {
		if err := json.Unmarshal(j.metrics, j.Metrics); err != nil {
			return eris.Wrap(err, "unmarshal job metrics")
		}
	}
	*j.CreatedAt, *j.UpdatedAt = j.CreatedAt.UTC(), j.UpdatedAt.UTC()
	*j.DispatchedAt, *j.StartedAt, *j.CompletedAt = utcPtr(*j.DispatchedAt), utcPtr(*j.StartedAt), utcPtr(*j.CompletedAt)
	return nil
}

func metricsJSON(m map[string]float64) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, eris.Wrap(err, "marshal job metrics")
	}
	return string(b), nil
}

func jobFilterWhere(parentCol string, f JobFilter) *where {
	var w where
	if f.ParentID != "" {
		w.add(parentCol+" = ?", f.ParentID)
	}
	if f.Status != "" {
		w.add("status = ?", string(f.Status))
	}
	if f.Undispatched {
		w.add("dispatched_at IS NULL")
	}
	if !f.CreatedAfter.IsZero() {
		w.add("created_at >= ?", model.NormalizeTime(f.CreatedAfter))
	}
	if !f.CreatedBefore.IsZero() {
		w.add("created_at < ?", model.NormalizeTime(f.CreatedBefore))
	}
	if f.After != nil {
		ts := model.NormalizeTime(f.After.TS)
		w.add("(created_at > ? OR (created_at = ? AND id > ?))", ts, ts, f.After.ID)
	}
	return &w
}

// Trained models

const modelColumns = `id, experiment_id, scenario, config, data_source, artifact_path, ` + jobStateColumns

func scanModel(row row) (*model.TrainedModel, error) {
	var m model.TrainedModel
	var cfg, src []byte
	js := jobState{
		Status: &m.Status, JobID: &m.JobID, Metrics: &m.Metrics, Logs: &m.Logs, FailureReason: &m.FailureReason,
		Version: &m.Version, CreatedAt: &m.CreatedAt, UpdatedAt: &m.UpdatedAt,
		DispatchedAt: &m.DispatchedAt, StartedAt: &m.StartedAt, CompletedAt: &m.CompletedAt,
	}
	dest := append([]any{&m.ID, &m.ExperimentID, &m.Scenario, &cfg, &src, &m.ArtifactPath}, js.dest()...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(cfg, &m.Config); err != nil {
		return nil, eris.Wrap(err, "unmarshal model config")
	}
	if err := json.Unmarshal(src, &m.DataSource); err != nil {
		return nil, eris.Wrap(err, "unmarshal data source config")
	}
	if err := js.finish(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (r repo) InsertModel(ctx context.Context, m *model.TrainedModel) error {
	cfg, err := json.Marshal(m.Config)
	if err != nil {
		return eris.Wrap(err, "marshal model config")
	}
	src, err := json.Marshal(m.DataSource)
	if err != nil {
		return eris.Wrap(err, "marshal data source config")
	}
	metrics, err := metricsJSON(m.Metrics)
	if err != nil {
		return err
	}
	_, err = r.q.exec(ctx,
		`INSERT INTO trained_models (`+modelColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ExperimentID, string(m.Scenario), string(cfg), string(src), m.ArtifactPath,
		string(m.Status), m.JobID, metrics, m.Logs, m.FailureReason, m.Version,
		model.NormalizeTime(m.CreatedAt), model.NormalizeTime(m.UpdatedAt),
		nullTime(m.DispatchedAt), nullTime(m.StartedAt), nullTime(m.CompletedAt),
	)
	if err != nil {
		return r.fail(err, "insert trained model", EntityModel, m.ID)
	}
	return nil
}

func (r repo) GetModel(ctx context.Context, id string) (*model.TrainedModel, error) {
	m, err := scanModel(r.q.queryRow(ctx, `SELECT `+modelColumns+` FROM trained_models WHERE id = ?`, id))
	if err != nil {
		return nil, r.fail(err, "get trained model", EntityModel, id)
	}
	return m, nil
}

func (r repo) GetModelByJob(ctx context.Context, jobID string) (*model.TrainedModel, error) {
	m, err := scanModel(r.q.queryRow(ctx, `SELECT `+modelColumns+` FROM trained_models WHERE job_id = ?`, jobID))
	if err != nil {
		return nil, r.fail(err, "get trained model by job", EntityModel, jobID)
	}
	return m, nil
}

func (r repo) LockModel(ctx context.Context, id string) (*model.TrainedModel, error) {
	m, err := scanModel(r.q.queryRow(ctx, r.lock(`SELECT `+modelColumns+` FROM trained_models WHERE id = ?`), id))
	if err != nil {
		return nil, r.fail(err, "lock trained model", EntityModel, id)
	}
	return m, nil
}

// UpdateModel writes the lifecycle columns when the stored version still
// equals m.Version, then advances m.Version.
func (r repo) UpdateModel(ctx context.Context, m *model.TrainedModel) error {
	metrics, err := metricsJSON(m.Metrics)
	if err != nil {
		return err
	}
	ts := now()
	n, err := r.q.exec(ctx, `UPDATE trained_models SET
		status = ?, artifact_path = ?, metrics = ?, logs = ?, failure_reason = ?, version = version + 1,
		updated_at = ?, dispatched_at = ?, started_at = ?, completed_at = ?
		WHERE id = ? AND version = ?`,
		string(m.Status), m.ArtifactPath, metrics, m.Logs, m.FailureReason,
		ts, nullTime(m.DispatchedAt), nullTime(m.StartedAt), nullTime(m.CompletedAt),
		m.ID, m.Version,
	)
	if err != nil {
		return r.fail(err, "update trained model", EntityModel, m.ID)
	}
	if n == 0 {
		if _, err := r.GetModel(ctx, m.ID); err != nil {
			return err
		}
		return casMiss(EntityModel, m.ID, m.Version)
	}
	m.Version++
	m.UpdatedAt = ts
	return nil
}

func (r repo) ListModels(ctx context.Context, f JobFilter) ([]model.TrainedModel, error) {
	w := jobFilterWhere("experiment_id", f)
	args := w.args
	q := `SELECT ` + modelColumns + ` FROM trained_models` + w.String() + ` ORDER BY created_at, id` + limitClause(f.Limit, &args)

	rs, err := r.q.query(ctx, q, args...)
	if err != nil {
		return nil, r.fail(err, "list trained models", EntityModel, f.ParentID)
	}
	defer rs.Close()

	var out []model.TrainedModel
	for rs.Next() {
		m, err := scanModel(rs)
		if err != nil {
			return nil, r.fail(err, "scan trained model", EntityModel, f.ParentID)
		}
		out = append(out, *m)
	}
	if err := rs.Err(); err != nil {
		return nil, r.fail(err, "list trained models", EntityModel, f.ParentID)
	}
	return out, nil
}

// Evaluation runs

const evaluationColumns = `id, trained_model_id, test_set, ` + jobStateColumns

func scanEvaluation(row row) (*model.EvaluationRun, error) {
	var ev model.EvaluationRun
	var testSet []byte
	js := jobState{
		Status: &ev.Status, JobID: &ev.JobID, Metrics: &ev.Metrics, Logs: &ev.Logs, FailureReason: &ev.FailureReason,
		Version: &ev.Version, CreatedAt: &ev.CreatedAt, UpdatedAt: &ev.UpdatedAt,
		DispatchedAt: &ev.DispatchedAt, StartedAt: &ev.StartedAt, CompletedAt: &ev.CompletedAt,
	}
	dest := append([]any{&ev.ID, &ev.TrainedModelID, &testSet}, js.dest()...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(testSet, &ev.TestSet); err != nil {
		return nil, eris.Wrap(err, "unmarshal test set source")
	}
	if err := js.finish(); err != nil {
		return nil, err
	}
	return &ev, nil
}

func (r repo) InsertEvaluation(ctx context.Context, ev *model.EvaluationRun) error {
	testSet, err := json.Marshal(ev.TestSet)
	if err != nil {
		return eris.Wrap(err, "marshal test set source")
	}
	metrics, err := metricsJSON(ev.Metrics)
	if err != nil {
		return err
	}
	_, err = r.q.exec(ctx,
		`INSERT INTO evaluation_runs (`+evaluationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.TrainedModelID, string(testSet),
		string(ev.Status), ev.JobID, metrics, ev.Logs, ev.FailureReason, ev.Version,
		model.NormalizeTime(ev.CreatedAt), model.NormalizeTime(ev.UpdatedAt),
		nullTime(ev.DispatchedAt), nullTime(ev.StartedAt), nullTime(ev.CompletedAt),
	)
	if err != nil {
		return r.fail(err, "insert evaluation run", EntityEvaluation, ev.ID)
	}
	return nil
}

func (r repo) GetEvaluation(ctx context.Context, id string) (*model.EvaluationRun, error) {
	ev, err := scanEvaluation(r.q.queryRow(ctx, `SELECT `+evaluationColumns+` FROM evaluation_runs WHERE id = ?`, id))
	if err != nil {
		return nil, r.fail(err, "get evaluation run", EntityEvaluation, id)
	}
	return ev, nil
}

func (r repo) GetEvaluationByJob(ctx context.Context, jobID string) (*model.EvaluationRun, error) {
	ev, err := scanEvaluation(r.q.queryRow(ctx, `SELECT `+evaluationColumns+` FROM evaluation_runs WHERE job_id = ?`, jobID))
	if err != nil {
		return nil, r.fail(err, "get evaluation run by job", EntityEvaluation, jobID)
	}
	return ev, nil
}

func (r repo) LockEvaluation(ctx context.Context, id string) (*model.EvaluationRun, error) {
	ev, err := scanEvaluation(r.q.queryRow(ctx, r.lock(`SELECT `+evaluationColumns+` FROM evaluation_runs WHERE id = ?`), id))
	if err != nil {
		return nil, r.fail(err, "lock evaluation run", EntityEvaluation, id)
	}
	return ev, nil
}

// UpdateEvaluation writes the lifecycle columns when the stored version
// still equals ev.Version, then advances ev.Version.
func (r repo) UpdateEvaluation(ctx context.Context, ev *model.EvaluationRun) error {
	metrics, err := metricsJSON(ev.Metrics)
	if err != nil {
		return err
	}
	ts := now()
	n, err := r.q.exec(ctx, `UPDATE evaluation_runs SET
		status = ?, metrics = ?, logs = ?, failure_reason = ?, version = version + 1,
		updated_at = ?, dispatched_at = ?, started_at = ?, completed_at = ?
		WHERE id = ? AND version = ?`,
		string(ev.Status), metrics, ev.Logs, ev.FailureReason,
		ts, nullTime(ev.DispatchedAt), nullTime(ev.StartedAt), nullTime(ev.CompletedAt),
		ev.ID, ev.Version,
	)
	if err != nil {
		return r.fail(err, "update evaluation run", EntityEvaluation, ev.ID)
	}
	if n == 0 {
		if _, err := r.GetEvaluation(ctx, ev.ID); err != nil {
			return err
		}
		return casMiss(EntityEvaluation, ev.ID, ev.Version)
	}
	ev.Version++
	ev.UpdatedAt = ts
	return nil
}

func (r repo) ListEvaluations(ctx context.Context, f JobFilter) ([]model.EvaluationRun, error) {
	w := jobFilterWhere("trained_model_id", f)
	args := w.args
	q := `SELECT ` + evaluationColumns + ` FROM evaluation_runs` + w.String() + ` ORDER BY created_at, id` + limitClause(f.Limit, &args)

	rs, err := r.q.query(ctx, q, args...)
	if err != nil {
		return nil, r.fail(err, "list evaluation runs", EntityEvaluation, f.ParentID)
	}
	defer rs.Close()

	var out []model.EvaluationRun
	for rs.Next() {
		ev, err := scanEvaluation(rs)
		if err != nil {
			return nil, r.fail(err, "scan evaluation run", EntityEvaluation, f.ParentID)
		}
		out = append(out, *ev)
	}
	if err := rs.Err(); err != nil {
		return nil, r.fail(err, "list evaluation runs", EntityEvaluation, f.ParentID)
	}
	return out, nil
}

// Predictions

var predictionInsert = db.UpsertConfig{
	Table:        "predictions",
	Columns:      []string{"evaluation_run_id", "ts", "score", "ground_truth"},
	ConflictKeys: []string{"evaluation_run_id", "ts"},
	DoNothing:    true,
}

// InsertPredictions appends predictions. A (run, timestamp) that is already
// stored is skipped, so replays are harmless. It returns the number added.
func (r repo) InsertPredictions(ctx context.Context, preds []model.Prediction) (int64, error) {
	if len(preds) == 0 {
		return 0, nil
	}
	rows := make([][]any, len(preds))
	for i, p := range preds {
		rows[i] = []any{p.EvaluationRunID, model.NormalizeTime(p.Timestamp), p.Score, nullBool(p.GroundTruth)}
	}

	if bw, ok := r.q.(bulkWriter); ok && len(rows) >= copyThreshold {
		n, err := bw.bulkUpsert(ctx, predictionInsert, rows)
		if err != nil {
			return 0, r.fail(err, "insert predictions", EntityPrediction, preds[0].EvaluationRunID)
		}
		return n, nil
	}

	const stmt = `INSERT INTO predictions (evaluation_run_id, ts, score, ground_truth) VALUES (?, ?, ?, ?)
		ON CONFLICT (evaluation_run_id, ts) DO NOTHING`
	var total int64
	for _, row := range rows {
		n, err := r.q.exec(ctx, stmt, row...)
		if err != nil {
			return total, r.fail(err, "insert prediction", EntityPrediction, preds[0].EvaluationRunID)
		}
		total += n
	}
	return total, nil
}

// ListPredictions returns one page of a run's predictions in timestamp order,
// starting after the given timestamp (zero for the first page).
func (r repo) ListPredictions(ctx context.Context, runID string, after time.Time, limit int) ([]model.Prediction, error) {
	var w where
	w.add("evaluation_run_id = ?", runID)
	if !after.IsZero() {
		w.add("ts > ?", model.NormalizeTime(after))
	}
	args := w.args
	q := `SELECT evaluation_run_id, ts, score, ground_truth FROM predictions` + w.String() + ` ORDER BY ts` + limitClause(limit, &args)

	rs, err := r.q.query(ctx, q, args...)
	if err != nil {
		return nil, r.fail(err, "list predictions", EntityPrediction, runID)
	}
	defer rs.Close()

	var out []model.Prediction
	for rs.Next() {
		var p model.Prediction
		if err := rs.Scan(&p.EvaluationRunID, &p.Timestamp, &p.Score, &p.GroundTruth); err != nil {
			return nil, r.fail(err, "scan prediction", EntityPrediction, runID)
		}
		p.Timestamp = p.Timestamp.UTC()
		out = append(out, p)
	}
	if err := rs.Err(); err != nil {
		return nil, r.fail(err, "list predictions", EntityPrediction, runID)
	}
	return out, nil
}
