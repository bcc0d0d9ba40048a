package lifecycle

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/meterlab/internal/apperr"
	"github.com/sells-group/meterlab/internal/jobs"
	"github.com/sells-group/meterlab/internal/model"
	"github.com/sells-group/meterlab/internal/monitoring"
	"github.com/sells-group/meterlab/internal/store"
)

// ReasonJobFailed is recorded when a FAILED report carries no reason.
const ReasonJobFailed = "job reported failure"

// ApplyReport resolves the job id of r to its model or evaluation run and
// applies the report. Duplicate and out-of-order reports are ignored, not
// rejected.
func (m *Manager) ApplyReport(ctx context.Context, source string, r jobs.Report) (res *jobs.Result, err error) {
	defer func() {
		outcome := jobs.OutcomeRejected
		if err == nil {
			outcome = res.Outcome
		}
		monitoring.JobReports.WithLabelValues(source, string(outcome)).Inc()
	}()

	if err := r.Validate(); err != nil {
		return nil, err
	}
	kind, entityID, err := m.resolveJob(ctx, r)
	if err != nil {
		return nil, err
	}
	if r.EntityID != "" && r.EntityID != entityID {
		return nil, apperr.Conflictf("job", r.JobID, "job belongs to %s, report names %s", entityID, r.EntityID)
	}

	var applied bool
	switch kind {
	case jobs.KindTraining:
		_, applied, err = m.ReportTrainingStatus(ctx, entityID, r.JobID, r.Status, r.Timestamp, r.Payload)
	default:
		_, applied, err = m.ReportEvaluationStatus(ctx, entityID, r.JobID, r.Status, r.Timestamp, r.Payload)
	}
	if err != nil {
		return nil, err
	}
	res = &jobs.Result{Outcome: jobs.OutcomeIgnored, Kind: kind, EntityID: entityID, Status: r.Status}
	if applied {
		res.Outcome = jobs.OutcomeApplied
	}
	return res, nil
}

func (m *Manager) resolveJob(ctx context.Context, r jobs.Report) (jobs.Kind, string, error) {
	if r.Kind != jobs.KindEvaluation {
		tm, err := m.st.GetModelByJob(ctx, r.JobID)
		if err == nil {
			return jobs.KindTraining, tm.ID, nil
		}
		if r.Kind == jobs.KindTraining || !apperr.Is(err, apperr.KindNotFound) {
			return "", "", err
		}
	}
	run, err := m.st.GetEvaluationByJob(ctx, r.JobID)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return "", "", apperr.NotFound("job", r.JobID)
		}
		return "", "", err
	}
	return jobs.KindEvaluation, run.ID, nil
}

// transition is the lifecycle block shared by models and evaluation runs.
type transition struct {
	entity, id string
	from, to   model.JobStatus
}

// advance decides whether a report moves a job forward. It returns false for
// duplicates and for reports that would move a job backwards or out of a
// terminal state.
func advance(entity, id, jobID, recorded string, from, to model.JobStatus) (bool, error) {
	if recorded != jobID {
		return false, apperr.Conflictf(entity, id, "report for job %s, entity is bound to job %s", jobID, recorded)
	}
	return from.CanAdvanceTo(to), nil
}

// applyTimes stamps the lifecycle timestamps for a forward move to status.
func applyTimes(status model.JobStatus, at time.Time, started, completed **time.Time) {
	if status == model.JobRunning || status.IsTerminal() {
		if *started == nil {
			*started = &at
		}
	}
	if status.IsTerminal() {
		*completed = &at
	}
}

func (m *Manager) reportTime(ts time.Time) time.Time {
	if ts.IsZero() {
		return m.timestamp()
	}
	return model.NormalizeTime(ts)
}

func (m *Manager) logTransition(t transition, jobID string) {
	monitoring.Transitions.WithLabelValues(t.entity, string(t.from), string(t.to)).Inc()
	m.log.Info("job status applied",
		zap.String("entity", t.entity),
		zap.String("id", t.id),
		zap.String("job_id", jobID),
		zap.String("from", string(t.from)),
		zap.String("to", string(t.to)),
	)
}

func (m *Manager) logIgnored(entity, id, jobID string, current, reported model.JobStatus) {
	m.log.Debug("job report ignored",
		zap.String("entity", entity),
		zap.String("id", id),
		zap.String("job_id", jobID),
		zap.String("status", string(current)),
		zap.String("reported", string(reported)),
	)
}

// ReportTrainingStatus applies a status report to a trained model. It
// returns the model as stored afterwards and whether the report changed it.
func (m *Manager) ReportTrainingStatus(ctx context.Context, modelID, jobID string, status model.JobStatus, ts time.Time, p jobs.Payload) (*model.TrainedModel, bool, error) {
	if !status.Valid() {
		return nil, false, apperr.Validationf(store.EntityModel, modelID, "unknown job status %q", status)
	}
	if len(p.Predictions) > 0 {
		return nil, false, apperr.Validationf(store.EntityModel, modelID, "predictions are only accepted for evaluation jobs")
	}
	at := m.reportTime(ts)

	var (
		tm      *model.TrainedModel
		applied bool
		from    model.JobStatus
	)
	err := m.st.InTx(ctx, store.TxOptions{}, func(tx store.Repo) error {
		var err error
		tm, err = tx.LockModel(ctx, modelID)
		if err != nil {
			return err
		}
		from = tm.Status
		ok, err := advance(store.EntityModel, tm.ID, jobID, tm.JobID, tm.Status, status)
		if err != nil || !ok {
			return err
		}

		switch status {
		case model.JobCompleted:
			if p.ArtifactPath == "" && len(p.Metrics) == 0 {
				return apperr.Validationf(store.EntityModel, tm.ID, "COMPLETED report needs an artifact path or metrics")
			}
			tm.ArtifactPath = p.ArtifactPath
		case model.JobFailed:
			tm.FailureReason = p.Reason
			if tm.FailureReason == "" {
				tm.FailureReason = ReasonJobFailed
			}
		}
		tm.Metrics = mergeMetrics(tm.Metrics, p.Metrics)
		if p.Logs != "" {
			tm.Logs = p.Logs
		}
		tm.Status = status
		applyTimes(status, at, &tm.StartedAt, &tm.CompletedAt)
		if err := tx.UpdateModel(ctx, tm); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if !applied {
		m.logIgnored(store.EntityModel, tm.ID, jobID, tm.Status, status)
		return tm, false, nil
	}
	m.logTransition(transition{store.EntityModel, tm.ID, from, status}, jobID)
	return tm, true, nil
}

// ReportEvaluationStatus applies a status report to an evaluation run.
// Predictions in the payload are recorded while the run is RUNNING, also on
// repeated RUNNING reports. On COMPLETED the run's metrics are computed from
// the full prediction set.
func (m *Manager) ReportEvaluationStatus(ctx context.Context, runID, jobID string, status model.JobStatus, ts time.Time, p jobs.Payload) (*model.EvaluationRun, bool, error) {
	if !status.Valid() {
		return nil, false, apperr.Validationf(store.EntityEvaluation, runID, "unknown job status %q", status)
	}
	if len(p.Predictions) > MaxPredictionBatch {
		return nil, false, apperr.Validationf(store.EntityEvaluation, runID,
			"%d predictions exceed the batch limit of %d", len(p.Predictions), MaxPredictionBatch)
	}
	at := m.reportTime(ts)

	var (
		run      *model.EvaluationRun
		applied  bool
		recorded int64
		from     model.JobStatus
	)
	err := m.st.InTx(ctx, store.TxOptions{}, func(tx store.Repo) error {
		var err error
		run, err = tx.LockEvaluation(ctx, runID)
		if err != nil {
			return err
		}
		from = run.Status
		ok, err := advance(store.EntityEvaluation, run.ID, jobID, run.JobID, run.Status, status)
		if err != nil {
			return err
		}

		// Predictions ride on RUNNING and COMPLETED reports. A repeated
		// RUNNING report only appends them.
		carries := len(p.Predictions) > 0 && (status == model.JobRunning || status == model.JobCompleted)
		if !ok {
			if carries && run.Status == model.JobRunning && status == model.JobRunning {
				recorded, err = insertPredictions(ctx, tx, run.ID, p.Predictions)
				return err
			}
			return nil
		}
		if carries {
			if recorded, err = insertPredictions(ctx, tx, run.ID, p.Predictions); err != nil {
				return err
			}
		}

		switch status {
		case model.JobCompleted:
			computed, err := computeRunMetrics(ctx, tx, run.ID)
			if err != nil {
				return err
			}
			if computed == nil && len(p.Metrics) == 0 {
				return apperr.Validationf(store.EntityEvaluation, run.ID, "COMPLETED report needs predictions or metrics")
			}
			run.Metrics = mergeMetrics(mergeMetrics(run.Metrics, p.Metrics), computed)
		case model.JobFailed:
			run.FailureReason = p.Reason
			if run.FailureReason == "" {
				run.FailureReason = ReasonJobFailed
			}
			run.Metrics = mergeMetrics(run.Metrics, p.Metrics)
		default:
			run.Metrics = mergeMetrics(run.Metrics, p.Metrics)
		}
		if p.Logs != "" {
			run.Logs = p.Logs
		}
		run.Status = status
		applyTimes(status, at, &run.StartedAt, &run.CompletedAt)
		if err := tx.UpdateEvaluation(ctx, run); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if recorded > 0 {
		m.log.Info("predictions recorded", zap.String("evaluation_id", run.ID), zap.Int64("inserted", recorded))
	}
	if !applied {
		m.logIgnored(store.EntityEvaluation, run.ID, jobID, run.Status, status)
		return run, recorded > 0, nil
	}
	m.logTransition(transition{store.EntityEvaluation, run.ID, from, status}, jobID)
	return run, true, nil
}

func mergeMetrics(dst, src map[string]float64) map[string]float64 {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]float64, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
