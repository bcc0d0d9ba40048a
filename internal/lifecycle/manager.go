// Package lifecycle drives trained models and evaluation runs through
// QUEUED -> RUNNING -> {COMPLETED, FAILED}. Jobs run on an external runner;
// the manager submits them and applies the status reports that come back.
package lifecycle

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sells-group/meterlab/internal/apperr"
	"github.com/sells-group/meterlab/internal/jobs"
	"github.com/sells-group/meterlab/internal/model"
	"github.com/sells-group/meterlab/internal/monitoring"
	"github.com/sells-group/meterlab/internal/resilience"
	"github.com/sells-group/meterlab/internal/store"
)

// Manager owns the model and evaluation state machines.
type Manager struct {
	st         store.Store
	dispatcher jobs.Dispatcher
	retry      resilience.RetryConfig
	log        *zap.Logger
	now        func() time.Time
}

// New creates a Manager that hands jobs to d.
func New(st store.Store, d jobs.Dispatcher) *Manager {
	retry := resilience.DefaultRetryConfig()
	retry.ShouldRetry = resilience.RetryConflicts
	return &Manager{
		st:         st,
		dispatcher: d,
		retry:      retry,
		log:        zap.L().With(zap.String("component", "lifecycle")),
		now:        time.Now,
	}
}

func (m *Manager) timestamp() time.Time {
	return model.NormalizeTime(m.now())
}

// SubmitTraining creates a QUEUED model for a completed experiment that has
// at least one confirmed positive and one confirmed rejected event, then
// dispatches its job. It does not wait for the job.
func (m *Manager) SubmitTraining(ctx context.Context, experimentID string, cfg model.ModelConfig, src model.DataSourceConfig) (*model.TrainedModel, *jobs.Request, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	if err := validateDataSource(src); err != nil {
		return nil, nil, err
	}

	var (
		tm  *model.TrainedModel
		exp *model.Experiment
	)
	err := m.st.InTx(ctx, store.TxOptions{Serializable: true}, func(tx store.Repo) error {
		var err error
		exp, err = tx.LockExperiment(ctx, experimentID)
		if err != nil {
			return err
		}
		if exp.Status != model.ExperimentCompleted {
			return apperr.Preconditionf(store.EntityExperiment, exp.ID,
				"training requires a COMPLETED experiment, status is %s", exp.Status)
		}
		pos, neg, err := decidedCounts(ctx, tx, exp.ID)
		if err != nil {
			return err
		}
		if pos == 0 || neg == 0 {
			return apperr.Preconditionf(store.EntityExperiment, exp.ID,
				"training requires a confirmed positive and a confirmed rejected event, have %d positive and %d rejected", pos, neg)
		}

		now := m.timestamp()
		tm = &model.TrainedModel{
			ID:           uuid.NewString(),
			ExperimentID: exp.ID,
			Scenario:     cfg.Scenario,
			Status:       model.JobQueued,
			Config:       cfg,
			DataSource:   src,
			JobID:        uuid.NewString(),
			Version:      1,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		return tx.InsertModel(ctx, tm)
	})
	if err != nil {
		return nil, nil, err
	}

	m.log.Info("training queued",
		zap.String("model_id", tm.ID),
		zap.String("experiment_id", tm.ExperimentID),
		zap.String("job_id", tm.JobID),
		zap.String("type", string(cfg.Type)),
	)
	monitoring.Transitions.WithLabelValues(store.EntityModel, "", string(model.JobQueued)).Inc()

	req := trainingRequest(tm, exp.DatasetID)
	if m.dispatch(ctx, req) {
		if fresh, err := m.st.GetModel(ctx, tm.ID); err == nil {
			tm = fresh
		}
	}
	return tm, &req, nil
}

// SubmitEvaluation creates a QUEUED evaluation run for a completed model and
// dispatches its job.
func (m *Manager) SubmitEvaluation(ctx context.Context, modelID string, testSet model.TestSetSource) (*model.EvaluationRun, *jobs.Request, error) {
	if err := model.Validate("test_set", testSet.DatasetID, testSet); err != nil {
		return nil, nil, err
	}
	if err := validateRange("test_set", testSet.DatasetID, testSet.Range); err != nil {
		return nil, nil, err
	}

	var (
		run *model.EvaluationRun
		tm  *model.TrainedModel
	)
	err := m.st.InTx(ctx, store.TxOptions{}, func(tx store.Repo) error {
		var err error
		tm, err = tx.LockModel(ctx, modelID)
		if err != nil {
			return err
		}
		if tm.Status != model.JobCompleted {
			return apperr.Preconditionf(store.EntityModel, tm.ID,
				"evaluation requires a COMPLETED model, status is %s", tm.Status)
		}
		if _, err := tx.GetDataset(ctx, testSet.DatasetID); err != nil {
			return err
		}

		now := m.timestamp()
		run = &model.EvaluationRun{
			ID:             uuid.NewString(),
			TrainedModelID: tm.ID,
			TestSet:        testSet,
			Status:         model.JobQueued,
			JobID:          uuid.NewString(),
			Version:        1,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		return tx.InsertEvaluation(ctx, run)
	})
	if err != nil {
		return nil, nil, err
	}

	m.log.Info("evaluation queued",
		zap.String("evaluation_id", run.ID),
		zap.String("model_id", run.TrainedModelID),
		zap.String("job_id", run.JobID),
	)
	monitoring.Transitions.WithLabelValues(store.EntityEvaluation, "", string(model.JobQueued)).Inc()

	req := evaluationRequest(run, tm)
	if m.dispatch(ctx, req) {
		if fresh, err := m.st.GetEvaluation(ctx, run.ID); err == nil {
			run = fresh
		}
	}
	return run, &req, nil
}

// dispatch sends req and records the dispatch time. A failed dispatch leaves
// the job QUEUED and undispatched for the redispatch sweep.
func (m *Manager) dispatch(ctx context.Context, req jobs.Request) bool {
	if err := m.dispatcher.Dispatch(ctx, req); err != nil {
		m.log.Warn("job dispatch failed, left for redispatch",
			zap.String("job_id", req.JobID),
			zap.String("kind", string(req.Kind)),
			zap.Error(err),
		)
		return false
	}
	err := resilience.Do(ctx, m.retry, func(ctx context.Context) error {
		return m.MarkDispatched(ctx, req)
	})
	if err != nil {
		m.log.Warn("record dispatch failed", zap.String("job_id", req.JobID), zap.Error(err))
		return false
	}
	return true
}

// decidedCounts counts confirmed positive and rejected events from the live
// event set rather than the cached counters.
func decidedCounts(ctx context.Context, tx store.Repo, experimentID string) (pos, neg int64, err error) {
	rows, err := tx.EventStats(ctx, experimentID)
	if err != nil {
		return 0, 0, err
	}
	for _, r := range rows {
		switch r.Status {
		case model.ReviewPositive:
			pos += r.Count
		case model.ReviewRejected:
			neg += r.Count
		}
	}
	return pos, neg, nil
}

func validateDataSource(src model.DataSourceConfig) error {
	if err := model.Validate("data_source", "", src); err != nil {
		return err
	}
	return validateRange("data_source", "", src.Range)
}

func validateRange(entity, id string, r model.TimeRange) error {
	if !r.From.IsZero() && !r.To.IsZero() && !r.From.Before(r.To) {
		return apperr.Validationf(entity, id, "range start %s is not before end %s",
			r.From.Format(time.RFC3339), r.To.Format(time.RFC3339))
	}
	return nil
}

func trainingRequest(tm *model.TrainedModel, datasetID string) jobs.Request {
	cfg, src := tm.Config, tm.DataSource
	return jobs.Request{
		JobID:        tm.JobID,
		Kind:         jobs.KindTraining,
		EntityID:     tm.ID,
		ExperimentID: tm.ExperimentID,
		DatasetID:    datasetID,
		Model:        &cfg,
		DataSource:   &src,
		SubmittedAt:  tm.CreatedAt,
	}
}

func evaluationRequest(run *model.EvaluationRun, tm *model.TrainedModel) jobs.Request {
	cfg, testSet := tm.Config, run.TestSet
	return jobs.Request{
		JobID:          run.JobID,
		Kind:           jobs.KindEvaluation,
		EntityID:       run.ID,
		ExperimentID:   tm.ExperimentID,
		DatasetID:      run.TestSet.DatasetID,
		TrainedModelID: tm.ID,
		ArtifactPath:   tm.ArtifactPath,
		Model:          &cfg,
		TestSet:        &testSet,
		SubmittedAt:    run.CreatedAt,
	}
}
