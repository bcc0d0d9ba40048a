package lifecycle

import (
	"context"
	"time"

	"github.com/sells-group/meterlab/internal/apperr"
	"github.com/sells-group/meterlab/internal/jobs"
	"github.com/sells-group/meterlab/internal/model"
	"github.com/sells-group/meterlab/internal/store"
)

var (
	_ jobs.Applier = (*Manager)(nil)
	_ jobs.Tracker = (*Manager)(nil)
)

const trackerPage = 500

// ActiveJobs lists every QUEUED or RUNNING model and evaluation run.
func (m *Manager) ActiveJobs(ctx context.Context) ([]jobs.Ref, error) {
	var refs []jobs.Ref
	for _, status := range []model.JobStatus{model.JobQueued, model.JobRunning} {
		err := eachModel(ctx, m.st, store.JobFilter{Status: status}, func(tm model.TrainedModel) {
			refs = append(refs, jobs.Ref{JobID: tm.JobID, Kind: jobs.KindTraining, EntityID: tm.ID})
		})
		if err != nil {
			return nil, err
		}
		err = eachEvaluation(ctx, m.st, store.JobFilter{Status: status}, func(run model.EvaluationRun) {
			refs = append(refs, jobs.Ref{JobID: run.JobID, Kind: jobs.KindEvaluation, EntityID: run.ID})
		})
		if err != nil {
			return nil, err
		}
	}
	return refs, nil
}

// PendingDispatch rebuilds the requests of QUEUED jobs that were created
// more than olderThan ago and never dispatched.
func (m *Manager) PendingDispatch(ctx context.Context, olderThan time.Duration) ([]jobs.Request, error) {
	f := store.JobFilter{
		Status:        model.JobQueued,
		Undispatched:  true,
		CreatedBefore: m.timestamp().Add(-olderThan),
	}
	var (
		models []model.TrainedModel
		runs   []model.EvaluationRun
	)
	if err := eachModel(ctx, m.st, f, func(tm model.TrainedModel) { models = append(models, tm) }); err != nil {
		return nil, err
	}
	if err := eachEvaluation(ctx, m.st, f, func(run model.EvaluationRun) { runs = append(runs, run) }); err != nil {
		return nil, err
	}

	reqs := make([]jobs.Request, 0, len(models)+len(runs))
	datasets := map[string]string{}
	for i := range models {
		tm := &models[i]
		ds, ok := datasets[tm.ExperimentID]
		if !ok {
			exp, err := m.st.GetExperiment(ctx, tm.ExperimentID)
			if err != nil {
				return nil, err
			}
			ds = exp.DatasetID
			datasets[tm.ExperimentID] = ds
		}
		reqs = append(reqs, trainingRequest(tm, ds))
	}
	for i := range runs {
		tm, err := m.st.GetModel(ctx, runs[i].TrainedModelID)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, evaluationRequest(&runs[i], tm))
	}
	return reqs, nil
}

// MarkDispatched records the first successful dispatch of a job. Later
// calls keep the original time.
func (m *Manager) MarkDispatched(ctx context.Context, req jobs.Request) error {
	at := m.timestamp()
	return m.st.InTx(ctx, store.TxOptions{}, func(tx store.Repo) error {
		switch req.Kind {
		case jobs.KindTraining:
			tm, err := tx.LockModel(ctx, req.EntityID)
			if err != nil {
				return err
			}
			if tm.JobID != req.JobID {
				return apperr.Conflictf(store.EntityModel, tm.ID, "dispatched job %s, model is bound to job %s", req.JobID, tm.JobID)
			}
			if tm.DispatchedAt != nil {
				return nil
			}
			tm.DispatchedAt = &at
			return tx.UpdateModel(ctx, tm)
		case jobs.KindEvaluation:
			run, err := tx.LockEvaluation(ctx, req.EntityID)
			if err != nil {
				return err
			}
			if run.JobID != req.JobID {
				return apperr.Conflictf(store.EntityEvaluation, run.ID, "dispatched job %s, run is bound to job %s", req.JobID, run.JobID)
			}
			if run.DispatchedAt != nil {
				return nil
			}
			run.DispatchedAt = &at
			return tx.UpdateEvaluation(ctx, run)
		default:
			return apperr.Validationf("job", req.JobID, "unknown job kind %q", req.Kind)
		}
	})
}

func eachModel(ctx context.Context, r store.Repo, f store.JobFilter, fn func(model.TrainedModel)) error {
	f.Limit = trackerPage
	for {
		page, err := r.ListModels(ctx, f)
		if err != nil {
			return err
		}
		for _, tm := range page {
			fn(tm)
		}
		if len(page) < trackerPage {
			return nil
		}
		last := page[len(page)-1]
		f.After = &store.Cursor{TS: last.CreatedAt, ID: last.ID}
	}
}

func eachEvaluation(ctx context.Context, r store.Repo, f store.JobFilter, fn func(model.EvaluationRun)) error {
	f.Limit = trackerPage
	for {
		page, err := r.ListEvaluations(ctx, f)
		if err != nil {
			return err
		}
		for _, run := range page {
			fn(run)
		}
		if len(page) < trackerPage {
			return nil
		}
		last := page[len(page)-1]
		f.After = &store.Cursor{TS: last.CreatedAt, ID: last.ID}
	}
}
