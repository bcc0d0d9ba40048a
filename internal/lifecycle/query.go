package lifecycle

import (
	"context"

	"github.com/sells-group/meterlab/internal/apperr"
	"github.com/sells-group/meterlab/internal/model"
	"github.com/sells-group/meterlab/internal/store"
)

// DefaultJobPage is the page size when JobQuery.Limit is unset.
const DefaultJobPage = 50

// JobQuery selects models (Parent = experiment id) or evaluation runs
// (Parent = model id).
type JobQuery struct {
	Parent string
	Status model.JobStatus
	Cursor string
	Limit  int
}

// ModelPage is one page of trained models. Next is empty on the last page.
type ModelPage struct {
	Models []model.TrainedModel `json:"models"`
	Next   string               `json:"next,omitempty"`
}

// EvaluationPage is one page of evaluation runs.
type EvaluationPage struct {
	Evaluations []model.EvaluationRun `json:"evaluations"`
	Next        string                `json:"next,omitempty"`
}

func (m *Manager) GetModel(ctx context.Context, id string) (*model.TrainedModel, error) {
	return m.st.GetModel(ctx, id)
}

func (m *Manager) GetEvaluation(ctx context.Context, id string) (*model.EvaluationRun, error) {
	return m.st.GetEvaluation(ctx, id)
}

// ListModels pages through trained models in creation order.
func (m *Manager) ListModels(ctx context.Context, q JobQuery) (*ModelPage, error) {
	f, err := q.filter(store.EntityModel)
	if err != nil {
		return nil, err
	}
	models, err := m.st.ListModels(ctx, f)
	if err != nil {
		return nil, err
	}
	page := &ModelPage{Models: models}
	if len(models) == f.Limit {
		last := models[len(models)-1]
		page.Next = store.Cursor{TS: last.CreatedAt, ID: last.ID}.Encode()
	}
	return page, nil
}

// ListEvaluations pages through evaluation runs in creation order.
func (m *Manager) ListEvaluations(ctx context.Context, q JobQuery) (*EvaluationPage, error) {
	f, err := q.filter(store.EntityEvaluation)
	if err != nil {
		return nil, err
	}
	runs, err := m.st.ListEvaluations(ctx, f)
	if err != nil {
		return nil, err
	}
	page := &EvaluationPage{Evaluations: runs}
	if len(runs) == f.Limit {
		last := runs[len(runs)-1]
		page.Next = store.Cursor{TS: last.CreatedAt, ID: last.ID}.Encode()
	}
	return page, nil
}

func (q JobQuery) filter(entity string) (store.JobFilter, error) {
	if q.Status != "" && !q.Status.Valid() {
		return store.JobFilter{}, apperr.Validationf(entity, q.Parent, "unknown job status %q", q.Status)
	}
	after, err := store.DecodeCursor(q.Cursor)
	if err != nil {
		return store.JobFilter{}, err
	}
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultJobPage
	}
	return store.JobFilter{ParentID: q.Parent, Status: q.Status, After: after, Limit: limit}, nil
}
