package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/meterlab/internal/model"
	"github.com/sells-group/meterlab/internal/store"
)

// fakeSource answers the collector's queries from fixed slices and records
// the filters it was asked for.
type fakeSource struct {
	models      []model.TrainedModel
	evals       []model.EvaluationRun
	stale       int
	experiments map[model.ExperimentStatus][]model.Experiment
	err         error
	jobFilters  []store.JobFilter
}

func (f *fakeSource) ListModels(_ context.Context, jf store.JobFilter) ([]model.TrainedModel, error) {
	f.jobFilters = append(f.jobFilters, jf)
	if f.err != nil {
		return nil, f.err
	}
	if jf.Undispatched {
		return make([]model.TrainedModel, f.stale), nil
	}
	return f.models, nil
}

func (f *fakeSource) ListEvaluations(_ context.Context, jf store.JobFilter) ([]model.EvaluationRun, error) {
	f.jobFilters = append(f.jobFilters, jf)
	if jf.Undispatched {
		return nil, nil
	}
	return f.evals, nil
}

func (f *fakeSource) ListExperiments(_ context.Context, ef store.ExperimentFilter) ([]model.Experiment, error) {
	return f.experiments[ef.Status], nil
}

func TestCollector_Collect(t *testing.T) {
	recent := time.Now().UTC().Add(-time.Hour)
	old := time.Now().UTC().Add(-72 * time.Hour)
	src := &fakeSource{
		models: []model.TrainedModel{
			{Status: model.JobCompleted}, {Status: model.JobFailed}, {Status: model.JobQueued},
		},
		evals: []model.EvaluationRun{
			{Status: model.JobCompleted}, {Status: model.JobRunning},
		},
		stale: 2,
		experiments: map[model.ExperimentStatus][]model.Experiment{
			model.ExperimentFailed:    {{CompletedAt: &recent}, {CompletedAt: &old}},
			model.ExperimentCompleted: {{CompletedAt: &recent}},
			model.ExperimentRunning:   {{}},
		},
	}
	c := NewCollector(src, 5*time.Minute)

	snap, err := c.Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Equal(t, JobCounts{Total: 3, Queued: 1, Completed: 1, Failed: 1}, snap.Models)
	assert.Equal(t, JobCounts{Total: 2, Running: 1, Completed: 1}, snap.Evaluations)
	assert.InDelta(t, 1.0/3.0, snap.JobFailRate, 1e-9)
	assert.Equal(t, 2, snap.Undispatched)
	assert.Equal(t, 1, snap.ExperimentsFailed, "failures outside the window are ignored")
	assert.Equal(t, 1, snap.ExperimentsCompleted)
	assert.Equal(t, 1, snap.ExperimentsRunning)
	assert.Equal(t, 24, snap.LookbackHours)

	require.Len(t, src.jobFilters, 4)
	assert.WithinDuration(t, time.Now().Add(-24*time.Hour), src.jobFilters[0].CreatedAfter, time.Minute)
	stale := src.jobFilters[2]
	assert.Equal(t, model.JobQueued, stale.Status)
	assert.True(t, stale.Undispatched)
	assert.WithinDuration(t, time.Now().Add(-5*time.Minute), stale.CreatedBefore, time.Minute)

	assert.Equal(t, 2.0, testutil.ToFloat64(UndispatchedJobs))
	assert.Equal(t, 1.0, testutil.ToFloat64(JobsByStatus.WithLabelValues("evaluation", "RUNNING")))
}

func TestCollector_Collect_Empty(t *testing.T) {
	snap, err := NewCollector(&fakeSource{}, time.Minute).Collect(context.Background(), 1)
	require.NoError(t, err)
	assert.Zero(t, snap.JobFailRate)
	assert.Zero(t, snap.Undispatched)
}

func TestCollector_Collect_Error(t *testing.T) {
	_, err := NewCollector(&fakeSource{err: errors.New("db down")}, time.Minute).Collect(context.Background(), 24)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monitoring: list models")
}
