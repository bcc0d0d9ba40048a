package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/meterlab/internal/model"
	"github.com/sells-group/meterlab/internal/store"
)

// JobCounts tallies jobs of one kind by status.
type JobCounts struct {
	Total     int `json:"total"`
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

func (c *JobCounts) add(s model.JobStatus) {
	c.Total++
	switch s {
	case model.JobQueued:
		c.Queued++
	case model.JobRunning:
		c.Running++
	case model.JobCompleted:
		c.Completed++
	case model.JobFailed:
		c.Failed++
	}
}

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	// Jobs created within the lookback window.
	Models      JobCounts `json:"models"`
	Evaluations JobCounts `json:"evaluations"`
	JobFailRate float64   `json:"job_fail_rate"`

	// Queued jobs older than the stale age that were never dispatched.
	Undispatched int `json:"undispatched"`

	// Experiments finished within the lookback window.
	ExperimentsFailed    int `json:"experiments_failed"`
	ExperimentsCompleted int `json:"experiments_completed"`
	ExperimentsRunning   int `json:"experiments_running"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Source is the read access the collector needs; store.Store satisfies it.
type Source interface {
	ListModels(ctx context.Context, f store.JobFilter) ([]model.TrainedModel, error)
	ListEvaluations(ctx context.Context, f store.JobFilter) ([]model.EvaluationRun, error)
	ListExperiments(ctx context.Context, f store.ExperimentFilter) ([]model.Experiment, error)
}

// Collector gathers metrics from the store and publishes the job gauges.
type Collector struct {
	src        Source
	staleAfter time.Duration
}

// NewCollector creates a collector. Queued jobs without a dispatch older
// than staleAfter count as undispatched.
func NewCollector(src Source, staleAfter time.Duration) *Collector {
	return &Collector{src: src, staleAfter: staleAfter}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := time.Now().UTC()
	snap := &MetricsSnapshot{LookbackHours: lookbackHours, CollectedAt: now}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	models, err := c.src.ListModels(ctx, store.JobFilter{CreatedAfter: cutoff})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list models")
	}
	for _, m := range models {
		snap.Models.add(m.Status)
	}
	evals, err := c.src.ListEvaluations(ctx, store.JobFilter{CreatedAfter: cutoff})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list evaluations")
	}
	for _, e := range evals {
		snap.Evaluations.add(e.Status)
	}
	failed := snap.Models.Failed + snap.Evaluations.Failed
	if finished := failed + snap.Models.Completed + snap.Evaluations.Completed; finished > 0 {
		snap.JobFailRate = float64(failed) / float64(finished)
	}

	stale := store.JobFilter{Status: model.JobQueued, Undispatched: true, CreatedBefore: now.Add(-c.staleAfter)}
	staleModels, err := c.src.ListModels(ctx, stale)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list undispatched models")
	}
	staleEvals, err := c.src.ListEvaluations(ctx, stale)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list undispatched evaluations")
	}
	snap.Undispatched = len(staleModels) + len(staleEvals)

	for _, st := range []model.ExperimentStatus{model.ExperimentFailed, model.ExperimentCompleted, model.ExperimentRunning} {
		exps, err := c.src.ListExperiments(ctx, store.ExperimentFilter{Status: st})
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: list experiments")
		}
		for _, e := range exps {
			if st != model.ExperimentRunning && (e.CompletedAt == nil || e.CompletedAt.Before(cutoff)) {
				continue
			}
			switch st {
			case model.ExperimentFailed:
				snap.ExperimentsFailed++
			case model.ExperimentCompleted:
				snap.ExperimentsCompleted++
			default:
				snap.ExperimentsRunning++
			}
		}
	}

	publish(snap)
	return snap, nil
}

func publish(snap *MetricsSnapshot) {
	for kind, counts := range map[string]JobCounts{"model": snap.Models, "evaluation": snap.Evaluations} {
		JobsByStatus.WithLabelValues(kind, string(model.JobQueued)).Set(float64(counts.Queued))
		JobsByStatus.WithLabelValues(kind, string(model.JobRunning)).Set(float64(counts.Running))
		JobsByStatus.WithLabelValues(kind, string(model.JobCompleted)).Set(float64(counts.Completed))
		JobsByStatus.WithLabelValues(kind, string(model.JobFailed)).Set(float64(counts.Failed))
	}
	UndispatchedJobs.Set(float64(snap.Undispatched))
}
