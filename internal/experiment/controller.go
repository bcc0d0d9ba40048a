// Package experiment runs the experiment state machine
// PENDING -> RUNNING -> {COMPLETED, FAILED} and the candidate generation
// behind it.
package experiment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/meterlab/internal/apperr"
	"github.com/sells-group/meterlab/internal/candidate"
	"github.com/sells-group/meterlab/internal/model"
	"github.com/sells-group/meterlab/internal/monitoring"
	"github.com/sells-group/meterlab/internal/store"
)

// ReasonCancelled is the failure reason recorded by Cancel.
const ReasonCancelled = "cancelled"

// ScorerFactory builds the scorer for an experiment's rule params.
type ScorerFactory func(model.RuleParams) (candidate.Scorer, error)

// Options configures a Controller.
type Options struct {
	// MaxSkipRatio is the fraction of skipped windows above which a run fails.
	MaxSkipRatio float64
	Generator    candidate.Options
	Scorers      ScorerFactory // defaults to candidate.NewScorer
}

// Controller starts, cancels and repairs experiments. Generation runs on a
// background goroutine per experiment.
type Controller struct {
	st      store.Store
	gen     *candidate.Generator
	opts    Options
	log     *zap.Logger
	mu      sync.Mutex
	running map[string]*run
	closing bool
	wg      sync.WaitGroup
}

type run struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
}

var errShuttingDown = eris.New("experiment: controller is shutting down")

// New creates a controller over st.
func New(st store.Store, opts Options) *Controller {
	if opts.Scorers == nil {
		opts.Scorers = candidate.NewScorer
	}
	return &Controller{
		st:      st,
		gen:     candidate.NewGenerator(st, opts.Generator),
		opts:    opts,
		log:     zap.L().With(zap.String("component", "experiment")),
		running: make(map[string]*run),
	}
}

// Spec describes a new experiment.
type Spec struct {
	Name      string            `json:"name" yaml:"name" validate:"required,max=200"`
	DatasetID string            `json:"dataset_id" yaml:"dataset_id" validate:"required"`
	Params    *model.RuleParams `json:"params,omitempty" yaml:"params"`
}

// Create stores a PENDING experiment over a dataset.
func (c *Controller) Create(ctx context.Context, spec Spec) (*model.Experiment, error) {
	if err := model.Validate(store.EntityExperiment, spec.Name, spec); err != nil {
		return nil, err
	}
	if spec.Params != nil {
		if err := spec.Params.Validate(); err != nil {
			return nil, err
		}
	}
	if _, err := c.st.GetDataset(ctx, spec.DatasetID); err != nil {
		return nil, err
	}
	now := model.NormalizeTime(time.Now())
	e := &model.Experiment{
		ID:        uuid.NewString(),
		Name:      spec.Name,
		DatasetID: spec.DatasetID,
		Params:    spec.Params,
		Status:    model.ExperimentPending,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.st.InsertExperiment(ctx, e); err != nil {
		return nil, err
	}
	c.log.Info("experiment created", zap.String("experiment_id", e.ID), zap.String("name", e.Name))
	return e, nil
}

// Get returns an experiment by id.
func (c *Controller) Get(ctx context.Context, id string) (*model.Experiment, error) {
	return c.st.GetExperiment(ctx, id)
}

// Resolve accepts an experiment id or name.
func (c *Controller) Resolve(ctx context.Context, ref string) (*model.Experiment, error) {
	e, err := c.st.GetExperiment(ctx, ref)
	if apperr.Is(err, apperr.KindNotFound) {
		return c.st.GetExperimentByName(ctx, ref)
	}
	return e, err
}

// List returns experiments, newest first.
func (c *Controller) List(ctx context.Context, f store.ExperimentFilter) ([]model.Experiment, error) {
	return c.st.ListExperiments(ctx, f)
}

// Start moves a PENDING experiment to RUNNING and launches generation in
// the background. params replaces the experiment's stored params when
// non-nil; rule must match params.Rule when both are given. Starting an
// experiment that is not PENDING is a conflict.
func (c *Controller) Start(ctx context.Context, id string, rule model.RuleName, params *model.RuleParams) (*model.Experiment, error) {
	c.mu.Lock()
	closing := c.closing
	c.mu.Unlock()
	if closing {
		return nil, apperr.Transient(store.EntityExperiment, id, errShuttingDown)
	}

	var exp *model.Experiment
	var scorer candidate.Scorer
	err := c.st.InTx(ctx, store.TxOptions{}, func(tx store.Repo) error {
		e, err := tx.LockExperiment(ctx, id)
		if err != nil {
			return err
		}
		if e.Status != model.ExperimentPending {
			return apperr.Conflictf(store.EntityExperiment, id, "experiment is %s, not %s", e.Status, model.ExperimentPending)
		}
		p, err := resolveParams(e, rule, params)
		if err != nil {
			return err
		}
		if scorer, err = c.opts.Scorers(p); err != nil {
			return err
		}

		now := model.NormalizeTime(time.Now())
		e.Params = &p
		e.Status = model.ExperimentRunning
		e.StartedAt = &now
		e.CompletedAt = nil
		e.FailureReason = ""
		e.RunID = uuid.NewString()
		if err := tx.UpdateExperiment(ctx, e); err != nil {
			return err
		}
		exp = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	monitoring.Transitions.WithLabelValues(store.EntityExperiment, string(model.ExperimentPending), string(model.ExperimentRunning)).Inc()
	c.log.Info("experiment started",
		zap.String("experiment_id", id),
		zap.String("run_id", exp.RunID),
		zap.String("rule", string(exp.Params.Rule)),
	)
	if !c.launch(ctx, *exp, scorer) {
		// Shutdown began after the transition; record the run as failed so
		// the experiment can be requeued.
		if _, err := c.finish(context.WithoutCancel(ctx), id, exp.RunID, nil, errShuttingDown); err != nil {
			c.log.Error("experiment finish failed", zap.String("experiment_id", id), zap.Error(err))
		}
		return nil, apperr.Transient(store.EntityExperiment, id, errShuttingDown)
	}
	return exp, nil
}

func resolveParams(e *model.Experiment, rule model.RuleName, params *model.RuleParams) (model.RuleParams, error) {
	var p model.RuleParams
	switch {
	case params != nil:
		p = *params
	case e.Params != nil:
		p = *e.Params
	default:
		return p, apperr.Validationf(store.EntityExperiment, e.ID, "no rule params given")
	}
	if p.Rule == "" {
		p.Rule = rule
	}
	if rule != "" && p.Rule != rule {
		return p, apperr.Validationf(store.EntityExperiment, e.ID, "rule %q does not match params rule %q", rule, p.Rule)
	}
	return p, p.Validate()
}

// launch runs generation detached from the caller's cancellation; Cancel
// and Shutdown stop it. It reports false once Shutdown has begun.
func (c *Controller) launch(ctx context.Context, exp model.Experiment, scorer candidate.Scorer) bool {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{id: exp.RunID, cancel: cancel, done: make(chan struct{})}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		cancel()
		return false
	}
	// A cancelled run of an earlier start may still be winding down; it
	// keeps its own entry out of the map and cannot write under the new id.
	c.running[exp.ID] = r
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		defer close(r.done)
		defer cancel()
		c.execute(runCtx, &exp, scorer)
		c.mu.Lock()
		if c.running[exp.ID] == r {
			delete(c.running, exp.ID)
		}
		c.mu.Unlock()
	}()
	return true
}

func (c *Controller) execute(ctx context.Context, exp *model.Experiment, scorer candidate.Scorer) {
	start := time.Now()
	res, runErr := c.gen.Run(ctx, exp, scorer)
	status, err := c.finish(context.WithoutCancel(ctx), exp.ID, exp.RunID, res, runErr)
	if err != nil {
		c.log.Error("experiment finish failed", zap.String("experiment_id", exp.ID), zap.Error(err))
		return
	}
	monitoring.GenerationDuration.WithLabelValues(string(exp.Params.Rule), string(status)).Observe(time.Since(start).Seconds())
}

// finish records the outcome of run runID. An experiment that already left
// RUNNING, such as one cancelled mid-run, or that was started again under
// another run id keeps its status.
func (c *Controller) finish(ctx context.Context, id, runID string, res *candidate.RunResult, runErr error) (model.ExperimentStatus, error) {
	var final model.ExperimentStatus
	err := c.st.InTx(ctx, store.TxOptions{}, func(tx store.Repo) error {
		e, err := tx.LockExperiment(ctx, id)
		if err != nil {
			return err
		}
		final = e.Status
		if e.Status != model.ExperimentRunning || e.RunID != runID {
			return nil
		}
		rows, err := tx.EventStats(ctx, id)
		if err != nil {
			return err
		}
		now := model.NormalizeTime(time.Now())
		applyEventStats(e, rows)
		if res != nil {
			e.Stats.Windows = res.Stats.Windows
			e.Stats.SkippedWindows = res.Stats.Skipped
			e.Stats.Shared = res.Shared
			e.Stats.LastScorerErr = res.Stats.LastErr
		}
		e.Stats.GeneratedAt = &now
		e.CompletedAt = &now

		switch {
		case runErr != nil:
			e.Status = model.ExperimentFailed
			e.FailureReason = "generation failed: " + runErr.Error()
		case res.Stats.SkipRatio() > c.opts.MaxSkipRatio:
			e.Status = model.ExperimentFailed
			e.FailureReason = fmt.Sprintf("scorer failed on %d of %d windows (limit %.2f): %s",
				res.Stats.Skipped, res.Stats.Windows, c.opts.MaxSkipRatio, res.Stats.LastErr)
		default:
			e.Status = model.ExperimentCompleted
		}
		if err := tx.UpdateExperiment(ctx, e); err != nil {
			return err
		}
		final = e.Status
		monitoring.Transitions.WithLabelValues(store.EntityExperiment, string(model.ExperimentRunning), string(e.Status)).Inc()
		return nil
	})
	if err != nil {
		return "", err
	}
	fields := []zap.Field{zap.String("experiment_id", id), zap.String("status", string(final))}
	if res != nil {
		fields = append(fields, zap.Int64("windows", res.Stats.Windows), zap.Int64("skipped", res.Stats.Skipped))
	}
	if runErr != nil {
		fields = append(fields, zap.Error(runErr))
	}
	c.log.Info("experiment finished", fields...)
	return final, nil
}

// Wait blocks until the experiment's local generation run ends or ctx is
// done, then returns the stored experiment. It returns at once when no run
// is active in this process.
func (c *Controller) Wait(ctx context.Context, id string) (*model.Experiment, error) {
	c.mu.Lock()
	r := c.running[id]
	c.mu.Unlock()
	if r != nil {
		select {
		case <-r.done:
		case <-ctx.Done():
			return nil, eris.Wrapf(ctx.Err(), "experiment: wait for %s", id)
		}
	}
	return c.st.GetExperiment(ctx, id)
}

// Cancel fails a RUNNING experiment with ReasonCancelled. Events persisted so
// far are kept. The local run, if any, stops before its next window.
func (c *Controller) Cancel(ctx context.Context, id string) (*model.Experiment, error) {
	var out *model.Experiment
	err := c.st.InTx(ctx, store.TxOptions{}, func(tx store.Repo) error {
		e, err := tx.LockExperiment(ctx, id)
		if err != nil {
			return err
		}
		if e.Status != model.ExperimentRunning {
			return apperr.Preconditionf(store.EntityExperiment, id, "experiment is %s, not %s", e.Status, model.ExperimentRunning)
		}
		now := model.NormalizeTime(time.Now())
		e.Status = model.ExperimentFailed
		e.FailureReason = ReasonCancelled
		e.CompletedAt = &now
		if err := tx.UpdateExperiment(ctx, e); err != nil {
			return err
		}
		out = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	if r := c.running[id]; r != nil {
		r.cancel()
	}
	c.mu.Unlock()
	monitoring.Transitions.WithLabelValues(store.EntityExperiment, string(model.ExperimentRunning), string(model.ExperimentFailed)).Inc()
	c.log.Info("experiment cancelled", zap.String("experiment_id", id))
	return out, nil
}

// Requeue moves a FAILED experiment back to PENDING so it can be started
// again. Its events stay; a re-run only adds what is missing.
func (c *Controller) Requeue(ctx context.Context, id string) (*model.Experiment, error) {
	var out *model.Experiment
	err := c.st.InTx(ctx, store.TxOptions{}, func(tx store.Repo) error {
		e, err := tx.LockExperiment(ctx, id)
		if err != nil {
			return err
		}
		if e.Status != model.ExperimentFailed {
			return apperr.Preconditionf(store.EntityExperiment, id, "experiment is %s, not %s", e.Status, model.ExperimentFailed)
		}
		e.Status = model.ExperimentPending
		e.FailureReason = ""
		e.StartedAt = nil
		e.CompletedAt = nil
		if err := tx.UpdateExperiment(ctx, e); err != nil {
			return err
		}
		out = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	monitoring.Transitions.WithLabelValues(store.EntityExperiment, string(model.ExperimentFailed), string(model.ExperimentPending)).Inc()
	c.log.Info("experiment requeued", zap.String("experiment_id", id))
	return out, nil
}

// RecomputeStats rebuilds the experiment's counters and cached statistics
// from its live events under serializable isolation. It is the repair path
// for drifted counters and is safe to call in any status.
func (c *Controller) RecomputeStats(ctx context.Context, id string) (*model.Experiment, error) {
	var out *model.Experiment
	err := c.st.InTx(ctx, store.TxOptions{Serializable: true}, func(tx store.Repo) error {
		e, err := tx.LockExperiment(ctx, id)
		if err != nil {
			return err
		}
		rows, err := tx.EventStats(ctx, id)
		if err != nil {
			return err
		}
		before := [3]int64{e.CandidateCount, e.PositiveLabelCount, e.NegativeLabelCount}
		applyEventStats(e, rows)
		now := model.NormalizeTime(time.Now())
		e.Stats.RecomputedAt = &now
		if err := tx.UpdateExperiment(ctx, e); err != nil {
			return err
		}
		if after := [3]int64{e.CandidateCount, e.PositiveLabelCount, e.NegativeLabelCount}; after != before {
			c.log.Warn("experiment counters repaired",
				zap.String("experiment_id", id),
				zap.Int64s("before", before[:]),
				zap.Int64s("after", after[:]),
			)
		}
		out = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// applyEventStats sets e's counters and score statistics from grouped event rows.
func applyEventStats(e *model.Experiment, rows []store.EventStatRow) {
	var total, pos, neg, unreviewed int64
	var sum float64
	byLine := make(map[string]int64)
	s := &e.Stats
	s.ScoreMin, s.ScoreMax, s.ScoreMean = 0, 0, 0
	for i, r := range rows {
		total += r.Count
		sum += r.ScoreSum
		byLine[r.Line] += r.Count
		switch r.Status {
		case model.ReviewPositive:
			pos += r.Count
		case model.ReviewRejected:
			neg += r.Count
		default:
			unreviewed += r.Count
		}
		if i == 0 || r.ScoreMin < s.ScoreMin {
			s.ScoreMin = r.ScoreMin
		}
		if i == 0 || r.ScoreMax > s.ScoreMax {
			s.ScoreMax = r.ScoreMax
		}
	}
	e.CandidateCount = total
	e.PositiveLabelCount = pos
	e.NegativeLabelCount = neg
	s.Unreviewed = unreviewed
	s.Positive = pos
	s.Negative = neg
	s.ByLine = byLine
	if total > 0 {
		s.ScoreMean = sum / float64(total)
	}
}

// Shutdown cancels local runs and waits for them to record their outcome.
// Interrupted runs are marked FAILED and can be requeued.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closing = true
	for _, r := range c.running {
		r.cancel()
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "experiment: shutdown")
	}
}
