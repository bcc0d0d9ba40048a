package candidate

import (
	"context"
	"fmt"
	"iter"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/meterlab/internal/catalog"
	"github.com/sells-group/meterlab/internal/model"
	"github.com/sells-group/meterlab/internal/monitoring"
	"github.com/sells-group/meterlab/internal/store"
)

// eventNS scopes deterministic event ids.
var eventNS = uuid.MustParse("0b6c3a8e-51f2-4d7e-9c0a-7e2f4b1d8a63")

// EventID derives the id of the event for (dataset, line, timestamp, rule).
func EventID(datasetID, line string, ts time.Time, rule string) string {
	key := fmt.Sprintf("%s|%s|%s|%s", datasetID, line, model.NormalizeTime(ts).Format(time.RFC3339Nano), rule)
	return uuid.NewSHA1(eventNS, []byte(key)).String()
}

// Candidate is one flagged window.
type Candidate struct {
	ID           string              `json:"id"`
	DatasetID    string              `json:"dataset_id"`
	ExperimentID string              `json:"experiment_id"`
	Line         string              `json:"line"`
	Timestamp    time.Time           `json:"timestamp"`
	Rule         string              `json:"rule"`
	Score        float64             `json:"score"`
	Window       []model.WindowPoint `json:"window"`
}

// Event returns the UNREVIEWED event that records c.
func (c Candidate) Event(now time.Time) model.Event {
	return model.Event{
		ID:           c.ID,
		DatasetID:    c.DatasetID,
		ExperimentID: c.ExperimentID,
		Line:         c.Line,
		Timestamp:    c.Timestamp,
		RuleName:     c.Rule,
		Score:        c.Score,
		Window:       c.Window,
		Status:       model.ReviewUnreviewed,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Stats counts the windows of a generation run.
type Stats struct {
	Windows int64  `json:"windows"`
	Skipped int64  `json:"skipped"`
	Flagged int64  `json:"flagged"`
	LastErr string `json:"last_error,omitempty"`
}

// SkipRatio is the fraction of windows the scorer failed on.
func (s Stats) SkipRatio() float64 {
	if s.Windows == 0 {
		return 0
	}
	return float64(s.Skipped) / float64(s.Windows)
}

// Options tunes a Generator.
type Options struct {
	PageSize  int // readings per query page
	BatchSize int // candidates per persist transaction
}

// Generator runs scorers over dataset readings.
type Generator struct {
	st   store.Store
	opts Options
	log  *zap.Logger
}

// NewGenerator creates a generator over st.
func NewGenerator(st store.Store, opts Options) *Generator {
	if opts.PageSize <= 0 {
		opts.PageSize = catalog.DefaultPageSize
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 200
	}
	return &Generator{st: st, opts: opts, log: zap.L().With(zap.String("component", "candidate"))}
}

// Generate slides a window of params.EffectiveWindow() readings over each
// room of the dataset, in timestamp order, and yields a candidate for every
// window the scorer flags. Scorer errors are counted in stats and the window
// is skipped. The sequence checks ctx between windows; cancellation and
// store errors are yielded once and end it. Identical inputs produce
// identical candidates.
func (g *Generator) Generate(ctx context.Context, experimentID, datasetID string, rule model.RuleName, params model.RuleParams, scorer Scorer, stats *Stats) iter.Seq2[Candidate, error] {
	if stats == nil {
		stats = &Stats{}
	}
	size := params.EffectiveWindow()
	ch := params.EffectiveChannel()
	filter := store.ReadingFilter{DatasetID: datasetID, Range: params.Range, Rooms: params.Rooms}
	ruleLabel := string(rule)

	return func(yield func(Candidate, error) bool) {
		buffers := make(map[string][]model.Reading)
		for rd, err := range catalog.Readings(ctx, g.st, filter, g.opts.PageSize) {
			if err != nil {
				yield(Candidate{}, err)
				return
			}
			if err := ctx.Err(); err != nil {
				yield(Candidate{}, eris.Wrap(err, "candidate: generation cancelled"))
				return
			}

			buf := append(buffers[rd.Room], rd)
			if len(buf) > size {
				buf = buf[len(buf)-size:]
			}
			buffers[rd.Room] = buf
			if len(buf) < size {
				continue
			}

			window := make([]model.Reading, size)
			copy(window, buf)
			stats.Windows++
			v, err := scorer(window)
			if err == nil && (math.IsNaN(v.Score) || math.IsInf(v.Score, 0)) {
				err = ErrNonFinite
			}
			if err != nil {
				stats.Skipped++
				stats.LastErr = err.Error()
				monitoring.GenerationWindows.WithLabelValues(ruleLabel, "skipped").Inc()
				g.log.Debug("window skipped",
					zap.String("experiment_id", experimentID),
					zap.String("room", rd.Room),
					zap.Time("ts", rd.Timestamp),
					zap.Error(err),
				)
				continue
			}
			if !v.IsAnomaly {
				monitoring.GenerationWindows.WithLabelValues(ruleLabel, "clear").Inc()
				continue
			}
			stats.Flagged++
			monitoring.GenerationWindows.WithLabelValues(ruleLabel, "flagged").Inc()

			points := make([]model.WindowPoint, len(window))
			for i, w := range window {
				points[i] = model.WindowPoint{Timestamp: w.Timestamp, Value: w.Value(ch)}
			}
			c := Candidate{
				ID:           EventID(datasetID, rd.Room, rd.Timestamp, ruleLabel),
				DatasetID:    datasetID,
				ExperimentID: experimentID,
				Line:         rd.Room,
				Timestamp:    rd.Timestamp,
				Rule:         ruleLabel,
				Score:        v.Score,
				Window:       points,
			}
			if !yield(c, nil) {
				return
			}
		}
	}
}

// PersistResult reports one persist call.
type PersistResult struct {
	Inserted       int64 `json:"inserted"`
	Shared         int64 `json:"shared"` // already owned by another experiment
	CandidateCount int64 `json:"candidate_count"`
}

// Persist stores candidates as events of the experiment in one transaction.
// Event ids are deterministic, so persisting a candidate again is a no-op.
// The experiment must still be RUNNING under runID; its candidate count is
// recounted in the same transaction.
func (g *Generator) Persist(ctx context.Context, experimentID, runID string, candidates []Candidate) (PersistResult, error) {
	var res PersistResult
	err := g.st.InTx(ctx, store.TxOptions{}, func(tx store.Repo) error {
		res = PersistResult{}
		exp, err := tx.LockExperiment(ctx, experimentID)
		if err != nil {
			return err
		}
		if exp.Status != model.ExperimentRunning {
			return errNotRunning(exp)
		}
		if exp.RunID != runID {
			return errStaleRun(exp, runID)
		}

		now := model.NormalizeTime(time.Now())
		events := make([]model.Event, len(candidates))
		for i, c := range candidates {
			if c.ExperimentID != experimentID {
				return eris.Errorf("candidate %s belongs to experiment %s", c.ID, c.ExperimentID)
			}
			if c.DatasetID != exp.DatasetID {
				return eris.Errorf("candidate %s belongs to dataset %s", c.ID, c.DatasetID)
			}
			events[i] = c.Event(now)
		}
		if res.Inserted, err = tx.InsertEvents(ctx, events); err != nil {
			return err
		}
		if res.Inserted < int64(len(events)) {
			for _, ev := range events {
				got, err := tx.GetEvent(ctx, ev.ID)
				if err != nil {
					return err
				}
				if got.ExperimentID != experimentID {
					res.Shared++
				}
			}
		}
		res.CandidateCount, err = tx.RecountExperimentCandidates(ctx, experimentID)
		return err
	})
	if err != nil {
		return PersistResult{}, err
	}
	return res, nil
}

// RunResult summarizes a Run.
type RunResult struct {
	Stats          Stats `json:"stats"`
	Inserted       int64 `json:"inserted"`
	Shared         int64 `json:"shared"`
	CandidateCount int64 `json:"candidate_count"`
	Batches        int   `json:"batches"`
}

// Run generates candidates and persists them in batches. Each batch commits
// on its own; on error the result still describes the batches that landed.
func (g *Generator) Run(ctx context.Context, exp *model.Experiment, scorer Scorer) (*RunResult, error) {
	if exp.Params == nil {
		return nil, eris.Errorf("candidate: experiment %s has no rule params", exp.ID)
	}
	res := &RunResult{}
	batch := make([]Candidate, 0, g.opts.BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		pr, err := g.Persist(ctx, exp.ID, exp.RunID, batch)
		if err != nil {
			return err
		}
		res.Inserted += pr.Inserted
		res.Shared += pr.Shared
		res.CandidateCount = pr.CandidateCount
		res.Batches++
		batch = batch[:0]
		return nil
	}

	for c, err := range g.Generate(ctx, exp.ID, exp.DatasetID, exp.Params.Rule, *exp.Params, scorer, &res.Stats) {
		if err != nil {
			return res, err
		}
		batch = append(batch, c)
		if len(batch) == g.opts.BatchSize {
			if err := flush(); err != nil {
				return res, err
			}
		}
	}
	if err := flush(); err != nil {
		return res, err
	}
	if res.Batches == 0 {
		n, err := g.st.RecountExperimentCandidates(ctx, exp.ID)
		if err != nil {
			return res, err
		}
		res.CandidateCount = n
	}
	g.log.Info("generation finished",
		zap.String("experiment_id", exp.ID),
		zap.Int64("windows", res.Stats.Windows),
		zap.Int64("skipped", res.Stats.Skipped),
		zap.Int64("inserted", res.Inserted),
		zap.Int64("shared", res.Shared),
	)
	return res, nil
}
