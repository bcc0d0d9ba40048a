package candidate

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/meterlab/internal/apperr"
	"github.com/sells-group/meterlab/internal/catalog"
	"github.com/sells-group/meterlab/internal/model"
	"github.com/sells-group/meterlab/internal/store"
)

var t0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func minute(i int) time.Time {
	return t0.Add(time.Duration(i) * time.Minute)
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "candidate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

// seedSeries creates dataset D1 with one reading per minute per room.
func seedSeries(t *testing.T, st store.Store, series map[string][]float64) *model.Dataset {
	t.Helper()
	ctx := context.Background()
	cat := catalog.New(st, 0)
	d, err := cat.CreateDataset(ctx, model.DatasetSpec{
		Name: "D1", StartTime: t0, EndTime: t0.Add(24 * time.Hour),
		SourceL1ID: "l1", SourceL2ID: "l2",
	})
	require.NoError(t, err)
	var batch []model.Reading
	for room, vals := range series {
		for i, v := range vals {
			batch = append(batch, model.Reading{Timestamp: minute(i), Room: room, WattageTotal: v})
		}
	}
	_, err = cat.IngestReadings(ctx, d.ID, batch)
	require.NoError(t, err)
	return d
}

func seedRunning(t *testing.T, st store.Store, id, datasetID string, params model.RuleParams) *model.Experiment {
	t.Helper()
	started := t0
	e := &model.Experiment{
		ID: id, Name: id, DatasetID: datasetID, Params: &params,
		Status: model.ExperimentRunning, Version: 1,
		CreatedAt: t0, UpdatedAt: t0, StartedAt: &started,
	}
	require.NoError(t, st.InsertExperiment(context.Background(), e))
	return e
}

func threshold900() model.RuleParams {
	return model.RuleParams{Rule: model.RuleThreshold, Threshold: &model.ThresholdParams{Threshold: 900}}
}

func window(vals ...float64) []model.Reading {
	out := make([]model.Reading, len(vals))
	for i, v := range vals {
		out[i] = model.Reading{Timestamp: minute(i), Room: "R1", WattageTotal: v, RawWattageL1: v / 2}
	}
	return out
}

func TestScorers(t *testing.T) {
	tests := []struct {
		name    string
		params  model.RuleParams
		window  []model.Reading
		want    Verdict
		wantErr bool
	}{
		{"threshold hit", threshold900(), window(900), Verdict{Score: 900, IsAnomaly: true}, false},
		{"threshold miss", threshold900(), window(899), Verdict{Score: 899}, false},
		{"threshold below", model.RuleParams{Rule: model.RuleThreshold, Threshold: &model.ThresholdParams{Threshold: 5, Below: true}},
			window(5), Verdict{Score: 5, IsAnomaly: true}, false},
		{"threshold on channel", model.RuleParams{Rule: model.RuleThreshold, Channel: model.ChannelRawL1, Threshold: &model.ThresholdParams{Threshold: 450}},
			window(900), Verdict{Score: 450, IsAnomaly: true}, false},
		{"delta step", model.RuleParams{Rule: model.RuleDelta, Delta: &model.DeltaParams{MinDelta: 500}},
			window(100, 700), Verdict{Score: 600, IsAnomaly: true}, false},
		{"delta small", model.RuleParams{Rule: model.RuleDelta, Delta: &model.DeltaParams{MinDelta: 500}},
			window(700, 300), Verdict{Score: 400}, false},
		{"zscore flat history", model.RuleParams{Rule: model.RuleZScore, ZScore: &model.ZScoreParams{K: 3}},
			window(10, 10, 10, 50), Verdict{}, false},
		{"zscore spike", model.RuleParams{Rule: model.RuleZScore, ZScore: &model.ZScoreParams{K: 3}},
			window(9, 11, 9, 11, 30), Verdict{Score: 20 / math.Sqrt(4.0/3.0), IsAnomaly: true}, false},
		{"zscore too short", model.RuleParams{Rule: model.RuleZScore, ZScore: &model.ZScoreParams{K: 3}},
			window(1, 2), Verdict{}, true},
		{"non-finite value", threshold900(), window(math.NaN()), Verdict{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewScorer(tt.params)
			require.NoError(t, err)
			got, err := s(tt.window)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want.Score, got.Score, 1e-9)
			assert.Equal(t, tt.want.IsAnomaly, got.IsAnomaly)
		})
	}
}

func TestNewScorer_InvalidParams(t *testing.T) {
	_, err := NewScorer(model.RuleParams{Rule: model.RuleThreshold})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestEventID_Deterministic(t *testing.T) {
	a := EventID("d1", "R1", minute(2), "threshold")
	assert.Equal(t, a, EventID("d1", "R1", minute(2).In(time.FixedZone("X", 3600)), "threshold"))
	assert.NotEqual(t, a, EventID("d1", "R1", minute(2), "delta"))
	assert.NotEqual(t, a, EventID("d1", "R2", minute(2), "threshold"))
}

func TestGenerate_ThresholdScenario(t *testing.T) {
	st := newTestStore(t)
	d := seedSeries(t, st, map[string][]float64{"R1": {100, 100, 900, 900, 100}})
	g := NewGenerator(st, Options{PageSize: 2})
	params := threshold900()
	scorer, err := NewScorer(params)
	require.NoError(t, err)

	var stats Stats
	var got []Candidate
	for c, err := range g.Generate(context.Background(), "E1", d.ID, params.Rule, params, scorer, &stats) {
		require.NoError(t, err)
		got = append(got, c)
	}
	require.Len(t, got, 2)
	assert.Equal(t, minute(2), got[0].Timestamp)
	assert.Equal(t, minute(3), got[1].Timestamp)
	assert.Equal(t, "R1", got[0].Line)
	assert.Equal(t, EventID(d.ID, "R1", minute(2), "threshold"), got[0].ID)
	assert.Equal(t, []model.WindowPoint{{Timestamp: minute(2), Value: 900}}, got[0].Window)
	assert.Equal(t, Stats{Windows: 5, Flagged: 2}, stats)

	var again []Candidate
	for c, err := range g.Generate(context.Background(), "E1", d.ID, params.Rule, params, scorer, nil) {
		require.NoError(t, err)
		again = append(again, c)
	}
	assert.Equal(t, got, again)
}

func TestGenerate_SlidingWindowPerRoom(t *testing.T) {
	st := newTestStore(t)
	d := seedSeries(t, st, map[string][]float64{
		"R1": {100, 100, 900, 900},
		"R2": {0, 800, 800, 0},
	})
	g := NewGenerator(st, Options{})
	params := model.RuleParams{Rule: model.RuleDelta, Delta: &model.DeltaParams{MinDelta: 700}}
	scorer, err := NewScorer(params)
	require.NoError(t, err)

	var stats Stats
	var got []string
	for c, err := range g.Generate(context.Background(), "E1", d.ID, params.Rule, params, scorer, &stats) {
		require.NoError(t, err)
		got = append(got, c.Line+"@"+c.Timestamp.Format("15:04"))
		assert.Len(t, c.Window, 2)
	}
	assert.Equal(t, []string{"R2@00:01", "R1@00:02", "R2@00:03"}, got)
	assert.Equal(t, int64(6), stats.Windows, "3 windows per room")
}

func TestGenerate_SkipsScorerErrors(t *testing.T) {
	st := newTestStore(t)
	d := seedSeries(t, st, map[string][]float64{"R1": {1, 2, 3, 4}})
	g := NewGenerator(st, Options{})
	boom := errors.New("model offline")
	scorer := func(w []model.Reading) (Verdict, error) {
		if w[0].WattageTotal == 2 {
			return Verdict{}, boom
		}
		if w[0].WattageTotal == 3 {
			return Verdict{Score: math.Inf(1), IsAnomaly: true}, nil
		}
		return Verdict{Score: 1, IsAnomaly: true}, nil
	}

	var stats Stats
	n := 0
	for _, err := range g.Generate(context.Background(), "E1", d.ID, model.RuleThreshold, threshold900(), scorer, &stats) {
		require.NoError(t, err)
		n++
	}
	assert.Equal(t, 2, n)
	assert.Equal(t, int64(4), stats.Windows)
	assert.Equal(t, int64(2), stats.Skipped)
	assert.InDelta(t, 0.5, stats.SkipRatio(), 1e-9)
	assert.Contains(t, stats.LastErr, "non-finite")
}

func TestGenerate_Cancelled(t *testing.T) {
	st := newTestStore(t)
	d := seedSeries(t, st, map[string][]float64{"R1": {900, 900, 900}})
	g := NewGenerator(st, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	scorer := func([]model.Reading) (Verdict, error) {
		cancel()
		return Verdict{Score: 1, IsAnomaly: true}, nil
	}

	var errs []error
	n := 0
	for _, err := range g.Generate(ctx, "E1", d.ID, model.RuleThreshold, threshold900(), scorer, nil) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	assert.Equal(t, 1, n, "stops at the next window")
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], context.Canceled)
}

func TestRun_PersistIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	d := seedSeries(t, st, map[string][]float64{"R1": {100, 100, 900, 900, 100}})
	exp := seedRunning(t, st, "E1", d.ID, threshold900())
	g := NewGenerator(st, Options{BatchSize: 1})
	scorer, err := NewScorer(threshold900())
	require.NoError(t, err)

	res, err := g.Run(ctx, exp, scorer)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Inserted)
	assert.Equal(t, 2, res.Batches)
	assert.Equal(t, int64(2), res.CandidateCount)

	res, err = g.Run(ctx, exp, scorer)
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Inserted)
	assert.Equal(t, int64(2), res.CandidateCount)

	events, err := st.ListEvents(ctx, store.EventFilter{ExperimentID: "E1"})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, model.ReviewUnreviewed, events[0].Status)

	got, err := st.GetExperiment(ctx, "E1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.CandidateCount)
}

func TestPersist_SharedWithOtherExperiment(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	d := seedSeries(t, st, map[string][]float64{"R1": {900}})
	seedRunning(t, st, "E1", d.ID, threshold900())
	seedRunning(t, st, "E2", d.ID, threshold900())

	c := Candidate{ID: EventID(d.ID, "R1", t0, "threshold"), DatasetID: d.ID, Line: "R1", Timestamp: t0, Rule: "threshold", Score: 900}
	c.ExperimentID = "E1"
	g := NewGenerator(st, Options{})
	res, err := g.Persist(ctx, "E1", "", []Candidate{c})
	require.NoError(t, err)
	assert.Equal(t, PersistResult{Inserted: 1, CandidateCount: 1}, res)

	c.ExperimentID = "E2"
	res, err = g.Persist(ctx, "E2", "", []Candidate{c})
	require.NoError(t, err)
	assert.Equal(t, PersistResult{Shared: 1}, res)
}

func TestPersist_RequiresRunning(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	d := seedSeries(t, st, map[string][]float64{"R1": {900}})
	exp := seedRunning(t, st, "E1", d.ID, threshold900())
	exp.Status = model.ExperimentFailed
	exp.FailureReason = "cancelled"
	require.NoError(t, st.UpdateExperiment(ctx, exp))

	g := NewGenerator(st, Options{})
	_, err := g.Persist(ctx, "E1", "", []Candidate{{ID: "x", DatasetID: d.ID, ExperimentID: "E1", Line: "R1", Timestamp: t0, Rule: "threshold"}})
	require.Error(t, err)
	assert.True(t, IsStopped(err))

	events, err := st.ListEvents(ctx, store.EventFilter{ExperimentID: "E1"})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestPersist_RejectsSupersededRun(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	d := seedSeries(t, st, map[string][]float64{"R1": {900}})
	exp := seedRunning(t, st, "E1", d.ID, threshold900())
	exp.RunID = "run-2"
	require.NoError(t, st.UpdateExperiment(ctx, exp))

	c := Candidate{ID: EventID(d.ID, "R1", t0, "threshold"), DatasetID: d.ID, ExperimentID: "E1", Line: "R1", Timestamp: t0, Rule: "threshold", Score: 900}
	g := NewGenerator(st, Options{})
	_, err := g.Persist(ctx, "E1", "run-1", []Candidate{c})
	require.Error(t, err)
	assert.True(t, IsStopped(err))

	events, err := st.ListEvents(ctx, store.EventFilter{ExperimentID: "E1"})
	require.NoError(t, err)
	assert.Empty(t, events)

	res, err := g.Persist(ctx, "E1", "run-2", []Candidate{c})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Inserted)
}
