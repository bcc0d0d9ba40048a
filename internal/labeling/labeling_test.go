package labeling

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/meterlab/internal/apperr"
	"github.com/sells-group/meterlab/internal/candidate"
	"github.com/sells-group/meterlab/internal/catalog"
	"github.com/sells-group/meterlab/internal/model"
	"github.com/sells-group/meterlab/internal/store"
)

var t0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func minute(i int) time.Time {
	return t0.Add(time.Duration(i) * time.Minute)
}

type fixture struct {
	st      store.Store
	svc     *Service
	dataset *model.Dataset
	events  []model.Event // E1's events at 00:02 and 00:03
}

// newFixture builds dataset D1 (room R1, totals 100,100,900,900,100) and
// experiment E1 whose threshold-900 run flagged 00:02 and 00:03.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "labeling.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))

	cat := catalog.New(st, 0)
	d, err := cat.CreateDataset(ctx, model.DatasetSpec{
		Name: "D1", StartTime: t0, EndTime: t0.Add(time.Hour), SourceL1ID: "l1", SourceL2ID: "l2",
	})
	require.NoError(t, err)
	var readings []model.Reading
	for i, v := range []float64{100, 100, 900, 900, 100} {
		readings = append(readings, model.Reading{Timestamp: minute(i), Room: "R1", WattageTotal: v})
	}
	_, err = cat.IngestReadings(ctx, d.ID, readings)
	require.NoError(t, err)

	params := model.RuleParams{Rule: model.RuleThreshold, Threshold: &model.ThresholdParams{Threshold: 900}}
	exp := &model.Experiment{
		ID: "E1", Name: "E1", DatasetID: d.ID, Params: &params,
		Status: model.ExperimentRunning, Version: 1, CreatedAt: t0, UpdatedAt: t0,
	}
	require.NoError(t, st.InsertExperiment(ctx, exp))
	scorer, err := candidate.NewScorer(params)
	require.NoError(t, err)
	_, err = candidate.NewGenerator(st, candidate.Options{}).Run(ctx, exp, scorer)
	require.NoError(t, err)

	events, err := st.ListEvents(ctx, store.EventFilter{ExperimentID: "E1"})
	require.NoError(t, err)
	require.Len(t, events, 2)
	return &fixture{st: st, svc: New(st), dataset: d, events: events}
}

func (f *fixture) experiment(t *testing.T) *model.Experiment {
	t.Helper()
	e, err := f.st.GetExperiment(context.Background(), "E1")
	require.NoError(t, err)
	return e
}

func (f *fixture) reading(t *testing.T, i int) *model.Reading {
	t.Helper()
	rd, err := f.st.GetReading(context.Background(), catalog.ReadingID(f.dataset.ID, minute(i), "R1"))
	require.NoError(t, err)
	return rd
}

func TestReview_Scenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ev, err := f.svc.Review(ctx, f.events[0].ID, "alice", model.ReviewPositive, "kettle")
	require.NoError(t, err)
	assert.Equal(t, model.ReviewPositive, ev.Status)
	assert.Equal(t, "alice", ev.ReviewerID)
	require.NotNil(t, ev.ReviewedAt)
	assert.Equal(t, int64(2), ev.Version)

	_, err = f.svc.Review(ctx, f.events[1].ID, "alice", model.ReviewRejected, "")
	require.NoError(t, err)

	e := f.experiment(t)
	assert.Equal(t, int64(1), e.PositiveLabelCount)
	assert.Equal(t, int64(1), e.NegativeLabelCount)
	assert.Equal(t, int64(2), e.CandidateCount)

	r2 := f.reading(t, 2)
	assert.True(t, r2.IsPositiveLabel)
	assert.Equal(t, f.events[0].ID, r2.SourceEventID)
	r3 := f.reading(t, 3)
	assert.False(t, r3.IsPositiveLabel)
	assert.Equal(t, f.events[1].ID, r3.SourceEventID)

	d, err := f.st.GetDataset(ctx, f.dataset.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), d.PositiveLabels)
}

func TestReview_Rejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.events[0].ID

	_, err := f.svc.Review(ctx, id, "alice", model.ReviewUnreviewed, "")
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = f.svc.Review(ctx, id, "", model.ReviewPositive, "")
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = f.svc.Review(ctx, "missing", "alice", model.ReviewPositive, "")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	_, err = f.svc.Review(ctx, id, "alice", model.ReviewPositive, "")
	require.NoError(t, err)
	_, err = f.svc.Review(ctx, id, "bob", model.ReviewRejected, "")
	assert.True(t, apperr.Is(err, apperr.KindConflict), "second review: %v", err)

	e := f.experiment(t)
	assert.Equal(t, int64(1), e.PositiveLabelCount)
	assert.Equal(t, int64(0), e.NegativeLabelCount)
}

func TestReview_ConcurrentSingleWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.events[0].ID

	decisions := []model.ReviewStatus{model.ReviewPositive, model.ReviewRejected}
	errs := make([]error, len(decisions))
	var wg sync.WaitGroup
	for i, d := range decisions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.svc.Review(ctx, id, "reviewer", d, "")
		}()
	}
	wg.Wait()

	var winner model.ReviewStatus
	conflicts := 0
	for i, err := range errs {
		if err == nil {
			winner = decisions[i]
			continue
		}
		assert.True(t, apperr.Is(err, apperr.KindConflict), "loser: %v", err)
		conflicts++
	}
	require.Equal(t, 1, conflicts)

	ev, err := f.svc.GetEvent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, winner, ev.Status)

	e := f.experiment(t)
	assert.Equal(t, int64(1), e.PositiveLabelCount+e.NegativeLabelCount)
	assert.Equal(t, winner == model.ReviewPositive, f.reading(t, 2).IsPositiveLabel)
}

func TestOverride_RoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.events[0].ID

	_, err := f.svc.Review(ctx, id, "alice", model.ReviewPositive, "")
	require.NoError(t, err)
	ev, err := f.svc.Override(ctx, id, "bob", model.ReviewRejected, "not a spike")
	require.NoError(t, err)
	assert.Equal(t, model.ReviewRejected, ev.Status)
	assert.Equal(t, "bob", ev.ReviewerID)
	assert.Equal(t, "not a spike", ev.Notes)

	e := f.experiment(t)
	assert.Equal(t, int64(0), e.PositiveLabelCount)
	assert.Equal(t, int64(1), e.NegativeLabelCount)
	assert.False(t, f.reading(t, 2).IsPositiveLabel)

	d, err := f.st.GetDataset(ctx, f.dataset.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), d.PositiveLabels)

	// Same status is a no-op.
	same, err := f.svc.Override(ctx, id, "bob", model.ReviewRejected, "")
	require.NoError(t, err)
	assert.Equal(t, ev.Version, same.Version)

	reopened, err := f.svc.Override(ctx, id, "carol", model.ReviewUnreviewed, "")
	require.NoError(t, err)
	assert.Nil(t, reopened.ReviewedAt)
	e = f.experiment(t)
	assert.Equal(t, int64(0), e.PositiveLabelCount+e.NegativeLabelCount)
	rd := f.reading(t, 2)
	assert.False(t, rd.IsPositiveLabel)
	assert.Empty(t, rd.SourceEventID)

	_, err = f.svc.Review(ctx, id, "carol", model.ReviewPositive, "")
	require.NoError(t, err, "reopened events can be reviewed again")

	_, err = f.svc.Override(ctx, id, "carol", model.ReviewStatus("MAYBE"), "")
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestCounterDelta(t *testing.T) {
	tests := []struct {
		from, to   model.ReviewStatus
		dPos, dNeg int64
	}{
		{model.ReviewUnreviewed, model.ReviewPositive, 1, 0},
		{model.ReviewUnreviewed, model.ReviewRejected, 0, 1},
		{model.ReviewPositive, model.ReviewRejected, -1, 1},
		{model.ReviewRejected, model.ReviewUnreviewed, 0, -1},
		{model.ReviewPositive, model.ReviewPositive, 0, 0},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			dPos, dNeg := counterDelta(tt.from, tt.to)
			assert.Equal(t, tt.dPos, dPos)
			assert.Equal(t, tt.dNeg, dNeg)
		})
	}
}

func TestLabels_AttachDetach(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := f.events[0].ID

	spike, err := f.svc.CreateLabel(ctx, "spike", "sudden jump")
	require.NoError(t, err)
	kettle, err := f.svc.CreateLabel(ctx, "kettle", "")
	require.NoError(t, err)
	_, err = f.svc.CreateLabel(ctx, "spike", "")
	assert.True(t, apperr.Is(err, apperr.KindConflict))
	_, err = f.svc.CreateLabel(ctx, "", "")
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	byName, err := f.svc.ResolveLabel(ctx, "kettle")
	require.NoError(t, err)
	assert.Equal(t, kettle.ID, byName.ID)

	created, err := f.svc.AttachLabel(ctx, ev, spike.ID)
	require.NoError(t, err)
	assert.True(t, created)
	created, err = f.svc.AttachLabel(ctx, ev, spike.ID)
	require.NoError(t, err)
	assert.False(t, created, "attach is idempotent")
	_, err = f.svc.AttachLabel(ctx, ev, kettle.ID)
	require.NoError(t, err)
	_, err = f.svc.AttachLabel(ctx, f.events[1].ID, spike.ID)
	require.NoError(t, err)

	labels, err := f.svc.LabelsForEvent(ctx, ev)
	require.NoError(t, err)
	assert.Len(t, labels, 2)

	events, err := f.svc.EventsForLabel(ctx, spike.ID)
	require.NoError(t, err)
	assert.Len(t, events, 2)

	removed, err := f.svc.DetachLabel(ctx, ev, spike.ID)
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = f.svc.DetachLabel(ctx, ev, spike.ID)
	require.NoError(t, err)
	assert.False(t, removed)

	_, err = f.svc.AttachLabel(ctx, "missing", spike.ID)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
	_, err = f.svc.DetachLabel(ctx, ev, "missing")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
	_, err = f.svc.EventsForLabel(ctx, "missing")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestCreateManualEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ev, err := f.svc.CreateManualEvent(ctx, ManualEvent{DatasetID: f.dataset.ID, Line: "R1", Timestamp: minute(4), Notes: "seen on site"})
	require.NoError(t, err)
	assert.Empty(t, ev.ExperimentID)
	assert.Equal(t, ManualRule, ev.RuleName)
	assert.Equal(t, []model.WindowPoint{{Timestamp: minute(4), Value: 100}}, ev.Window)

	_, err = f.svc.CreateManualEvent(ctx, ManualEvent{DatasetID: f.dataset.ID, Line: "R1", Timestamp: minute(4)})
	assert.True(t, apperr.Is(err, apperr.KindConflict))

	_, err = f.svc.CreateManualEvent(ctx, ManualEvent{DatasetID: "missing", Line: "R1", Timestamp: minute(4)})
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	_, err = f.svc.CreateManualEvent(ctx, ManualEvent{DatasetID: f.dataset.ID, Timestamp: minute(4)})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	// Reviewing a manual event flags the reading but leaves E1 alone.
	_, err = f.svc.Review(ctx, ev.ID, "alice", model.ReviewPositive, "")
	require.NoError(t, err)
	assert.True(t, f.reading(t, 4).IsPositiveLabel)
	e := f.experiment(t)
	assert.Equal(t, int64(0), e.PositiveLabelCount)
	assert.Equal(t, int64(2), e.CandidateCount)

	page, err := f.svc.ListEvents(ctx, EventQuery{Manual: true})
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	assert.Equal(t, ev.ID, page.Events[0].ID)
}

func TestListEvents_Pages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.ListEvents(ctx, EventQuery{ExperimentID: "E1", Limit: 1})
	require.NoError(t, err)
	require.Len(t, first.Events, 1)
	require.NotEmpty(t, first.Next)
	assert.Equal(t, minute(2), first.Events[0].Timestamp)

	second, err := f.svc.ListEvents(ctx, EventQuery{ExperimentID: "E1", Limit: 1, Cursor: first.Next})
	require.NoError(t, err)
	require.Len(t, second.Events, 1)
	assert.Equal(t, minute(3), second.Events[0].Timestamp)

	third, err := f.svc.ListEvents(ctx, EventQuery{ExperimentID: "E1", Limit: 1, Cursor: second.Next})
	require.NoError(t, err)
	assert.Empty(t, third.Events)
	assert.Empty(t, third.Next)

	_, err = f.svc.ListEvents(ctx, EventQuery{Cursor: "!!"})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	_, err = f.svc.ListEvents(ctx, EventQuery{Status: "MAYBE"})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestOverride_ReopenKeepsOtherEventsProvenance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	detected := f.events[0].ID // 00:02 on R1

	_, err := f.svc.Review(ctx, detected, "alice", model.ReviewPositive, "")
	require.NoError(t, err)
	manual, err := f.svc.CreateManualEvent(ctx, ManualEvent{DatasetID: f.dataset.ID, Line: "R1", Timestamp: minute(2)})
	require.NoError(t, err)
	_, err = f.svc.Review(ctx, manual.ID, "bob", model.ReviewPositive, "")
	require.NoError(t, err)
	assert.Equal(t, manual.ID, f.reading(t, 2).SourceEventID)

	_, err = f.svc.Override(ctx, detected, "carol", model.ReviewUnreviewed, "")
	require.NoError(t, err)
	rd := f.reading(t, 2)
	assert.True(t, rd.IsPositiveLabel, "the manual event's decision still labels the reading")
	assert.Equal(t, manual.ID, rd.SourceEventID)

	_, err = f.svc.Override(ctx, manual.ID, "carol", model.ReviewUnreviewed, "")
	require.NoError(t, err)
	rd = f.reading(t, 2)
	assert.False(t, rd.IsPositiveLabel)
	assert.Empty(t, rd.SourceEventID)
}
