package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/meterlab/internal/apperr"
)

func TestJobStatus_CanAdvanceTo(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to JobStatus
		want     bool
	}{
		{JobQueued, JobRunning, true},
		{JobQueued, JobCompleted, true},
		{JobQueued, JobFailed, true},
		{JobRunning, JobCompleted, true},
		{JobRunning, JobFailed, true},
		{JobQueued, JobQueued, false},
		{JobRunning, JobRunning, false},
		{JobRunning, JobQueued, false},
		{JobCompleted, JobRunning, false},
		{JobCompleted, JobFailed, false},
		{JobFailed, JobCompleted, false},
		{JobQueued, JobStatus("PAUSED"), false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.from.CanAdvanceTo(tt.to))
		})
	}
}

func TestJobStatus_IsTerminal(t *testing.T) {
	assert.False(t, JobQueued.IsTerminal())
	assert.False(t, JobRunning.IsTerminal())
	assert.True(t, JobCompleted.IsTerminal())
	assert.True(t, JobFailed.IsTerminal())
}

func TestReviewStatus(t *testing.T) {
	assert.False(t, ReviewUnreviewed.Decided())
	assert.True(t, ReviewPositive.Decided())
	assert.True(t, ReviewRejected.Decided())
	assert.True(t, ReviewUnreviewed.Valid())
	assert.False(t, ReviewStatus("MAYBE").Valid())
}

func TestDatasetSpec_Validate(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	spec := DatasetSpec{
		Name:       "D1",
		StartTime:  start,
		EndTime:    start.Add(time.Hour),
		SourceL1ID: "ch-1",
		SourceL2ID: "ch-2",
	}
	require.NoError(t, spec.Validate())

	empty := spec
	empty.EndTime = start
	err := empty.Validate()
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	assert.Contains(t, err.Error(), "time window is empty")

	noName := spec
	noName.Name = ""
	err = noName.Validate()
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	assert.Contains(t, err.Error(), "Name")
}

func TestRuleParams_Validate(t *testing.T) {
	tests := []struct {
		name    string
		params  RuleParams
		wantErr string
	}{
		{
			name:   "threshold ok",
			params: RuleParams{Rule: RuleThreshold, Threshold: &ThresholdParams{Threshold: 900}},
		},
		{
			name:    "missing block",
			params:  RuleParams{Rule: RuleThreshold},
			wantErr: "exactly one rule block",
		},
		{
			name:    "mismatched block",
			params:  RuleParams{Rule: RuleThreshold, ZScore: &ZScoreParams{K: 3}},
			wantErr: "threshold block required",
		},
		{
			name:    "unknown rule",
			params:  RuleParams{Rule: "median", Threshold: &ThresholdParams{}},
			wantErr: "oneof",
		},
		{
			name:    "zscore window too small",
			params:  RuleParams{Rule: RuleZScore, WindowSize: 2, ZScore: &ZScoreParams{K: 3}},
			wantErr: "window_size >= 3",
		},
		{
			name:    "zscore k must be positive",
			params:  RuleParams{Rule: RuleZScore, ZScore: &ZScoreParams{K: 0}},
			wantErr: "gt",
		},
		{
			name:    "delta window of one",
			params:  RuleParams{Rule: RuleDelta, WindowSize: 1, Delta: &DeltaParams{MinDelta: 10}},
			wantErr: "window_size >= 2",
		},
		{
			name:    "bad channel",
			params:  RuleParams{Rule: RuleDelta, Channel: "w999", Delta: &DeltaParams{MinDelta: 10}},
			wantErr: "Channel",
		},
		{
			name: "empty range",
			params: RuleParams{
				Rule:      RuleThreshold,
				Threshold: &ThresholdParams{Threshold: 1},
				Range: TimeRange{
					From: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
					To:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
				},
			},
			wantErr: "range is empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.params.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, apperr.Is(err, apperr.KindValidation))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRuleParams_Defaults(t *testing.T) {
	assert.Equal(t, 1, RuleParams{Rule: RuleThreshold}.EffectiveWindow())
	assert.Equal(t, 30, RuleParams{Rule: RuleZScore}.EffectiveWindow())
	assert.Equal(t, 2, RuleParams{Rule: RuleDelta}.EffectiveWindow())
	assert.Equal(t, 5, RuleParams{Rule: RuleDelta, WindowSize: 5}.EffectiveWindow())
	assert.Equal(t, ChannelTotal, RuleParams{}.EffectiveChannel())
	assert.Equal(t, Channel110V, RuleParams{Channel: Channel110V}.EffectiveChannel())
}

func TestModelConfig_Validate(t *testing.T) {
	ok := ModelConfig{
		Type:            ModelIsolationForest,
		Scenario:        ScenarioSupervised,
		IsolationForest: &IsolationForestConfig{Trees: 100, Contamination: 0.05},
	}
	require.NoError(t, ok.Validate())

	mismatch := ok
	mismatch.Type = ModelAutoencoder
	err := mismatch.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must match type")

	pu := ModelConfig{
		Type:     ModelPULearning,
		Scenario: ScenarioSupervised,
		PU:       &PUConfig{ClassPrior: 0.1, BaseModel: ModelIsolationForest},
	}
	err = pu.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "positive_unlabeled")

	pu.Scenario = ScenarioPositiveUnlabeled
	require.NoError(t, pu.Validate())
}

func TestReading_Value(t *testing.T) {
	r := Reading{RawWattageL1: 1, RawWattageL2: 2, Wattage110V: 3, Wattage220V: 4, WattageTotal: 5}
	assert.Equal(t, 1.0, r.Value(ChannelRawL1))
	assert.Equal(t, 2.0, r.Value(ChannelRawL2))
	assert.Equal(t, 3.0, r.Value(Channel110V))
	assert.Equal(t, 4.0, r.Value(Channel220V))
	assert.Equal(t, 5.0, r.Value(ChannelTotal))
	assert.Equal(t, 5.0, r.Value(""))
}

func TestTimeRange_Contains(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r := TimeRange{From: base, To: base.Add(time.Hour)}
	assert.True(t, r.Contains(base))
	assert.True(t, r.Contains(base.Add(59*time.Minute)))
	assert.False(t, r.Contains(base.Add(time.Hour)))
	assert.False(t, r.Contains(base.Add(-time.Second)))
	assert.True(t, TimeRange{}.Contains(base))
}

func TestNormalizeTime(t *testing.T) {
	loc := time.FixedZone("x", 3600)
	in := time.Date(2024, 1, 1, 1, 0, 0, 1234567, loc)
	out := NormalizeTime(in)
	assert.Equal(t, time.UTC, out.Location())
	assert.Equal(t, 1234000, out.Nanosecond())
	assert.True(t, out.Equal(time.Date(2024, 1, 1, 0, 0, 0, 1234000, time.UTC)))
}
