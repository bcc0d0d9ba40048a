package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/meterlab/internal/model"
)

func TestFmtMetrics_Sorted(t *testing.T) {
	assert.Equal(t, "-", fmtMetrics(nil))
	assert.Equal(t, "auc=0.8333 f1=0.5", fmtMetrics(map[string]float64{"f1": 0.5, "auc": 5.0 / 6.0}))
}

func TestFmtTime(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	assert.Equal(t, "2024-03-01 12:30", fmtTime(ts))
	assert.Equal(t, "-", fmtTime(time.Time{}))
	assert.Equal(t, "-", fmtTimePtr(nil))
	assert.Equal(t, "2024-03-01 12:30", fmtTimePtr(&ts))
}

func TestFormatModels(t *testing.T) {
	done := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	formatModels(&buf, []model.TrainedModel{{
		ID:           "tm-1",
		ExperimentID: "e1",
		Config:       model.ModelConfig{Type: "isolation_forest"},
		Status:       model.JobCompleted,
		CompletedAt:  &done,
		Metrics:      map[string]float64{"f1": 0.5},
	}})

	out := buf.String()
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "tm-1")
	assert.Contains(t, out, "isolation_forest")
	assert.Contains(t, out, "COMPLETED")
	assert.Contains(t, out, "f1=0.5")
}

func TestFormatEventsAndPredictions(t *testing.T) {
	ts := time.Date(2024, 3, 1, 0, 2, 0, 0, time.UTC)
	var buf bytes.Buffer
	formatEvents(&buf, []model.Event{{ID: "ev-1", Line: "R1", Timestamp: ts, RuleName: "threshold", Score: 900, Status: model.ReviewUnreviewed}})
	assert.Contains(t, buf.String(), "ev-1")
	assert.Contains(t, buf.String(), "UNREVIEWED")

	buf.Reset()
	truth := true
	formatPredictions(&buf, []model.Prediction{{Timestamp: ts, Score: 0.9, GroundTruth: &truth}, {Timestamp: ts.Add(time.Minute), Score: 0.1}})
	assert.Contains(t, buf.String(), "0.9000")
	assert.Contains(t, buf.String(), "true")
}

func TestFormatExperiment(t *testing.T) {
	var buf bytes.Buffer
	formatExperiment(&buf, &model.Experiment{
		ID:             "e1",
		Name:           "E1",
		DatasetID:      "D1",
		Status:         model.ExperimentFailed,
		Params:         &model.RuleParams{Rule: model.RuleThreshold},
		CandidateCount: 2,
		FailureReason:  "cancelled",
	})
	out := buf.String()
	assert.Contains(t, out, "threshold")
	assert.Contains(t, out, "Failure:")
	assert.Contains(t, out, "cancelled")
}

func TestParseMetrics(t *testing.T) {
	m, err := parseMetrics(map[string]string{"f1": "0.5", "auc": "1"})
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"f1": 0.5, "auc": 1}, m)

	_, err = parseMetrics(map[string]string{"f1": "high"})
	assert.Error(t, err)

	m, err = parseMetrics(nil)
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestParseRange(t *testing.T) {
	tr, err := parseRange("2024-03-01T00:00:00Z", "2024-03-02T00:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), tr.From)

	tr, err = parseRange("", "")
	require.NoError(t, err)
	assert.True(t, tr.From.IsZero())

	_, err = parseRange("2024-03-02T00:00:00Z", "2024-03-01T00:00:00Z")
	assert.Error(t, err)

	_, err = parseRange("yesterday", "")
	assert.Error(t, err)
}
