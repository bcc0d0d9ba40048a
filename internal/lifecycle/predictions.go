package lifecycle

import (
	"context"
	"math"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/meterlab/internal/apperr"
	"github.com/sells-group/meterlab/internal/model"
	"github.com/sells-group/meterlab/internal/store"
)

// MaxPredictionBatch bounds one RecordPredictions call or report payload.
const MaxPredictionBatch = 10000

// DecisionThreshold separates anomalous from normal prediction scores when
// computing classification metrics.
const DecisionThreshold = 0.5

const predictionPage = 5000

// RecordPredictions appends predictions to a RUNNING evaluation run. A
// prediction whose (run, timestamp) is already stored is skipped, so a
// retried batch is harmless. It returns the number of new rows.
func (m *Manager) RecordPredictions(ctx context.Context, runID string, preds []model.Prediction) (int64, error) {
	if len(preds) > MaxPredictionBatch {
		return 0, apperr.Validationf(store.EntityEvaluation, runID,
			"%d predictions exceed the batch limit of %d", len(preds), MaxPredictionBatch)
	}
	var n int64
	err := m.st.InTx(ctx, store.TxOptions{}, func(tx store.Repo) error {
		run, err := tx.LockEvaluation(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status != model.JobRunning {
			return apperr.Preconditionf(store.EntityEvaluation, run.ID,
				"predictions are accepted only while RUNNING, status is %s", run.Status)
		}
		n, err = insertPredictions(ctx, tx, run.ID, preds)
		return err
	})
	if err != nil {
		return 0, err
	}
	m.log.Info("predictions recorded",
		zap.String("evaluation_id", runID),
		zap.Int("received", len(preds)),
		zap.Int64("inserted", n),
	)
	return n, nil
}

func insertPredictions(ctx context.Context, tx store.Repo, runID string, preds []model.Prediction) (int64, error) {
	if len(preds) == 0 {
		return 0, nil
	}
	rows := make([]model.Prediction, len(preds))
	for i, p := range preds {
		if p.Timestamp.IsZero() {
			return 0, apperr.Validationf(store.EntityPrediction, runID, "prediction %d has no timestamp", i)
		}
		if math.IsNaN(p.Score) || math.IsInf(p.Score, 0) {
			return 0, apperr.Validationf(store.EntityPrediction, runID, "prediction %d has a non-finite score", i)
		}
		p.EvaluationRunID = runID
		p.Timestamp = model.NormalizeTime(p.Timestamp)
		rows[i] = p
	}
	return tx.InsertPredictions(ctx, rows)
}

// ListPredictions pages through a run's predictions in timestamp order,
// starting after the given timestamp.
func (m *Manager) ListPredictions(ctx context.Context, runID string, after time.Time, limit int) ([]model.Prediction, error) {
	if _, err := m.st.GetEvaluation(ctx, runID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > predictionPage {
		limit = predictionPage
	}
	return m.st.ListPredictions(ctx, runID, after, limit)
}

// computeRunMetrics reads the run's full prediction set and scores it. It
// returns nil when the run has no predictions.
func computeRunMetrics(ctx context.Context, tx store.Repo, runID string) (map[string]float64, error) {
	var (
		all   []model.Prediction
		after time.Time
	)
	for {
		page, err := tx.ListPredictions(ctx, runID, after, predictionPage)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < predictionPage {
			break
		}
		after = page[len(page)-1].Timestamp
	}
	if len(all) == 0 {
		return nil, nil
	}
	return EvaluationMetrics(all, DecisionThreshold), nil
}

// EvaluationMetrics scores predictions against their ground truth. count,
// labeled and mean_score are always set; precision, recall, f1 and accuracy
// need labeled predictions, and auc needs both classes among them.
func EvaluationMetrics(preds []model.Prediction, threshold float64) map[string]float64 {
	out := map[string]float64{"count": float64(len(preds))}
	if len(preds) == 0 {
		return out
	}

	var sum float64
	var tp, fp, tn, fn float64
	var labeled []model.Prediction
	for _, p := range preds {
		sum += p.Score
		if p.GroundTruth == nil {
			continue
		}
		labeled = append(labeled, p)
		predicted := p.Score >= threshold
		switch {
		case predicted && *p.GroundTruth:
			tp++
		case predicted:
			fp++
		case *p.GroundTruth:
			fn++
		default:
			tn++
		}
	}
	out["mean_score"] = sum / float64(len(preds))
	out["labeled"] = float64(len(labeled))
	if len(labeled) == 0 {
		return out
	}

	out["accuracy"] = (tp + tn) / float64(len(labeled))
	precision, recall := ratio(tp, tp+fp), ratio(tp, tp+fn)
	out["precision"] = precision
	out["recall"] = recall
	if precision+recall > 0 {
		out["f1"] = 2 * precision * recall / (precision + recall)
	} else {
		out["f1"] = 0
	}
	if auc, ok := rankAUC(labeled); ok {
		out["auc"] = auc
	}
	return out
}

func ratio(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}

// rankAUC is the Mann-Whitney estimate of ROC-AUC. Tied scores share their
// average rank.
func rankAUC(labeled []model.Prediction) (float64, bool) {
	sorted := slices.Clone(labeled)
	slices.SortFunc(sorted, func(a, b model.Prediction) int {
		switch {
		case a.Score < b.Score:
			return -1
		case a.Score > b.Score:
			return 1
		default:
			return 0
		}
	})

	var pos, neg, rankSum float64
	for i := 0; i < len(sorted); {
		j := i
		for j < len(sorted) && sorted[j].Score == sorted[i].Score {
			j++
		}
		avgRank := float64(i+j+1) / 2 // ranks are 1-based: (i+1 + j) / 2
		for k := i; k < j; k++ {
			if *sorted[k].GroundTruth {
				pos++
				rankSum += avgRank
			} else {
				neg++
			}
		}
		i = j
	}
	if pos == 0 || neg == 0 {
		return 0, false
	}
	return (rankSum - pos*(pos+1)/2) / (pos * neg), true
}
