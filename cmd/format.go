package main

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/sells-group/meterlab/internal/model"
)

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04")
}

func fmtTimePtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return fmtTime(*t)
}

// fmtMetrics renders metrics as sorted key=value pairs.
func fmtMetrics(m map[string]float64) string {
	if len(m) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(m))
	for _, k := range slices.Sorted(maps.Keys(m)) {
		parts = append(parts, fmt.Sprintf("%s=%.4g", k, m[k]))
	}
	return strings.Join(parts, " ")
}

func formatDatasets(out io.Writer, datasets []model.Dataset) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tROOM\tWINDOW\tRECORDS\tPOSITIVE")
	for _, d := range datasets {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s .. %s\t%d\t%d\n",
			d.ID, d.Name, orDash(d.Room), fmtTime(d.StartTime), fmtTime(d.EndTime),
			d.TotalRecords, d.PositiveLabels)
	}
	_ = w.Flush()
}

func formatExperiments(out io.Writer, exps []model.Experiment) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tSTATUS\tCANDIDATES\tPOSITIVE\tREJECTED\tCREATED")
	for _, e := range exps {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			e.ID, e.Name, e.Status, e.CandidateCount, e.PositiveLabelCount,
			e.NegativeLabelCount, fmtTime(e.CreatedAt))
	}
	_ = w.Flush()
}

func formatExperiment(out io.Writer, e *model.Experiment) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "ID:\t%s\n", e.ID)
	_, _ = fmt.Fprintf(w, "Name:\t%s\n", e.Name)
	_, _ = fmt.Fprintf(w, "Dataset:\t%s\n", e.DatasetID)
	_, _ = fmt.Fprintf(w, "Status:\t%s\n", e.Status)
	if e.Params != nil {
		_, _ = fmt.Fprintf(w, "Rule:\t%s\n", e.Params.Rule)
	}
	_, _ = fmt.Fprintf(w, "Candidates:\t%d\n", e.CandidateCount)
	_, _ = fmt.Fprintf(w, "Confirmed:\t%d positive, %d rejected, %d unreviewed\n",
		e.PositiveLabelCount, e.NegativeLabelCount, e.Stats.Unreviewed)
	_, _ = fmt.Fprintf(w, "Windows:\t%d scored, %d skipped\n", e.Stats.Windows, e.Stats.SkippedWindows)
	if e.CandidateCount > 0 {
		_, _ = fmt.Fprintf(w, "Scores:\tmin %.4g, mean %.4g, max %.4g\n",
			e.Stats.ScoreMin, e.Stats.ScoreMean, e.Stats.ScoreMax)
	}
	if e.FailureReason != "" {
		_, _ = fmt.Fprintf(w, "Failure:\t%s\n", e.FailureReason)
	}
	_, _ = fmt.Fprintf(w, "Started:\t%s\n", fmtTimePtr(e.StartedAt))
	_ = w.Flush()
}

func formatEvents(out io.Writer, events []model.Event) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tLINE\tTIMESTAMP\tRULE\tSCORE\tSTATUS\tREVIEWER")
	for _, e := range events {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.4g\t%s\t%s\n",
			e.ID, e.Line, fmtTime(e.Timestamp), e.RuleName, e.Score, e.Status, orDash(e.ReviewerID))
	}
	_ = w.Flush()
}

func formatLabels(out io.Writer, labels []model.Label) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tDESCRIPTION")
	for _, l := range labels {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", l.ID, l.Name, orDash(l.Description))
	}
	_ = w.Flush()
}

func formatModels(out io.Writer, models []model.TrainedModel) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tEXPERIMENT\tTYPE\tSTATUS\tDISPATCHED\tCOMPLETED\tMETRICS")
	for _, m := range models {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			m.ID, m.ExperimentID, m.Config.Type, m.Status, fmtTimePtr(m.DispatchedAt),
			fmtTimePtr(m.CompletedAt), fmtMetrics(m.Metrics))
	}
	_ = w.Flush()
}

func formatEvaluations(out io.Writer, runs []model.EvaluationRun) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tMODEL\tDATASET\tSTATUS\tCOMPLETED\tMETRICS")
	for _, r := range runs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.TrainedModelID, r.TestSet.DatasetID, r.Status,
			fmtTimePtr(r.CompletedAt), fmtMetrics(r.Metrics))
	}
	_ = w.Flush()
}

func formatPredictions(out io.Writer, preds []model.Prediction) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TIMESTAMP\tSCORE\tGROUND_TRUTH")
	for _, p := range preds {
		truth := "-"
		if p.GroundTruth != nil {
			truth = fmt.Sprintf("%t", *p.GroundTruth)
		}
		_, _ = fmt.Fprintf(w, "%s\t%.4f\t%s\n", fmtTime(p.Timestamp), p.Score, truth)
	}
	_ = w.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
