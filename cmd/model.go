package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/meterlab/internal/jobs"
	"github.com/sells-group/meterlab/internal/lifecycle"
	"github.com/sells-group/meterlab/internal/model"
)

var modelCmd = &cobra.Command{
	Use:   "model",
	Short: "Train and evaluate models on confirmed events",
}

// trainingInput is the --config file of model train.
type trainingInput struct {
	Model      model.ModelConfig      `yaml:"model"`
	DataSource model.DataSourceConfig `yaml:"data_source"`
}

var modelTrainCmd = &cobra.Command{
	Use:   "train <experiment>",
	Short: "Queue a training job for a COMPLETED experiment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		file, _ := cmd.Flags().GetString("config")

		var in trainingInput
		if err := readYAML(file, &in); err != nil {
			return err
		}

		a, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		e, err := a.experiments.Resolve(ctx, args[0])
		if err != nil {
			return err
		}
		tm, _, err := a.lifecycle.SubmitTraining(ctx, e.ID, in.Model, in.DataSource)
		if err != nil {
			return eris.Wrap(err, "model train")
		}
		if tm.DispatchedAt == nil {
			fmt.Fprintln(os.Stderr, "Dispatch failed; the job stays QUEUED until the redispatch sweep sends it.")
		}
		return printJSON(os.Stdout, tm)
	},
}

var modelEvaluateCmd = &cobra.Command{
	Use:   "evaluate <model-id>",
	Short: "Queue an evaluation of a COMPLETED model",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		dsRef, _ := cmd.Flags().GetString("dataset")
		from, _ := cmd.Flags().GetString("from")
		to, _ := cmd.Flags().GetString("to")
		rooms, _ := cmd.Flags().GetStringSlice("rooms")

		tr, err := parseRange(from, to)
		if err != nil {
			return err
		}

		a, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		d, err := a.catalog.ResolveDataset(ctx, dsRef)
		if err != nil {
			return err
		}
		run, _, err := a.lifecycle.SubmitEvaluation(ctx, args[0], model.TestSetSource{
			DatasetID: d.ID,
			Range:     tr,
			Rooms:     rooms,
		})
		if err != nil {
			return eris.Wrap(err, "model evaluate")
		}
		return printJSON(os.Stdout, run)
	},
}

var modelReportCmd = &cobra.Command{
	Use:   "report <job-id>",
	Short: "Apply a job status report by hand",
	Long:  "Applies a status report as if the job runner had sent it. Reports that do not advance the job are ignored.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		status, _ := cmd.Flags().GetString("status")
		kind, _ := cmd.Flags().GetString("kind")
		at, _ := cmd.Flags().GetString("at")
		artifact, _ := cmd.Flags().GetString("artifact")
		reason, _ := cmd.Flags().GetString("reason")
		rawMetrics, _ := cmd.Flags().GetStringToString("metric")
		predFile, _ := cmd.Flags().GetString("predictions")

		r := jobs.Report{
			JobID:  args[0],
			Kind:   jobs.Kind(kind),
			Status: model.JobStatus(status),
			Payload: jobs.Payload{
				ArtifactPath: artifact,
				Reason:       reason,
			},
		}
		if at != "" {
			ts, err := time.Parse(time.RFC3339, at)
			if err != nil {
				return eris.Wrapf(err, "parse --at %q", at)
			}
			r.Timestamp = ts
		}
		metrics, err := parseMetrics(rawMetrics)
		if err != nil {
			return err
		}
		r.Payload.Metrics = metrics
		if predFile != "" {
			data, err := os.ReadFile(predFile)
			if err != nil {
				return eris.Wrapf(err, "read %s", predFile)
			}
			if err := json.Unmarshal(data, &r.Payload.Predictions); err != nil {
				return eris.Wrapf(err, "parse %s", predFile)
			}
		}

		a, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.lifecycle.ApplyReport(ctx, "cli", r)
		if err != nil {
			return eris.Wrap(err, "model report")
		}
		return printJSON(os.Stdout, res)
	},
}

func parseMetrics(raw map[string]string) (map[string]float64, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]float64, len(raw))
	for k, v := range raw {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, eris.Wrapf(err, "metric %s", k)
		}
		out[k] = f
	}
	return out, nil
}

var modelListCmd = &cobra.Command{
	Use:   "list",
	Short: "List trained models",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		expRef, _ := cmd.Flags().GetString("experiment")
		q, err := jobQueryFlags(cmd)
		if err != nil {
			return err
		}

		a, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if expRef != "" {
			e, err := a.experiments.Resolve(ctx, expRef)
			if err != nil {
				return err
			}
			q.Parent = e.ID
		}
		page, err := a.lifecycle.ListModels(ctx, q)
		if err != nil {
			return eris.Wrap(err, "model list")
		}
		formatModels(os.Stdout, page.Models)
		if page.Next != "" {
			fmt.Fprintf(os.Stderr, "Next page: --cursor %s\n", page.Next)
		}
		return nil
	},
}

var modelEvaluationsCmd = &cobra.Command{
	Use:   "evaluations",
	Short: "List evaluation runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		q, err := jobQueryFlags(cmd)
		if err != nil {
			return err
		}
		q.Parent, _ = cmd.Flags().GetString("model")

		a, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		page, err := a.lifecycle.ListEvaluations(ctx, q)
		if err != nil {
			return eris.Wrap(err, "model evaluations")
		}
		formatEvaluations(os.Stdout, page.Evaluations)
		if page.Next != "" {
			fmt.Fprintf(os.Stderr, "Next page: --cursor %s\n", page.Next)
		}
		return nil
	},
}

var modelShowCmd = &cobra.Command{
	Use:   "show <model-or-evaluation-id>",
	Short: "Show a trained model or an evaluation run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if tm, err := a.lifecycle.GetModel(ctx, args[0]); err == nil {
			return printJSON(os.Stdout, tm)
		}
		run, err := a.lifecycle.GetEvaluation(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "model show")
		}
		return printJSON(os.Stdout, run)
	},
}

var modelPredictionsCmd = &cobra.Command{
	Use:   "predictions <evaluation-id>",
	Short: "List an evaluation run's predictions in timestamp order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		after, _ := cmd.Flags().GetString("after")
		limit, _ := cmd.Flags().GetInt("limit")

		var afterTS time.Time
		if after != "" {
			ts, err := time.Parse(time.RFC3339, after)
			if err != nil {
				return eris.Wrapf(err, "parse --after %q", after)
			}
			afterTS = ts
		}

		a, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		preds, err := a.lifecycle.ListPredictions(ctx, args[0], afterTS, limit)
		if err != nil {
			return eris.Wrap(err, "model predictions")
		}
		formatPredictions(os.Stdout, preds)
		if len(preds) == limit {
			fmt.Fprintf(os.Stderr, "Next page: --after %s\n", preds[len(preds)-1].Timestamp.UTC().Format(time.RFC3339))
		}
		return nil
	},
}

func jobQueryFlags(cmd *cobra.Command) (lifecycle.JobQuery, error) {
	status, _ := cmd.Flags().GetString("status")
	cursor, _ := cmd.Flags().GetString("cursor")
	limit, _ := cmd.Flags().GetInt("limit")
	q := lifecycle.JobQuery{Status: model.JobStatus(status), Cursor: cursor, Limit: limit}
	if q.Status != "" && !q.Status.Valid() {
		return q, eris.Errorf("unknown status %q", status)
	}
	return q, nil
}

func addJobQueryFlags(c *cobra.Command) {
	c.Flags().String("status", "", "filter by status (QUEUED, RUNNING, COMPLETED, FAILED)")
	c.Flags().String("cursor", "", "page cursor from a previous call")
	c.Flags().Int("limit", lifecycle.DefaultJobPage, "page size")
}

func init() {
	modelTrainCmd.Flags().String("config", "", "YAML file with model and data_source sections")
	_ = modelTrainCmd.MarkFlagRequired("config")

	modelEvaluateCmd.Flags().String("dataset", "", "test set dataset id or name")
	modelEvaluateCmd.Flags().String("from", "", "test range start, RFC 3339")
	modelEvaluateCmd.Flags().String("to", "", "test range end, RFC 3339")
	modelEvaluateCmd.Flags().StringSlice("rooms", nil, "restrict the test set to these rooms")
	_ = modelEvaluateCmd.MarkFlagRequired("dataset")

	r := modelReportCmd.Flags()
	r.String("status", "", "QUEUED, RUNNING, COMPLETED or FAILED")
	r.String("kind", "", "training or evaluation (default: resolve by job id)")
	r.String("at", "", "report time, RFC 3339 (default now)")
	r.String("artifact", "", "artifact path of a completed training job")
	r.String("reason", "", "failure reason")
	r.StringToString("metric", nil, "metric as name=value (repeatable)")
	r.String("predictions", "", "JSON array of predictions (evaluation jobs)")
	_ = modelReportCmd.MarkFlagRequired("status")

	modelListCmd.Flags().String("experiment", "", "experiment id or name")
	addJobQueryFlags(modelListCmd)
	modelEvaluationsCmd.Flags().String("model", "", "trained model id")
	addJobQueryFlags(modelEvaluationsCmd)

	modelPredictionsCmd.Flags().String("after", "", "only predictions after this time, RFC 3339")
	modelPredictionsCmd.Flags().Int("limit", 1000, "page size")

	modelCmd.AddCommand(modelTrainCmd, modelEvaluateCmd, modelReportCmd, modelListCmd,
		modelEvaluationsCmd, modelShowCmd, modelPredictionsCmd)
	rootCmd.AddCommand(modelCmd)
}
