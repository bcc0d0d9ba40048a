package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/meterlab/internal/experiment"
	"github.com/sells-group/meterlab/internal/model"
	"github.com/sells-group/meterlab/internal/store"
)

var experimentCmd = &cobra.Command{
	Use:     "experiment",
	Aliases: []string{"exp"},
	Short:   "Run candidate generation experiments",
}

// -- experiment create --

var experimentCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a PENDING experiment over a dataset",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		name, _ := cmd.Flags().GetString("name")
		datasetRef, _ := cmd.Flags().GetString("dataset")
		paramsFile, _ := cmd.Flags().GetString("params")

		spec := experiment.Spec{Name: name}
		if paramsFile != "" {
			var p model.RuleParams
			if err := readYAML(paramsFile, &p); err != nil {
				return err
			}
			spec.Params = &p
		}

		a, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		d, err := a.catalog.ResolveDataset(ctx, datasetRef)
		if err != nil {
			return err
		}
		spec.DatasetID = d.ID

		e, err := a.experiments.Create(ctx, spec)
		if err != nil {
			return eris.Wrap(err, "experiment create")
		}
		return printJSON(os.Stdout, e)
	},
}

// -- experiment start --

var experimentStartCmd = &cobra.Command{
	Use:   "start <experiment>",
	Short: "Start a PENDING experiment and wait for generation to finish",
	Long: "Moves the experiment to RUNNING and generates candidates in this process. " +
		"Interrupting the command marks the experiment FAILED; requeue it to retry.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		rule, _ := cmd.Flags().GetString("rule")
		paramsFile, _ := cmd.Flags().GetString("params")
		var params *model.RuleParams
		if paramsFile != "" {
			params = &model.RuleParams{}
			if err := readYAML(paramsFile, params); err != nil {
				return err
			}
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
		if _, err := a.experiments.Start(ctx, e.ID, model.RuleName(rule), params); err != nil {
			return eris.Wrap(err, "experiment start")
		}
		fmt.Fprintf(os.Stderr, "Experiment %s running...\n", e.ID)

		final, err := a.experiments.Wait(ctx, e.ID)
		if err != nil {
			return err
		}
		formatExperiment(os.Stdout, final)
		if final.Status == model.ExperimentFailed {
			return eris.Errorf("experiment %s failed: %s", final.ID, final.FailureReason)
		}
		return nil
	},
}

// experimentTransition builds a single-argument command around one of the
// controller's state transitions.
func experimentTransition(use, short string, fn func(a *app, cmd *cobra.Command, id string) (*model.Experiment, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <experiment>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := initApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			e, err := a.experiments.Resolve(ctx, args[0])
			if err != nil {
				return err
			}
			out, err := fn(a, cmd, e.ID)
			if err != nil {
				return eris.Wrapf(err, "experiment %s", use)
			}
			formatExperiment(os.Stdout, out)
			return nil
		},
	}
}

var experimentCancelCmd = experimentTransition("cancel", "Cancel a RUNNING experiment",
	func(a *app, cmd *cobra.Command, id string) (*model.Experiment, error) {
		return a.experiments.Cancel(cmd.Context(), id)
	})

var experimentRequeueCmd = experimentTransition("requeue", "Move a FAILED experiment back to PENDING",
	func(a *app, cmd *cobra.Command, id string) (*model.Experiment, error) {
		return a.experiments.Requeue(cmd.Context(), id)
	})

var experimentRecomputeCmd = experimentTransition("recompute", "Rebuild an experiment's counters from its events",
	func(a *app, cmd *cobra.Command, id string) (*model.Experiment, error) {
		return a.experiments.RecomputeStats(cmd.Context(), id)
	})

var experimentShowCmd = experimentTransition("show", "Show an experiment",
	func(a *app, cmd *cobra.Command, id string) (*model.Experiment, error) {
		return a.experiments.Get(cmd.Context(), id)
	})

// -- experiment list --

var experimentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List experiments, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		datasetRef, _ := cmd.Flags().GetString("dataset")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		f := store.ExperimentFilter{Status: model.ExperimentStatus(status), Limit: limit}
		if datasetRef != "" {
			d, err := a.catalog.ResolveDataset(ctx, datasetRef)
			if err != nil {
				return err
			}
			f.DatasetID = d.ID
		}
		exps, err := a.experiments.List(ctx, f)
		if err != nil {
			return eris.Wrap(err, "experiment list")
		}
		if len(exps) == 0 {
			fmt.Fprintln(os.Stderr, "No experiments found.")
			return nil
		}
		formatExperiments(os.Stdout, exps)
		return nil
	},
}

func init() {
	experimentCreateCmd.Flags().String("name", "", "unique experiment name")
	experimentCreateCmd.Flags().String("dataset", "", "dataset id or name")
	experimentCreateCmd.Flags().String("params", "", "YAML rule params")
	_ = experimentCreateCmd.MarkFlagRequired("name")
	_ = experimentCreateCmd.MarkFlagRequired("dataset")

	experimentStartCmd.Flags().String("rule", "", "rule name (threshold, zscore, delta); must match --params")
	experimentStartCmd.Flags().String("params", "", "YAML rule params replacing the stored ones")

	experimentListCmd.Flags().String("dataset", "", "filter by dataset id or name")
	experimentListCmd.Flags().String("status", "", "filter by status (PENDING, RUNNING, COMPLETED, FAILED)")
	experimentListCmd.Flags().Int("limit", 50, "max number of experiments to display")

	experimentCmd.AddCommand(experimentCreateCmd, experimentStartCmd, experimentCancelCmd,
		experimentRequeueCmd, experimentRecomputeCmd, experimentShowCmd, experimentListCmd)
	rootCmd.AddCommand(experimentCmd)
}
