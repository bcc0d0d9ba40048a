package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/meterlab/internal/labeling"
	"github.com/sells-group/meterlab/internal/model"
)

var labelCmd = &cobra.Command{
	Use:   "label",
	Short: "Manage label reference data",
}

var labelCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a label",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		desc, _ := cmd.Flags().GetString("description")

		a, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		l, err := a.labeling.CreateLabel(ctx, args[0], desc)
		if err != nil {
			return eris.Wrap(err, "label create")
		}
		return printJSON(os.Stdout, l)
	},
}

var labelListCmd = &cobra.Command{
	Use:   "list",
	Short: "List labels, or the events carrying one with --events",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		ref, _ := cmd.Flags().GetString("events")

		a, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if ref != "" {
			l, err := a.labeling.ResolveLabel(ctx, ref)
			if err != nil {
				return err
			}
			events, err := a.labeling.EventsForLabel(ctx, l.ID)
			if err != nil {
				return eris.Wrap(err, "label list")
			}
			formatEvents(os.Stdout, events)
			return nil
		}

		labels, err := a.labeling.ListLabels(ctx)
		if err != nil {
			return eris.Wrap(err, "label list")
		}
		if len(labels) == 0 {
			fmt.Fprintln(os.Stderr, "No labels found.")
			return nil
		}
		formatLabels(os.Stdout, labels)
		return nil
	},
}

// labelLinkCmd attaches or detaches a label.
func labelLinkCmd(use, short string, attach bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <event-id> <label>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := initApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			l, err := a.labeling.ResolveLabel(ctx, args[1])
			if err != nil {
				return err
			}
			op := a.labeling.DetachLabel
			if attach {
				op = a.labeling.AttachLabel
			}
			changed, err := op(ctx, args[0], l.ID)
			if err != nil {
				return eris.Wrapf(err, "label %s", use)
			}
			if !changed {
				fmt.Fprintln(os.Stderr, "No change.")
			}
			return nil
		},
	}
}

var (
	labelAttachCmd = labelLinkCmd("attach", "Attach a label to an event", true)
	labelDetachCmd = labelLinkCmd("detach", "Detach a label from an event", false)
)

var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Review candidate events",
}

var eventListCmd = &cobra.Command{
	Use:   "list",
	Short: "List events of an experiment or dataset in timestamp order",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		expRef, _ := cmd.Flags().GetString("experiment")
		dsRef, _ := cmd.Flags().GetString("dataset")
		status, _ := cmd.Flags().GetString("status")
		manual, _ := cmd.Flags().GetBool("manual")
		cursor, _ := cmd.Flags().GetString("cursor")
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		q := labeling.EventQuery{Status: model.ReviewStatus(status), Manual: manual, Cursor: cursor, Limit: limit}
		if expRef != "" {
			e, err := a.experiments.Resolve(ctx, expRef)
			if err != nil {
				return err
			}
			q.ExperimentID = e.ID
		}
		if dsRef != "" {
			d, err := a.catalog.ResolveDataset(ctx, dsRef)
			if err != nil {
				return err
			}
			q.DatasetID = d.ID
		}

		page, err := a.labeling.ListEvents(ctx, q)
		if err != nil {
			return eris.Wrap(err, "event list")
		}
		formatEvents(os.Stdout, page.Events)
		if page.Next != "" {
			fmt.Fprintf(os.Stderr, "Next page: --cursor %s\n", page.Next)
		}
		return nil
	},
}

var eventShowCmd = &cobra.Command{
	Use:   "show <event-id>",
	Short: "Show an event with its labels",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		e, err := a.labeling.GetEvent(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "event show")
		}
		labels, err := a.labeling.LabelsForEvent(ctx, e.ID)
		if err != nil {
			return eris.Wrap(err, "event show")
		}
		return printJSON(os.Stdout, struct {
			*model.Event
			Labels []model.Label `json:"labels"`
		}{e, labels})
	},
}

// eventDecisionCmd builds review and override, which differ only in the
// precondition the labeling service checks.
func eventDecisionCmd(use, short string, override bool) *cobra.Command {
	c := &cobra.Command{
		Use:   use + " <event-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			reviewer, _ := cmd.Flags().GetString("reviewer")
			status, _ := cmd.Flags().GetString("status")
			notes, _ := cmd.Flags().GetString("notes")

			a, err := initApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			op := a.labeling.Review
			if override {
				op = a.labeling.Override
			}
			e, err := op(ctx, args[0], reviewer, model.ReviewStatus(status), notes)
			if err != nil {
				return eris.Wrapf(err, "event %s", use)
			}
			formatEvents(os.Stdout, []model.Event{*e})
			return nil
		},
	}
	c.Flags().String("reviewer", "", "reviewer id")
	c.Flags().String("status", "", "CONFIRMED_POSITIVE or CONFIRMED_REJECTED (override also accepts UNREVIEWED)")
	c.Flags().String("notes", "", "review notes")
	_ = c.MarkFlagRequired("reviewer")
	_ = c.MarkFlagRequired("status")
	return c
}

var (
	eventReviewCmd   = eventDecisionCmd("review", "Record a decision on an UNREVIEWED event", false)
	eventOverrideCmd = eventDecisionCmd("override", "Change or reopen a decided event", true)
)

var eventManualCmd = &cobra.Command{
	Use:   "manual",
	Short: "Record an event found outside any experiment",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		dsRef, _ := cmd.Flags().GetString("dataset")
		line, _ := cmd.Flags().GetString("line")
		at, _ := cmd.Flags().GetString("at")
		score, _ := cmd.Flags().GetFloat64("score")
		notes, _ := cmd.Flags().GetString("notes")

		ts, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return eris.Wrapf(err, "parse --at %q", at)
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
		e, err := a.labeling.CreateManualEvent(ctx, labeling.ManualEvent{
			DatasetID: d.ID,
			Line:      line,
			Timestamp: ts,
			Score:     score,
			Notes:     notes,
		})
		if err != nil {
			return eris.Wrap(err, "event manual")
		}
		return printJSON(os.Stdout, e)
	},
}

func init() {
	labelCreateCmd.Flags().String("description", "", "label description")
	labelListCmd.Flags().String("events", "", "list the events carrying this label")
	labelCmd.AddCommand(labelCreateCmd, labelListCmd, labelAttachCmd, labelDetachCmd)
	rootCmd.AddCommand(labelCmd)

	f := eventListCmd.Flags()
	f.String("experiment", "", "experiment id or name")
	f.String("dataset", "", "dataset id or name")
	f.String("status", "", "filter by review status")
	f.Bool("manual", false, "only events without an experiment")
	f.String("cursor", "", "page cursor from a previous call")
	f.Int("limit", labeling.DefaultEventPage, "page size")

	m := eventManualCmd.Flags()
	m.String("dataset", "", "dataset id or name")
	m.String("line", "", "room/line of the event")
	m.String("at", "", "event timestamp, RFC 3339")
	m.Float64("score", 0, "score")
	m.String("notes", "", "notes")
	_ = eventManualCmd.MarkFlagRequired("dataset")
	_ = eventManualCmd.MarkFlagRequired("line")
	_ = eventManualCmd.MarkFlagRequired("at")

	eventCmd.AddCommand(eventListCmd, eventShowCmd, eventReviewCmd, eventOverrideCmd, eventManualCmd)
	rootCmd.AddCommand(eventCmd)
}
