package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/meterlab/internal/model"
	"github.com/sells-group/meterlab/internal/telemetry"
)

var datasetCmd = &cobra.Command{
	Use:   "dataset",
	Short: "Curate submeter datasets",
	Long:  "Commands for creating datasets and loading their per-minute readings.",
}

// -- dataset create --

var datasetCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an empty dataset",
	Long:  "Creates a dataset from flags or from a YAML spec given with --file.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		var spec model.DatasetSpec
		if file, _ := cmd.Flags().GetString("file"); file != "" {
			if err := readYAML(file, &spec); err != nil {
				return err
			}
		} else {
			spec.Name, _ = cmd.Flags().GetString("name")
			spec.Building, _ = cmd.Flags().GetString("building")
			spec.Floor, _ = cmd.Flags().GetString("floor")
			spec.Room, _ = cmd.Flags().GetString("room")
			spec.OccupantType, _ = cmd.Flags().GetString("occupant-type")
			spec.SourceL1ID, _ = cmd.Flags().GetString("source-l1")
			spec.SourceL2ID, _ = cmd.Flags().GetString("source-l2")
			from, _ := cmd.Flags().GetString("start")
			to, _ := cmd.Flags().GetString("end")
			tr, err := parseRange(from, to)
			if err != nil {
				return err
			}
			spec.StartTime, spec.EndTime = tr.From, tr.To
		}

		a, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		d, err := a.catalog.CreateDataset(ctx, spec)
		if err != nil {
			return eris.Wrap(err, "dataset create")
		}
		return printJSON(os.Stdout, d)
	},
}

// -- dataset list --

var datasetListCmd = &cobra.Command{
	Use:   "list",
	Short: "List datasets",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		a, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		datasets, err := a.catalog.ListDatasets(ctx)
		if err != nil {
			return eris.Wrap(err, "dataset list")
		}
		if len(datasets) == 0 {
			fmt.Fprintln(os.Stderr, "No datasets found.")
			return nil
		}
		formatDatasets(os.Stdout, datasets)
		return nil
	},
}

// -- dataset show --

var datasetShowCmd = &cobra.Command{
	Use:   "show <dataset-id-or-name>",
	Short: "Show a dataset",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		d, err := a.catalog.ResolveDataset(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "dataset show")
		}
		return printJSON(os.Stdout, d)
	},
}

// -- dataset ingest --

var datasetIngestCmd = &cobra.Command{
	Use:   "ingest <dataset>",
	Short: "Upsert readings from a JSON array",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		file, _ := cmd.Flags().GetString("file")

		f, err := os.Open(file)
		if err != nil {
			return eris.Wrapf(err, "open %s", file)
		}
		defer f.Close() //nolint:errcheck

		var readings []model.Reading
		if err := json.NewDecoder(f).Decode(&readings); err != nil {
			return eris.Wrapf(err, "parse %s", file)
		}

		a, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		d, err := a.catalog.ResolveDataset(ctx, args[0])
		if err != nil {
			return err
		}
		d, err = a.catalog.IngestReadings(ctx, d.ID, readings)
		if err != nil {
			return eris.Wrap(err, "dataset ingest")
		}
		fmt.Fprintf(os.Stderr, "Ingested %d readings; dataset now has %d.\n", len(readings), d.TotalRecords)
		return nil
	},
}

// -- dataset import --

var datasetImportCmd = &cobra.Command{
	Use:   "import <dataset>",
	Short: "Import readings from a CSV file",
	Long:  "Streams a CSV with header timestamp,room,raw_l1,raw_l2,w110,w220,total into the dataset in batches.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		file, _ := cmd.Flags().GetString("file")

		f, err := os.Open(file)
		if err != nil {
			return eris.Wrapf(err, "open %s", file)
		}
		defer f.Close() //nolint:errcheck

		a, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		d, err := a.catalog.ResolveDataset(ctx, args[0])
		if err != nil {
			return err
		}
		start := time.Now()
		res, err := a.catalog.ImportCSV(ctx, d.ID, f, cfg.Generation.BatchSize)
		if err != nil {
			if res != nil && res.Rows > 0 {
				return eris.Wrapf(err, "dataset import (%d rows committed)", res.Rows)
			}
			return eris.Wrap(err, "dataset import")
		}
		fmt.Fprintf(os.Stderr, "Imported %d rows in %d batches (%s); dataset now has %d.\n",
			res.Rows, res.Batches, time.Since(start).Round(time.Millisecond), res.Dataset.TotalRecords)
		return nil
	},
}

// -- dataset etl --

var datasetETLCmd = &cobra.Command{
	Use:   "etl <dataset>",
	Short: "Import one-minute means from InfluxDB",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("etl"); err != nil {
			return err
		}
		from, _ := cmd.Flags().GetString("from")
		to, _ := cmd.Flags().GetString("to")
		tr, err := parseRange(from, to)
		if err != nil {
			return err
		}

		a, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		d, err := a.catalog.ResolveDataset(ctx, args[0])
		if err != nil {
			return err
		}
		imp, err := telemetry.NewInfluxImporter(cfg.Influx, a.catalog, cfg.Generation.BatchSize, retryConfig())
		if err != nil {
			return err
		}
		defer imp.Close()

		res, err := imp.Import(ctx, d.ID, tr)
		if err != nil {
			return eris.Wrap(err, "dataset etl")
		}
		fmt.Fprintf(os.Stderr, "Imported %d readings in %d batches; dataset now has %d.\n",
			res.Rows, res.Batches, res.Dataset.TotalRecords)
		return nil
	},
}

func init() {
	f := datasetCreateCmd.Flags()
	f.String("file", "", "YAML dataset spec (overrides the other flags)")
	f.String("name", "", "unique dataset name")
	f.String("building", "", "building")
	f.String("floor", "", "floor")
	f.String("room", "", "room")
	f.String("occupant-type", "", "occupant type")
	f.String("start", "", "window start, RFC 3339 (inclusive)")
	f.String("end", "", "window end, RFC 3339 (exclusive)")
	f.String("source-l1", "", "source id of the L1 submeter")
	f.String("source-l2", "", "source id of the L2 submeter")

	datasetIngestCmd.Flags().String("file", "", "JSON array of readings")
	_ = datasetIngestCmd.MarkFlagRequired("file")
	datasetImportCmd.Flags().String("file", "", "CSV file of readings")
	_ = datasetImportCmd.MarkFlagRequired("file")
	datasetETLCmd.Flags().String("from", "", "range start, RFC 3339 (default dataset start)")
	datasetETLCmd.Flags().String("to", "", "range end, RFC 3339 (default dataset end)")

	datasetCmd.AddCommand(datasetCreateCmd, datasetListCmd, datasetShowCmd,
		datasetIngestCmd, datasetImportCmd, datasetETLCmd)
	rootCmd.AddCommand(datasetCmd)
}
