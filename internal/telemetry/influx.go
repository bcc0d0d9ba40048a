// Package telemetry imports minute-aggregated submeter readings from
// InfluxDB into the dataset catalog.
package telemetry

import (
	"context"
	"strconv"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/query"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/meterlab/internal/apperr"
	"github.com/sells-group/meterlab/internal/catalog"
	"github.com/sells-group/meterlab/internal/config"
	"github.com/sells-group/meterlab/internal/model"
	"github.com/sells-group/meterlab/internal/resilience"
)

// Field names of the measurement.
const (
	FieldRawL1 = "raw_l1"
	FieldRawL2 = "raw_l2"
	FieldW110  = "w110"
	FieldW220  = "w220"
	FieldTotal = "total"
)

const defaultBatchSize = 500

// Catalog is the part of the catalog the importer writes through.
type Catalog interface {
	GetDataset(ctx context.Context, id string) (*model.Dataset, error)
	IngestFrom(ctx context.Context, source, datasetID string, readings []model.Reading) (*model.Dataset, error)
}

// rows is satisfied by *api.QueryTableResult.
type rows interface {
	Next() bool
	Record() *query.FluxRecord
	Err() error
	Close() error
}

type queryFunc func(ctx context.Context, flux string) (rows, error)

// Importer runs Flux queries against a bucket and ingests the result.
type Importer struct {
	query       queryFunc
	bucket      string
	measurement string
	catalog     Catalog
	batchSize   int
	retry       resilience.RetryConfig
	close       func()
	log         *zap.Logger
}

// NewInfluxImporter connects to the InfluxDB server in cfg.
func NewInfluxImporter(cfg config.InfluxConfig, cat Catalog, batchSize int, retry resilience.RetryConfig) (*Importer, error) {
	if cfg.URL == "" {
		return nil, eris.New("telemetry: influx url is required")
	}
	if cfg.Bucket == "" {
		return nil, eris.New("telemetry: influx bucket is required")
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	qapi := client.QueryAPI(cfg.Org)
	q := func(ctx context.Context, flux string) (rows, error) {
		res, err := qapi.Query(ctx, flux)
		if err != nil {
			return nil, err
		}
		return res, nil
	}
	imp := newImporter(q, cfg.Bucket, cfg.Measurement, cat, batchSize, retry)
	imp.close = client.Close
	return imp, nil
}

func newImporter(q queryFunc, bucket, measurement string, cat Catalog, batchSize int, retry resilience.RetryConfig) *Importer {
	if measurement == "" {
		measurement = "power"
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("telemetry", "influx query")
	}
	return &Importer{
		query:       q,
		bucket:      bucket,
		measurement: measurement,
		catalog:     cat,
		batchSize:   batchSize,
		retry:       retry,
		close:       func() {},
		log:         zap.L().With(zap.String("component", "telemetry")),
	}
}

// Close releases the client.
func (imp *Importer) Close() {
	imp.close()
}

// Import copies one-minute means of the dataset's room from tr into the
// dataset. The range is clipped to the dataset window; an empty window is
// a validation error. Batches commit independently and readings upsert by
// key, so a failed import can be re-run.
func (imp *Importer) Import(ctx context.Context, datasetID string, tr model.TimeRange) (*catalog.ImportResult, error) {
	d, err := imp.catalog.GetDataset(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	window := clip(tr, model.TimeRange{From: d.StartTime, To: d.EndTime})
	if !window.From.Before(window.To) {
		return nil, apperr.Validationf("dataset", d.ID, "import range does not overlap the dataset window")
	}

	flux := imp.Flux(d, window)
	imp.log.Info("influx import started",
		zap.String("dataset_id", d.ID),
		zap.Time("from", window.From),
		zap.Time("to", window.To),
	)

	res, err := resilience.DoVal(ctx, imp.retry, func(ctx context.Context) (rows, error) {
		r, err := imp.query(ctx, flux)
		if err != nil {
			return nil, apperr.Transient("influx", imp.bucket, eris.Wrap(err, "query"))
		}
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	defer res.Close() //nolint:errcheck

	out := &catalog.ImportResult{Dataset: d}
	batch := make([]model.Reading, 0, imp.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		ds, err := imp.catalog.IngestFrom(ctx, "influx", d.ID, batch)
		if err != nil {
			return eris.Wrapf(err, "telemetry: import batch %d", out.Batches+1)
		}
		out.Rows += int64(len(batch))
		out.Batches++
		out.Dataset = ds
		batch = batch[:0]
		return nil
	}

	for res.Next() {
		rd, ok := toReading(res.Record(), d.Room)
		if !ok {
			continue
		}
		batch = append(batch, rd)
		if len(batch) == imp.batchSize {
			if err := flush(); err != nil {
				return out, err
			}
		}
	}
	if err := res.Err(); err != nil {
		return out, apperr.Transient("influx", imp.bucket, eris.Wrap(err, "read result"))
	}
	if err := flush(); err != nil {
		return out, err
	}

	imp.log.Info("influx import finished",
		zap.String("dataset_id", d.ID),
		zap.Int64("rows", out.Rows),
		zap.Int("batches", out.Batches),
	)
	return out, nil
}

// Flux builds the query for d over window.
func (imp *Importer) Flux(d *model.Dataset, window model.TimeRange) string {
	var b strings.Builder
	b.WriteString("from(bucket: " + strconv.Quote(imp.bucket) + ")\n")
	b.WriteString("  |> range(start: " + window.From.UTC().Format(time.RFC3339) +
		", stop: " + window.To.UTC().Format(time.RFC3339) + ")\n")
	b.WriteString("  |> filter(fn: (r) => r._measurement == " + strconv.Quote(imp.measurement) + ")\n")
	if d.Building != "" {
		b.WriteString("  |> filter(fn: (r) => r.building == " + strconv.Quote(d.Building) + ")\n")
	}
	if d.Room != "" {
		b.WriteString("  |> filter(fn: (r) => r.room == " + strconv.Quote(d.Room) + ")\n")
	}
	b.WriteString("  |> aggregateWindow(every: 1m, fn: mean, createEmpty: false, timeSrc: \"_start\")\n")
	b.WriteString("  |> pivot(rowKey: [\"_time\"], columnKey: [\"_field\"], valueColumn: \"_value\")\n")
	b.WriteString("  |> sort(columns: [\"_time\"])\n")
	return b.String()
}

// toReading maps a pivoted record. Rows without any wattage field are
// skipped; a missing total is the sum of the two voltage channels.
func toReading(rec *query.FluxRecord, defaultRoom string) (model.Reading, bool) {
	if rec == nil {
		return model.Reading{}, false
	}
	ts, ok := rec.ValueByKey("_time").(time.Time)
	if !ok || ts.IsZero() {
		return model.Reading{}, false
	}
	room, _ := rec.ValueByKey("room").(string)
	if room == "" {
		room = defaultRoom
	}

	rd := model.Reading{Timestamp: model.NormalizeTime(ts), Room: room}
	var seen bool
	for _, f := range []struct {
		key string
		dst *float64
	}{
		{FieldRawL1, &rd.RawWattageL1},
		{FieldRawL2, &rd.RawWattageL2},
		{FieldW110, &rd.Wattage110V},
		{FieldW220, &rd.Wattage220V},
		{FieldTotal, &rd.WattageTotal},
	} {
		if v, ok := number(rec.ValueByKey(f.key)); ok {
			*f.dst = v
			seen = true
		}
	}
	if !seen {
		return model.Reading{}, false
	}
	if _, ok := number(rec.ValueByKey(FieldTotal)); !ok {
		rd.WattageTotal = rd.Wattage110V + rd.Wattage220V
	}
	return rd, true
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

func clip(tr, window model.TimeRange) model.TimeRange {
	out := window
	if !tr.From.IsZero() && tr.From.After(out.From) {
		out.From = tr.From
	}
	if !tr.To.IsZero() && tr.To.Before(out.To) {
		out.To = tr.To
	}
	return out
}
