package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/query"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/meterlab/internal/apperr"
	"github.com/sells-group/meterlab/internal/config"
	"github.com/sells-group/meterlab/internal/model"
	"github.com/sells-group/meterlab/internal/resilience"
)

type fakeRows struct {
	recs   []*query.FluxRecord
	i      int
	err    error
	closed bool
}

func (f *fakeRows) Next() bool {
	if f.i >= len(f.recs) {
		return false
	}
	f.i++
	return true
}

func (f *fakeRows) Record() *query.FluxRecord { return f.recs[f.i-1] }
func (f *fakeRows) Err() error                { return f.err }
func (f *fakeRows) Close() error {
	f.closed = true
	return nil
}

type fakeCatalog struct {
	dataset *model.Dataset
	batches [][]model.Reading
	sources []string
}

func (c *fakeCatalog) GetDataset(_ context.Context, id string) (*model.Dataset, error) {
	if c.dataset == nil || c.dataset.ID != id {
		return nil, apperr.NotFound("dataset", id)
	}
	return c.dataset, nil
}

func (c *fakeCatalog) IngestFrom(_ context.Context, source, _ string, readings []model.Reading) (*model.Dataset, error) {
	c.batches = append(c.batches, append([]model.Reading(nil), readings...))
	c.sources = append(c.sources, source)
	d := *c.dataset
	for _, b := range c.batches {
		d.TotalRecords += int64(len(b))
	}
	return &d, nil
}

var (
	t0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	t1 = time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
)

func dataset() *model.Dataset {
	return &model.Dataset{ID: "D1", Name: "d1", Building: "B1", Room: "R1", StartTime: t0, EndTime: t1}
}

func record(ts time.Time, values map[string]any) *query.FluxRecord {
	v := map[string]any{"_time": ts}
	for k, x := range values {
		v[k] = x
	}
	return query.NewFluxRecord(0, v)
}

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
}

func TestImport_BatchesReadings(t *testing.T) {
	fr := &fakeRows{recs: []*query.FluxRecord{
		record(t0, map[string]any{"room": "R1", FieldW110: 40.0, FieldW220: 60.0, FieldTotal: 100.0}),
		record(t0.Add(time.Minute), map[string]any{FieldW110: 400.0, FieldW220: int64(500)}),
		record(t0.Add(2*time.Minute), map[string]any{"room": "R1"}),
		record(t0.Add(3*time.Minute), map[string]any{FieldTotal: 120.0, FieldRawL1: 7.5}),
	}}
	cat := &fakeCatalog{dataset: dataset()}
	var flux string
	imp := newImporter(func(_ context.Context, q string) (rows, error) {
		flux = q
		return fr, nil
	}, "submeter", "", cat, 2, fastRetry())

	res, err := imp.Import(context.Background(), "D1", model.TimeRange{})
	require.NoError(t, err)

	assert.Equal(t, int64(3), res.Rows)
	assert.Equal(t, 2, res.Batches)
	assert.Equal(t, []string{"influx", "influx"}, cat.sources)
	require.Len(t, cat.batches, 2)
	assert.Len(t, cat.batches[0], 2)

	second := cat.batches[0][1]
	assert.Equal(t, "R1", second.Room)
	assert.InDelta(t, 900.0, second.WattageTotal, 1e-9)
	assert.InDelta(t, 7.5, cat.batches[1][0].RawWattageL1, 1e-9)
	assert.True(t, fr.closed)

	assert.Contains(t, flux, `from(bucket: "submeter")`)
	assert.Contains(t, flux, "range(start: 2024-03-01T00:00:00Z, stop: 2024-03-02T00:00:00Z)")
	assert.Contains(t, flux, `r._measurement == "power"`)
	assert.Contains(t, flux, `r.room == "R1"`)
	assert.Contains(t, flux, `r.building == "B1"`)
}

func TestImport_ClipsRange(t *testing.T) {
	cat := &fakeCatalog{dataset: dataset()}
	var flux string
	imp := newImporter(func(_ context.Context, q string) (rows, error) {
		flux = q
		return &fakeRows{}, nil
	}, "submeter", "power", cat, 0, fastRetry())

	res, err := imp.Import(context.Background(), "D1", model.TimeRange{
		From: t0.Add(-time.Hour),
		To:   t0.Add(6 * time.Hour),
	})
	require.NoError(t, err)
	assert.Zero(t, res.Rows)
	assert.Equal(t, "D1", res.Dataset.ID)
	assert.Contains(t, flux, "range(start: 2024-03-01T00:00:00Z, stop: 2024-03-01T06:00:00Z)")
}

func TestImport_RangeOutsideWindow(t *testing.T) {
	cat := &fakeCatalog{dataset: dataset()}
	imp := newImporter(func(context.Context, string) (rows, error) {
		t.Fatal("query must not run")
		return nil, nil
	}, "submeter", "power", cat, 0, fastRetry())

	_, err := imp.Import(context.Background(), "D1", model.TimeRange{From: t1, To: t1.Add(time.Hour)})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = imp.Import(context.Background(), "missing", model.TimeRange{})
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestImport_RetriesQuery(t *testing.T) {
	cat := &fakeCatalog{dataset: dataset()}
	calls := 0
	imp := newImporter(func(context.Context, string) (rows, error) {
		calls++
		if calls < 3 {
			return nil, eris.New("connection refused")
		}
		return &fakeRows{recs: []*query.FluxRecord{record(t0, map[string]any{FieldTotal: 1.0})}}, nil
	}, "submeter", "power", cat, 0, fastRetry())

	res, err := imp.Import(context.Background(), "D1", model.TimeRange{})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, int64(1), res.Rows)
}

func TestImport_ResultError(t *testing.T) {
	cat := &fakeCatalog{dataset: dataset()}
	imp := newImporter(func(context.Context, string) (rows, error) {
		return &fakeRows{err: eris.New("stream reset")}, nil
	}, "submeter", "power", cat, 0, fastRetry())

	_, err := imp.Import(context.Background(), "D1", model.TimeRange{})
	assert.True(t, apperr.Is(err, apperr.KindTransient))
}

func TestNewInfluxImporter_RequiresConfig(t *testing.T) {
	_, err := NewInfluxImporter(config.InfluxConfig{Bucket: "b"}, &fakeCatalog{}, 0, fastRetry())
	assert.Error(t, err)

	_, err = NewInfluxImporter(config.InfluxConfig{URL: "http://localhost:8086"}, &fakeCatalog{}, 0, fastRetry())
	assert.Error(t, err)

	imp, err := NewInfluxImporter(config.InfluxConfig{URL: "http://localhost:8086", Bucket: "b"}, &fakeCatalog{}, 0, fastRetry())
	require.NoError(t, err)
	imp.Close()
}
