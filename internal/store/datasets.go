package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/sells-group/meterlab/internal/db"
	"github.com/sells-group/meterlab/internal/model"
)

const datasetColumns = `id, name, building, floor, room, occupant_type, start_time, end_time,
	source_l1_id, source_l2_id, total_records, positive_labels, created_at, updated_at`

func scanDataset(row row) (*model.Dataset, error) {
	var d model.Dataset
	err := row.Scan(&d.ID, &d.Name, &d.Building, &d.Floor, &d.Room, &d.OccupantType,
		&d.StartTime, &d.EndTime, &d.SourceL1ID, &d.SourceL2ID,
		&d.TotalRecords, &d.PositiveLabels, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.StartTime, d.EndTime = d.StartTime.UTC(), d.EndTime.UTC()
	d.CreatedAt, d.UpdatedAt = d.CreatedAt.UTC(), d.UpdatedAt.UTC()
	return &d, nil
}

func (r repo) InsertDataset(ctx context.Context, d *model.Dataset) error {
	_, err := r.q.exec(ctx,
		`INSERT INTO datasets (`+datasetColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Name, d.Building, d.Floor, d.Room, d.OccupantType,
		model.NormalizeTime(d.StartTime), model.NormalizeTime(d.EndTime), d.SourceL1ID, d.SourceL2ID,
		d.TotalRecords, d.PositiveLabels, model.NormalizeTime(d.CreatedAt), model.NormalizeTime(d.UpdatedAt),
	)
	if err != nil {
		return r.fail(err, "insert dataset", EntityDataset, d.Name)
	}
	return nil
}

func (r repo) GetDataset(ctx context.Context, id string) (*model.Dataset, error) {
	d, err := scanDataset(r.q.queryRow(ctx, `SELECT `+datasetColumns+` FROM datasets WHERE id = ?`, id))
	if err != nil {
		return nil, r.fail(err, "get dataset", EntityDataset, id)
	}
	return d, nil
}

func (r repo) GetDatasetByName(ctx context.Context, name string) (*model.Dataset, error) {
	d, err := scanDataset(r.q.queryRow(ctx, `SELECT `+datasetColumns+` FROM datasets WHERE name = ?`, name))
	if err != nil {
		return nil, r.fail(err, "get dataset by name", EntityDataset, name)
	}
	return d, nil
}

func (r repo) LockDataset(ctx context.Context, id string) (*model.Dataset, error) {
	d, err := scanDataset(r.q.queryRow(ctx, r.lock(`SELECT `+datasetColumns+` FROM datasets WHERE id = ?`), id))
	if err != nil {
		return nil, r.fail(err, "lock dataset", EntityDataset, id)
	}
	return d, nil
}

// RefreshDatasetAggregates recomputes total_records and positive_labels from
// the dataset's readings and returns the updated dataset.
func (r repo) RefreshDatasetAggregates(ctx context.Context, id string) (*model.Dataset, error) {
	n, err := r.q.exec(ctx, `UPDATE datasets SET
		total_records = (SELECT COUNT(*) FROM readings WHERE dataset_id = ?),
		positive_labels = (SELECT COUNT(*) FROM readings WHERE dataset_id = ? AND is_positive_label = ?),
		updated_at = ?
		WHERE id = ?`,
		id, id, true, now(), id,
	)
	if err != nil {
		return nil, r.fail(err, "refresh dataset aggregates", EntityDataset, id)
	}
	if n == 0 {
		return nil, r.fail(sql.ErrNoRows, "refresh dataset aggregates", EntityDataset, id)
	}
	return r.GetDataset(ctx, id)
}

func (r repo) ListDatasets(ctx context.Context) ([]model.Dataset, error) {
	rs, err := r.q.query(ctx, `SELECT `+datasetColumns+` FROM datasets ORDER BY name`)
	if err != nil {
		return nil, r.fail(err, "list datasets", EntityDataset, "")
	}
	defer rs.Close()

	var out []model.Dataset
	for rs.Next() {
		d, err := scanDataset(rs)
		if err != nil {
			return nil, r.fail(err, "scan dataset", EntityDataset, "")
		}
		out = append(out, *d)
	}
	if err := rs.Err(); err != nil {
		return nil, r.fail(err, "list datasets", EntityDataset, "")
	}
	return out, nil
}

// Readings

const readingColumns = `id, dataset_id, ts, room, raw_l1, raw_l2, w110, w220, total, is_positive_label, source_event_id`

var readingUpsert = db.UpsertConfig{
	Table:        "readings",
	Columns:      []string{"id", "dataset_id", "ts", "room", "raw_l1", "raw_l2", "w110", "w220", "total"},
	ConflictKeys: []string{"dataset_id", "ts", "room"},
	UpdateCols:   []string{"raw_l1", "raw_l2", "w110", "w220", "total"},
}

func scanReading(row row) (*model.Reading, error) {
	var rd model.Reading
	var source *string
	err := row.Scan(&rd.ID, &rd.DatasetID, &rd.Timestamp, &rd.Room,
		&rd.RawWattageL1, &rd.RawWattageL2, &rd.Wattage110V, &rd.Wattage220V, &rd.WattageTotal,
		&rd.IsPositiveLabel, &source)
	if err != nil {
		return nil, err
	}
	rd.Timestamp = rd.Timestamp.UTC()
	rd.SourceEventID = derefStr(source)
	return &rd, nil
}

// UpsertReadings inserts readings keyed by (dataset, timestamp, room). Rows
// that already exist get their wattage updated; label flag and provenance
// are kept. It returns the number of rows written.
func (r repo) UpsertReadings(ctx context.Context, readings []model.Reading) (int64, error) {
	if len(readings) == 0 {
		return 0, nil
	}
	rows := make([][]any, len(readings))
	for i, rd := range readings {
		rows[i] = []any{rd.ID, rd.DatasetID, model.NormalizeTime(rd.Timestamp), rd.Room,
			rd.RawWattageL1, rd.RawWattageL2, rd.Wattage110V, rd.Wattage220V, rd.WattageTotal}
	}

	if bw, ok := r.q.(bulkWriter); ok && len(rows) >= copyThreshold {
		n, err := bw.bulkUpsert(ctx, readingUpsert, rows)
		if err != nil {
			return 0, r.fail(err, "upsert readings", EntityReading, readings[0].DatasetID)
		}
		return n, nil
	}

	const stmt = `INSERT INTO readings (id, dataset_id, ts, room, raw_l1, raw_l2, w110, w220, total)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (dataset_id, ts, room) DO UPDATE SET
		raw_l1 = excluded.raw_l1, raw_l2 = excluded.raw_l2, w110 = excluded.w110,
		w220 = excluded.w220, total = excluded.total`
	var total int64
	for _, row := range rows {
		n, err := r.q.exec(ctx, stmt, row...)
		if err != nil {
			return total, r.fail(err, "upsert reading", EntityReading, readings[0].DatasetID)
		}
		total += n
	}
	return total, nil
}

func (r repo) GetReading(ctx context.Context, id string) (*model.Reading, error) {
	rd, err := scanReading(r.q.queryRow(ctx, `SELECT `+readingColumns+` FROM readings WHERE id = ?`, id))
	if err != nil {
		return nil, r.fail(err, "get reading", EntityReading, id)
	}
	return rd, nil
}

// ListReadings returns one page of readings ordered by (timestamp, room).
func (r repo) ListReadings(ctx context.Context, f ReadingFilter) ([]model.Reading, error) {
	var w where
	w.add("dataset_id = ?", f.DatasetID)
	if !f.Range.From.IsZero() {
		w.add("ts >= ?", model.NormalizeTime(f.Range.From))
	}
	if !f.Range.To.IsZero() {
		w.add("ts < ?", model.NormalizeTime(f.Range.To))
	}
	w.in("room", f.Rooms)
	if f.After != nil {
		ts := model.NormalizeTime(f.After.Timestamp)
		w.add("(ts > ? OR (ts = ? AND room > ?))", ts, ts, f.After.Room)
	}
	args := w.args
	q := `SELECT ` + readingColumns + ` FROM readings` + w.String() + ` ORDER BY ts, room` + limitClause(f.Limit, &args)

	rs, err := r.q.query(ctx, q, args...)
	if err != nil {
		return nil, r.fail(err, "list readings", EntityReading, f.DatasetID)
	}
	defer rs.Close()

	var out []model.Reading
	for rs.Next() {
		rd, err := scanReading(rs)
		if err != nil {
			return nil, r.fail(err, "scan reading", EntityReading, f.DatasetID)
		}
		out = append(out, *rd)
	}
	if err := rs.Err(); err != nil {
		return nil, r.fail(err, "list readings", EntityReading, f.DatasetID)
	}
	return out, nil
}

// SetReadingLabel sets the label flag and provenance of one reading.
func (r repo) SetReadingLabel(ctx context.Context, datasetID, readingID string, positive bool, sourceEventID string) error {
	n, err := r.q.exec(ctx,
		`UPDATE readings SET is_positive_label = ?, source_event_id = ? WHERE id = ? AND dataset_id = ?`,
		positive, nullStr(sourceEventID), readingID, datasetID,
	)
	if err != nil {
		return r.fail(err, "set reading label", EntityReading, readingID)
	}
	if n == 0 {
		return r.fail(sql.ErrNoRows, "set reading label", EntityReading, readingID)
	}
	return nil
}

// LabelReadingsAt sets the label flag and provenance of the readings at one
// (timestamp, room) of a dataset and returns how many matched.
func (r repo) LabelReadingsAt(ctx context.Context, datasetID string, ts time.Time, room string, positive bool, sourceEventID string) (int64, error) {
	n, err := r.q.exec(ctx,
		`UPDATE readings SET is_positive_label = ?, source_event_id = ? WHERE dataset_id = ? AND ts = ? AND room = ?`,
		positive, nullStr(sourceEventID), datasetID, model.NormalizeTime(ts), room,
	)
	if err != nil {
		return 0, r.fail(err, "label readings", EntityReading, datasetID)
	}
	return n, nil
}

// ClearReadingsAt unlabels the readings at one (timestamp, room) whose
// provenance is sourceEventID or unset. Readings labeled by another event
// keep that event's decision.
func (r repo) ClearReadingsAt(ctx context.Context, datasetID string, ts time.Time, room, sourceEventID string) (int64, error) {
	n, err := r.q.exec(ctx,
		`UPDATE readings SET is_positive_label = ?, source_event_id = NULL
		WHERE dataset_id = ? AND ts = ? AND room = ? AND (source_event_id = ? OR source_event_id IS NULL)`,
		false, datasetID, model.NormalizeTime(ts), room, sourceEventID,
	)
	if err != nil {
		return 0, r.fail(err, "clear readings", EntityReading, datasetID)
	}
	return n, nil
}
