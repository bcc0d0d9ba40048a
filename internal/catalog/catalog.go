// Package catalog owns curated datasets and their per-minute readings.
package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sells-group/meterlab/internal/apperr"
	"github.com/sells-group/meterlab/internal/model"
	"github.com/sells-group/meterlab/internal/monitoring"
	"github.com/sells-group/meterlab/internal/store"
)

// readingNS scopes deterministic reading ids.
var readingNS = uuid.MustParse("6f1c2a0e-3d4b-5e6f-8a9b-0c1d2e3f4a5b")

// DefaultPageSize is the number of readings fetched per query page.
const DefaultPageSize = 1000

// Service implements the Dataset Catalog.
type Service struct {
	st       store.Store
	pageSize int
	log      *zap.Logger
}

// New creates a catalog over st. pageSize <= 0 uses DefaultPageSize.
func New(st store.Store, pageSize int) *Service {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Service{
		st:       st,
		pageSize: pageSize,
		log:      zap.L().With(zap.String("component", "catalog")),
	}
}

// CreateDataset validates spec and stores a new, empty dataset.
func (s *Service) CreateDataset(ctx context.Context, spec model.DatasetSpec) (*model.Dataset, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	ts := model.NormalizeTime(time.Now())
	d := &model.Dataset{
		ID:           uuid.NewString(),
		Name:         spec.Name,
		Building:     spec.Building,
		Floor:        spec.Floor,
		Room:         spec.Room,
		OccupantType: spec.OccupantType,
		StartTime:    model.NormalizeTime(spec.StartTime),
		EndTime:      model.NormalizeTime(spec.EndTime),
		SourceL1ID:   spec.SourceL1ID,
		SourceL2ID:   spec.SourceL2ID,
		CreatedAt:    ts,
		UpdatedAt:    ts,
	}
	if err := s.st.InsertDataset(ctx, d); err != nil {
		return nil, err
	}
	s.log.Info("dataset created", zap.String("dataset_id", d.ID), zap.String("name", d.Name))
	return d, nil
}

// GetDataset returns a dataset by id.
func (s *Service) GetDataset(ctx context.Context, id string) (*model.Dataset, error) {
	return s.st.GetDataset(ctx, id)
}

// ResolveDataset accepts an id or a unique name.
func (s *Service) ResolveDataset(ctx context.Context, ref string) (*model.Dataset, error) {
	d, err := s.st.GetDataset(ctx, ref)
	if apperr.Is(err, apperr.KindNotFound) {
		return s.st.GetDatasetByName(ctx, ref)
	}
	return d, err
}

// ListDatasets returns all datasets ordered by name.
func (s *Service) ListDatasets(ctx context.Context) ([]model.Dataset, error) {
	return s.st.ListDatasets(ctx)
}

// IngestReadings upserts readings into the dataset keyed by (timestamp,
// room) and recomputes the dataset's record count. Keys repeated inside
// the batch are a conflict; keys already stored get their wattage updated.
func (s *Service) IngestReadings(ctx context.Context, datasetID string, readings []model.Reading) (*model.Dataset, error) {
	return s.IngestFrom(ctx, "api", datasetID, readings)
}

// IngestFrom is IngestReadings with the source recorded in logs and metrics.
func (s *Service) IngestFrom(ctx context.Context, source, datasetID string, readings []model.Reading) (*model.Dataset, error) {
	var out *model.Dataset
	err := s.st.InTx(ctx, store.TxOptions{}, func(tx store.Repo) error {
		d, err := tx.LockDataset(ctx, datasetID)
		if err != nil {
			return err
		}
		batch, err := prepareReadings(d, readings)
		if err != nil {
			return err
		}
		if _, err := tx.UpsertReadings(ctx, batch); err != nil {
			return err
		}
		out, err = tx.RefreshDatasetAggregates(ctx, datasetID)
		return err
	})
	if err != nil {
		return nil, err
	}
	monitoring.ReadingsIngested.WithLabelValues(source).Add(float64(len(readings)))
	s.log.Info("readings ingested",
		zap.String("dataset_id", datasetID),
		zap.String("source", source),
		zap.Int("batch", len(readings)),
		zap.Int64("total_records", out.TotalRecords),
	)
	return out, nil
}

// prepareReadings scopes a batch to d: it checks each key, rejects
// in-batch duplicates and assigns deterministic ids.
func prepareReadings(d *model.Dataset, readings []model.Reading) ([]model.Reading, error) {
	window := model.TimeRange{From: d.StartTime, To: d.EndTime}
	seen := make(map[string]struct{}, len(readings))
	out := make([]model.Reading, len(readings))
	for i, rd := range readings {
		if rd.Room == "" {
			return nil, apperr.Validationf(store.EntityReading, d.ID, "reading %d: room is required", i)
		}
		if rd.Timestamp.IsZero() {
			return nil, apperr.Validationf(store.EntityReading, d.ID, "reading %d: timestamp is required", i)
		}
		rd.Timestamp = model.NormalizeTime(rd.Timestamp)
		if !window.Contains(rd.Timestamp) {
			return nil, apperr.Validationf(store.EntityReading, d.ID, "reading %d: %s is outside the dataset window",
				i, rd.Timestamp.Format(time.RFC3339))
		}
		key := readingKey(d.ID, rd.Timestamp, rd.Room)
		if _, dup := seen[key]; dup {
			return nil, apperr.Conflictf(store.EntityReading, d.ID, "duplicate reading for room %s at %s",
				rd.Room, rd.Timestamp.Format(time.RFC3339))
		}
		seen[key] = struct{}{}

		rd.DatasetID = d.ID
		rd.ID = uuid.NewSHA1(readingNS, []byte(key)).String()
		rd.IsPositiveLabel = false
		rd.SourceEventID = ""
		out[i] = rd
	}
	return out, nil
}

func readingKey(datasetID string, ts time.Time, room string) string {
	return fmt.Sprintf("%s|%s|%s", datasetID, ts.Format(time.RFC3339Nano), room)
}

// ReadingID returns the id a reading of the dataset at (ts, room) is stored under.
func ReadingID(datasetID string, ts time.Time, room string) string {
	return uuid.NewSHA1(readingNS, []byte(readingKey(datasetID, model.NormalizeTime(ts), room))).String()
}

// MarkPositive sets a reading's label flag and provenance and recomputes the
// dataset's positive count. With a source event, the event must belong to
// the dataset and be confirmed positive. Repeating the call is harmless.
func (s *Service) MarkPositive(ctx context.Context, datasetID, readingID, sourceEventID string) (*model.Dataset, error) {
	var out *model.Dataset
	err := s.st.InTx(ctx, store.TxOptions{}, func(tx store.Repo) error {
		if sourceEventID != "" {
			ev, err := tx.LockEvent(ctx, sourceEventID)
			if err != nil {
				return err
			}
			if ev.DatasetID != datasetID {
				return apperr.Validationf(store.EntityEvent, ev.ID, "event belongs to dataset %s", ev.DatasetID)
			}
			if ev.Status != model.ReviewPositive {
				return apperr.Preconditionf(store.EntityEvent, ev.ID, "event is %s, not %s", ev.Status, model.ReviewPositive)
			}
		}
		if _, err := tx.LockDataset(ctx, datasetID); err != nil {
			return err
		}
		if err := tx.SetReadingLabel(ctx, datasetID, readingID, true, sourceEventID); err != nil {
			return err
		}
		var err error
		out, err = tx.RefreshDatasetAggregates(ctx, datasetID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("reading marked positive",
		zap.String("dataset_id", datasetID),
		zap.String("reading_id", readingID),
		zap.String("source_event_id", sourceEventID),
	)
	return out, nil
}
