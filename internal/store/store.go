// Package store persists datasets, readings, experiments, events, labels and
// the model lifecycle. One SQL repository runs over two backends: PostgreSQL
// through pgx and SQLite through modernc.org/sqlite.
package store

import (
	"context"
	"time"

	"github.com/sells-group/meterlab/internal/model"
)

// Entity names used in classified errors.
const (
	EntityDataset    = "dataset"
	EntityReading    = "reading"
	EntityExperiment = "experiment"
	EntityEvent      = "event"
	EntityLabel      = "label"
	EntityLink       = "event_label"
	EntityModel      = "trained_model"
	EntityEvaluation = "evaluation_run"
	EntityPrediction = "prediction"
)

// ReadingFilter selects readings of one dataset in (timestamp, room) order.
type ReadingFilter struct {
	DatasetID string
	Range     model.TimeRange
	Rooms     []string
	After     *ReadingKey // exclusive keyset position
	Limit     int
}

// ReadingKey is the natural key of a reading inside its dataset.
type ReadingKey struct {
	Timestamp time.Time
	Room      string
}

// ExperimentFilter selects experiments.
type ExperimentFilter struct {
	DatasetID string
	Status    model.ExperimentStatus
	Limit     int
	Offset    int
}

// EventFilter selects events in (timestamp, id) order. Manual restricts the
// result to events without an experiment.
type EventFilter struct {
	ExperimentID string
	DatasetID    string
	Status       model.ReviewStatus
	Manual       bool
	After        *Cursor
	Limit        int
}

// JobFilter selects trained models (ParentID = experiment) or evaluation runs
// (ParentID = trained model) in (created_at, id) order.
type JobFilter struct {
	ParentID      string
	Status        model.JobStatus
	Undispatched  bool
	CreatedAfter  time.Time
	CreatedBefore time.Time
	After         *Cursor
	Limit         int
}

// EventStatRow is one (status, line) group of an experiment's events.
type EventStatRow struct {
	Status   model.ReviewStatus
	Line     string
	Count    int64
	ScoreMin float64
	ScoreMax float64
	ScoreSum float64
}

// TxOptions configures InTx.
type TxOptions struct {
	// Serializable requests snapshot isolation for multi-row invariant checks.
	Serializable bool
	ReadOnly     bool
}

// Repo is the persistence surface shared by a store and its transactions.
// Lock* methods take a row lock on PostgreSQL; SQLite serializes writers.
// Update* methods compare-and-swap on the entity's Version and return a
// conflict error when it moved.
type Repo interface {
	// Datasets
	InsertDataset(ctx context.Context, d *model.Dataset) error
	GetDataset(ctx context.Context, id string) (*model.Dataset, error)
	GetDatasetByName(ctx context.Context, name string) (*model.Dataset, error)
	LockDataset(ctx context.Context, id string) (*model.Dataset, error)
	RefreshDatasetAggregates(ctx context.Context, id string) (*model.Dataset, error)
	ListDatasets(ctx context.Context) ([]model.Dataset, error)

	// Readings
	UpsertReadings(ctx context.Context, readings []model.Reading) (int64, error)
	GetReading(ctx context.Context, id string) (*model.Reading, error)
	ListReadings(ctx context.Context, f ReadingFilter) ([]model.Reading, error)
	SetReadingLabel(ctx context.Context, datasetID, readingID string, positive bool, sourceEventID string) error
	LabelReadingsAt(ctx context.Context, datasetID string, ts time.Time, room string, positive bool, sourceEventID string) (int64, error)
	ClearReadingsAt(ctx context.Context, datasetID string, ts time.Time, room, sourceEventID string) (int64, error)

	// Experiments
	InsertExperiment(ctx context.Context, e *model.Experiment) error
	GetExperiment(ctx context.Context, id string) (*model.Experiment, error)
	GetExperimentByName(ctx context.Context, name string) (*model.Experiment, error)
	LockExperiment(ctx context.Context, id string) (*model.Experiment, error)
	UpdateExperiment(ctx context.Context, e *model.Experiment) error
	AddExperimentLabelCounts(ctx context.Context, id string, dPos, dNeg int64) error
	RecountExperimentCandidates(ctx context.Context, id string) (int64, error)
	ListExperiments(ctx context.Context, f ExperimentFilter) ([]model.Experiment, error)

	// Events
	InsertEvents(ctx context.Context, events []model.Event) (int64, error)
	GetEvent(ctx context.Context, id string) (*model.Event, error)
	LockEvent(ctx context.Context, id string) (*model.Event, error)
	UpdateEventReview(ctx context.Context, ev *model.Event) error
	ListEvents(ctx context.Context, f EventFilter) ([]model.Event, error)
	EventStats(ctx context.Context, experimentID string) ([]EventStatRow, error)

	// Labels
	InsertLabel(ctx context.Context, l *model.Label) error
	GetLabel(ctx context.Context, id string) (*model.Label, error)
	GetLabelByName(ctx context.Context, name string) (*model.Label, error)
	ListLabels(ctx context.Context) ([]model.Label, error)
	InsertLink(ctx context.Context, eventID, labelID string) (bool, error)
	DeleteLink(ctx context.Context, eventID, labelID string) (bool, error)
	ListLinksByEvent(ctx context.Context, eventID string) ([]model.EventLabelLink, error)
	ListLinksByLabel(ctx context.Context, labelID string) ([]model.EventLabelLink, error)

	// Trained models
	InsertModel(ctx context.Context, m *model.TrainedModel) error
	GetModel(ctx context.Context, id string) (*model.TrainedModel, error)
	GetModelByJob(ctx context.Context, jobID string) (*model.TrainedModel, error)
	LockModel(ctx context.Context, id string) (*model.TrainedModel, error)
	UpdateModel(ctx context.Context, m *model.TrainedModel) error
	ListModels(ctx context.Context, f JobFilter) ([]model.TrainedModel, error)

	// Evaluation runs
	InsertEvaluation(ctx context.Context, ev *model.EvaluationRun) error
	GetEvaluation(ctx context.Context, id string) (*model.EvaluationRun, error)
	GetEvaluationByJob(ctx context.Context, jobID string) (*model.EvaluationRun, error)
	LockEvaluation(ctx context.Context, id string) (*model.EvaluationRun, error)
	UpdateEvaluation(ctx context.Context, ev *model.EvaluationRun) error
	ListEvaluations(ctx context.Context, f JobFilter) ([]model.EvaluationRun, error)

	// Predictions
	InsertPredictions(ctx context.Context, preds []model.Prediction) (int64, error)
	ListPredictions(ctx context.Context, runID string, after time.Time, limit int) ([]model.Prediction, error)
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)

// Store is a Repo with transactions and lifecycle management.
type Store interface {
	Repo

	// InTx runs fn inside one transaction. fn must use only the Repo it is
	// given; the transaction commits when fn returns nil.
	InTx(ctx context.Context, opts TxOptions, fn func(Repo) error) error

	Migrate(ctx context.Context) error
	Close() error
}
