package model

import (
	"time"

	"github.com/sells-group/meterlab/internal/apperr"
)

// JobStatus is the lifecycle state shared by trained models and evaluation runs.
type JobStatus string

const (
	JobQueued    JobStatus = "QUEUED"
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
)

func (s JobStatus) rank() int {
	switch s {
	case JobQueued:
		return 0
	case JobRunning:
		return 1
	case JobCompleted, JobFailed:
		return 2
	default:
		return -1
	}
}

// Valid reports whether s is a known job status.
func (s JobStatus) Valid() bool { return s.rank() >= 0 }

// IsTerminal reports whether no further transition is possible.
func (s JobStatus) IsTerminal() bool { return s.rank() == 2 }

// CanAdvanceTo reports whether moving from s to next is a forward step.
// Terminal states never advance, so COMPLETED and FAILED are mutually exclusive.
func (s JobStatus) CanAdvanceTo(next JobStatus) bool {
	if !s.Valid() || !next.Valid() || s.IsTerminal() {
		return false
	}
	return next.rank() > s.rank()
}

// ScenarioType names the labeling regime a model is trained under.
type ScenarioType string

const (
	ScenarioSupervised        ScenarioType = "supervised"
	ScenarioPositiveUnlabeled ScenarioType = "positive_unlabeled"
	ScenarioUnsupervised      ScenarioType = "unsupervised"
)

// ModelType names a model family.
type ModelType string

const (
	ModelIsolationForest ModelType = "isolation_forest"
	ModelAutoencoder     ModelType = "autoencoder"
	ModelPULearning      ModelType = "pu_learning"
)

// ModelConfig is the tagged training configuration. The block matching Type
// is the only one set.
type ModelConfig struct {
	Type            ModelType              `json:"type" yaml:"type" validate:"required,oneof=isolation_forest autoencoder pu_learning"`
	Scenario        ScenarioType           `json:"scenario" yaml:"scenario" validate:"required,oneof=supervised positive_unlabeled unsupervised"`
	IsolationForest *IsolationForestConfig `json:"isolation_forest,omitempty" yaml:"isolation_forest"`
	Autoencoder     *AutoencoderConfig     `json:"autoencoder,omitempty" yaml:"autoencoder"`
	PU              *PUConfig              `json:"pu,omitempty" yaml:"pu"`
}

// IsolationForestConfig configures an isolation forest.
type IsolationForestConfig struct {
	Trees         int     `json:"trees" yaml:"trees" validate:"gte=1,lte=10000"`
	Contamination float64 `json:"contamination" yaml:"contamination" validate:"gt=0,lt=0.5"`
}

// AutoencoderConfig configures a reconstruction autoencoder.
type AutoencoderConfig struct {
	WindowSize int     `json:"window_size" yaml:"window_size" validate:"gte=2"`
	LatentDim  int     `json:"latent_dim" yaml:"latent_dim" validate:"gte=1"`
	Epochs     int     `json:"epochs" yaml:"epochs" validate:"gte=1"`
	LearnRate  float64 `json:"learn_rate" yaml:"learn_rate" validate:"gt=0"`
}

// PUConfig configures positive-unlabeled learning.
type PUConfig struct {
	ClassPrior float64   `json:"class_prior" yaml:"class_prior" validate:"gt=0,lt=1"`
	BaseModel  ModelType `json:"base_model" yaml:"base_model" validate:"required,oneof=isolation_forest autoencoder"`
}

// Validate checks field ranges and that the block matches Type.
func (c ModelConfig) Validate() error {
	if err := Validate("model_config", string(c.Type), c); err != nil {
		return err
	}
	var ok bool
	switch c.Type {
	case ModelIsolationForest:
		ok = c.IsolationForest != nil && c.Autoencoder == nil && c.PU == nil
	case ModelAutoencoder:
		ok = c.Autoencoder != nil && c.IsolationForest == nil && c.PU == nil
	case ModelPULearning:
		ok = c.PU != nil && c.IsolationForest == nil && c.Autoencoder == nil
	}
	if !ok {
		return apperr.Validationf("model_config", string(c.Type), "config block must match type %s", c.Type)
	}
	if c.Type == ModelPULearning && c.Scenario != ScenarioPositiveUnlabeled {
		return apperr.Validationf("model_config", string(c.Type), "pu_learning requires scenario positive_unlabeled")
	}
	return nil
}

// DataSourceConfig selects the training data drawn from the experiment's dataset.
type DataSourceConfig struct {
	Range             TimeRange `json:"range" yaml:"range"`
	Rooms             []string  `json:"rooms,omitempty" yaml:"rooms"`
	Channel           Channel   `json:"channel,omitempty" yaml:"channel" validate:"omitempty,oneof=total raw_l1 raw_l2 w110 w220"`
	IncludeUnreviewed bool      `json:"include_unreviewed,omitempty" yaml:"include_unreviewed"`
	ValidationSplit   float64   `json:"validation_split" yaml:"validation_split" validate:"gte=0,lt=1"`
}

// TestSetSource selects the readings an evaluation run predicts over.
type TestSetSource struct {
	DatasetID string    `json:"dataset_id" yaml:"dataset_id" validate:"required"`
	Range     TimeRange `json:"range" yaml:"range"`
	Rooms     []string  `json:"rooms,omitempty" yaml:"rooms"`
}

// TrainedModel is a model trained by an external job for one experiment.
type TrainedModel struct {
	ID            string             `json:"id"`
	ExperimentID  string             `json:"experiment_id"`
	Scenario      ScenarioType       `json:"scenario"`
	Status        JobStatus          `json:"status"`
	Config        ModelConfig        `json:"config"`
	DataSource    DataSourceConfig   `json:"data_source"`
	JobID         string             `json:"job_id"`
	ArtifactPath  string             `json:"artifact_path,omitempty"`
	Metrics       map[string]float64 `json:"metrics,omitempty"`
	Logs          string             `json:"logs,omitempty"`
	FailureReason string             `json:"failure_reason,omitempty"`
	Version       int64              `json:"version"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
	DispatchedAt  *time.Time         `json:"dispatched_at,omitempty"`
	StartedAt     *time.Time         `json:"started_at,omitempty"`
	CompletedAt   *time.Time         `json:"completed_at,omitempty"`
}

// EvaluationRun scores a trained model against a test set.
type EvaluationRun struct {
	ID             string             `json:"id"`
	TrainedModelID string             `json:"trained_model_id"`
	TestSet        TestSetSource      `json:"test_set"`
	Status         JobStatus          `json:"status"`
	JobID          string             `json:"job_id"`
	Metrics        map[string]float64 `json:"metrics,omitempty"`
	Logs           string             `json:"logs,omitempty"`
	FailureReason  string             `json:"failure_reason,omitempty"`
	Version        int64              `json:"version"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
	DispatchedAt   *time.Time         `json:"dispatched_at,omitempty"`
	StartedAt      *time.Time         `json:"started_at,omitempty"`
	CompletedAt    *time.Time         `json:"completed_at,omitempty"`
}

// Prediction is one scored timestamp of an evaluation run. Append-only,
// unique per (run, timestamp).
type Prediction struct {
	EvaluationRunID string    `json:"evaluation_run_id"`
	Timestamp       time.Time `json:"timestamp"`
	Score           float64   `json:"score"`
	GroundTruth     *bool     `json:"ground_truth,omitempty"`
}
