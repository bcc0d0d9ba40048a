// Package jobs is the boundary to the external training and evaluation job
// runner. Requests go out through a Dispatcher; status reports come back over
// HTTP, Kafka or polling and are handed to an Applier.
package jobs

import (
	"context"
	"time"

	"github.com/sells-group/meterlab/internal/apperr"
	"github.com/sells-group/meterlab/internal/model"
)

// Kind says which lifecycle entity a job belongs to.
type Kind string

const (
	KindTraining   Kind = "training"
	KindEvaluation Kind = "evaluation"
)

// Request is the job descriptor sent to the runner. JobID is the idempotency
// key: dispatching the same request twice must not start two jobs.
type Request struct {
	JobID          string                  `json:"job_id"`
	Kind           Kind                    `json:"kind"`
	EntityID       string                  `json:"entity_id"`
	ExperimentID   string                  `json:"experiment_id,omitempty"`
	DatasetID      string                  `json:"dataset_id,omitempty"`
	TrainedModelID string                  `json:"trained_model_id,omitempty"`
	ArtifactPath   string                  `json:"artifact_path,omitempty"`
	Model          *model.ModelConfig      `json:"model,omitempty"`
	DataSource     *model.DataSourceConfig `json:"data_source,omitempty"`
	TestSet        *model.TestSetSource    `json:"test_set,omitempty"`
	SubmittedAt    time.Time               `json:"submitted_at"`
}

// Payload carries what a runner attaches to a status report.
type Payload struct {
	Metrics      map[string]float64 `json:"metrics,omitempty"`
	ArtifactPath string             `json:"artifact_path,omitempty"`
	Logs         string             `json:"logs,omitempty"`
	Reason       string             `json:"reason,omitempty"`
	// Predictions are only accepted for evaluation jobs.
	Predictions []model.Prediction `json:"predictions,omitempty"`
}

// Report is a status update from the runner. Kind and EntityID are optional;
// the job id alone identifies the entity.
type Report struct {
	JobID     string          `json:"job_id" validate:"required"`
	Kind      Kind            `json:"kind,omitempty" validate:"omitempty,oneof=training evaluation"`
	EntityID  string          `json:"entity_id,omitempty"`
	Status    model.JobStatus `json:"status" validate:"required,oneof=QUEUED RUNNING COMPLETED FAILED"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   Payload         `json:"payload"`
}

// Validate checks the report's shape.
func (r Report) Validate() error {
	if err := model.Validate("job_report", r.JobID, r); err != nil {
		return err
	}
	if len(r.Payload.Predictions) > 0 && r.Kind == KindTraining {
		return apperr.Validationf("job_report", r.JobID, "predictions are only accepted for evaluation jobs")
	}
	return nil
}

// Outcome says what happened to a report.
type Outcome string

const (
	OutcomeApplied  Outcome = "applied"
	OutcomeIgnored  Outcome = "ignored"
	OutcomeRejected Outcome = "rejected"
)

// Result describes an applied or ignored report.
type Result struct {
	Outcome  Outcome         `json:"outcome"`
	Kind     Kind            `json:"kind"`
	EntityID string          `json:"entity_id"`
	Status   model.JobStatus `json:"status"`
}

// Applier applies job reports to the lifecycle. source names the surface
// the report arrived on (http, kafka, poll, cli).
type Applier interface {
	ApplyReport(ctx context.Context, source string, r Report) (*Result, error)
}

// Dispatcher sends job requests to a runner.
type Dispatcher interface {
	Name() string
	Dispatch(ctx context.Context, req Request) error
	Close() error
}

// Ref identifies an in-flight job for the poller.
type Ref struct {
	JobID    string
	Kind     Kind
	EntityID string
}

// Tracker lists the jobs that still wait for a terminal report and those
// that were never dispatched.
type Tracker interface {
	ActiveJobs(ctx context.Context) ([]Ref, error)
	PendingDispatch(ctx context.Context, olderThan time.Duration) ([]Request, error)
	MarkDispatched(ctx context.Context, req Request) error
}
