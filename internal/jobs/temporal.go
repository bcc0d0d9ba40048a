package jobs

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"
)

// Workflow type names registered by the training worker.
const (
	WorkflowTrainModel    = "TrainModel"
	WorkflowEvaluateModel = "EvaluateModel"
)

// workflowStarter is the part of client.Client the dispatcher uses.
type workflowStarter interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error)
	Close()
}

// TemporalDispatcher starts one workflow per job. The workflow id is the job
// id and duplicates are rejected, so a redispatch never starts a second run.
type TemporalDispatcher struct {
	c         workflowStarter
	taskQueue string
	log       *zap.Logger
}

// TemporalOptions configures the Temporal connection.
type TemporalOptions struct {
	HostPort  string
	Namespace string
	TaskQueue string
}

// NewTemporalDispatcher dials the Temporal frontend.
func NewTemporalDispatcher(opts TemporalOptions) (*TemporalDispatcher, error) {
	if opts.TaskQueue == "" {
		return nil, eris.New("jobs: temporal task queue is required")
	}
	c, err := client.Dial(client.Options{
		HostPort:  opts.HostPort,
		Namespace: opts.Namespace,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "jobs: dial temporal %s", opts.HostPort)
	}
	return newTemporalDispatcher(c, opts.TaskQueue), nil
}

func newTemporalDispatcher(c workflowStarter, taskQueue string) *TemporalDispatcher {
	return &TemporalDispatcher{
		c:         c,
		taskQueue: taskQueue,
		log:       zap.L().With(zap.String("component", "jobs.temporal")),
	}
}

func (d *TemporalDispatcher) Name() string { return "temporal" }

func (d *TemporalDispatcher) Dispatch(ctx context.Context, req Request) error {
	workflow := WorkflowTrainModel
	if req.Kind == KindEvaluation {
		workflow = WorkflowEvaluateModel
	}
	run, err := d.c.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:                    req.JobID,
		TaskQueue:             d.taskQueue,
		WorkflowIDReusePolicy: enumspb.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE,
	}, workflow, req)
	if err != nil {
		var started *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &started) {
			d.log.Debug("workflow already started", zap.String("job_id", req.JobID))
			return nil
		}
		return eris.Wrapf(err, "jobs: start workflow %s for %s", workflow, req.JobID)
	}
	d.log.Info("workflow started",
		zap.String("job_id", req.JobID),
		zap.String("workflow", workflow),
		zap.String("run_id", run.GetRunID()),
	)
	return nil
}

func (d *TemporalDispatcher) Close() error {
	d.c.Close()
	return nil
}
