package candidate

import (
	"github.com/sells-group/meterlab/internal/apperr"
	"github.com/sells-group/meterlab/internal/model"
	"github.com/sells-group/meterlab/internal/store"
)

func errNotRunning(exp *model.Experiment) error {
	return apperr.Preconditionf(store.EntityExperiment, exp.ID, "experiment is %s, not %s", exp.Status, model.ExperimentRunning)
}

func errStaleRun(exp *model.Experiment, runID string) error {
	return apperr.Preconditionf(store.EntityExperiment, exp.ID, "run %q was superseded by run %q", runID, exp.RunID)
}

// IsStopped reports whether err means the experiment left RUNNING, or was
// started again by another run, while its candidates were being persisted.
func IsStopped(err error) bool {
	return apperr.Is(err, apperr.KindPrecondition)
}
