package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/meterlab/internal/apperr"
)

// StatusSource reads a job's latest status from the runner.
type StatusSource interface {
	Status(ctx context.Context, jobID string) (*Report, error)
}

// Poller asks the runner for the status of every in-flight job on an
// interval and applies what it learns. It covers runners that cannot push
// reports back.
type Poller struct {
	src      StatusSource
	tracker  Tracker
	applier  Applier
	interval time.Duration
	log      *zap.Logger
}

// NewPoller creates a Poller. interval defaults to 30s.
func NewPoller(src StatusSource, tracker Tracker, applier Applier, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Poller{
		src:      src,
		tracker:  tracker,
		applier:  applier,
		interval: interval,
		log:      zap.L().With(zap.String("component", "jobs.poller")),
	}
}

// Run polls until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	p.log.Info("job poller started", zap.Duration("interval", p.interval))
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if _, err := p.PollOnce(ctx); err != nil && ctx.Err() == nil {
			p.log.Error("job poll failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			p.log.Info("job poller stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// PollOnce polls every active job once and returns how many reports were
// applied. Failures on one job do not stop the others.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	refs, err := p.tracker.ActiveJobs(ctx)
	if err != nil {
		return 0, err
	}
	applied := 0
	for _, ref := range refs {
		if ctx.Err() != nil {
			return applied, ctx.Err()
		}
		r, err := p.src.Status(ctx, ref.JobID)
		if err != nil {
			if apperr.Is(err, apperr.KindNotFound) {
				p.log.Debug("runner does not know job yet", zap.String("job_id", ref.JobID))
				continue
			}
			p.log.Warn("job status unavailable", zap.String("job_id", ref.JobID), zap.Error(err))
			continue
		}
		if r.Kind == "" {
			r.Kind = ref.Kind
		}
		res, err := p.applier.ApplyReport(ctx, "poll", *r)
		if err != nil {
			p.log.Warn("polled report rejected", zap.String("job_id", ref.JobID), zap.Error(err))
			continue
		}
		if res.Outcome == OutcomeApplied {
			applied++
		}
	}
	return applied, nil
}
