package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Sweeper redispatches queued jobs whose dispatch never succeeded, for
// example because the runner was down when they were submitted.
type Sweeper struct {
	tracker    Tracker
	dispatcher Dispatcher
	after      time.Duration
	interval   time.Duration
	limiter    *rate.Limiter
	log        *zap.Logger
}

// SweeperOptions configures a Sweeper.
type SweeperOptions struct {
	// After is how long a job must have waited undispatched. Default 5m.
	After time.Duration
	// Interval between sweeps. Default 1m.
	Interval time.Duration
	// RatePerSec caps redispatches. Zero means 5 per second.
	RatePerSec float64
}

// NewSweeper creates a Sweeper.
func NewSweeper(tracker Tracker, d Dispatcher, opts SweeperOptions) *Sweeper {
	if opts.After <= 0 {
		opts.After = 5 * time.Minute
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 5
	}
	return &Sweeper{
		tracker:    tracker,
		dispatcher: d,
		after:      opts.After,
		interval:   opts.Interval,
		limiter:    rate.NewLimiter(rate.Limit(opts.RatePerSec), 1),
		log:        zap.L().With(zap.String("component", "jobs.sweeper")),
	}
}

// Run sweeps until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				s.log.Error("redispatch sweep failed", zap.Error(err))
			}
		}
	}
}

// SweepOnce redispatches every stale job once and returns how many were
// accepted by the runner.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	pending, err := s.tracker.PendingDispatch(ctx, s.after)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, req := range pending {
		if err := s.limiter.Wait(ctx); err != nil {
			return sent, err
		}
		if err := s.dispatcher.Dispatch(ctx, req); err != nil {
			s.log.Warn("redispatch failed", zap.String("job_id", req.JobID), zap.Error(err))
			continue
		}
		if err := s.tracker.MarkDispatched(ctx, req); err != nil {
			s.log.Warn("mark dispatched failed", zap.String("job_id", req.JobID), zap.Error(err))
			continue
		}
		sent++
	}
	if len(pending) > 0 {
		s.log.Info("redispatch sweep",
			zap.Int("pending", len(pending)),
			zap.Int("sent", sent),
		)
	}
	return sent, nil
}
