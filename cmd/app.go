package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/meterlab/internal/candidate"
	"github.com/sells-group/meterlab/internal/catalog"
	"github.com/sells-group/meterlab/internal/experiment"
	"github.com/sells-group/meterlab/internal/jobs"
	"github.com/sells-group/meterlab/internal/labeling"
	"github.com/sells-group/meterlab/internal/lifecycle"
	"github.com/sells-group/meterlab/internal/resilience"
	"github.com/sells-group/meterlab/internal/store"
)

const shutdownTimeout = 30 * time.Second

// app bundles the services every command works through.
type app struct {
	st          store.Store
	catalog     *catalog.Service
	experiments *experiment.Controller
	labeling    *labeling.Service
	lifecycle   *lifecycle.Manager
	dispatcher  *jobs.ResilientDispatcher
}

func retryConfig() resilience.RetryConfig {
	return resilience.FromRetrySettings(cfg.Retry.MaxAttempts, cfg.Retry.InitialBackoffMs, cfg.Retry.MaxBackoffMs)
}

func initApp(ctx context.Context) (*app, error) {
	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	d, err := jobs.FromConfig(cfg.Jobs, retryConfig())
	if err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}
	return &app{
		st:      st,
		catalog: catalog.New(st, cfg.Generation.PageSize),
		experiments: experiment.New(st, experiment.Options{
			MaxSkipRatio: cfg.Generation.MaxSkipRatio,
			Generator: candidate.Options{
				PageSize:  cfg.Generation.PageSize,
				BatchSize: cfg.Generation.BatchSize,
			},
		}),
		labeling:   labeling.New(st),
		lifecycle:  lifecycle.New(st, d),
		dispatcher: d,
	}, nil
}

// Close stops running experiments and releases connections. Runs get up to
// shutdownTimeout to record their outcome.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.experiments.Shutdown(ctx); err != nil {
		zap.L().Warn("experiment shutdown", zap.Error(err))
	}
	if err := a.dispatcher.Close(); err != nil {
		zap.L().Warn("close dispatcher", zap.Error(err))
	}
	if err := a.st.Close(); err != nil {
		zap.L().Warn("close store", zap.Error(err))
	}
}
