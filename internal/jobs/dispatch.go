package jobs

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/meterlab/internal/monitoring"
	"github.com/sells-group/meterlab/internal/resilience"
)

// LogDispatcher only logs requests. It is the default for local runs where
// reports are fed in by hand with `model report`.
type LogDispatcher struct {
	log *zap.Logger
}

// NewLogDispatcher creates a LogDispatcher.
func NewLogDispatcher() *LogDispatcher {
	return &LogDispatcher{log: zap.L().With(zap.String("component", "jobs.log"))}
}

func (d *LogDispatcher) Name() string { return "log" }

func (d *LogDispatcher) Dispatch(_ context.Context, req Request) error {
	d.log.Info("job requested",
		zap.String("job_id", req.JobID),
		zap.String("kind", string(req.Kind)),
		zap.String("entity_id", req.EntityID),
	)
	return nil
}

func (d *LogDispatcher) Close() error { return nil }

// ResilientDispatcher retries transient dispatch failures and stops calling
// a failing runner once its circuit opens.
type ResilientDispatcher struct {
	next    Dispatcher
	retry   resilience.RetryConfig
	breaker *resilience.CircuitBreaker
}

// NewResilientDispatcher wraps next with retry and a circuit breaker.
func NewResilientDispatcher(next Dispatcher, retry resilience.RetryConfig, cb resilience.CircuitBreakerConfig) *ResilientDispatcher {
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("jobs", "dispatch")
	}
	return &ResilientDispatcher{
		next:    next,
		retry:   retry,
		breaker: resilience.NewCircuitBreaker("dispatch."+next.Name(), cb),
	}
}

func (d *ResilientDispatcher) Name() string { return d.next.Name() }

// Dispatch sends req. An open circuit fails fast with a transient error, so
// the redispatch sweep picks the job up later.
func (d *ResilientDispatcher) Dispatch(ctx context.Context, req Request) error {
	err := resilience.Do(ctx, d.retry, func(ctx context.Context) error {
		return d.breaker.Execute(ctx, func(ctx context.Context) error {
			return d.next.Dispatch(ctx, req)
		})
	})
	switch {
	case err == nil:
		monitoring.Dispatches.WithLabelValues(d.Name(), "ok").Inc()
		return nil
	case errors.Is(err, resilience.ErrCircuitOpen):
		monitoring.Dispatches.WithLabelValues(d.Name(), "circuit_open").Inc()
		return eris.Wrapf(err, "dispatch %s", req.JobID)
	default:
		monitoring.Dispatches.WithLabelValues(d.Name(), "error").Inc()
		return eris.Wrapf(err, "dispatch %s", req.JobID)
	}
}

// Breaker exposes the circuit breaker for status reporting.
func (d *ResilientDispatcher) Breaker() *resilience.CircuitBreaker { return d.breaker }

// Unwrap returns the wrapped dispatcher.
func (d *ResilientDispatcher) Unwrap() Dispatcher { return d.next }

func (d *ResilientDispatcher) Close() error { return d.next.Close() }
