package jobs

import (
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/meterlab/internal/config"
	"github.com/sells-group/meterlab/internal/resilience"
)

// FromConfig builds the configured dispatcher wrapped with retry and a
// circuit breaker.
func FromConfig(cfg config.JobsConfig, retry resilience.RetryConfig) (*ResilientDispatcher, error) {
	var (
		d   Dispatcher
		err error
	)
	switch cfg.Dispatcher {
	case "", "log":
		d = NewLogDispatcher()
	case "http":
		d, err = NewHTTPClient(HTTPOptions{
			BaseURL:    cfg.HTTP.BaseURL,
			Token:      cfg.HTTP.Token,
			RatePerSec: cfg.HTTP.RatePerSec,
			Timeout:    time.Duration(cfg.HTTP.TimeoutSecs) * time.Second,
		})
	case "kafka":
		d, err = NewKafkaDispatcher(cfg.Kafka.Brokers, cfg.Kafka.RequestTopic)
	case "temporal":
		d, err = NewTemporalDispatcher(TemporalOptions{
			HostPort:  cfg.Temporal.HostPort,
			Namespace: cfg.Temporal.Namespace,
			TaskQueue: cfg.Temporal.TaskQueue,
		})
	default:
		return nil, eris.Errorf("jobs: unknown dispatcher %q", cfg.Dispatcher)
	}
	if err != nil {
		return nil, err
	}
	return NewResilientDispatcher(d, retry,
		resilience.FromCircuitSettings(cfg.Circuit.FailureThreshold, cfg.Circuit.ResetTimeoutSecs)), nil
}
