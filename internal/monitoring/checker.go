package monitoring

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/meterlab/internal/config"
)

// Checker collects a snapshot on an interval and forwards new alerts to the
// alerter. An alert type that stays active is sent once; it is sent again
// only after it clears or its severity changes.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig
	log       *zap.Logger

	mu     sync.Mutex
	active map[AlertType]string // type -> severity last sent
}

// NewChecker creates a background alert checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
		log:       zap.L().With(zap.String("component", "monitoring.checker")),
		active:    make(map[AlertType]string),
	}
}

// Run checks once immediately and then every check interval until ctx is
// cancelled. It always returns nil so it can sit in an errgroup next to the
// server.
func (c *Checker) Run(ctx context.Context) error {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	c.log.Info("alert checker started",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", c.cfg.LookbackWindowHours),
	)

	c.CheckOnce(ctx) //nolint:errcheck

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.log.Info("alert checker stopped")
			return nil
		case <-ticker.C:
			c.CheckOnce(ctx) //nolint:errcheck
		}
	}
}

// CheckOnce collects, evaluates and sends the alerts not already active. It
// returns the alerts that were new in this check.
func (c *Checker) CheckOnce(ctx context.Context) ([]Alert, error) {
	snap, err := c.collector.Collect(ctx, c.cfg.LookbackWindowHours)
	if err != nil {
		c.log.Error("collect metrics", zap.Error(err))
		return nil, err
	}

	fresh := c.filterNew(c.alerter.Evaluate(snap))
	if len(fresh) == 0 {
		c.log.Debug("no new alerts",
			zap.Int("undispatched", snap.Undispatched),
			zap.Float64("job_fail_rate", snap.JobFailRate),
		)
		return nil, nil
	}

	sent := c.alerter.SendAlerts(ctx, fresh)
	c.log.Info("alert check complete",
		zap.Int("alerts_new", len(fresh)),
		zap.Int("alerts_sent", sent),
	)
	return fresh, nil
}

// filterNew records the current alert set and returns the alerts that were
// not active with the same severity in the previous check.
func (c *Checker) filterNew(alerts []Alert) []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()

	current := make(map[AlertType]string, len(alerts))
	var fresh []Alert
	for _, a := range alerts {
		current[a.Type] = a.Severity
		if prev, ok := c.active[a.Type]; ok && prev == a.Severity {
			continue
		}
		fresh = append(fresh, a)
	}
	for t := range c.active {
		if _, ok := current[t]; !ok {
			c.log.Info("alert cleared", zap.String("type", string(t)))
		}
	}
	c.active = current
	return fresh
}
