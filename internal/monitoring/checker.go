package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pulsefeed/grouper/internal/config"
)

const defaultCheckInterval = 5 * time.Minute

// Checker ties the collector and alerter together into a periodic sweep.
// It is started alongside the HTTP server and runs for the life of the
// serve command.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig
	log       *zap.Logger
}

// NewChecker creates a background alert checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
		log:       zap.L().With(zap.String("component", "monitoring.checker")),
	}
}

func (c *Checker) interval() time.Duration {
	if c.cfg.CheckIntervalSecs > 0 {
		return time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	}
	return defaultCheckInterval
}

// Run blocks until ctx is cancelled, sweeping once per interval.
func (c *Checker) Run(ctx context.Context) {
	interval := c.interval()
	c.log.Info("starting alert checker",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", c.cfg.LookbackHours),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.log.Info("alert checker stopped")
			return
		case <-ticker.C:
			c.sweep(ctx)
		}
	}
}

// sweep collects a snapshot, evaluates it, and dispatches whatever fires.
// Collection errors are logged and swallowed so a flaky store read does not
// kill the loop.
func (c *Checker) sweep(ctx context.Context) {
	snap, err := c.collector.Collect(ctx, c.cfg.LookbackHours)
	if err != nil {
		c.log.Error("monitoring: failed to collect metrics", zap.Error(err))
		return
	}

	alerts := c.alerter.Evaluate(snap)
	if len(alerts) == 0 {
		c.log.Debug("monitoring: no alerts triggered")
		return
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	c.log.Info("monitoring: alert check complete",
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_sent", sent),
	)
}
