package monitoring

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/evidence-engine/internal/config"
)

// Checker runs periodic health checks in the background while serving and
// keeps the most recent result for the health endpoint.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig

	mu     sync.RWMutex
	last   *MetricsSnapshot
	alerts []Alert
}

// NewChecker creates a background alert checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
	}
}

// Run checks once immediately and then on every tick. It blocks until ctx
// is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting health checker",
		zap.Duration("interval", interval),
		zap.Int("lookback_cycles", c.cfg.LookbackCycles),
	)

	if ctx.Err() == nil {
		c.Check(ctx)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("health checker stopped")
			return
		case <-ticker.C:
			c.Check(ctx)
		}
	}
}

// Check collects metrics, evaluates thresholds and sends any alerts.
func (c *Checker) Check(ctx context.Context) []Alert {
	log := zap.L().With(zap.String("component", "monitoring.checker"))

	snap, err := c.collector.Collect(ctx, c.cfg.LookbackCycles)
	if err != nil {
		log.Error("monitoring: failed to collect metrics", zap.Error(err))
		return nil
	}

	alerts := c.alerter.Evaluate(snap)

	c.mu.Lock()
	c.last = snap
	c.alerts = alerts
	c.mu.Unlock()

	if len(alerts) == 0 {
		log.Debug("monitoring: no alerts triggered",
			zap.Int("active_version", snap.ActiveVersion),
			zap.Int("quarantine_depth", snap.QuarantineDepth),
		)
		return nil
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	log.Info("monitoring: alert check complete",
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_sent", sent),
	)
	return alerts
}

// Last returns the most recent snapshot and its alerts, or nil before the
// first successful check.
func (c *Checker) Last() (*MetricsSnapshot, []Alert) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last, append([]Alert(nil), c.alerts...)
}
