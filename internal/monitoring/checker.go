package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/meridianhealth/provider-validation/internal/config"
	"github.com/meridianhealth/provider-validation/internal/notify"
)

// Checker runs periodic health checks in the background. Stale RUNNING jobs
// are surfaced on the broadcast topic in addition to any webhook alerts.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	hub       *notify.Hub
	cfg       config.MonitoringConfig
}

// NewChecker creates a background health checker.
func NewChecker(collector *Collector, alerter *Alerter, hub *notify.Hub, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		hub:       hub,
		cfg:       cfg,
	}
}

// Run starts the periodic check loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting health checker",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", c.cfg.LookbackWindowHours),
		zap.Int("stale_after_secs", c.cfg.StaleAfterSecs),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("health checker stopped")
			return
		case <-ticker.C:
			c.check(ctx, log)
		}
	}
}

func (c *Checker) check(ctx context.Context, log *zap.Logger) {
	snap, err := c.collector.Collect(ctx, c.cfg.LookbackWindowHours)
	if err != nil {
		log.Error("monitoring: failed to collect metrics", zap.Error(err))
		return
	}

	for _, j := range snap.StaleJobs {
		log.Warn("monitoring: stale job detected",
			zap.String("job_id", j.ID),
			zap.Int("completed", j.CompletedProviders),
			zap.Int("total", j.TotalProviders),
			zap.Time("updated_at", j.UpdatedAt),
		)
		c.hub.Broadcast(notify.JobStale(j.ID, j.CompletedProviders, j.TotalProviders))
	}

	alerts := c.alerter.Evaluate(snap)
	if len(alerts) == 0 {
		log.Debug("monitoring: no alerts triggered")
		return
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	log.Info("monitoring: health check complete",
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_sent", sent),
	)
}
