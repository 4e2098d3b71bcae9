package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/buyer-fit/internal/config"
	"github.com/sells-group/buyer-fit/internal/model"
)

// Checker runs periodic alert checks in the background.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig
	kick      chan struct{}
}

// NewChecker creates a background alert checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
		kick:      make(chan struct{}, 1),
	}
}

// TerminalFailure schedules an early check. It matches the worker pool's
// terminal-failure hook and never blocks; bursts collapse into one check.
func (c *Checker) TerminalFailure(_ context.Context, item model.QueueItem, errMsg string) {
	zap.L().Error("monitoring: queue item failed terminally",
		zap.Int64("item_id", item.ID),
		zap.String("buyer_id", item.BuyerID),
		zap.String("deal_id", item.DealID),
		zap.String("score_type", string(item.ScoreType)),
		zap.String("error", errMsg),
	)
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Run starts the periodic check loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting alert checker", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("alert checker stopped")
			return
		case <-ticker.C:
			c.Check(ctx)
		case <-c.kick:
			c.Check(ctx)
		}
	}
}

// Check collects once and sends any alerts. It returns the alerts raised.
func (c *Checker) Check(ctx context.Context) []Alert {
	log := zap.L().With(zap.String("component", "monitoring.checker"))

	snap, err := c.collector.Collect(ctx)
	if err != nil {
		log.Error("monitoring: failed to collect metrics", zap.Error(err))
		return nil
	}

	alerts := c.alerter.Evaluate(snap)
	if len(alerts) == 0 {
		log.Debug("monitoring: no alerts triggered")
		return nil
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	log.Info("monitoring: alert check complete",
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_sent", sent),
	)
	return alerts
}
