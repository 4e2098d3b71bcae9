package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/buyer-fit/internal/config"
	"github.com/sells-group/buyer-fit/internal/metrics"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertQueueTerminalFailures AlertType = "queue_terminal_failures"
	AlertCircuitBreakerTripped AlertType = "circuit_breaker_tripped"
	AlertQueueBacklog          AlertType = "queue_backlog"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	threshold := a.cfg.TerminalFailureThreshold
	if threshold < 1 {
		threshold = 1
	}
	if snap.NewFailures >= threshold {
		examples := make([]map[string]any, 0, len(snap.RecentFailures))
		for _, it := range snap.RecentFailures {
			examples = append(examples, map[string]any{
				"id":          it.ID,
				"universe_id": it.UniverseID,
				"buyer_id":    it.BuyerID,
				"deal_id":     it.DealID,
				"score_type":  it.ScoreType,
				"attempts":    it.Attempts,
				"last_error":  it.LastError,
			})
		}
		alerts = append(alerts, Alert{
			Type:     AlertQueueTerminalFailures,
			Severity: "high",
			Message: fmt.Sprintf(
				"%d scoring queue item(s) failed terminally (%d failed in total)",
				snap.NewFailures, snap.Failed,
			),
			Details: map[string]any{
				"new_failures": snap.NewFailures,
				"total_failed": snap.Failed,
				"threshold":    threshold,
				"items":        examples,
			},
			Timestamp: now,
		})
	}

	for _, j := range snap.TrippedJobs {
		alerts = append(alerts, Alert{
			Type:     AlertCircuitBreakerTripped,
			Severity: "high",
			Message: fmt.Sprintf(
				"%s job %s halted by circuit breaker after %d/%d records (%d errors)",
				j.JobType, j.ID, j.Processed, j.Total, j.ErrorCount,
			),
			Details: map[string]any{
				"job_id":            j.ID,
				"job_type":          j.JobType,
				"processed":         j.Processed,
				"total":             j.Total,
				"error_count":       j.ErrorCount,
				"rate_limit_count":  j.RateLimitCount,
				"last_processed_id": j.LastProcessedID,
				"last_error":        j.LastError,
			},
			Timestamp: now,
		})
	}

	if a.cfg.BacklogThreshold > 0 && snap.Pending > a.cfg.BacklogThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertQueueBacklog,
			Severity: "medium",
			Message: fmt.Sprintf(
				"Scoring queue backlog %d exceeds threshold %d (%d processing)",
				snap.Pending, a.cfg.BacklogThreshold, snap.Processing,
			),
			Details: map[string]any{
				"pending":    snap.Pending,
				"processing": snap.Processing,
				"threshold":  a.cfg.BacklogThreshold,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if len(alerts) == 0 {
		return 0
	}
	if a.cfg.WebhookURL == "" {
		for _, alert := range alerts {
			zap.L().Warn("monitoring: alert (no webhook configured)",
				zap.String("type", string(alert.Type)),
				zap.String("message", alert.Message),
			)
		}
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		metrics.AlertsSent.WithLabelValues(string(alert.Type)).Inc()
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
