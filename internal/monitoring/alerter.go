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

	"github.com/sells-group/evidence-engine/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertCycleFailureRate   AlertType = "cycle_failure_rate"
	AlertQuarantineDepth    AlertType = "quarantine_depth"
	AlertCycleErrors        AlertType = "cycle_errors"
	AlertConfidenceCollapse AlertType = "confidence_collapse"
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

	finished := snap.CyclesComplete + snap.CyclesFailed
	if finished >= 3 && a.cfg.FailureRateThreshold > 0 && snap.CycleFailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertCycleFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Cycle failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %d cycles)",
				snap.CycleFailRate*100, a.cfg.FailureRateThreshold*100,
				snap.CyclesFailed, finished, snap.LookbackCycles,
			),
			Details: map[string]any{
				"failure_rate": snap.CycleFailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.CyclesFailed,
				"finished":     finished,
			},
			Timestamp: now,
		})
	}

	if a.cfg.QuarantineDepthThreshold > 0 && snap.QuarantineDepth > a.cfg.QuarantineDepthThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertQuarantineDepth,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%d records in quarantine exceeds threshold %d",
				snap.QuarantineDepth, a.cfg.QuarantineDepthThreshold,
			),
			Details: map[string]any{
				"depth":     snap.QuarantineDepth,
				"threshold": a.cfg.QuarantineDepthThreshold,
			},
			Timestamp: now,
		})
	}

	if a.cfg.CycleErrorThreshold > 0 && snap.CycleErrors > a.cfg.CycleErrorThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertCycleErrors,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%d isolated errors in last %d cycles exceeds threshold %d",
				snap.CycleErrors, snap.LookbackCycles, a.cfg.CycleErrorThreshold,
			),
			Details: map[string]any{
				"errors":    snap.CycleErrors,
				"threshold": a.cfg.CycleErrorThreshold,
			},
			Timestamp: now,
		})
	}

	if snap.CollapseAlerts > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertConfidenceCollapse,
			Severity: "high",
			Message: fmt.Sprintf(
				"%d dimension(s) collapsed in snapshot v%d",
				snap.CollapseAlerts, snap.ActiveVersion,
			),
			Details: map[string]any{
				"collapses":   snap.CollapseAlerts,
				"regressions": snap.RegressionAlerts,
				"version":     snap.ActiveVersion,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
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
		sent++
	}
	return sent
}

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
