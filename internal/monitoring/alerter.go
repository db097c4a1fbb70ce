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

	"github.com/sells-group/lead-scorer/internal/config"
	"github.com/sells-group/lead-scorer/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertJobFailureRate AlertType = "job_failure_rate"
	AlertStaleJobs      AlertType = "stale_jobs"
	AlertThrottled      AlertType = "upstream_throttled"
	AlertScoringCircuit AlertType = "scoring_circuit_open"
)

// minFinished is the number of finished jobs needed before the failure
// rate is meaningful.
const minFinished = 5

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

	finished := snap.JobsCompleted + snap.JobsFailed
	if finished >= minFinished && snap.JobFailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertJobFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Job failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.JobFailRate*100, a.cfg.FailureRateThreshold*100,
				snap.JobsFailed, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.JobFailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.JobsFailed,
				"finished":     finished,
			},
			Timestamp: now,
		})
	}

	if len(snap.StaleJobs) > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertStaleJobs,
			Severity: "medium",
			Message:  fmt.Sprintf("%d processing job(s) have a stale heartbeat", len(snap.StaleJobs)),
			Details: map[string]any{
				"job_ids": snap.StaleJobs,
			},
			Timestamp: now,
		})
	}

	if a.cfg.ThrottleLevelThreshold > 0 && snap.ThrottleLevel >= a.cfg.ThrottleLevelThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertThrottled,
			Severity: "medium",
			Message: fmt.Sprintf(
				"Upstream throttle level %d reached threshold %d; backing off until %s",
				snap.ThrottleLevel, a.cfg.ThrottleLevelThreshold, snap.ThrottleUntil.Format(time.RFC3339),
			),
			Details: map[string]any{
				"level":     snap.ThrottleLevel,
				"threshold": a.cfg.ThrottleLevelThreshold,
				"until":     snap.ThrottleUntil,
			},
			Timestamp: now,
		})
	}

	if snap.ScoringCircuit == resilience.CircuitOpen.String() {
		alerts = append(alerts, Alert{
			Type:     AlertScoringCircuit,
			Severity: "high",
			Message: fmt.Sprintf(
				"Scoring collaborator circuit is open after %d consecutive failures; leads are receiving fallback scores",
				snap.ScoringFailures,
			),
			Details: map[string]any{
				"failures": snap.ScoringFailures,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// Enabled reports whether a webhook is configured.
func (a *Alerter) Enabled() bool {
	return a.cfg.WebhookURL != ""
}

// Send delivers one alert to the webhook.
func (a *Alerter) Send(ctx context.Context, alert Alert) error {
	if !a.Enabled() {
		return eris.New("monitoring: no webhook configured")
	}
	return a.sendWebhook(ctx, alert)
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.Send(ctx, alert); err != nil {
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
