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

	"github.com/sells-group/jobcost-cli/internal/config"
	"github.com/sells-group/jobcost-cli/internal/laborimport"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertImportFailed      AlertType = "import_failed"
	AlertImportFailureRate AlertType = "import_failure_rate"
	AlertStalePending      AlertType = "stale_pending_import"
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
// and sends alerts via webhook when thresholds are breached. It also
// reports individual failed imports.
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

	finished := snap.ImportSuccess + snap.ImportPartial + snap.ImportFailed
	if finished >= 5 && snap.ImportFailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertImportFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Labor import failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.ImportFailRate*100, a.cfg.FailureRateThreshold*100,
				snap.ImportFailed, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.ImportFailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.ImportFailed,
				"finished":     finished,
			},
			Timestamp: now,
		})
	}

	if snap.StalePending > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertStalePending,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%d labor import(s) still pending after %d minutes",
				snap.StalePending, snap.StaleAfterMins,
			),
			Details: map[string]any{
				"stale_count": snap.StalePending,
				"batch_ids":   snap.StaleBatchIDs,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// ImportFailed sends an alert for one failed import run.
func (a *Alerter) ImportFailed(ctx context.Context, fileName string, res *laborimport.Result) error {
	if a.cfg.WebhookURL == "" {
		return nil
	}
	alert := failedImportAlert(fileName, res)
	if err := a.sendWebhook(ctx, alert); err != nil {
		return err
	}
	zap.L().Info("monitoring: alert sent",
		zap.String("type", string(alert.Type)),
		zap.String("import_id", res.ImportID),
	)
	return nil
}

func failedImportAlert(fileName string, res *laborimport.Result) Alert {
	reason := res.Message
	if reason == "" {
		reason = fmt.Sprintf("%d errors, %d rows written", res.ErrorCount, res.Imported+res.Updated)
	}
	details := map[string]any{
		"file_name":   fileName,
		"error_count": res.ErrorCount,
	}
	if res.ImportID != "" {
		details["import_id"] = res.ImportID
	}
	if res.ProjectID != 0 {
		details["project_id"] = res.ProjectID
		details["week_ending"] = res.WeekEnding
	}
	if len(res.Errors) > 0 {
		details["first_error"] = res.Errors[0].Error()
	}
	return Alert{
		Type:      AlertImportFailed,
		Severity:  "high",
		Message:   fmt.Sprintf("Labor import of %s failed: %s", fileName, reason),
		Details:   details,
		Timestamp: time.Now().UTC(),
	}
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
